// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/printfarm/lib/codec"
	"github.com/bureau-foundation/printfarm/lib/testutil"
)

// sendRequest connects to a Unix socket, sends a CBOR request, and
// returns the decoded response envelope.
func sendRequest(t *testing.T, socketPath string, request any) Response {
	t.Helper()

	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to socket: %v", err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		t.Fatalf("writing request: %v", err)
	}
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	var response Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return response
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	for {
		if _, err := os.Stat(path); err == nil {
			return
		}
		if t.Context().Err() != nil {
			t.Fatalf("socket %s did not appear before test context expired", path)
		}
		runtime.Gosched()
	}
}

// startServer serves server until the test ends and returns the
// socket path.
func startServer(t *testing.T, server *SocketServer) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	var (
		wg       sync.WaitGroup
		serveErr error
	)
	wg.Go(func() {
		serveErr = server.Serve(ctx)
	})
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		if serveErr != nil {
			t.Errorf("Serve returned error: %v", serveErr)
		}
	})

	waitForSocket(t, server.socketPath)
	return server.socketPath
}

func newTestServer(t *testing.T) *SocketServer {
	t.Helper()
	return NewSocketServer(filepath.Join(testutil.SocketDir(t), "test.sock"), testLogger())
}

func TestSocketServerStatus(t *testing.T) {
	server := newTestServer(t)
	server.Handle("status", func(ctx context.Context, raw []byte) (any, error) {
		return map[string]any{"queue_depth": 3, "loop_alive": true}, nil
	})
	socketPath := startServer(t, server)

	response := sendRequest(t, socketPath, map[string]string{"action": "status"})
	if !response.OK {
		t.Fatalf("expected ok=true, got error %q", response.Error)
	}

	var data map[string]any
	if err := codec.Unmarshal(response.Data, &data); err != nil {
		t.Fatalf("decoding data: %v", err)
	}
	if data["queue_depth"] != uint64(3) {
		t.Errorf("queue_depth = %v (%T), want 3", data["queue_depth"], data["queue_depth"])
	}
	if data["loop_alive"] != true {
		t.Errorf("loop_alive = %v, want true", data["loop_alive"])
	}
}

func TestSocketServerErrors(t *testing.T) {
	server := newTestServer(t)
	server.Handle("fail", func(ctx context.Context, raw []byte) (any, error) {
		return nil, fmt.Errorf("something broke")
	})
	socketPath := startServer(t, server)

	tests := []struct {
		name    string
		request any
		want    string
	}{
		{"unknown action", map[string]string{"action": "nonexistent"}, `unknown action "nonexistent"`},
		{"missing action", map[string]string{"foo": "bar"}, "missing required field: action"},
		{"handler error", map[string]string{"action": "fail"}, "something broke"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			response := sendRequest(t, socketPath, test.request)
			if response.OK {
				t.Fatal("expected ok=false, got true")
			}
			if response.Error != test.want {
				t.Errorf("error = %q, want %q", response.Error, test.want)
			}
		})
	}
}

func TestSocketServerInvalidCBOR(t *testing.T) {
	socketPath := startServer(t, newTestServer(t))

	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte{0xff, 0xfe, 0xfd, 0xfc, 0xfb})
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	var response Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		t.Fatalf("decoding error response: %v", err)
	}
	if response.OK {
		t.Error("expected ok=false for invalid CBOR, got true")
	}
}

func TestSocketServerRequestLimit(t *testing.T) {
	server := newTestServer(t)
	server.SetMaxRequestSize(4096)
	received := make(chan int, 1)
	server.Handle("upload", func(ctx context.Context, raw []byte) (any, error) {
		request, err := Decode[struct {
			Content []byte `cbor:"content"`
		}](raw)
		if err != nil {
			return nil, err
		}
		received <- len(request.Content)
		return nil, nil
	})
	socketPath := startServer(t, server)

	small := sendRequest(t, socketPath, map[string]any{"action": "upload", "content": bytes.Repeat([]byte{1}, 1024)})
	if !small.OK {
		t.Fatalf("small upload failed: %q", small.Error)
	}
	if got := <-received; got != 1024 {
		t.Fatalf("handler saw %d bytes, want 1024", got)
	}

	large := sendRequest(t, socketPath, map[string]any{"action": "upload", "content": bytes.Repeat([]byte{1}, 8192)})
	if large.OK {
		t.Fatal("request over the limit was accepted")
	}
	if !strings.Contains(large.Error, "request too large") {
		t.Errorf("error = %q, want a size limit error", large.Error)
	}
}

func TestHandleRequestDecodes(t *testing.T) {
	server := newTestServer(t)
	HandleRequest(server, "echo", func(ctx context.Context, request echoRequest) (any, error) {
		if request.Name == "" {
			return nil, errors.New("missing required field: name")
		}
		return request.Count + 1, nil
	})
	socketPath := startServer(t, server)

	response := sendRequest(t, socketPath, map[string]any{"action": "echo", "name": "x1c", "count": 41})
	if !response.OK {
		t.Fatalf("echo failed: %q", response.Error)
	}
	var got int
	if err := codec.Unmarshal(response.Data, &got); err != nil || got != 42 {
		t.Errorf("data = %d (%v), want 42", got, err)
	}

	wrongType := sendRequest(t, socketPath, map[string]any{"action": "echo", "name": "x1c", "count": "many"})
	if wrongType.OK || !strings.HasPrefix(wrongType.Error, "invalid request") {
		t.Errorf("wrong field type response = %+v", wrongType)
	}
	missing := sendRequest(t, socketPath, map[string]any{"action": "echo"})
	if missing.OK || missing.Error != "missing required field: name" {
		t.Errorf("missing field response = %+v", missing)
	}
}

func TestSocketServerPermissions(t *testing.T) {
	socketPath := startServer(t, newTestServer(t))
	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if mode := info.Mode().Perm(); mode != socketMode {
		t.Errorf("socket mode = %o, want %o", mode, socketMode)
	}
}

func TestSocketServerRemovesStaleSocket(t *testing.T) {
	server := newTestServer(t)
	if err := os.WriteFile(server.socketPath, []byte("stale"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	server.Handle("ping", func(context.Context, []byte) (any, error) { return nil, nil })
	socketPath := startServer(t, server)

	if response := sendRequest(t, socketPath, map[string]string{"action": "ping"}); !response.OK {
		t.Errorf("ping after stale socket: %q", response.Error)
	}
}

func TestDuplicateHandlerPanics(t *testing.T) {
	server := newTestServer(t)
	server.Handle("status", func(context.Context, []byte) (any, error) { return nil, nil })
	defer func() {
		if recover() == nil {
			t.Error("duplicate Handle did not panic")
		}
	}()
	server.Handle("status", func(context.Context, []byte) (any, error) { return nil, nil })
}

func TestActions(t *testing.T) {
	server := newTestServer(t)
	for _, action := range []string{"status", "list-jobs", "cancel-job"} {
		server.Handle(action, func(context.Context, []byte) (any, error) { return nil, nil })
	}
	actions := server.Actions()
	sort.Strings(actions)
	if fmt.Sprint(actions) != "[cancel-job list-jobs status]" {
		t.Errorf("Actions = %v", actions)
	}
}

// --- client ---

type echoRequest struct {
	Name  string `cbor:"name"`
	Count int    `cbor:"count"`
}

func TestClientCall(t *testing.T) {
	server := newTestServer(t)
	server.Handle("echo", func(ctx context.Context, raw []byte) (any, error) {
		request, err := Decode[echoRequest](raw)
		if err != nil {
			return nil, err
		}
		return echoRequest{Name: request.Name + "!", Count: request.Count * 2}, nil
	})
	server.Handle("empty", func(context.Context, []byte) (any, error) { return nil, nil })
	server.Handle("fail", func(context.Context, []byte) (any, error) {
		return nil, errors.New("job not found: 42")
	})
	client := NewServiceClient(startServer(t, server))
	ctx := context.Background()

	var result echoRequest
	if err := client.Call(ctx, "echo", map[string]any{"name": "printer", "count": 21}, &result); err != nil {
		t.Fatalf("Call(echo): %v", err)
	}
	if result != (echoRequest{Name: "printer!", Count: 42}) {
		t.Errorf("result = %+v", result)
	}

	if err := client.Call(ctx, "empty", nil, &result); err != nil {
		t.Errorf("Call(empty): %v", err)
	}

	err := client.Call(ctx, "fail", nil, nil)
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("Call(fail) = %v, want *ServiceError", err)
	}
	if serviceErr.Action != "fail" || serviceErr.Message != "job not found: 42" {
		t.Errorf("ServiceError = %+v", serviceErr)
	}
}

func TestClientActionOverridesField(t *testing.T) {
	server := newTestServer(t)
	server.Handle("real", func(context.Context, []byte) (any, error) { return "ok", nil })
	client := NewServiceClient(startServer(t, server))

	var result string
	if err := client.Call(context.Background(), "real", map[string]any{"action": "spoofed"}, &result); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %q", result)
	}
}

func TestClientNoServer(t *testing.T) {
	client := NewServiceClient(filepath.Join(t.TempDir(), "missing.sock"))
	err := client.Call(context.Background(), "status", nil, nil)
	if err == nil {
		t.Fatal("Call to a missing socket succeeded")
	}
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		t.Errorf("connection failure reported as ServiceError: %v", err)
	}
}

func TestConcurrentRequests(t *testing.T) {
	server := newTestServer(t)
	server.Handle("echo", func(ctx context.Context, raw []byte) (any, error) {
		request, err := Decode[echoRequest](raw)
		if err != nil {
			return nil, err
		}
		return request.Count, nil
	})
	client := NewServiceClient(startServer(t, server))

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Go(func() {
			var got int
			if err := client.Call(context.Background(), "echo", map[string]any{"count": i}, &got); err != nil {
				t.Errorf("Call %d: %v", i, err)
				return
			}
			if got != i {
				t.Errorf("Call %d returned %d", i, got)
			}
		})
	}
	wg.Wait()
}
