// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/printfarm/lib/codec"
)

// ActionFunc handles one request. raw is the whole CBOR request,
// action field included; use Decode or HandleRequest for the
// action-specific fields. A nil result yields a bare {ok: true}.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// Response is the envelope of every reply.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// DefaultMaxRequestSize bounds a request unless SetMaxRequestSize
// says otherwise. Job uploads need far more.
const DefaultMaxRequestSize = 1 << 20

const (
	readTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second

	// socketMode admits the owner and group. Anyone who can open the
	// socket can operate the farm.
	socketMode = 0o660
)

// errRequestTooLarge reports a request cut off at the size limit.
var errRequestTooLarge = errors.New("request too large")

// SocketServer answers one CBOR request per Unix socket connection.
// The client writes a request map carrying "action", the server
// writes a Response and closes the connection.
type SocketServer struct {
	socketPath     string
	handlers       map[string]ActionFunc
	logger         *slog.Logger
	maxRequestSize int64

	inflight sync.WaitGroup
}

// NewSocketServer returns a server for socketPath. Register actions
// with Handle, then call Serve.
func NewSocketServer(socketPath string, logger *slog.Logger) *SocketServer {
	return &SocketServer{
		socketPath:     socketPath,
		handlers:       make(map[string]ActionFunc),
		logger:         logger,
		maxRequestSize: DefaultMaxRequestSize,
	}
}

// SetMaxRequestSize sets the per-request byte limit. Non-positive
// limits are ignored. Call before Serve.
func (s *SocketServer) SetMaxRequestSize(limit int64) {
	if limit > 0 {
		s.maxRequestSize = limit
	}
}

// Handle registers handler for action. Registering an action twice
// panics.
func (s *SocketServer) Handle(action string, handler ActionFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("service.SocketServer: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// HandleRequest registers a handler that receives the request decoded
// into T.
func HandleRequest[T any](s *SocketServer, action string, handler func(ctx context.Context, request T) (any, error)) {
	s.Handle(action, func(ctx context.Context, raw []byte) (any, error) {
		request, err := Decode[T](raw)
		if err != nil {
			return nil, err
		}
		return handler(ctx, request)
	})
}

// Actions returns the registered action names in no particular order.
func (s *SocketServer) Actions() []string {
	actions := make([]string, 0, len(s.handlers))
	for action := range s.handlers {
		actions = append(actions, action)
	}
	return actions
}

// Serve listens on the socket path and answers requests until ctx is
// cancelled. A stale socket file is replaced. Serve returns after
// in-flight requests finish, removing the socket file.
func (s *SocketServer) Serve(ctx context.Context) error {
	listener, err := s.listen()
	if err != nil {
		return err
	}
	defer os.Remove(s.socketPath)
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()
	defer listener.Close()

	s.logger.Info("socket server listening", "path", s.socketPath, "actions", len(s.handlers))
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		s.inflight.Go(func() { s.serveConn(ctx, conn) })
	}
	s.inflight.Wait()
	return nil
}

func (s *SocketServer) listen() (net.Listener, error) {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, socketMode); err != nil {
		listener.Close()
		os.Remove(s.socketPath)
		return nil, fmt.Errorf("setting permissions on %s: %w", s.socketPath, err)
	}
	return listener, nil
}

func (s *SocketServer) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	started := time.Now()

	conn.SetReadDeadline(started.Add(readTimeout))
	raw, err := s.readRequest(conn)
	if errors.Is(err, io.EOF) {
		// Connected and closed without a request.
		return
	}

	action, result, err := s.dispatch(ctx, raw, err)
	logger := s.logger.With("action", action, "elapsed", time.Since(started))
	if err != nil {
		logger.Debug("request failed", "error", err)
	} else {
		logger.Debug("request served")
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(respond(result, err)); err != nil {
		logger.Debug("writing response failed", "error", err)
	}
}

// readRequest reads one CBOR value of at most maxRequestSize bytes.
func (s *SocketServer) readRequest(conn net.Conn) (codec.RawMessage, error) {
	reader := &io.LimitedReader{R: conn, N: s.maxRequestSize + 1}
	var raw codec.RawMessage
	err := codec.NewDecoder(reader).Decode(&raw)
	switch {
	case reader.N <= 0:
		return nil, fmt.Errorf("%w: limit is %d bytes", errRequestTooLarge, s.maxRequestSize)
	case err != nil:
		return nil, err
	}
	return raw, nil
}

// dispatch routes raw to its handler. readErr is the error from
// reading the request, if any.
func (s *SocketServer) dispatch(ctx context.Context, raw codec.RawMessage, readErr error) (string, any, error) {
	if readErr != nil {
		return "", nil, fmt.Errorf("invalid request: %w", readErr)
	}
	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		return "", nil, fmt.Errorf("invalid request: %w", err)
	}
	if header.Action == "" {
		return "", nil, errors.New("missing required field: action")
	}
	handler, exists := s.handlers[header.Action]
	if !exists {
		return header.Action, nil, fmt.Errorf("unknown action %q", header.Action)
	}
	result, err := handler(ctx, raw)
	return header.Action, result, err
}

// respond builds the envelope for a handler outcome.
func respond(result any, err error) Response {
	if err != nil {
		return Response{Error: err.Error()}
	}
	if result == nil {
		return Response{OK: true}
	}
	data, err := codec.Marshal(result)
	if err != nil {
		return Response{Error: fmt.Sprintf("internal: marshaling response: %v", err)}
	}
	return Response{OK: true, Data: data}
}

// Decode unmarshals a raw request into T. The "action" key is ignored
// by types that do not declare it.
func Decode[T any](raw []byte) (T, error) {
	var request T
	if err := codec.Unmarshal(raw, &request); err != nil {
		return request, fmt.Errorf("invalid request: %w", err)
	}
	return request, nil
}
