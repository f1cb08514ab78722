// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package devicetest provides scriptable in-memory implementations of
// device.Dialer and device.Conn for tests of the device session and
// the dispatcher.
package devicetest

import (
	"context"
	"errors"
	"sync"

	"github.com/bureau-foundation/printfarm/lib/device"
	"github.com/bureau-foundation/printfarm/lib/schema/farm"
)

// Upload records one Conn.Upload call.
type Upload struct {
	Name    string
	Content []byte
}

// Dialer hands out Conns. Each Dial consumes the next queued dial
// error, if any, and otherwise returns a fresh Conn that is also
// delivered on Dialed.
type Dialer struct {
	mu         sync.Mutex
	dialErrors []error
	dials      int
	current    *Conn
	dialed     chan *Conn

	// Configure, if set, is applied to every new Conn before it is
	// returned, so tests can install behavior ahead of the session
	// seeing the connection.
	Configure func(*Conn)
}

// NewDialer returns a Dialer whose Dialed channel buffers up to 16
// connections.
func NewDialer() *Dialer {
	return &Dialer{dialed: make(chan *Conn, 16)}
}

// FailNext queues errors to be returned by the next Dial calls, one
// per call.
func (d *Dialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErrors = append(d.dialErrors, errs...)
}

// Dialed delivers each Conn as it is handed to a session.
func (d *Dialer) Dialed() <-chan *Conn { return d.dialed }

// Dials returns the number of Dial calls so far, failed or not.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Current returns the most recently dialed Conn, or nil.
func (d *Dialer) Current() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Dial implements device.Dialer.
func (d *Dialer) Dial(ctx context.Context) (device.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.dials++
	if len(d.dialErrors) > 0 {
		err := d.dialErrors[0]
		d.dialErrors = d.dialErrors[1:]
		d.mu.Unlock()
		return nil, err
	}
	conn := NewConn()
	if d.Configure != nil {
		d.Configure(conn)
	}
	d.current = conn
	d.mu.Unlock()

	select {
	case d.dialed <- conn:
	default:
	}
	return conn, nil
}

// Conn is an in-memory device connection. Tests push telemetry with
// Report and inspect what the session delivered with Instructions and
// Uploads.
type Conn struct {
	reports chan farm.Telemetry

	mu            sync.Mutex
	closed        bool
	err           error
	instructions  []device.Instruction
	uploads       []Upload
	statusQueries int
	sent          chan device.Instruction

	// SendFunc, if set, replaces the default Send behavior (record
	// and succeed). It runs after the instruction is recorded.
	SendFunc func(ctx context.Context, instruction device.Instruction) error

	// UploadFunc, if set, replaces the default Upload behavior.
	UploadFunc func(ctx context.Context, name string, content []byte) error

	// OnSend, if set, is called with each recorded instruction. Tests
	// use it to answer a command with the telemetry a real device
	// would produce.
	OnSend func(instruction device.Instruction)
}

// NewConn returns an open Conn.
func NewConn() *Conn {
	return &Conn{
		reports: make(chan farm.Telemetry, 64),
		sent:    make(chan device.Instruction, 64),
	}
}

// Report delivers telemetry to the session. It is a no-op after the
// connection closes.
func (c *Conn) Report(telemetry farm.Telemetry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.reports <- telemetry
}

// Drop ends the connection from the device side with err.
func (c *Conn) Drop(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(err)
}

// Sent delivers each instruction as Send records it.
func (c *Conn) Sent() <-chan device.Instruction { return c.sent }

// Instructions returns every instruction sent so far.
func (c *Conn) Instructions() []device.Instruction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]device.Instruction(nil), c.instructions...)
}

// Uploads returns every upload so far.
func (c *Conn) Uploads() []Upload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Upload(nil), c.uploads...)
}

// StatusQueries returns the number of RequestStatus calls.
func (c *Conn) StatusQueries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusQueries
}

// Reports implements device.Conn.
func (c *Conn) Reports() <-chan farm.Telemetry { return c.reports }

// Err implements device.Conn.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send implements device.Conn.
func (c *Conn) Send(ctx context.Context, instruction device.Instruction) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("connection closed")
	}
	c.instructions = append(c.instructions, instruction)
	sendFunc := c.SendFunc
	onSend := c.OnSend
	c.mu.Unlock()

	select {
	case c.sent <- instruction:
	default:
	}
	if onSend != nil {
		onSend(instruction)
	}
	if sendFunc != nil {
		return sendFunc(ctx, instruction)
	}
	return nil
}

// Upload implements device.Conn.
func (c *Conn) Upload(ctx context.Context, name string, content []byte) error {
	c.mu.Lock()
	uploadFunc := c.UploadFunc
	if uploadFunc == nil {
		c.uploads = append(c.uploads, Upload{Name: name, Content: append([]byte(nil), content...)})
	}
	c.mu.Unlock()

	if uploadFunc != nil {
		return uploadFunc(ctx, name, content)
	}
	return nil
}

// RequestStatus implements device.Conn.
func (c *Conn) RequestStatus(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusQueries++
	return nil
}

// Close implements device.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(nil)
	return nil
}

func (c *Conn) closeLocked(err error) {
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.reports)
}
