// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/printfarm/lib/clock"
	"github.com/bureau-foundation/printfarm/lib/schema/farm"
)

// Defaults applied by NewSession for zero Config fields.
const (
	DefaultPollInterval   = 2 * time.Second
	DefaultCommandTimeout = 30 * time.Second
)

// Reconnect backoff bounds.
const (
	initialBackoff = 2 * time.Second
	maxBackoff     = 60 * time.Second
)

// Config configures a Session.
type Config struct {
	// ID is the operator-assigned device identifier. Required.
	ID string

	// Name is the display name. Defaults to ID.
	Name string

	// Dialer opens connections to the device. Required.
	Dialer Dialer

	Clock  clock.Clock
	Logger *slog.Logger

	// PollInterval is how often a connected session asks the device
	// for a full status push.
	PollInterval time.Duration

	// CommandTimeout bounds every Send, including any wait for state
	// confirmation.
	CommandTimeout time.Duration

	// OnUpdate, if set, is called after every ingested report and
	// every connect or disconnect, outside the session lock. It must
	// not block.
	OnUpdate func(farm.DeviceStatus)
}

// Session is the live view of one device. All methods are safe for
// concurrent use.
type Session struct {
	id     string
	name   string
	dialer Dialer
	clock  clock.Clock
	logger *slog.Logger

	pollInterval   time.Duration
	commandTimeout time.Duration
	onUpdate       func(farm.DeviceStatus)

	mu          sync.RWMutex
	conn        Conn
	telemetry   farm.Telemetry
	lastError   string
	lastContact time.Time
	selection   *farm.TraySelection
	// changed is closed and replaced whenever telemetry or the
	// connection changes. Waiters select on it.
	changed chan struct{}
}

// NewSession validates cfg and returns a disconnected session. Call
// Run to start the listener.
func NewSession(cfg Config) (*Session, error) {
	if cfg.ID == "" {
		return nil, errors.New("device session: ID is required")
	}
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("device session %s: Dialer is required", cfg.ID)
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("device session %s: Clock is required", cfg.ID)
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("device session %s: Logger is required", cfg.ID)
	}

	name := cfg.Name
	if name == "" {
		name = cfg.ID
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	commandTimeout := cfg.CommandTimeout
	if commandTimeout <= 0 {
		commandTimeout = DefaultCommandTimeout
	}

	return &Session{
		id:             cfg.ID,
		name:           name,
		dialer:         cfg.Dialer,
		clock:          cfg.Clock,
		logger:         cfg.Logger.With("device", cfg.ID),
		pollInterval:   pollInterval,
		commandTimeout: commandTimeout,
		onUpdate:       cfg.OnUpdate,
		changed:        make(chan struct{}),
	}, nil
}

// ID returns the device identifier.
func (s *Session) ID() string { return s.id }

// Name returns the display name.
func (s *Session) Name() string { return s.name }

// Status returns the cached view of the device. It never blocks on
// the network. Before the first report, Telemetry is the unknown
// snapshot.
func (s *Session) Status() farm.DeviceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() farm.DeviceStatus {
	status := farm.DeviceStatus{
		DeviceID:    s.id,
		Name:        s.name,
		Connected:   s.conn != nil,
		LastError:   s.lastError,
		LastContact: s.lastContact,
		Telemetry:   s.telemetry,
	}
	if s.selection != nil {
		selection := *s.selection
		status.SelectedTray = &selection
	}
	status.Telemetry.ActiveAlarms = append([]string(nil), s.telemetry.ActiveAlarms...)
	return status
}

// Run is the session listener. It keeps a connection open until ctx
// is cancelled, redialing with exponential backoff after failures.
// Run returns nil when ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		conn, err := s.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.setError(err)
			s.logger.Warn("device connect failed", "error", err, "retry_in", backoff)
		} else {
			backoff = initialBackoff
			s.attach(conn)
			err = s.serve(ctx, conn)
			s.detach(err)
			if closeErr := conn.Close(); closeErr != nil {
				s.logger.Debug("closing device connection", "error", closeErr)
			}
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("device connection lost", "error", err, "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// serve consumes reports from conn until it ends or ctx is done.
func (s *Session) serve(ctx context.Context, conn Conn) error {
	ticker := s.clock.NewTicker(s.pollInterval)
	defer ticker.Stop()

	if err := conn.RequestStatus(ctx); err != nil {
		s.logger.Debug("initial status request failed", "error", err)
	}

	reports := conn.Reports()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case telemetry, ok := <-reports:
			if !ok {
				if err := conn.Err(); err != nil {
					return err
				}
				return errors.New("connection closed")
			}
			s.ingest(telemetry)
		case <-ticker.C:
			if err := conn.RequestStatus(ctx); err != nil {
				s.logger.Debug("status request failed", "error", err)
			}
		}
	}
}

func (s *Session) attach(conn Conn) {
	s.mu.Lock()
	s.conn = conn
	s.lastError = ""
	status := s.notifyLocked()
	s.mu.Unlock()

	s.logger.Info("device connected")
	s.emit(status)
}

func (s *Session) detach(cause error) {
	s.mu.Lock()
	s.conn = nil
	if cause != nil && !errors.Is(cause, context.Canceled) {
		s.lastError = cause.Error()
	}
	status := s.notifyLocked()
	s.mu.Unlock()

	s.emit(status)
}

// ingest replaces the cached snapshot with telemetry.
func (s *Session) ingest(telemetry farm.Telemetry) {
	now := s.clock.Now()
	telemetry.ReceivedAt = now

	s.mu.Lock()
	previous := s.telemetry.State
	s.telemetry = telemetry
	s.lastContact = now
	s.lastError = ""
	status := s.notifyLocked()
	s.mu.Unlock()

	if previous != telemetry.State {
		s.logger.Info("device state changed",
			"from", previous,
			"to", telemetry.State,
		)
	}
	s.emit(status)
}

func (s *Session) setError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

// notifyLocked wakes waiters and returns the status to emit. Caller
// must hold s.mu for writing.
func (s *Session) notifyLocked() farm.DeviceStatus {
	close(s.changed)
	s.changed = make(chan struct{})
	return s.statusLocked()
}

func (s *Session) emit(status farm.DeviceStatus) {
	if s.onUpdate != nil {
		s.onUpdate(status)
	}
}

// Send validates command, applies the safety gate against the live
// snapshot, and delivers it. Pause, resume, and stop return only once
// telemetry confirms the new state. Every failure wraps one of the
// package sentinels.
func (s *Session) Send(ctx context.Context, command farm.Command) error {
	s.mu.RLock()
	conn := s.conn
	telemetry := s.telemetry
	selection := s.selection
	s.mu.RUnlock()

	instruction, err := prepare(command, selection)
	if err != nil {
		return fmt.Errorf("device %s: %w", s.id, err)
	}
	if conn == nil {
		return fmt.Errorf("device %s: %s: %w", s.id, command.Name, ErrNotConnected)
	}
	if err := CheckGate(command.Name, telemetry); err != nil {
		return fmt.Errorf("device %s: %w", s.id, err)
	}

	if command.Name == farm.CommandSelectTray && telemetry.State != farm.StatePaused {
		// Outside a paused filament change the selection only feeds
		// the next start_job mapping; nothing goes to the device.
		s.recordSelection(command.Tray)
		return nil
	}

	deadline := s.clock.After(s.commandTimeout)
	callContext, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.deliver(callContext, conn, instruction) }()

	select {
	case err := <-done:
		if err != nil {
			return s.commandFailed(command.Name, err)
		}
	case <-deadline:
		return s.commandFailed(command.Name, ErrTimeout)
	case <-ctx.Done():
		return fmt.Errorf("device %s: %s: %w", s.id, command.Name, ctx.Err())
	}

	if command.Name == farm.CommandSelectTray {
		s.recordSelection(command.Tray)
	}

	s.logger.Info("device command sent", "command", command.Name)

	if targets, confirm := confirmStates[command.Name]; confirm {
		if err := s.awaitState(ctx, deadline, targets); err != nil {
			return s.commandFailed(command.Name, err)
		}
	}
	return nil
}

// deliver performs the transport calls for one instruction.
func (s *Session) deliver(ctx context.Context, conn Conn, instruction Instruction) error {
	if instruction.Name == farm.CommandStartJob {
		start := instruction.StartJob
		if err := conn.Upload(ctx, start.File, start.Content); err != nil {
			return fmt.Errorf("uploading %s: %w", start.File, err)
		}
	}
	return conn.Send(ctx, instruction)
}

// awaitState blocks until the cached state is one of targets.
func (s *Session) awaitState(ctx context.Context, deadline <-chan time.Time, targets []farm.OperatingState) error {
	for {
		s.mu.RLock()
		state := s.telemetry.State
		connected := s.conn != nil
		changed := s.changed
		s.mu.RUnlock()

		if state.In(targets...) {
			return nil
		}
		if !connected {
			return ErrNotConnected
		}

		select {
		case <-changed:
		case <-deadline:
			return fmt.Errorf("%w waiting for %s", ErrTimeout, describeStates(targets))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// commandFailed records and wraps a failed command. Errors that do
// not already carry a sentinel are transport failures and become
// ErrNotConnected.
func (s *Session) commandFailed(command farm.CommandName, err error) error {
	if !errors.Is(err, ErrDeviceRejected) && !errors.Is(err, ErrTimeout) &&
		!errors.Is(err, ErrNotConnected) && !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	s.setError(fmt.Errorf("%s: %w", command, err))
	s.logger.Warn("device command failed", "command", command, "error", err)
	return fmt.Errorf("device %s: %s: %w", s.id, command, err)
}

func (s *Session) recordSelection(tray *farm.TrayParams) {
	s.mu.Lock()
	s.selection = &farm.TraySelection{
		AMSID:  tray.AMSID,
		TrayID: tray.TrayID,
		ToolID: ToolID(tray.AMSID, tray.TrayID),
	}
	status := s.notifyLocked()
	s.mu.Unlock()
	s.emit(status)
}
