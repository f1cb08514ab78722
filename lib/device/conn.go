// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"

	"github.com/bureau-foundation/printfarm/lib/schema/farm"
)

// Dialer opens connections to one device. A Session calls Dial again
// after every disconnect, so implementations must support repeated
// use.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one live connection to a device.
type Conn interface {
	// Reports delivers telemetry snapshots. Transports that receive
	// partial updates merge them before delivery, so every value is a
	// complete snapshot. ReceivedAt is stamped by the session. The
	// channel is closed when the connection ends.
	Reports() <-chan farm.Telemetry

	// Err returns the reason the connection ended. Valid after
	// Reports is closed.
	Err() error

	// Send delivers a validated instruction. A refusal by the device
	// must be reported as an error wrapping ErrDeviceRejected.
	Send(ctx context.Context, instruction Instruction) error

	// Upload stores a job file on the device under name.
	Upload(ctx context.Context, name string, content []byte) error

	// RequestStatus asks the device to push a full status report.
	RequestStatus(ctx context.Context) error

	// Close tears the connection down. Reports is closed afterwards.
	Close() error
}

// Instruction is a command that has passed validation and gating,
// with values normalized for the wire: fan percentages clamped and
// the start_job tray mapping resolved.
type Instruction struct {
	farm.Command

	// AMSMapping maps filament slots to AMS tool ids for start_job.
	AMSMapping []int
}
