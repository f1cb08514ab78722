// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package device

import "errors"

var (
	// ErrNotConnected means there is no live connection to the device
	// or the connection failed while the command was in flight.
	ErrNotConnected = errors.New("device not connected")

	// ErrDeviceBusy means a safety gate refused the command in the
	// device's current state.
	ErrDeviceBusy = errors.New("device busy")

	// ErrDeviceRejected means the device acknowledged the command and
	// refused it.
	ErrDeviceRejected = errors.New("device rejected command")

	// ErrTimeout means the command (or its confirmation) did not
	// complete within the command timeout.
	ErrTimeout = errors.New("device command timed out")

	// ErrInvalidInput means the command's parameters are malformed.
	ErrInvalidInput = errors.New("invalid command parameters")
)

// IsTransient reports whether err is a device-side condition that may
// clear on its own, so the operation is worth retrying later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrDeviceBusy) ||
		errors.Is(err, ErrDeviceRejected) ||
		errors.Is(err, ErrTimeout)
}
