// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package farm

import (
	"strings"
	"time"
)

// OperatingState is a device's reported operating state. The six
// named constants are the states the fault classifier understands;
// any other value passes through unchanged and is treated as
// unrecognized.
type OperatingState string

const (
	StateIdle      OperatingState = "idle"
	StatePreparing OperatingState = "preparing"
	StateRunning   OperatingState = "running"
	StatePaused    OperatingState = "paused"
	StateFinished  OperatingState = "finished"
	StateFailed    OperatingState = "failed"
)

// Label returns the human-readable form of the state ("Running").
// Unrecognized states are returned as reported.
func (s OperatingState) Label() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StatePreparing:
		return "Preparing"
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	case StateFinished:
		return "Finished"
	case StateFailed:
		return "Failed"
	}
	return string(s)
}

// IsKnown reports whether s is one of the six named states.
func (s OperatingState) IsKnown() bool {
	switch s {
	case StateIdle, StatePreparing, StateRunning, StatePaused, StateFinished, StateFailed:
		return true
	}
	return false
}

// In reports whether s is any of states.
func (s OperatingState) In(states ...OperatingState) bool {
	for _, candidate := range states {
		if s == candidate {
			return true
		}
	}
	return false
}

// ParseOperatingState maps a vendor state string to an
// OperatingState. Matching is case-insensitive and accepts the short
// forms printers emit (PREPARE, PAUSE, FINISH). Unrecognized input is
// lowercased and returned as-is.
func ParseOperatingState(raw string) OperatingState {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	switch normalized {
	case "idle":
		return StateIdle
	case "prepare", "preparing":
		return StatePreparing
	case "running", "printing":
		return StateRunning
	case "pause", "paused":
		return StatePaused
	case "finish", "finished":
		return StateFinished
	case "failed", "fail":
		return StateFailed
	}
	return OperatingState(normalized)
}

// Telemetry is one snapshot of a device's reported condition.
//
// The zero value is the unknown snapshot: a session returns it until
// the first report arrives. Use IsUnknown rather than comparing
// fields, since a device may legitimately report zeros.
//
// ErrorCode and SecondaryErrorCode are nil when the device did not
// report them (or reported something non-numeric).
type Telemetry struct {
	State              OperatingState `json:"state"`
	ErrorCode          *int64         `json:"error_code,omitempty"`
	SecondaryErrorCode *int64         `json:"secondary_error_code,omitempty"`
	ActiveAlarms       []string       `json:"active_alarms,omitempty"`

	ProgressPercent   int     `json:"progress_percent"`
	BedTemperature    float64 `json:"bed_temperature"`
	NozzleTemperature float64 `json:"nozzle_temperature"`

	// RemainingMinutes is the device's estimate of time left in the
	// current job.
	RemainingMinutes int `json:"remaining_minutes"`

	// FailReason is the raw fail_reason string from the device, kept
	// for display alongside the formatted error code.
	FailReason string `json:"fail_reason,omitempty"`

	LightOn *bool     `json:"light_on,omitempty"`
	Fans    FanSpeeds `json:"fans"`

	// ReceivedAt is when the session ingested the report that
	// produced this snapshot. Zero means no report has arrived.
	ReceivedAt time.Time `json:"received_at"`
}

// IsUnknown reports whether t is the unknown snapshot.
func (t Telemetry) IsUnknown() bool { return t.ReceivedAt.IsZero() }

// FanSpeeds holds fan duty in percent (0-100).
type FanSpeeds struct {
	Part    int `json:"part"`
	Aux     int `json:"aux"`
	Chamber int `json:"chamber"`
}

// TraySelection is the filament tray chosen for the next start_job.
type TraySelection struct {
	AMSID  int `json:"ams_id"`
	TrayID int `json:"tray_id"`
	// ToolID is AMSID*4 + TrayID, the index used in ams_mapping.
	ToolID int `json:"tool_id"`
}

// DeviceStatus is a session's view of its device: the latest
// telemetry plus connection bookkeeping.
type DeviceStatus struct {
	DeviceID  string `json:"device_id"`
	Name      string `json:"name"`
	Connected bool   `json:"connected"`

	// LastError is the most recent connection or command failure,
	// cleared on the next successful report.
	LastError string `json:"last_error,omitempty"`

	// LastContact is when the most recent report arrived. Telemetry
	// is kept across a disconnection, so Connected is what tells a
	// stale snapshot from a live one.
	LastContact time.Time `json:"last_contact"`

	SelectedTray *TraySelection `json:"selected_tray,omitempty"`
	Telemetry    Telemetry      `json:"telemetry"`
}
