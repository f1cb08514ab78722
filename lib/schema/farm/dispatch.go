// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package farm

import "time"

// DispatchReport summarizes one dispatch cycle. It is returned to the
// caller that triggered the cycle and kept in memory as the last
// report; it is never persisted.
type DispatchReport struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Queued is the number of queued jobs examined.
	Queued int `json:"queued"`

	Dispatched []DispatchOutcome `json:"dispatched"`
	Failed     []DispatchOutcome `json:"failed"`
	Skipped    []DispatchOutcome `json:"skipped"`

	// Reconciled lists running jobs moved to a terminal state because
	// their device reported the print as over.
	Reconciled []DispatchOutcome `json:"reconciled,omitempty"`

	// Devices is the availability snapshot the cycle assigned against,
	// in configured device order.
	Devices []DeviceVerdict `json:"devices"`
}

// DispatchOutcome is one job's result within a cycle.
type DispatchOutcome struct {
	JobID    string `json:"job_id"`
	DeviceID string `json:"device_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
	// Requeued is set on failed outcomes that returned the job to the
	// queue for a later cycle.
	Requeued bool `json:"requeued,omitempty"`
	// Status is the job's status after the cycle acted on it.
	Status JobStatus `json:"status,omitempty"`
}

// DeviceVerdict is a device's availability at the start of a cycle.
type DeviceVerdict struct {
	DeviceID  string         `json:"device_id"`
	Name      string         `json:"name"`
	Connected bool           `json:"connected"`
	State     OperatingState `json:"state,omitempty"`
	Available bool           `json:"available"`
	Reason    string         `json:"reason,omitempty"`
	// FaultCode is the formatted error code, empty when the device
	// reports none.
	FaultCode string `json:"fault_code,omitempty"`
}

// DispatcherStatus answers the "status" action.
type DispatcherStatus struct {
	// LoopAlive is true while the periodic dispatch loop is running.
	LoopAlive bool          `json:"loop_alive"`
	Interval  time.Duration `json:"interval"`
	StartedAt time.Time     `json:"started_at"`

	LastCycleAt time.Time       `json:"last_cycle_at,omitzero"`
	LastError   string          `json:"last_error,omitempty"`
	LastReport  *DispatchReport `json:"last_report,omitempty"`

	// Devices is computed at request time, not taken from LastReport.
	Devices []DeviceVerdict `json:"devices"`

	// Queue counts jobs per status. QueueDepth is the queued count.
	Queue      map[JobStatus]int `json:"queue"`
	QueueDepth int               `json:"queue_depth"`
}
