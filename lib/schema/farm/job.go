// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package farm

import "time"

// JobStatus is the lifecycle position of a queued print job.
type JobStatus string

const (
	JobQueued      JobStatus = "queued"
	JobDispatching JobStatus = "dispatching"
	JobRunning     JobStatus = "running"
	JobFailed      JobStatus = "failed"
	JobCancelled   JobStatus = "cancelled"
	JobCompleted   JobStatus = "completed"
)

// AllJobStatuses lists every status in lifecycle order.
var AllJobStatuses = []JobStatus{
	JobQueued, JobDispatching, JobRunning, JobFailed, JobCancelled, JobCompleted,
}

// IsValid reports whether s is a defined status.
func (s JobStatus) IsValid() bool {
	for _, status := range AllJobStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobCancelled || s == JobFailed
}

// IsActive reports whether the job currently holds a device.
func (s JobStatus) IsActive() bool {
	return s == JobDispatching || s == JobRunning
}

// Job is one print job in the queue.
//
// AssignedDeviceID is set exactly when Status is dispatching, running,
// completed, or failed after a dispatch attempt. An empty
// TargetDeviceID means the dispatcher may pick any device.
type Job struct {
	ID       string `json:"id"`
	FileName string `json:"file_name"`
	// FileRef is the content hash of the job file in the file store.
	FileRef string `json:"file_ref"`
	Plate   int    `json:"plate"`

	TargetDeviceID   string    `json:"target_device_id,omitempty"`
	AssignedDeviceID string    `json:"assigned_device_id,omitempty"`
	Status           JobStatus `json:"status"`

	// Error holds the reason for the last failed attempt or terminal
	// failure.
	Error string `json:"error,omitempty"`
	// Attempts counts dispatch attempts that ended in a requeue.
	Attempts int `json:"attempts"`

	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// AutoAssign reports whether the dispatcher may choose the device.
func (j Job) AutoAssign() bool { return j.TargetDeviceID == "" }
