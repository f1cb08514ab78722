// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package farm

// Socket actions served by printfarm-dispatcher.
const (
	ActionStatus        = "status"
	ActionSubmitJob     = "submit-job"
	ActionCancelJob     = "cancel-job"
	ActionRemoveJob     = "remove-job"
	ActionCompleteJob   = "complete-job"
	ActionGetJob        = "get-job"
	ActionListJobs      = "list-jobs"
	ActionDispatchNow   = "dispatch-now"
	ActionListDevices   = "list-devices"
	ActionDeviceCommand = "device-command"
)

// SubmitJobRequest is the "submit-job" request. Content is the job
// file body; the dispatcher stores it and the job references it by
// hash. Exactly one of DeviceID or AutoAssign should be given; when
// AutoAssign is set DeviceID is ignored.
type SubmitJobRequest struct {
	FileName   string `cbor:"file_name"`
	Content    []byte `cbor:"content"`
	Plate      int    `cbor:"plate,omitempty"`
	DeviceID   string `cbor:"device_id,omitempty"`
	AutoAssign bool   `cbor:"auto_assign,omitempty"`
}

// JobRequest addresses an existing job (cancel, remove, complete,
// get).
type JobRequest struct {
	JobID string `cbor:"job_id"`
}

// ListJobsRequest filters "list-jobs". An empty Status lists all.
type ListJobsRequest struct {
	Status JobStatus `cbor:"status,omitempty"`
}

// CancelResult answers "cancel-job". StopError is set when the job
// was running and the best-effort stop of its device failed; the
// cancellation itself is committed regardless.
type CancelResult struct {
	Job       Job    `json:"job"`
	StopError string `json:"stop_error,omitempty"`
}

// DeviceDetail is one entry of the "list-devices" response.
type DeviceDetail struct {
	Status  DeviceStatus  `json:"status"`
	Verdict DeviceVerdict `json:"verdict"`
}

// DeviceCommandRequest is the "device-command" request.
type DeviceCommandRequest struct {
	DeviceID string  `cbor:"device_id"`
	Command  Command `cbor:"command"`
}
