// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Printfarm-dispatcher runs the print farm: one live session per
// configured printer, the durable job queue, and the dispatch loop
// that assigns queued jobs to available printers.
//
// Each dispatch cycle reconciles running jobs against device
// telemetry, snapshots availability through the fault classifier, and
// walks the queue in submission order. A job goes to the first
// available device it may use; each device takes at most one job per
// cycle. Device failures return the job to the queue for a later
// cycle. Cycles run on a fixed interval, when a device becomes
// available, and on demand through the "dispatch-now" action.
//
// The CBOR socket at paths.socket serves the printfarm CLI:
//
//	status          liveness, device verdicts, queue counts
//	submit-job      store a job file and queue it
//	cancel-job      cancel a job, stopping its device if it is printing
//	remove-job      delete a job that does not hold a device
//	complete-job    mark a running job completed by hand
//	get-job         one job
//	list-jobs       jobs in submission order, optionally by status
//	dispatch-now    run one cycle and return its report
//	list-devices    device status with availability verdicts
//	device-command  send a control command to one device
//
// Usage:
//
//	printfarm-dispatcher --config /etc/printfarm/farm.yaml
package main
