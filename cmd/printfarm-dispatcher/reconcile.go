// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/printfarm/lib/fault"
	"github.com/bureau-foundation/printfarm/lib/jobqueue"
	"github.com/bureau-foundation/printfarm/lib/schema/farm"
)

// reconcile ends running jobs whose device reports the print over.
// Telemetry received within the grace period after a job started is
// ignored: firmware keeps reporting the previous job's final state for
// a while after accepting a start.
//
//	Finished, Idle        -> completed
//	Failed with a fault   -> failed "device entered Failed: <reason>"
//	Failed without fault  -> cancelled "stopped on device"
//
// Caller must hold d.cycleMu.
func (d *Dispatcher) reconcile(ctx context.Context) ([]farm.DispatchOutcome, error) {
	running, err := d.jobs.List(ctx, jobqueue.Filter{Status: farm.JobRunning})
	if err != nil {
		return nil, err
	}

	var outcomes []farm.DispatchOutcome
	for _, job := range running {
		dev, ok := d.device(job.AssignedDeviceID)
		if !ok {
			continue
		}
		telemetry := dev.Status().Telemetry
		if telemetry.IsUnknown() || !telemetry.ReceivedAt.After(job.StartedAt.Add(d.reconcileGrace)) {
			continue
		}

		var (
			updated farm.Job
			reason  string
		)
		switch telemetry.State {
		case farm.StateFinished, farm.StateIdle:
			updated, err = d.jobs.MarkCompleted(ctx, job.ID)
		case farm.StateFailed:
			verdict := fault.Classify(telemetry)
			if verdict.Available {
				reason = reasonStoppedOnDevice
				updated, err = d.jobs.MarkStopped(ctx, job.ID, reason)
			} else {
				reason = "device entered Failed: " + verdict.Reason
				updated, err = d.jobs.MarkFailed(ctx, job.ID, reason)
			}
		default:
			continue
		}
		if errors.Is(err, jobqueue.ErrInvalidTransition) {
			// Ended by an operator since the list.
			continue
		}
		if err != nil {
			return outcomes, fmt.Errorf("job %s: %w", job.ID, err)
		}

		d.logger.Info("job reconciled from telemetry",
			"job_id", job.ID,
			"device", job.AssignedDeviceID,
			"device_state", telemetry.State,
			"status", updated.Status,
		)
		outcomes = append(outcomes, farm.DispatchOutcome{
			JobID:    job.ID,
			DeviceID: job.AssignedDeviceID,
			Reason:   reason,
			Status:   updated.Status,
		})
	}
	return outcomes, nil
}
