// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/printfarm/lib/jobqueue"
	"github.com/bureau-foundation/printfarm/lib/schema/farm"
)

// Submit stores the job file and queues the job. A fixed target must
// be a configured device. The loop is kicked so the job can start
// without waiting for the next tick.
func (d *Dispatcher) Submit(ctx context.Context, request farm.SubmitJobRequest) (farm.Job, error) {
	if !request.AutoAssign && request.DeviceID != "" {
		if _, ok := d.device(request.DeviceID); !ok {
			return farm.Job{}, fmt.Errorf("%w: unknown device %q", jobqueue.ErrInvalidInput, request.DeviceID)
		}
	}
	plate := request.Plate
	if plate == 0 {
		plate = 1
	}

	d.fileMu.Lock()
	defer d.fileMu.Unlock()
	ref, err := d.files.Put(request.FileName, request.Content)
	if err != nil {
		return farm.Job{}, fmt.Errorf("storing job file: %w", err)
	}
	job, err := d.jobs.Submit(ctx, jobqueue.Submission{
		FileName:   request.FileName,
		FileRef:    ref,
		Plate:      plate,
		DeviceID:   request.DeviceID,
		AutoAssign: request.AutoAssign,
	})
	if err != nil {
		d.releaseFile(context.WithoutCancel(ctx), ref)
		return farm.Job{}, err
	}
	d.Kick()
	return job, nil
}

// Cancel cancels a job. When the job was printing, its device is
// stopped after the cancellation commits; a failed stop is reported in
// the result and logged, never rolled back. A job cancelled while
// dispatching is stopped by the cycle that was starting it.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (farm.CancelResult, error) {
	prior, err := d.jobs.Cancel(ctx, id)
	if err != nil {
		return farm.CancelResult{}, err
	}
	job, err := d.jobs.Get(ctx, id)
	if err != nil {
		return farm.CancelResult{}, err
	}

	result := farm.CancelResult{Job: job}
	if prior.Status == farm.JobRunning && prior.AssignedDeviceID != "" {
		if dev, ok := d.device(prior.AssignedDeviceID); ok {
			if err := d.stop(ctx, dev); err != nil {
				result.StopError = err.Error()
			}
		}
	}
	return result, nil
}

// Complete marks a running job completed by hand, for prints whose end
// the device did not report.
func (d *Dispatcher) Complete(ctx context.Context, id string) (farm.Job, error) {
	return d.jobs.MarkCompleted(ctx, id)
}

// Remove deletes a job that holds no device, and its file once no
// other job references it.
func (d *Dispatcher) Remove(ctx context.Context, id string) (farm.Job, error) {
	d.fileMu.Lock()
	defer d.fileMu.Unlock()
	job, err := d.jobs.Remove(ctx, id)
	if err != nil {
		return farm.Job{}, err
	}
	d.releaseFile(ctx, job.FileRef)
	return job, nil
}

// releaseFile deletes ref when no job references it. Caller must hold
// d.fileMu.
func (d *Dispatcher) releaseFile(ctx context.Context, ref string) {
	referenced, err := d.jobs.ReferencesFile(ctx, ref)
	if err != nil {
		d.logger.Warn("checking job file references", "ref", ref, "error", err)
		return
	}
	if referenced {
		return
	}
	if err := d.files.Delete(ref); err != nil {
		d.logger.Warn("deleting job file", "ref", ref, "error", err)
	}
}

// Command sends an operator command to one device. start_job is
// reserved for the dispatch cycle.
func (d *Dispatcher) Command(ctx context.Context, deviceID string, command farm.Command) error {
	dev, ok := d.device(deviceID)
	if !ok {
		return fmt.Errorf("unknown device %q", deviceID)
	}
	if command.Name == farm.CommandStartJob {
		return errors.New("start_job is issued by the dispatcher; submit a job instead")
	}
	return dev.Send(ctx, command)
}
