// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"

	"github.com/bureau-foundation/printfarm/lib/jobqueue"
	"github.com/bureau-foundation/printfarm/lib/schema/farm"
	"github.com/bureau-foundation/printfarm/lib/service"
)

var errMissingJobID = errors.New("missing required field: job_id")

// registerActions registers every socket action on server.
func (d *Dispatcher) registerActions(server *service.SocketServer) {
	server.Handle(farm.ActionStatus, func(ctx context.Context, _ []byte) (any, error) {
		return d.Status(ctx)
	})
	server.Handle(farm.ActionListDevices, func(ctx context.Context, _ []byte) (any, error) {
		return d.Devices(ctx)
	})
	server.Handle(farm.ActionDispatchNow, d.handleDispatchNow)

	service.HandleRequest(server, farm.ActionSubmitJob, func(ctx context.Context, request farm.SubmitJobRequest) (any, error) {
		return d.Submit(ctx, request)
	})
	service.HandleRequest(server, farm.ActionListJobs, d.handleListJobs)
	service.HandleRequest(server, farm.ActionDeviceCommand, d.handleDeviceCommand)

	jobActions := map[string]func(context.Context, string) (any, error){
		farm.ActionCancelJob:   func(ctx context.Context, id string) (any, error) { return d.Cancel(ctx, id) },
		farm.ActionRemoveJob:   func(ctx context.Context, id string) (any, error) { return d.Remove(ctx, id) },
		farm.ActionCompleteJob: func(ctx context.Context, id string) (any, error) { return d.Complete(ctx, id) },
		farm.ActionGetJob:      func(ctx context.Context, id string) (any, error) { return d.jobs.Get(ctx, id) },
	}
	for action, handler := range jobActions {
		service.HandleRequest(server, action, func(ctx context.Context, request farm.JobRequest) (any, error) {
			if request.JobID == "" {
				return nil, errMissingJobID
			}
			return handler(ctx, request.JobID)
		})
	}
}

func (d *Dispatcher) handleListJobs(ctx context.Context, request farm.ListJobsRequest) (any, error) {
	jobs, err := d.jobs.List(ctx, jobqueue.Filter{Status: request.Status})
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []farm.Job{}
	}
	return jobs, nil
}

// handleDispatchNow runs a cycle while the caller waits. A cycle
// error fails the call; the report is still kept for status.
func (d *Dispatcher) handleDispatchNow(ctx context.Context, _ []byte) (any, error) {
	report, err := d.RunCycle(ctx)
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (d *Dispatcher) handleDeviceCommand(ctx context.Context, request farm.DeviceCommandRequest) (any, error) {
	if request.DeviceID == "" {
		return nil, errors.New("missing required field: device_id")
	}
	return nil, d.Command(ctx, request.DeviceID, request.Command)
}
