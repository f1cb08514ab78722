// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/printfarm/lib/clock"
	"github.com/bureau-foundation/printfarm/lib/device"
	"github.com/bureau-foundation/printfarm/lib/fault"
	"github.com/bureau-foundation/printfarm/lib/filestore"
	"github.com/bureau-foundation/printfarm/lib/jobqueue"
	"github.com/bureau-foundation/printfarm/lib/schema/farm"
)

// Skip and failure reasons that callers match on.
const (
	reasonNotConnected      = "not connected"
	reasonClaimed           = "claimed earlier in this cycle"
	reasonNoDevice          = "no available device"
	reasonNoLongerQueued    = "no longer queued"
	reasonStoppedOnDevice   = "stopped on device"
	reasonCancelledInFlight = "cancelled during dispatch"
)

// Device is the part of a device session the dispatcher uses.
// *device.Session implements it.
type Device interface {
	ID() string
	Name() string
	Status() farm.DeviceStatus
	Send(ctx context.Context, command farm.Command) error
}

// Config configures a Dispatcher.
type Config struct {
	Jobs  *jobqueue.Store
	Files *filestore.Store

	// Devices is the fleet in preference order. Auto-assigned jobs go
	// to the first available device.
	Devices []Device

	Clock  clock.Clock
	Logger *slog.Logger

	// Interval is the period of Run's cycle.
	Interval time.Duration

	// ReconcileGrace is how long after a job starts before device
	// telemetry may end it.
	ReconcileGrace time.Duration

	// RetryLimit caps dispatch attempts per job. Zero is unbounded.
	RetryLimit int
}

// Dispatcher assigns queued jobs to available devices.
type Dispatcher struct {
	jobs    *jobqueue.Store
	files   *filestore.Store
	devices []Device
	index   map[string]int
	clock   clock.Clock
	logger  *slog.Logger

	interval       time.Duration
	reconcileGrace time.Duration
	retryLimit     int

	// cycleMu serializes dispatch cycles. Cancel does not take it; a
	// job cancelled mid-start is settled by the cycle starting it.
	cycleMu sync.Mutex

	// fileMu orders storing a job file before its job row exists
	// against deleting files no row references.
	fileMu sync.Mutex

	// kick is buffered so a trigger during a cycle yields exactly
	// one follow-up cycle.
	kick chan struct{}

	// afterCycle, if set, is called by Run after each cycle.
	afterCycle func(farm.DispatchReport)

	mu          sync.Mutex
	startedAt   time.Time
	loopAlive   bool
	lastCycleAt time.Time
	lastError   string
	lastReport  *farm.DispatchReport
	available   map[string]bool
}

// New validates cfg and returns an idle dispatcher. Call Run to start
// the loop.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Jobs == nil {
		return nil, errors.New("dispatcher: Jobs is required")
	}
	if cfg.Files == nil {
		return nil, errors.New("dispatcher: Files is required")
	}
	if cfg.Clock == nil {
		return nil, errors.New("dispatcher: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("dispatcher: Logger is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("dispatcher: Interval must be positive, got %v", cfg.Interval)
	}
	if cfg.ReconcileGrace < 0 || cfg.RetryLimit < 0 {
		return nil, errors.New("dispatcher: ReconcileGrace and RetryLimit must not be negative")
	}

	index := make(map[string]int, len(cfg.Devices))
	for position, dev := range cfg.Devices {
		if _, duplicate := index[dev.ID()]; duplicate {
			return nil, fmt.Errorf("dispatcher: duplicate device %q", dev.ID())
		}
		index[dev.ID()] = position
	}

	return &Dispatcher{
		jobs:           cfg.Jobs,
		files:          cfg.Files,
		devices:        cfg.Devices,
		index:          index,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		interval:       cfg.Interval,
		reconcileGrace: cfg.ReconcileGrace,
		retryLimit:     cfg.RetryLimit,
		kick:           make(chan struct{}, 1),
		startedAt:      cfg.Clock.Now(),
		available:      make(map[string]bool, len(cfg.Devices)),
	}, nil
}

// device returns the configured device with id.
func (d *Dispatcher) device(id string) (Device, bool) {
	position, ok := d.index[id]
	if !ok {
		return nil, false
	}
	return d.devices[position], true
}

// Run cycles immediately, then on every interval tick and every Kick,
// until ctx is cancelled. Cycle errors are recorded and logged; they
// never stop the loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := d.clock.NewTicker(d.interval)
	defer ticker.Stop()

	d.setLoopAlive(true)
	defer d.setLoopAlive(false)

	for {
		report, err := d.RunCycle(ctx)
		if err != nil && ctx.Err() == nil {
			d.logger.Error("dispatch cycle failed", "error", err)
		}
		if d.afterCycle != nil {
			d.afterCycle(report)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-d.kick:
		}
	}
}

// Kick requests a cycle as soon as the loop is free. It never blocks.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// DeviceUpdated kicks the loop when a device becomes available. It is
// the sessions' OnUpdate hook and must not block.
func (d *Dispatcher) DeviceUpdated(status farm.DeviceStatus) {
	available := status.Connected && fault.Classify(status.Telemetry).Available

	d.mu.Lock()
	was := d.available[status.DeviceID]
	d.available[status.DeviceID] = available
	d.mu.Unlock()

	if available && !was {
		d.logger.Debug("device became available", "device", status.DeviceID)
		d.Kick()
	}
}

func (d *Dispatcher) setLoopAlive(alive bool) {
	d.mu.Lock()
	d.loopAlive = alive
	d.mu.Unlock()
}

// RunCycle runs one dispatch cycle and returns its report. The report
// is complete up to the point of any error.
func (d *Dispatcher) RunCycle(ctx context.Context) (farm.DispatchReport, error) {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()

	report := farm.DispatchReport{
		StartedAt:  d.clock.Now(),
		Dispatched: []farm.DispatchOutcome{},
		Failed:     []farm.DispatchOutcome{},
		Skipped:    []farm.DispatchOutcome{},
	}
	err := d.cycle(ctx, &report)
	report.FinishedAt = d.clock.Now()

	d.mu.Lock()
	d.lastCycleAt = report.FinishedAt
	d.lastReport = &report
	d.lastError = ""
	if err != nil {
		d.lastError = err.Error()
	}
	d.mu.Unlock()

	if len(report.Dispatched)+len(report.Failed)+len(report.Reconciled) > 0 {
		d.logger.Info("dispatch cycle complete",
			"queued", report.Queued,
			"dispatched", len(report.Dispatched),
			"failed", len(report.Failed),
			"skipped", len(report.Skipped),
			"reconciled", len(report.Reconciled),
		)
	}
	return report, err
}

// cycle does the work of RunCycle. Caller must hold d.cycleMu.
func (d *Dispatcher) cycle(ctx context.Context, report *farm.DispatchReport) error {
	reconciled, err := d.reconcile(ctx)
	report.Reconciled = reconciled
	if err != nil {
		return fmt.Errorf("reconciling running jobs: %w", err)
	}

	queued, err := d.jobs.List(ctx, jobqueue.Filter{Status: farm.JobQueued})
	if err != nil {
		return fmt.Errorf("listing queued jobs: %w", err)
	}
	report.Queued = len(queued)

	holders, err := d.holders(ctx)
	if err != nil {
		return err
	}
	report.Devices = d.assess(holders)

	claimed := make(map[string]bool, len(d.devices))
	for _, job := range queued {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.assign(ctx, job, report, claimed); err != nil {
			return err
		}
	}
	return nil
}

// holders maps each device holding a dispatching or running job to
// that job's id.
func (d *Dispatcher) holders(ctx context.Context) (map[string]string, error) {
	holders := make(map[string]string)
	for _, status := range []farm.JobStatus{farm.JobDispatching, farm.JobRunning} {
		jobs, err := d.jobs.List(ctx, jobqueue.Filter{Status: status})
		if err != nil {
			return nil, fmt.Errorf("listing %s jobs: %w", status, err)
		}
		for _, job := range jobs {
			if job.AssignedDeviceID != "" {
				holders[job.AssignedDeviceID] = job.ID
			}
		}
	}
	return holders, nil
}

// assess computes every device's verdict in configured order. A
// device that would otherwise be available but still holds an active
// job is unavailable.
func (d *Dispatcher) assess(holders map[string]string) []farm.DeviceVerdict {
	verdicts := make([]farm.DeviceVerdict, len(d.devices))
	for position, dev := range d.devices {
		status := dev.Status()
		verdict := farm.DeviceVerdict{
			DeviceID:  status.DeviceID,
			Name:      status.Name,
			Connected: status.Connected,
			State:     status.Telemetry.State,
			FaultCode: fault.Code(status.Telemetry),
		}
		if status.Connected {
			classified := fault.Classify(status.Telemetry)
			verdict.Available = classified.Available
			verdict.Reason = classified.Reason
		} else {
			verdict.Reason = reasonNotConnected
		}
		if jobID, held := holders[verdict.DeviceID]; held && verdict.Available {
			verdict.Available = false
			verdict.Reason = "assigned to job " + jobID
		}
		verdicts[position] = verdict
	}
	return verdicts
}

// assign tries to dispatch one queued job and records the outcome in
// report. Devices tried are added to claimed whatever the result. It
// returns an error only when the job store fails.
func (d *Dispatcher) assign(ctx context.Context, job farm.Job, report *farm.DispatchReport, claimed map[string]bool) error {
	candidates := make([]int, 0, len(d.devices))
	if job.AutoAssign() {
		for position := range d.devices {
			candidates = append(candidates, position)
		}
	} else {
		position, ok := d.index[job.TargetDeviceID]
		if !ok {
			report.Skipped = append(report.Skipped, farm.DispatchOutcome{
				JobID:    job.ID,
				DeviceID: job.TargetDeviceID,
				Reason:   "unknown device " + job.TargetDeviceID,
				Status:   farm.JobQueued,
			})
			return nil
		}
		candidates = append(candidates, position)
	}

	chosen := -1
	passedOver := false
	for _, position := range candidates {
		verdict := report.Devices[position]
		if !verdict.Available {
			continue
		}
		if claimed[verdict.DeviceID] {
			passedOver = true
			continue
		}
		chosen = position
		break
	}

	if chosen < 0 {
		skip := farm.DispatchOutcome{JobID: job.ID, DeviceID: job.TargetDeviceID, Status: farm.JobQueued}
		switch {
		case passedOver:
			skip.Reason = reasonClaimed
		case !job.AutoAssign():
			skip.Reason = report.Devices[candidates[0]].Reason
		default:
			skip.Reason = reasonNoDevice
		}
		report.Skipped = append(report.Skipped, skip)
		return nil
	}

	dev := d.devices[chosen]
	claimed[dev.ID()] = true
	outcome, err := d.start(ctx, job, dev)
	if err != nil {
		return err
	}
	switch outcome.Status {
	case farm.JobRunning:
		report.Dispatched = append(report.Dispatched, outcome)
	case farm.JobQueued:
		if outcome.Requeued {
			report.Failed = append(report.Failed, outcome)
		} else {
			report.Skipped = append(report.Skipped, outcome)
		}
	default:
		report.Failed = append(report.Failed, outcome)
	}
	return nil
}

// start claims job for dev and issues start_job. Store bookkeeping
// after the device call runs even if ctx is cancelled, so no job is
// left dispatching by a shutdown.
func (d *Dispatcher) start(ctx context.Context, job farm.Job, dev Device) (farm.DispatchOutcome, error) {
	outcome := farm.DispatchOutcome{JobID: job.ID, DeviceID: dev.ID()}
	logger := d.logger.With("job_id", job.ID, "device", dev.ID())

	claimedJob, err := d.jobs.Claim(ctx, job.ID, dev.ID())
	if errors.Is(err, jobqueue.ErrInvalidTransition) || errors.Is(err, jobqueue.ErrNotFound) {
		outcome.Reason = reasonNoLongerQueued
		outcome.Status = farm.JobQueued
		return outcome, nil
	}
	if err != nil {
		return outcome, err
	}
	bookkeeping := context.WithoutCancel(ctx)

	content, err := d.files.Get(job.FileRef)
	if err != nil {
		outcome.Reason = "job file unreadable: " + err.Error()
		logger.Error("job file unreadable", "ref", job.FileRef, "error", err)
		return d.fail(bookkeeping, outcome)
	}

	err = dev.Send(ctx, farm.Command{
		Name:     farm.CommandStartJob,
		StartJob: &farm.StartJobParams{File: job.FileName, Plate: job.Plate, Content: content},
	})
	if err != nil {
		outcome.Reason = err.Error()
		switch {
		case !device.IsTransient(err) && ctx.Err() == nil:
			logger.Error("job start refused", "error", err)
			return d.fail(bookkeeping, outcome)
		case d.retryLimit > 0 && claimedJob.Attempts+1 >= d.retryLimit:
			outcome.Reason = "retry limit reached: " + err.Error()
			logger.Warn("job retry limit reached", "attempts", claimedJob.Attempts+1, "error", err)
			return d.fail(bookkeeping, outcome)
		}
		if _, err := d.jobs.Requeue(bookkeeping, job.ID, outcome.Reason); err != nil {
			if errors.Is(err, jobqueue.ErrInvalidTransition) {
				logger.Warn("job cancelled during dispatch", "start_error", outcome.Reason)
				return cancelledInFlight(outcome), nil
			}
			return outcome, fmt.Errorf("requeueing job %s: %w", job.ID, err)
		}
		logger.Warn("job start failed, requeued", "error", outcome.Reason)
		outcome.Requeued = true
		outcome.Status = farm.JobQueued
		return outcome, nil
	}

	if _, err := d.jobs.MarkRunning(bookkeeping, job.ID); err != nil {
		if !errors.Is(err, jobqueue.ErrInvalidTransition) {
			return outcome, fmt.Errorf("marking job %s running: %w", job.ID, err)
		}
		// Cancelled while the start was in flight; the device may be
		// printing it.
		outcome = cancelledInFlight(outcome)
		if stopErr := d.stop(bookkeeping, dev); stopErr != nil {
			outcome.Reason += "; stop failed: " + stopErr.Error()
		}
		logger.Warn("job cancelled during dispatch", "reason", outcome.Reason)
		return outcome, nil
	}

	logger.Info("job dispatched", "file", job.FileName, "plate", job.Plate)
	outcome.Status = farm.JobRunning
	return outcome, nil
}

// fail ends a dispatching job with outcome.Reason.
func (d *Dispatcher) fail(ctx context.Context, outcome farm.DispatchOutcome) (farm.DispatchOutcome, error) {
	if _, err := d.jobs.MarkFailed(ctx, outcome.JobID, outcome.Reason); err != nil {
		if errors.Is(err, jobqueue.ErrInvalidTransition) {
			d.logger.Warn("job cancelled during dispatch", "job_id", outcome.JobID, "failure", outcome.Reason)
			return cancelledInFlight(outcome), nil
		}
		return outcome, fmt.Errorf("failing job %s: %w", outcome.JobID, err)
	}
	outcome.Status = farm.JobFailed
	return outcome, nil
}

// cancelledInFlight rewrites outcome for a job an operator cancelled
// after the cycle claimed it.
func cancelledInFlight(outcome farm.DispatchOutcome) farm.DispatchOutcome {
	outcome.Reason = reasonCancelledInFlight
	outcome.Status = farm.JobCancelled
	outcome.Requeued = false
	return outcome
}

func (d *Dispatcher) stop(ctx context.Context, dev Device) error {
	err := dev.Send(ctx, farm.Command{Name: farm.CommandStop})
	if err != nil {
		d.logger.Warn("stopping device failed", "device", dev.ID(), "error", err)
	}
	return err
}

// Status reports loop liveness, the last cycle, live device verdicts,
// and queue counts.
func (d *Dispatcher) Status(ctx context.Context) (farm.DispatcherStatus, error) {
	counts, err := d.jobs.Counts(ctx)
	if err != nil {
		return farm.DispatcherStatus{}, err
	}
	holders, err := d.holders(ctx)
	if err != nil {
		return farm.DispatcherStatus{}, err
	}
	verdicts := d.assess(holders)

	d.mu.Lock()
	defer d.mu.Unlock()
	return farm.DispatcherStatus{
		LoopAlive:   d.loopAlive,
		Interval:    d.interval,
		StartedAt:   d.startedAt,
		LastCycleAt: d.lastCycleAt,
		LastError:   d.lastError,
		LastReport:  d.lastReport,
		Devices:     verdicts,
		Queue:       counts,
		QueueDepth:  counts[farm.JobQueued],
	}, nil
}

// Devices returns every device's cached status with its live verdict.
func (d *Dispatcher) Devices(ctx context.Context) ([]farm.DeviceDetail, error) {
	holders, err := d.holders(ctx)
	if err != nil {
		return nil, err
	}
	verdicts := d.assess(holders)
	details := make([]farm.DeviceDetail, len(d.devices))
	for position, dev := range d.devices {
		details[position] = farm.DeviceDetail{Status: dev.Status(), Verdict: verdicts[position]}
	}
	return details, nil
}
