// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/printfarm/lib/clock"
	"github.com/bureau-foundation/printfarm/lib/device"
	"github.com/bureau-foundation/printfarm/lib/device/devicetest"
	"github.com/bureau-foundation/printfarm/lib/filestore"
	"github.com/bureau-foundation/printfarm/lib/jobqueue"
	"github.com/bureau-foundation/printfarm/lib/schema/farm"
	"github.com/bureau-foundation/printfarm/lib/testutil"
)

var epoch = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

const (
	waitTimeout  = 5 * time.Second
	testGrace    = 60 * time.Second
	testGcode    = "G28\nG1 X10 Y10 F3000\nM400\n"
	testFileName = "bracket.gcode"
)

// testDevice is a real session over a scripted connection.
type testDevice struct {
	id      string
	session *device.Session
	dialer  *devicetest.Dialer
	conn    *devicetest.Conn
	updates chan farm.DeviceStatus
}

type testFarm struct {
	dispatcher *Dispatcher
	jobs       *jobqueue.Store
	files      *filestore.Store
	clock      *clock.FakeClock
	devices    map[string]*testDevice
}

type farmOptions struct {
	retryLimit int
	// offline devices are never dialed.
	offline map[string]bool
}

func newTestFarm(t *testing.T, ids ...string) *testFarm {
	t.Helper()
	return newTestFarmWith(t, farmOptions{}, ids...)
}

func newTestFarmWith(t *testing.T, options farmOptions, ids ...string) *testFarm {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	fake := clock.Fake(epoch)
	directory := t.TempDir()

	files, err := filestore.Open(filepath.Join(directory, "files"), logger)
	if err != nil {
		t.Fatalf("filestore.Open: %v", err)
	}
	jobs, err := jobqueue.Open(jobqueue.Config{
		Path:   filepath.Join(directory, "jobs.db"),
		Files:  files,
		Clock:  fake,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("jobqueue.Open: %v", err)
	}
	t.Cleanup(func() { jobs.Close() })

	farmUnderTest := &testFarm{jobs: jobs, files: files, clock: fake, devices: make(map[string]*testDevice)}
	devices := make([]Device, 0, len(ids))
	for _, id := range ids {
		testDev := &testDevice{
			id:      id,
			dialer:  devicetest.NewDialer(),
			updates: make(chan farm.DeviceStatus, 1024),
		}
		session, err := device.NewSession(device.Config{
			ID:     id,
			Name:   "Printer " + id,
			Dialer: testDev.dialer,
			Clock:  fake,
			Logger: logger,
			OnUpdate: func(status farm.DeviceStatus) {
				select {
				case testDev.updates <- status:
				default:
				}
			},
		})
		if err != nil {
			t.Fatalf("NewSession(%s): %v", id, err)
		}
		testDev.session = session
		farmUnderTest.devices[id] = testDev
		devices = append(devices, session)
		if !options.offline[id] {
			testDev.start(t)
		}
	}

	dispatcher, err := New(Config{
		Jobs:           jobs,
		Files:          files,
		Devices:        devices,
		Clock:          fake,
		Logger:         logger,
		Interval:       3 * time.Second,
		ReconcileGrace: testGrace,
		RetryLimit:     options.retryLimit,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	farmUnderTest.dispatcher = dispatcher
	return farmUnderTest
}

// start runs the session and waits for it to connect.
func (d *testDevice) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.session.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		testutil.RequireReceive(t, done, waitTimeout, "session %s to stop", d.id)
	})

	d.conn = testutil.RequireReceive(t, d.dialer.Dialed(), waitTimeout, "dial of %s", d.id)
	d.awaitUpdate(t, func(status farm.DeviceStatus) bool { return status.Connected })
}

// awaitUpdate discards updates until one satisfies match.
func (d *testDevice) awaitUpdate(t *testing.T, match func(farm.DeviceStatus) bool) farm.DeviceStatus {
	t.Helper()
	for {
		status := testutil.RequireReceive(t, d.updates, waitTimeout, "update from %s", d.id)
		if match(status) {
			return status
		}
	}
}

// report delivers telemetry and waits for the session to ingest it.
func (d *testDevice) report(t *testing.T, telemetry farm.Telemetry) {
	t.Helper()
	for drained := false; !drained; {
		select {
		case <-d.updates:
		default:
			drained = true
		}
	}
	d.conn.Report(telemetry)
	d.awaitUpdate(t, func(status farm.DeviceStatus) bool {
		return !status.Telemetry.IsUnknown() && status.Telemetry.State == telemetry.State &&
			status.Telemetry.ProgressPercent == telemetry.ProgressPercent
	})
}

func code(value int64) *int64 { return &value }

func idle() farm.Telemetry {
	return farm.Telemetry{State: farm.StateIdle, ErrorCode: code(0)}
}

func printing(progress int) farm.Telemetry {
	return farm.Telemetry{State: farm.StateRunning, ErrorCode: code(0), ProgressPercent: progress}
}

func (f *testFarm) submit(t *testing.T, deviceID string) farm.Job {
	t.Helper()
	job, err := f.dispatcher.Submit(context.Background(), farm.SubmitJobRequest{
		FileName:   testFileName,
		Content:    []byte(testGcode),
		DeviceID:   deviceID,
		AutoAssign: deviceID == "",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return job
}

func (f *testFarm) cycle(t *testing.T) farm.DispatchReport {
	t.Helper()
	report, err := f.dispatcher.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	return report
}

func (f *testFarm) requireStatus(t *testing.T, id string, want farm.JobStatus) farm.Job {
	t.Helper()
	job, err := f.jobs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	if job.Status != want {
		t.Fatalf("job %s status = %s (error %q), want %s", id, job.Status, job.Error, want)
	}
	return job
}

func startJobs(instructions []device.Instruction) []device.Instruction {
	var starts []device.Instruction
	for _, instruction := range instructions {
		if instruction.Name == farm.CommandStartJob {
			starts = append(starts, instruction)
		}
	}
	return starts
}

func TestOneDeviceThreeJobs(t *testing.T) {
	f := newTestFarm(t, "x1c")
	printer := f.devices["x1c"]
	printer.report(t, idle())

	first, second, third := f.submit(t, ""), f.submit(t, ""), f.submit(t, "")
	report := f.cycle(t)

	if report.Queued != 3 {
		t.Errorf("Queued = %d, want 3", report.Queued)
	}
	if len(report.Dispatched) != 1 || report.Dispatched[0].JobID != first.ID || report.Dispatched[0].DeviceID != "x1c" {
		t.Fatalf("Dispatched = %+v, want only the first job on x1c", report.Dispatched)
	}
	if len(report.Failed) != 0 {
		t.Errorf("Failed = %+v", report.Failed)
	}
	if len(report.Skipped) != 2 {
		t.Fatalf("Skipped = %+v, want 2", report.Skipped)
	}
	for _, skip := range report.Skipped {
		if skip.Reason != reasonClaimed {
			t.Errorf("skip %s reason = %q, want %q", skip.JobID, skip.Reason, reasonClaimed)
		}
	}

	running := f.requireStatus(t, first.ID, farm.JobRunning)
	if running.AssignedDeviceID != "x1c" || running.StartedAt.IsZero() {
		t.Errorf("running job = %+v", running)
	}
	f.requireStatus(t, second.ID, farm.JobQueued)
	f.requireStatus(t, third.ID, farm.JobQueued)

	uploads := printer.conn.Uploads()
	if len(uploads) != 1 || string(uploads[0].Content) != testGcode || uploads[0].Name != testFileName {
		t.Errorf("uploads = %+v", uploads)
	}
	starts := startJobs(printer.conn.Instructions())
	if len(starts) != 1 || starts[0].StartJob.File != testFileName || starts[0].StartJob.Plate != 1 {
		t.Errorf("start instructions = %+v", starts)
	}
}

func TestActiveJobHoldsDevice(t *testing.T) {
	f := newTestFarm(t, "x1c")
	printer := f.devices["x1c"]
	printer.report(t, idle())

	first := f.submit(t, "")
	f.cycle(t)
	second := f.submit(t, "")

	// The printer still reports its previous idle state inside the
	// grace period.
	printer.report(t, idle())
	report := f.cycle(t)

	if len(report.Reconciled) != 0 {
		t.Errorf("Reconciled = %+v, want none inside the grace period", report.Reconciled)
	}
	if len(report.Devices) != 1 || report.Devices[0].Available ||
		report.Devices[0].Reason != "assigned to job "+first.ID {
		t.Errorf("Devices = %+v", report.Devices)
	}
	if len(report.Skipped) != 1 || report.Skipped[0].JobID != second.ID || report.Skipped[0].Reason != reasonNoDevice {
		t.Errorf("Skipped = %+v", report.Skipped)
	}
	f.requireStatus(t, first.ID, farm.JobRunning)
}

func TestFixedTargetStaysQueued(t *testing.T) {
	f := newTestFarm(t, "busy", "free")
	f.devices["busy"].report(t, printing(40))
	f.devices["free"].report(t, idle())

	job := f.submit(t, "busy")
	for range 2 {
		report := f.cycle(t)
		if len(report.Dispatched) != 0 {
			t.Fatalf("Dispatched = %+v, want none", report.Dispatched)
		}
		if len(report.Skipped) != 1 || report.Skipped[0].Reason != "Running" || report.Skipped[0].DeviceID != "busy" {
			t.Fatalf("Skipped = %+v, want the target's classifier reason", report.Skipped)
		}
	}
	f.requireStatus(t, job.ID, farm.JobQueued)
	if starts := startJobs(f.devices["free"].conn.Instructions()); len(starts) != 0 {
		t.Errorf("free device received %+v", starts)
	}
}

func TestFixedTargetAvailable(t *testing.T) {
	f := newTestFarm(t, "a", "b")
	f.devices["a"].report(t, idle())
	f.devices["b"].report(t, idle())

	job := f.submit(t, "b")
	report := f.cycle(t)
	if len(report.Dispatched) != 1 || report.Dispatched[0].DeviceID != "b" {
		t.Fatalf("Dispatched = %+v, want b", report.Dispatched)
	}
	if got := f.requireStatus(t, job.ID, farm.JobRunning); got.AssignedDeviceID != "b" {
		t.Errorf("assigned = %q", got.AssignedDeviceID)
	}
	if starts := startJobs(f.devices["a"].conn.Instructions()); len(starts) != 0 {
		t.Errorf("device a received %+v", starts)
	}
}

func TestSkipReasons(t *testing.T) {
	f := newTestFarmWith(t, farmOptions{offline: map[string]bool{"dark": true}}, "dark", "faulted")
	f.devices["faulted"].report(t, farm.Telemetry{State: farm.StateFailed, ErrorCode: code(117440512)})

	ref, err := f.files.Put(testFileName, []byte(testGcode))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	ghost, err := f.jobs.Submit(context.Background(), jobqueue.Submission{
		FileName: testFileName, FileRef: ref, Plate: 1, DeviceID: "ghost",
	})
	if err != nil {
		t.Fatalf("Submit(ghost): %v", err)
	}
	dark := f.submit(t, "dark")
	faulted := f.submit(t, "faulted")
	auto := f.submit(t, "")

	report := f.cycle(t)
	want := map[string]string{
		ghost.ID:   "unknown device ghost",
		dark.ID:    reasonNotConnected,
		faulted.ID: "fail_reason 117440512 (0700-0000)",
		auto.ID:    reasonNoDevice,
	}
	if len(report.Skipped) != len(want) {
		t.Fatalf("Skipped = %+v", report.Skipped)
	}
	for _, skip := range report.Skipped {
		if skip.Reason != want[skip.JobID] {
			t.Errorf("job %s reason = %q, want %q", skip.JobID, skip.Reason, want[skip.JobID])
		}
	}

	if report.Devices[0].Connected || report.Devices[0].Reason != reasonNotConnected {
		t.Errorf("dark verdict = %+v", report.Devices[0])
	}
	if report.Devices[1].FaultCode != "fail_reason 117440512 (0700-0000)" || report.Devices[1].State != farm.StateFailed {
		t.Errorf("faulted verdict = %+v", report.Devices[1])
	}
}

func TestSoftFailedDeviceIsAvailable(t *testing.T) {
	f := newTestFarm(t, "p1s")
	f.devices["p1s"].report(t, farm.Telemetry{State: farm.StateFailed, ErrorCode: code(0), SecondaryErrorCode: code(0)})

	job := f.submit(t, "")
	report := f.cycle(t)
	if len(report.Dispatched) != 1 {
		t.Fatalf("Dispatched = %+v, Skipped = %+v", report.Dispatched, report.Skipped)
	}
	f.requireStatus(t, job.ID, farm.JobRunning)
}

func TestCancelQueuedIsNeverDispatched(t *testing.T) {
	f := newTestFarm(t, "x1c")
	f.devices["x1c"].report(t, idle())

	job := f.submit(t, "")
	result, err := f.dispatcher.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if result.Job.Status != farm.JobCancelled || result.StopError != "" {
		t.Errorf("result = %+v", result)
	}

	report := f.cycle(t)
	if report.Queued != 0 || len(report.Dispatched) != 0 {
		t.Errorf("report = %+v, want nothing dispatched", report)
	}
	if starts := startJobs(f.devices["x1c"].conn.Instructions()); len(starts) != 0 {
		t.Errorf("device received %+v", starts)
	}
}

func TestReconcileAndCancelCompleted(t *testing.T) {
	f := newTestFarm(t, "x1c")
	printer := f.devices["x1c"]
	printer.report(t, idle())

	job := f.submit(t, "")
	f.cycle(t)
	printer.report(t, printing(50))

	f.clock.Advance(testGrace + time.Second)
	printer.report(t, farm.Telemetry{State: farm.StateFinished, ErrorCode: code(0), ProgressPercent: 100})

	report := f.cycle(t)
	if len(report.Reconciled) != 1 || report.Reconciled[0].Status != farm.JobCompleted {
		t.Fatalf("Reconciled = %+v", report.Reconciled)
	}
	completed := f.requireStatus(t, job.ID, farm.JobCompleted)
	if completed.AssignedDeviceID != "x1c" || completed.FinishedAt.IsZero() {
		t.Errorf("completed job = %+v", completed)
	}

	if _, err := f.dispatcher.Cancel(context.Background(), job.ID); !errors.Is(err, jobqueue.ErrInvalidTransition) {
		t.Errorf("Cancel(completed) = %v, want ErrInvalidTransition", err)
	}
}

func TestReconcileFailures(t *testing.T) {
	tests := []struct {
		name      string
		telemetry farm.Telemetry
		status    farm.JobStatus
		reason    string
	}{
		{
			name:      "fault",
			telemetry: farm.Telemetry{State: farm.StateFailed, ErrorCode: code(117440512)},
			status:    farm.JobFailed,
			reason:    "device entered Failed: fail_reason 117440512 (0700-0000)",
		},
		{
			name:      "stopped on device",
			telemetry: farm.Telemetry{State: farm.StateFailed, ErrorCode: code(0)},
			status:    farm.JobCancelled,
			reason:    reasonStoppedOnDevice,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := newTestFarm(t, "x1c")
			printer := f.devices["x1c"]
			printer.report(t, idle())
			job := f.submit(t, "")
			f.cycle(t)

			f.clock.Advance(testGrace + time.Second)
			printer.report(t, test.telemetry)
			report := f.cycle(t)

			if len(report.Reconciled) != 1 || report.Reconciled[0].Reason != test.reason {
				t.Fatalf("Reconciled = %+v, want reason %q", report.Reconciled, test.reason)
			}
			ended := f.requireStatus(t, job.ID, test.status)
			if ended.Error != test.reason {
				t.Errorf("job error = %q, want %q", ended.Error, test.reason)
			}
		})
	}
}

func TestTransientFailureRequeues(t *testing.T) {
	f := newTestFarm(t, "x1c")
	printer := f.devices["x1c"]
	printer.report(t, idle())
	printer.conn.SendFunc = func(ctx context.Context, instruction device.Instruction) error {
		return fmt.Errorf("%w: print busy", device.ErrDeviceRejected)
	}

	job := f.submit(t, "")
	report := f.cycle(t)
	if len(report.Failed) != 1 || !report.Failed[0].Requeued || report.Failed[0].Status != farm.JobQueued {
		t.Fatalf("Failed = %+v, want one requeued outcome", report.Failed)
	}
	if !strings.Contains(report.Failed[0].Reason, "rejected") {
		t.Errorf("reason = %q", report.Failed[0].Reason)
	}
	requeued := f.requireStatus(t, job.ID, farm.JobQueued)
	if requeued.Attempts != 1 || requeued.AssignedDeviceID != "" || requeued.Error == "" {
		t.Errorf("requeued job = %+v", requeued)
	}

	printer.conn.SendFunc = nil
	report = f.cycle(t)
	if len(report.Dispatched) != 1 {
		t.Fatalf("retry Dispatched = %+v", report.Dispatched)
	}
	if running := f.requireStatus(t, job.ID, farm.JobRunning); running.Error != "" || running.Attempts != 1 {
		t.Errorf("running job = %+v", running)
	}
}

func TestRetryLimit(t *testing.T) {
	f := newTestFarmWith(t, farmOptions{retryLimit: 2}, "x1c")
	printer := f.devices["x1c"]
	printer.report(t, idle())
	printer.conn.SendFunc = func(ctx context.Context, instruction device.Instruction) error {
		return fmt.Errorf("%w: sd card missing", device.ErrDeviceRejected)
	}

	job := f.submit(t, "")
	if report := f.cycle(t); len(report.Failed) != 1 || !report.Failed[0].Requeued {
		t.Fatalf("first attempt Failed = %+v", report.Failed)
	}
	report := f.cycle(t)
	if len(report.Failed) != 1 || report.Failed[0].Requeued || report.Failed[0].Status != farm.JobFailed {
		t.Fatalf("second attempt Failed = %+v", report.Failed)
	}
	failed := f.requireStatus(t, job.ID, farm.JobFailed)
	if !strings.HasPrefix(failed.Error, "retry limit reached: ") || failed.AssignedDeviceID != "x1c" {
		t.Errorf("failed job = %+v", failed)
	}
}

func TestUploadFailureRequeues(t *testing.T) {
	f := newTestFarm(t, "x1c")
	printer := f.devices["x1c"]
	printer.report(t, idle())
	printer.conn.UploadFunc = func(ctx context.Context, name string, content []byte) error {
		return errors.New("ftps: 550 no space left")
	}

	job := f.submit(t, "")
	report := f.cycle(t)
	if len(report.Failed) != 1 || !report.Failed[0].Requeued {
		t.Fatalf("Failed = %+v", report.Failed)
	}
	if !strings.Contains(report.Failed[0].Reason, "no space left") {
		t.Errorf("reason = %q", report.Failed[0].Reason)
	}
	f.requireStatus(t, job.ID, farm.JobQueued)
}

func TestMissingFileFailsJob(t *testing.T) {
	f := newTestFarm(t, "x1c")
	f.devices["x1c"].report(t, idle())

	job := f.submit(t, "")
	if err := f.files.Delete(job.FileRef); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	report := f.cycle(t)
	if len(report.Failed) != 1 || report.Failed[0].Requeued || report.Failed[0].Status != farm.JobFailed {
		t.Fatalf("Failed = %+v", report.Failed)
	}
	failed := f.requireStatus(t, job.ID, farm.JobFailed)
	if !strings.Contains(failed.Error, "job file unreadable") {
		t.Errorf("error = %q", failed.Error)
	}
}

// awaitState polls session until it reports state. It is safe to call
// off the test goroutine.
func awaitState(session *device.Session, state farm.OperatingState) error {
	deadline := time.Now().Add(waitTimeout)
	for session.Status().Telemetry.State != state {
		if time.Now().After(deadline) {
			return fmt.Errorf("device never reported %s", state)
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

func TestCancelDuringFailedStartKeepsCycleGoing(t *testing.T) {
	f := newTestFarm(t, "a", "b")
	f.devices["a"].report(t, idle())
	f.devices["b"].report(t, idle())

	first := f.submit(t, "a")
	second := f.submit(t, "b")
	var cancelErr error
	f.devices["a"].conn.SendFunc = func(ctx context.Context, instruction device.Instruction) error {
		if instruction.Name != farm.CommandStartJob {
			return nil
		}
		_, cancelErr = f.dispatcher.Cancel(context.Background(), first.ID)
		return fmt.Errorf("%w: print busy", device.ErrDeviceRejected)
	}

	report := f.cycle(t)
	if cancelErr != nil {
		t.Fatalf("Cancel during start: %v", cancelErr)
	}
	if len(report.Failed) != 1 {
		t.Fatalf("Failed = %+v, want the cancelled job", report.Failed)
	}
	if outcome := report.Failed[0]; outcome.JobID != first.ID || outcome.Status != farm.JobCancelled ||
		outcome.Requeued || outcome.Reason != reasonCancelledInFlight {
		t.Errorf("outcome = %+v", outcome)
	}
	if len(report.Dispatched) != 1 || report.Dispatched[0].JobID != second.ID {
		t.Fatalf("Dispatched = %+v, want the job on b", report.Dispatched)
	}
	if cancelled := f.requireStatus(t, first.ID, farm.JobCancelled); cancelled.Attempts != 0 {
		t.Errorf("cancelled job attempts = %d, want 0", cancelled.Attempts)
	}
	f.requireStatus(t, second.ID, farm.JobRunning)
	if status, err := f.dispatcher.Status(context.Background()); err != nil || status.LastError != "" {
		t.Errorf("Status = %+v, %v; want no cycle error", status.LastError, err)
	}
}

func TestCancelDuringStartStopsDevice(t *testing.T) {
	f := newTestFarm(t, "x1c")
	printer := f.devices["x1c"]
	printer.report(t, idle())
	job := f.submit(t, "")

	conn := printer.conn
	var cancelErr, startErr error
	conn.OnSend = func(instruction device.Instruction) {
		if instruction.Name == farm.CommandStop {
			conn.Report(idle())
		}
	}
	conn.SendFunc = func(ctx context.Context, instruction device.Instruction) error {
		if instruction.Name != farm.CommandStartJob {
			return nil
		}
		_, cancelErr = f.dispatcher.Cancel(context.Background(), job.ID)
		conn.Report(printing(1))
		startErr = awaitState(printer.session, farm.StateRunning)
		return nil
	}

	report := f.cycle(t)
	if cancelErr != nil || startErr != nil {
		t.Fatalf("during start: cancel %v, telemetry %v", cancelErr, startErr)
	}
	if len(report.Dispatched) != 0 || len(report.Failed) != 1 {
		t.Fatalf("Dispatched = %+v, Failed = %+v", report.Dispatched, report.Failed)
	}
	if outcome := report.Failed[0]; outcome.Status != farm.JobCancelled || outcome.Reason != reasonCancelledInFlight {
		t.Errorf("outcome = %+v, want a clean stop", outcome)
	}
	instructions := conn.Instructions()
	if last := instructions[len(instructions)-1]; last.Name != farm.CommandStop {
		t.Errorf("last instruction = %s, want stop", last.Name)
	}
	f.requireStatus(t, job.ID, farm.JobCancelled)
}

func TestCancelDuringRefusedStart(t *testing.T) {
	f := newTestFarmWith(t, farmOptions{retryLimit: 1}, "x1c")
	printer := f.devices["x1c"]
	printer.report(t, idle())
	job := f.submit(t, "")

	var cancelErr error
	printer.conn.SendFunc = func(ctx context.Context, instruction device.Instruction) error {
		if instruction.Name != farm.CommandStartJob {
			return nil
		}
		_, cancelErr = f.dispatcher.Cancel(context.Background(), job.ID)
		return fmt.Errorf("%w: sd card missing", device.ErrDeviceRejected)
	}

	report := f.cycle(t)
	if cancelErr != nil {
		t.Fatalf("Cancel during start: %v", cancelErr)
	}
	if len(report.Failed) != 1 || report.Failed[0].Status != farm.JobCancelled ||
		report.Failed[0].Reason != reasonCancelledInFlight {
		t.Fatalf("Failed = %+v, want one cancelled outcome", report.Failed)
	}
	if cancelled := f.requireStatus(t, job.ID, farm.JobCancelled); cancelled.Error != "" {
		t.Errorf("cancelled job error = %q, want none", cancelled.Error)
	}
}

func TestCancelBeforeClaimSkipsJob(t *testing.T) {
	f := newTestFarm(t, "a", "b")
	f.devices["a"].report(t, idle())
	f.devices["b"].report(t, idle())

	first := f.submit(t, "a")
	second := f.submit(t, "b")
	var cancelErr error
	f.devices["a"].conn.SendFunc = func(ctx context.Context, instruction device.Instruction) error {
		if instruction.Name == farm.CommandStartJob {
			_, cancelErr = f.dispatcher.Cancel(context.Background(), second.ID)
		}
		return nil
	}

	report := f.cycle(t)
	if cancelErr != nil {
		t.Fatalf("Cancel(second): %v", cancelErr)
	}
	if len(report.Dispatched) != 1 || report.Dispatched[0].JobID != first.ID {
		t.Fatalf("Dispatched = %+v, want only the first job", report.Dispatched)
	}
	if len(report.Skipped) != 1 || report.Skipped[0].JobID != second.ID ||
		report.Skipped[0].Reason != reasonNoLongerQueued {
		t.Fatalf("Skipped = %+v, want the cancelled job", report.Skipped)
	}
	if starts := startJobs(f.devices["b"].conn.Instructions()); len(starts) != 0 {
		t.Errorf("device b received %+v", starts)
	}
	f.requireStatus(t, second.ID, farm.JobCancelled)
}

func TestConcurrentSubmitAndRemoveKeepSharedFile(t *testing.T) {
	f := newTestFarm(t)
	ctx := context.Background()

	for round := range 25 {
		previous := f.submit(t, "")

		var (
			wg        sync.WaitGroup
			next      farm.Job
			submitErr error
			removeErr error
		)
		wg.Go(func() {
			next, submitErr = f.dispatcher.Submit(ctx, farm.SubmitJobRequest{
				FileName: testFileName, Content: []byte(testGcode), AutoAssign: true,
			})
		})
		wg.Go(func() { _, removeErr = f.dispatcher.Remove(ctx, previous.ID) })
		wg.Wait()

		if submitErr != nil || removeErr != nil {
			t.Fatalf("round %d: submit %v, remove %v", round, submitErr, removeErr)
		}
		if !f.files.Has(next.FileRef) {
			t.Fatalf("round %d: queued job %s lost its file", round, next.ID)
		}
		if _, err := f.dispatcher.Remove(ctx, next.ID); err != nil {
			t.Fatalf("round %d: Remove(next): %v", round, err)
		}
		if f.files.Has(next.FileRef) {
			t.Fatalf("round %d: file kept after its last job was removed", round)
		}
	}
}

func TestCancelRunningStopsDevice(t *testing.T) {
	f := newTestFarm(t, "x1c")
	printer := f.devices["x1c"]
	printer.report(t, idle())
	job := f.submit(t, "")
	f.cycle(t)
	printer.report(t, printing(10))

	conn := printer.conn
	conn.OnSend = func(instruction device.Instruction) {
		if instruction.Name == farm.CommandStop {
			conn.Report(farm.Telemetry{State: farm.StateIdle, ErrorCode: code(0)})
		}
	}

	result, err := f.dispatcher.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if result.Job.Status != farm.JobCancelled || result.Job.AssignedDeviceID != "" || result.StopError != "" {
		t.Errorf("result = %+v", result)
	}
	instructions := conn.Instructions()
	if last := instructions[len(instructions)-1]; last.Name != farm.CommandStop {
		t.Errorf("last instruction = %s, want stop", last.Name)
	}
}

func TestCancelRunningStopFailureKeepsCancellation(t *testing.T) {
	f := newTestFarm(t, "x1c")
	printer := f.devices["x1c"]
	printer.report(t, idle())
	job := f.submit(t, "")
	f.cycle(t)
	printer.report(t, printing(10))

	printer.conn.Drop(errors.New("link reset"))
	printer.awaitUpdate(t, func(status farm.DeviceStatus) bool { return !status.Connected })

	result, err := f.dispatcher.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !strings.Contains(result.StopError, "not connected") {
		t.Errorf("StopError = %q", result.StopError)
	}
	f.requireStatus(t, job.ID, farm.JobCancelled)
}

func TestCompleteByHand(t *testing.T) {
	f := newTestFarm(t, "x1c")
	f.devices["x1c"].report(t, idle())
	job := f.submit(t, "")

	if _, err := f.dispatcher.Complete(context.Background(), job.ID); !errors.Is(err, jobqueue.ErrInvalidTransition) {
		t.Errorf("Complete(queued) = %v, want ErrInvalidTransition", err)
	}
	f.cycle(t)
	completed, err := f.dispatcher.Complete(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if completed.Status != farm.JobCompleted {
		t.Errorf("status = %s", completed.Status)
	}
}

func TestSubmitAndRemove(t *testing.T) {
	f := newTestFarm(t, "x1c")
	ctx := context.Background()

	if _, err := f.dispatcher.Submit(ctx, farm.SubmitJobRequest{
		FileName: testFileName, Content: []byte(testGcode), DeviceID: "ghost",
	}); !errors.Is(err, jobqueue.ErrInvalidInput) {
		t.Errorf("Submit(unknown device) = %v, want ErrInvalidInput", err)
	}
	if _, err := f.dispatcher.Submit(ctx, farm.SubmitJobRequest{
		FileName: testFileName, Content: []byte(testGcode),
	}); !errors.Is(err, jobqueue.ErrInvalidInput) {
		t.Errorf("Submit(no target) = %v, want ErrInvalidInput", err)
	}
	if f.files.Has(filestore.HashContent([]byte(testGcode))) {
		t.Error("rejected submission left its file behind")
	}

	first := f.submit(t, "x1c")
	second := f.submit(t, "")
	if first.FileRef != second.FileRef || first.Plate != 1 {
		t.Errorf("jobs = %+v, %+v", first, second)
	}

	if _, err := f.dispatcher.Remove(ctx, first.ID); err != nil {
		t.Fatalf("Remove(first): %v", err)
	}
	if !f.files.Has(first.FileRef) {
		t.Error("file deleted while another job references it")
	}
	if _, err := f.dispatcher.Remove(ctx, second.ID); err != nil {
		t.Fatalf("Remove(second): %v", err)
	}
	if f.files.Has(first.FileRef) {
		t.Error("file kept after its last job was removed")
	}
	if _, err := f.dispatcher.Remove(ctx, second.ID); !errors.Is(err, jobqueue.ErrNotFound) {
		t.Errorf("Remove(removed) = %v, want ErrNotFound", err)
	}
}

func TestDeviceCommand(t *testing.T) {
	f := newTestFarm(t, "x1c")
	printer := f.devices["x1c"]
	printer.report(t, idle())
	ctx := context.Background()

	if err := f.dispatcher.Command(ctx, "ghost", farm.Command{Name: farm.CommandHome}); err == nil {
		t.Error("command to an unknown device succeeded")
	}
	if err := f.dispatcher.Command(ctx, "x1c", farm.Command{Name: farm.CommandStartJob}); err == nil {
		t.Error("start_job through Command succeeded")
	}
	if err := f.dispatcher.Command(ctx, "x1c", farm.Command{Name: farm.CommandHome}); err != nil {
		t.Fatalf("home: %v", err)
	}
	if err := f.dispatcher.Command(ctx, "x1c", farm.Command{Name: farm.CommandResume}); !errors.Is(err, device.ErrDeviceBusy) {
		t.Errorf("resume on idle = %v, want ErrDeviceBusy", err)
	}
	instructions := printer.conn.Instructions()
	if len(instructions) != 1 || instructions[0].Name != farm.CommandHome {
		t.Errorf("instructions = %+v", instructions)
	}
}

func TestStatusAndDevices(t *testing.T) {
	f := newTestFarm(t, "x1c", "p1s")
	f.devices["x1c"].report(t, idle())
	f.devices["p1s"].report(t, printing(70))
	ctx := context.Background()

	f.submit(t, "")
	f.submit(t, "")
	f.cycle(t)

	status, err := f.dispatcher.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.LoopAlive {
		t.Error("LoopAlive without Run")
	}
	if status.QueueDepth != 1 || status.Queue[farm.JobRunning] != 1 || status.Queue[farm.JobCompleted] != 0 {
		t.Errorf("queue = %v depth %d", status.Queue, status.QueueDepth)
	}
	if status.LastReport == nil || len(status.LastReport.Dispatched) != 1 || status.LastCycleAt.IsZero() {
		t.Errorf("last report = %+v at %v", status.LastReport, status.LastCycleAt)
	}
	if len(status.Devices) != 2 || status.Devices[0].Available || status.Devices[1].Reason != "Running" {
		t.Errorf("devices = %+v", status.Devices)
	}

	details, err := f.dispatcher.Devices(ctx)
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(details) != 2 || details[1].Status.Telemetry.ProgressPercent != 70 || details[0].Status.Name != "Printer x1c" {
		t.Errorf("details = %+v", details)
	}
}

func TestDeviceUpdatedKicksOnceWhenAvailable(t *testing.T) {
	f := newTestFarmWith(t, farmOptions{offline: map[string]bool{"x1c": true}}, "x1c")
	available := farm.DeviceStatus{DeviceID: "x1c", Connected: true, Telemetry: farm.Telemetry{
		State: farm.StateIdle, ReceivedAt: epoch,
	}}

	f.dispatcher.DeviceUpdated(available)
	testutil.RequireReceive(t, f.dispatcher.kick, waitTimeout, "kick on becoming available")

	f.dispatcher.DeviceUpdated(available)
	select {
	case <-f.dispatcher.kick:
		t.Error("kick for a device that was already available")
	default:
	}

	busy := available
	busy.Telemetry.State = farm.StateRunning
	f.dispatcher.DeviceUpdated(busy)
	f.dispatcher.DeviceUpdated(available)
	testutil.RequireReceive(t, f.dispatcher.kick, waitTimeout, "kick after becoming available again")
}

func TestRunLoop(t *testing.T) {
	f := newTestFarm(t, "x1c")
	f.devices["x1c"].report(t, idle())

	cycles := make(chan farm.DispatchReport, 16)
	f.dispatcher.afterCycle = func(report farm.DispatchReport) { cycles <- report }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.dispatcher.Run(ctx) }()

	testutil.RequireReceive(t, cycles, waitTimeout, "initial cycle")
	status, err := f.dispatcher.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.LoopAlive {
		t.Error("LoopAlive = false while running")
	}

	// Submit kicks the loop.
	job := f.submit(t, "")
	report := testutil.RequireReceive(t, cycles, waitTimeout, "kicked cycle")
	if len(report.Dispatched) != 1 || report.Dispatched[0].JobID != job.ID {
		t.Errorf("kicked cycle dispatched %+v", report.Dispatched)
	}

	f.clock.Advance(3 * time.Second)
	testutil.RequireReceive(t, cycles, waitTimeout, "ticked cycle")

	cancel()
	if err := testutil.RequireReceive(t, done, waitTimeout, "Run to return"); err != nil {
		t.Errorf("Run = %v", err)
	}
	if status, _ := f.dispatcher.Status(context.Background()); status.LoopAlive {
		t.Error("LoopAlive = true after Run returned")
	}
}

func TestNewValidation(t *testing.T) {
	f := newTestFarmWith(t, farmOptions{offline: map[string]bool{"a": true}}, "a")
	base := Config{
		Jobs: f.jobs, Files: f.files, Clock: f.clock,
		Logger: slog.New(slog.DiscardHandler), Interval: time.Second,
	}
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"no jobs", func(c *Config) { c.Jobs = nil }},
		{"no files", func(c *Config) { c.Files = nil }},
		{"no clock", func(c *Config) { c.Clock = nil }},
		{"no logger", func(c *Config) { c.Logger = nil }},
		{"zero interval", func(c *Config) { c.Interval = 0 }},
		{"negative retry", func(c *Config) { c.RetryLimit = -1 }},
		{"duplicate device", func(c *Config) {
			c.Devices = []Device{f.devices["a"].session, f.devices["a"].session}
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := base
			test.modify(&cfg)
			if _, err := New(cfg); err == nil {
				t.Error("New succeeded")
			}
		})
	}
}
