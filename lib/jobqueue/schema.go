// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package jobqueue

import "github.com/bureau-foundation/printfarm/lib/schema/farm"

// schema is applied at every open. Times are unix nanoseconds, zero
// when unset. seq fixes queue order independently of the clock.
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	seq                INTEGER PRIMARY KEY AUTOINCREMENT,
	id                 TEXT    NOT NULL UNIQUE,
	file_name          TEXT    NOT NULL,
	file_ref           TEXT    NOT NULL,
	plate              INTEGER NOT NULL,
	target_device_id   TEXT    NOT NULL DEFAULT '',
	assigned_device_id TEXT    NOT NULL DEFAULT '',
	status             TEXT    NOT NULL,
	error              TEXT    NOT NULL DEFAULT '',
	attempts           INTEGER NOT NULL DEFAULT 0,
	created_at         INTEGER NOT NULL,
	started_at         INTEGER NOT NULL DEFAULT 0,
	finished_at        INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS jobs_status ON jobs (status, seq);
CREATE INDEX IF NOT EXISTS jobs_file_ref ON jobs (file_ref);
`

const jobColumns = `id, file_name, file_ref, plate, target_device_id,
	assigned_device_id, status, error, attempts, created_at, started_at,
	finished_at`

// transitions maps each status to the statuses it may move to.
var transitions = map[farm.JobStatus][]farm.JobStatus{
	farm.JobQueued:      {farm.JobDispatching, farm.JobCancelled},
	farm.JobDispatching: {farm.JobRunning, farm.JobQueued, farm.JobFailed, farm.JobCancelled},
	farm.JobRunning:     {farm.JobCompleted, farm.JobFailed, farm.JobCancelled},
}

func isValidTransition(from, to farm.JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// sourcesOf returns the statuses from which to is reachable, in
// lifecycle order.
func sourcesOf(to farm.JobStatus) []farm.JobStatus {
	var sources []farm.JobStatus
	for _, from := range farm.AllJobStatuses {
		if isValidTransition(from, to) {
			sources = append(sources, from)
		}
	}
	return sources
}
