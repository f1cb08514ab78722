// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package jobqueue is the durable print job queue.
//
// Jobs live in a single SQLite table ordered by insertion. Every
// status change is one conditional UPDATE whose WHERE clause names the
// statuses the transition may start from, so two callers racing to
// claim the same job cannot both succeed: the loser sees
// [ErrInvalidTransition].
//
// The lifecycle is:
//
//	queued ──Claim──▶ dispatching ──MarkRunning──▶ running ──MarkCompleted──▶ completed
//	   ▲                  │                          │
//	   └─────Requeue──────┘                          │
//	                      └──────MarkFailed──────────┴──▶ failed
//
// Cancel moves any non-terminal job to cancelled. Jobs found in
// dispatching when the store opens were interrupted by a crash and are
// failed, since whether the device received the start is unknown.
//
// Job file content is not stored here. A job holds the content hash
// of its file from [github.com/bureau-foundation/printfarm/lib/filestore],
// and Submit checks the hash resolves through a [FileResolver].
package jobqueue
