// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package device owns the live connection to one printer.
//
// A [Session] caches the device's most recent telemetry and issues
// control commands through a transport-specific [Conn]. Its Run method
// is the session's listener: it dials through the configured [Dialer],
// ingests telemetry as it arrives, re-requests a full status push on
// every poll interval, and redials with exponential backoff (2s
// doubling to 60s) when the connection drops.
//
// Status never blocks on the network. Send enforces the safety gates
// against the cached state before anything reaches the wire:
//
//	jog, home     Idle or Finished
//	pause         Running or Preparing
//	resume        Paused
//	stop          Running, Preparing, Paused, or Failed
//	clear_fault   Failed
//	start_job     the fault classifier reports the device available
//
// Every Send is bounded by the session's command timeout, measured on
// the injected clock. Pause, resume, and stop additionally wait, within
// the same bound, for telemetry confirming the new state.
//
// Failures are reported as the package's sentinel errors (test with
// errors.Is); transport errors never escape unwrapped.
package device
