// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fault decides whether a printer can accept new work.
//
// [Classify] maps a telemetry snapshot to a [Verdict]. It is pure: the
// same snapshot always yields the same verdict, and nothing is cached
// between calls. The dispatcher classifies every device at the start
// of every cycle.
//
// The subtle case is the Failed state. Printers report Failed after
// an operator stops or cancels a print, even though nothing is wrong.
// A Failed snapshot with no error code, no secondary code, and no
// active alarms is a soft-fail and counts as available; any residual
// indicator keeps the device out of rotation with the formatted code
// as the reason. An error code the device never reported counts as
// non-zero, so missing data never releases a device.
//
// [FormatCode] renders device error codes in the form operators look
// up in vendor documentation: fail_reason 117440512 (0700-0000).
package fault
