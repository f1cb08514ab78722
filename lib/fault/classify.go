// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fault

import (
	"fmt"
	"strings"

	"github.com/bureau-foundation/printfarm/lib/schema/farm"
)

// Reasons returned by Classify for fixed conditions.
const (
	ReasonNoTelemetry = "no telemetry"
	ReasonSoftFail    = "soft-fail: stop/cancel with no residual fault"
	ReasonUnknown     = "unknown state"
)

// Verdict is the availability decision for one device at one instant.
type Verdict struct {
	Available bool
	Reason    string
}

// Classify applies the availability rules to t. Rules are checked in
// order and the first match wins:
//
//  1. unknown snapshot: unavailable, "no telemetry"
//  2. Idle or Finished: available
//  3. Running, Preparing, Paused: unavailable, the state label
//  4. Failed with no error code, secondary code, or alarm: available
//     as a soft-fail; otherwise unavailable with the formatted code
//  5. anything else: unavailable, "unknown state"
func Classify(t farm.Telemetry) Verdict {
	if t.IsUnknown() {
		return Verdict{Reason: ReasonNoTelemetry}
	}

	switch t.State {
	case farm.StateIdle, farm.StateFinished:
		return Verdict{Available: true}

	case farm.StateRunning, farm.StatePreparing, farm.StatePaused:
		return Verdict{Reason: t.State.Label()}

	case farm.StateFailed:
		if isZero(t.ErrorCode) && isZeroOrAbsent(t.SecondaryErrorCode) && len(t.ActiveAlarms) == 0 {
			return Verdict{Available: true, Reason: ReasonSoftFail}
		}
		return Verdict{Reason: faultReason(t)}
	}

	if t.State == "" {
		return Verdict{Reason: ReasonUnknown}
	}
	return Verdict{Reason: fmt.Sprintf("%s %q", ReasonUnknown, string(t.State))}
}

// Code returns the formatted primary fault code of t, falling back to
// the secondary code. It returns "" when neither is set and non-zero.
func Code(t farm.Telemetry) string {
	if t.ErrorCode != nil && *t.ErrorCode != 0 {
		return FormatCodeValue(*t.ErrorCode)
	}
	if t.SecondaryErrorCode != nil && *t.SecondaryErrorCode != 0 {
		return FormatCodeValue(*t.SecondaryErrorCode)
	}
	return ""
}

// faultReason explains why a Failed device is unavailable.
func faultReason(t farm.Telemetry) string {
	var reason string
	switch {
	case t.ErrorCode != nil && *t.ErrorCode != 0:
		reason = codeOrDecimal(*t.ErrorCode)
	case t.SecondaryErrorCode != nil && *t.SecondaryErrorCode != 0:
		reason = codeOrDecimal(*t.SecondaryErrorCode)
	case t.ErrorCode == nil:
		reason = "failed with no error code reported"
	}

	if len(t.ActiveAlarms) > 0 {
		alarms := "active alarms: " + strings.Join(t.ActiveAlarms, ", ")
		if reason == "" {
			return alarms
		}
		return reason + "; " + alarms
	}
	return reason
}

// codeOrDecimal formats code, falling back to plain decimal for
// values outside the 32-bit range FormatCodeValue accepts.
func codeOrDecimal(code int64) string {
	if formatted := FormatCodeValue(code); formatted != "" {
		return formatted
	}
	return fmt.Sprintf("error code %d", code)
}

func isZero(code *int64) bool { return code != nil && *code == 0 }

func isZeroOrAbsent(code *int64) bool { return code == nil || *code == 0 }
