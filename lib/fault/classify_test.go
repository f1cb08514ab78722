// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fault

import (
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/printfarm/lib/schema/farm"
)

var received = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func code(value int64) *int64 { return &value }

func snapshot(state farm.OperatingState) farm.Telemetry {
	return farm.Telemetry{
		State:              state,
		ErrorCode:          code(0),
		SecondaryErrorCode: code(0),
		ReceivedAt:         received,
	}
}

func TestClassifyTruthTable(t *testing.T) {
	tests := []struct {
		name      string
		telemetry farm.Telemetry
		available bool
		reason    string
	}{
		{"unknown snapshot", farm.Telemetry{}, false, "no telemetry"},
		{"idle", snapshot(farm.StateIdle), true, ""},
		{"finished", snapshot(farm.StateFinished), true, ""},
		{"running", snapshot(farm.StateRunning), false, "Running"},
		{"preparing", snapshot(farm.StatePreparing), false, "Preparing"},
		{"paused", snapshot(farm.StatePaused), false, "Paused"},
		{"failed soft", snapshot(farm.StateFailed), true, ReasonSoftFail},
		{"unrecognized", snapshot(farm.OperatingState("slicing")), false, `unknown state "slicing"`},
		{"empty state", snapshot(""), false, "unknown state"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			verdict := Classify(test.telemetry)
			if verdict.Available != test.available {
				t.Errorf("Available = %v, want %v", verdict.Available, test.available)
			}
			if verdict.Reason != test.reason {
				t.Errorf("Reason = %q, want %q", verdict.Reason, test.reason)
			}
		})
	}
}

func TestClassifyIdleIgnoresResidualCodes(t *testing.T) {
	// Idle wins before any fault inspection: a stale error code left
	// over from an earlier print does not block an idle device.
	telemetry := snapshot(farm.StateIdle)
	telemetry.ErrorCode = code(117440512)
	if verdict := Classify(telemetry); !verdict.Available {
		t.Errorf("idle device with stale code is unavailable: %q", verdict.Reason)
	}
}

func TestClassifySoftFail(t *testing.T) {
	verdict := Classify(snapshot(farm.StateFailed))
	if !verdict.Available {
		t.Fatal("soft-failed device classified unavailable")
	}
	if !strings.Contains(verdict.Reason, "soft-fail") {
		t.Errorf("Reason = %q, want it to contain %q", verdict.Reason, "soft-fail")
	}
}

func TestClassifySoftFailAbsentSecondary(t *testing.T) {
	telemetry := snapshot(farm.StateFailed)
	telemetry.SecondaryErrorCode = nil
	if verdict := Classify(telemetry); !verdict.Available {
		t.Errorf("absent secondary code blocked a soft-fail: %q", verdict.Reason)
	}
}

func TestClassifyFailedWithErrorCode(t *testing.T) {
	telemetry := snapshot(farm.StateFailed)
	telemetry.ErrorCode = code(117440512)

	verdict := Classify(telemetry)
	if verdict.Available {
		t.Fatal("faulted device classified available")
	}
	if want := "fail_reason 117440512 (0700-0000)"; !strings.Contains(verdict.Reason, want) {
		t.Errorf("Reason = %q, want it to contain %q", verdict.Reason, want)
	}
}

func TestClassifyFailedResidualIndicators(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*farm.Telemetry)
		reason string
	}{
		{
			name:   "secondary code only",
			mutate: func(s *farm.Telemetry) { s.SecondaryErrorCode = code(50364437) },
			reason: "fail_reason 50364437 (0300-8015)",
		},
		{
			name:   "alarms only",
			mutate: func(s *farm.Telemetry) { s.ActiveAlarms = []string{"HMS_0300_0100_0001_0007"} },
			reason: "active alarms: HMS_0300_0100_0001_0007",
		},
		{
			name: "code and alarms",
			mutate: func(s *farm.Telemetry) {
				s.ErrorCode = code(117440512)
				s.ActiveAlarms = []string{"HMS_0700_2000_0002_0001"}
			},
			reason: "fail_reason 117440512 (0700-0000); active alarms: HMS_0700_2000_0002_0001",
		},
		{
			name:   "error code never reported",
			mutate: func(s *farm.Telemetry) { s.ErrorCode = nil },
			reason: "failed with no error code reported",
		},
		{
			name:   "code wider than 32 bits",
			mutate: func(s *farm.Telemetry) { s.ErrorCode = code(1 << 40) },
			reason: "error code 1099511627776",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			telemetry := snapshot(farm.StateFailed)
			test.mutate(&telemetry)
			verdict := Classify(telemetry)
			if verdict.Available {
				t.Fatal("device with residual fault classified available")
			}
			if verdict.Reason != test.reason {
				t.Errorf("Reason = %q, want %q", verdict.Reason, test.reason)
			}
		})
	}
}

func TestCode(t *testing.T) {
	telemetry := snapshot(farm.StateFailed)
	if got := Code(telemetry); got != "" {
		t.Errorf("Code(zero codes) = %q, want empty", got)
	}

	telemetry.SecondaryErrorCode = code(65537)
	if got, want := Code(telemetry), "fail_reason 65537 (0001-0001)"; got != want {
		t.Errorf("Code(secondary) = %q, want %q", got, want)
	}

	telemetry.ErrorCode = code(117440512)
	if got, want := Code(telemetry), "fail_reason 117440512 (0700-0000)"; got != want {
		t.Errorf("Code(primary) = %q, want %q", got, want)
	}
}
