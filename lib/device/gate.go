// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"strings"

	"github.com/bureau-foundation/printfarm/lib/fault"
	"github.com/bureau-foundation/printfarm/lib/schema/farm"
)

// requiredStates lists the states each gated command accepts.
// Commands absent from the map are not gated by state.
var requiredStates = map[farm.CommandName][]farm.OperatingState{
	farm.CommandJog:        {farm.StateIdle, farm.StateFinished},
	farm.CommandHome:       {farm.StateIdle, farm.StateFinished},
	farm.CommandPause:      {farm.StateRunning, farm.StatePreparing},
	farm.CommandResume:     {farm.StatePaused},
	farm.CommandStop:       {farm.StateRunning, farm.StatePreparing, farm.StatePaused, farm.StateFailed},
	farm.CommandClearFault: {farm.StateFailed},
}

// confirmStates lists the states that confirm a command took effect.
// Send waits for one of them after the device accepts the command.
var confirmStates = map[farm.CommandName][]farm.OperatingState{
	farm.CommandPause:  {farm.StatePaused},
	farm.CommandResume: {farm.StateRunning, farm.StatePreparing},
	farm.CommandStop:   {farm.StateIdle, farm.StateFinished, farm.StateFailed},
}

// CheckGate reports whether command may be sent to a device whose
// latest snapshot is telemetry. It returns nil or an error wrapping
// ErrDeviceBusy. Callers use it to enable or disable actions; Send
// applies it again against the live state.
func CheckGate(command farm.CommandName, telemetry farm.Telemetry) error {
	if command == farm.CommandStartJob {
		verdict := fault.Classify(telemetry)
		if !verdict.Available {
			return fmt.Errorf("%w: %s: %s", ErrDeviceBusy, command, verdict.Reason)
		}
		return nil
	}

	allowed, gated := requiredStates[command]
	if !gated {
		return nil
	}
	if !telemetry.IsUnknown() && telemetry.State.In(allowed...) {
		return nil
	}
	return fmt.Errorf("%w: %s requires %s, device is %s",
		ErrDeviceBusy, command, describeStates(allowed), describeState(telemetry))
}

func describeStates(states []farm.OperatingState) string {
	labels := make([]string, len(states))
	for i, state := range states {
		labels[i] = state.Label()
	}
	return strings.Join(labels, " or ")
}

func describeState(telemetry farm.Telemetry) string {
	if telemetry.IsUnknown() {
		return "not reporting"
	}
	return telemetry.State.Label()
}
