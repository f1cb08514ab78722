// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/printfarm/lib/schema/farm"
)

var reported = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func snapshot(state farm.OperatingState) farm.Telemetry {
	return farm.Telemetry{State: state, ReceivedAt: reported}
}

func TestCheckGate(t *testing.T) {
	tests := []struct {
		command farm.CommandName
		allowed []farm.OperatingState
	}{
		{farm.CommandJog, []farm.OperatingState{farm.StateIdle, farm.StateFinished}},
		{farm.CommandHome, []farm.OperatingState{farm.StateIdle, farm.StateFinished}},
		{farm.CommandPause, []farm.OperatingState{farm.StateRunning, farm.StatePreparing}},
		{farm.CommandResume, []farm.OperatingState{farm.StatePaused}},
		{farm.CommandStop, []farm.OperatingState{farm.StateRunning, farm.StatePreparing, farm.StatePaused, farm.StateFailed}},
		{farm.CommandClearFault, []farm.OperatingState{farm.StateFailed}},
	}
	all := []farm.OperatingState{
		farm.StateIdle, farm.StatePreparing, farm.StateRunning,
		farm.StatePaused, farm.StateFinished, farm.StateFailed,
		"calibrating",
	}

	for _, test := range tests {
		for _, state := range all {
			err := CheckGate(test.command, snapshot(state))
			want := state.In(test.allowed...)
			if want && err != nil {
				t.Errorf("CheckGate(%s, %s) = %v, want allowed", test.command, state, err)
			}
			if !want && !errors.Is(err, ErrDeviceBusy) {
				t.Errorf("CheckGate(%s, %s) = %v, want ErrDeviceBusy", test.command, state, err)
			}
		}
	}
}

func TestCheckGateUngatedCommands(t *testing.T) {
	for _, command := range []farm.CommandName{
		farm.CommandSetTemperature, farm.CommandSetFans,
		farm.CommandSelectTray, farm.CommandLight,
	} {
		if err := CheckGate(command, snapshot(farm.StateRunning)); err != nil {
			t.Errorf("CheckGate(%s, running) = %v, want nil", command, err)
		}
	}
}

func TestCheckGateUnknownTelemetry(t *testing.T) {
	err := CheckGate(farm.CommandResume, farm.Telemetry{State: farm.StatePaused})
	if !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("CheckGate on unknown telemetry = %v, want ErrDeviceBusy", err)
	}
	if !strings.Contains(err.Error(), "not reporting") {
		t.Errorf("error %q should say the device is not reporting", err)
	}
}

func TestCheckGateStartJobUsesClassifier(t *testing.T) {
	if err := CheckGate(farm.CommandStartJob, snapshot(farm.StateFinished)); err != nil {
		t.Errorf("start_job on Finished = %v", err)
	}

	zero := int64(0)
	softFail := snapshot(farm.StateFailed)
	softFail.ErrorCode = &zero
	if err := CheckGate(farm.CommandStartJob, softFail); err != nil {
		t.Errorf("start_job on soft-fail = %v", err)
	}

	err := CheckGate(farm.CommandStartJob, snapshot(farm.StatePaused))
	if !errors.Is(err, ErrDeviceBusy) || !strings.Contains(err.Error(), "Paused") {
		t.Errorf("start_job on Paused = %v", err)
	}
}

func TestCheckGateMessage(t *testing.T) {
	err := CheckGate(farm.CommandJog, snapshot(farm.StateRunning))
	want := "jog requires Idle or Finished, device is Running"
	if err == nil || !strings.Contains(err.Error(), want) {
		t.Errorf("error = %v, want it to contain %q", err, want)
	}
}

// --- parameter validation ---

func TestPrepareRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		command farm.Command
	}{
		{"unknown command", farm.Command{Name: "self_destruct"}},
		{"jog without params", farm.Command{Name: farm.CommandJog}},
		{"jog too far", farm.Command{Name: farm.CommandJog, Jog: &farm.JogParams{DY: 301, Feed: 600}}},
		{"jog NaN", farm.Command{Name: farm.CommandJog, Jog: &farm.JogParams{DX: math.NaN(), Feed: 600}}},
		{"jog zero feed", farm.Command{Name: farm.CommandJog, Jog: &farm.JogParams{DX: 1}}},
		{"temperature empty", farm.Command{Name: farm.CommandSetTemperature, Temperature: &farm.TemperatureParams{}}},
		{"bed too hot", farm.Command{Name: farm.CommandSetTemperature, Temperature: &farm.TemperatureParams{Bed: pointer(121)}}},
		{"nozzle negative", farm.Command{Name: farm.CommandSetTemperature, Temperature: &farm.TemperatureParams{Nozzle: pointer(-1)}}},
		{"fans empty", farm.Command{Name: farm.CommandSetFans, Fans: &farm.FanParams{}}},
		{"tray out of range", farm.Command{Name: farm.CommandSelectTray, Tray: &farm.TrayParams{AMSID: 4}}},
		{"light without params", farm.Command{Name: farm.CommandLight}},
		{"light unknown channel", farm.Command{Name: farm.CommandLight, Light: &farm.LightParams{Channel: "laser"}}},
		{"start without file", farm.Command{Name: farm.CommandStartJob, StartJob: &farm.StartJobParams{Plate: 1, Content: []byte("x")}}},
		{"start plate zero", farm.Command{Name: farm.CommandStartJob, StartJob: &farm.StartJobParams{File: "a.gcode", Content: []byte("x")}}},
		{"start empty content", farm.Command{Name: farm.CommandStartJob, StartJob: &farm.StartJobParams{File: "a.gcode", Plate: 1}}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := prepare(test.command, nil)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("prepare = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestPrepareLightDefaultsToChamber(t *testing.T) {
	instruction, err := prepare(farm.Command{Name: farm.CommandLight, Light: &farm.LightParams{On: true}}, nil)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if instruction.Light.Channel != farm.LightChamber || !instruction.Light.On {
		t.Errorf("light = %+v", instruction.Light)
	}
}

func TestPrepareStartJobMapping(t *testing.T) {
	command := farm.Command{
		Name:     farm.CommandStartJob,
		StartJob: &farm.StartJobParams{File: "a.gcode", Plate: 1, Content: []byte("G28")},
	}

	instruction, err := prepare(command, nil)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(instruction.AMSMapping) != 1 || instruction.AMSMapping[0] != 0 {
		t.Errorf("AMSMapping = %v, want [0]", instruction.AMSMapping)
	}

	instruction, err = prepare(command, &farm.TraySelection{AMSID: 2, TrayID: 1, ToolID: ToolID(2, 1)})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(instruction.AMSMapping) != 1 || instruction.AMSMapping[0] != 9 {
		t.Errorf("AMSMapping = %v, want [9]", instruction.AMSMapping)
	}
}

func TestFanPWM(t *testing.T) {
	tests := []struct{ percent, want int }{
		{0, 0}, {50, 128}, {100, 255}, {33, 84},
	}
	for _, test := range tests {
		if got := FanPWM(test.percent); got != test.want {
			t.Errorf("FanPWM(%d) = %d, want %d", test.percent, got, test.want)
		}
	}
}

func pointer(value int) *int { return &value }
