// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bambu

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/bureau-foundation/printfarm/lib/device"
	"github.com/bureau-foundation/printfarm/lib/schema/farm"
)

// sdcardRoot is where uploaded files land on the printer.
const sdcardRoot = "/sdcard/"

// request is one message on the device request topic. Exactly one
// section is set.
type request struct {
	Print   *printCommand  `json:"print,omitempty"`
	System  *systemCommand `json:"system,omitempty"`
	Pushing *pushCommand   `json:"pushing,omitempty"`
}

type printCommand struct {
	SequenceID string `json:"sequence_id"`
	Command    string `json:"command"`
	Param      string `json:"param,omitempty"`

	// project_file
	URL           string `json:"url,omitempty"`
	SubtaskName   string `json:"subtask_name,omitempty"`
	ProjectID     string `json:"project_id,omitempty"`
	ProfileID     string `json:"profile_id,omitempty"`
	TaskID        string `json:"task_id,omitempty"`
	SubtaskID     string `json:"subtask_id,omitempty"`
	BedType       string `json:"bed_type,omitempty"`
	UseAMS        *bool  `json:"use_ams,omitempty"`
	AMSMapping    []int  `json:"ams_mapping,omitempty"`
	Timelapse     *bool  `json:"timelapse,omitempty"`
	BedLevelling  *bool  `json:"bed_levelling,omitempty"`
	FlowCali      *bool  `json:"flow_cali,omitempty"`
	VibrationCali *bool  `json:"vibration_cali,omitempty"`
	LayerInspect  *bool  `json:"layer_inspect,omitempty"`

	// ams_change_filament
	Target *int `json:"target,omitempty"`
}

type systemCommand struct {
	SequenceID   string `json:"sequence_id"`
	Command      string `json:"command"`
	LEDNode      string `json:"led_node"`
	LEDMode      string `json:"led_mode"`
	LEDOnTime    int    `json:"led_on_time"`
	LEDOffTime   int    `json:"led_off_time"`
	LoopTimes    int    `json:"loop_times"`
	IntervalTime int    `json:"interval_time"`
}

type pushCommand struct {
	SequenceID string `json:"sequence_id"`
	Command    string `json:"command"`
	Version    int    `json:"version"`
	PushTarget int    `json:"push_target"`
}

// pushAll asks the printer for a complete status report.
func pushAll(sequence string) request {
	return request{Pushing: &pushCommand{
		SequenceID: sequence,
		Command:    "pushall",
		Version:    1,
		PushTarget: 1,
	}}
}

// requestFor translates a validated instruction into its request
// message.
func requestFor(instruction device.Instruction, sequence string) (request, error) {
	printRequest := func(command, param string) request {
		return request{Print: &printCommand{SequenceID: sequence, Command: command, Param: param}}
	}

	switch instruction.Name {
	case farm.CommandPause, farm.CommandResume, farm.CommandStop:
		return printRequest(string(instruction.Name), ""), nil

	case farm.CommandClearFault:
		// A latched failure is cleared by stopping the dead job.
		return printRequest("stop", ""), nil

	case farm.CommandHome:
		return printRequest("gcode_line", "G28\n"), nil

	case farm.CommandJog:
		return printRequest("gcode_line", jogGcode(instruction.Jog)), nil

	case farm.CommandSetTemperature:
		var gcode strings.Builder
		if bed := instruction.Temperature.Bed; bed != nil {
			fmt.Fprintf(&gcode, "M140 S%d\n", *bed)
		}
		if nozzle := instruction.Temperature.Nozzle; nozzle != nil {
			fmt.Fprintf(&gcode, "M104 S%d\n", *nozzle)
		}
		return printRequest("gcode_line", gcode.String()), nil

	case farm.CommandSetFans:
		var gcode strings.Builder
		for _, fan := range []struct {
			index   int
			percent *int
		}{
			{1, instruction.Fans.Part},
			{2, instruction.Fans.Aux},
			{3, instruction.Fans.Chamber},
		} {
			if fan.percent != nil {
				fmt.Fprintf(&gcode, "M106 P%d S%d\n", fan.index, device.FanPWM(*fan.percent))
			}
		}
		return printRequest("gcode_line", gcode.String()), nil

	case farm.CommandSelectTray:
		target := device.ToolID(instruction.Tray.AMSID, instruction.Tray.TrayID)
		return request{Print: &printCommand{
			SequenceID: sequence,
			Command:    "ams_change_filament",
			Target:     &target,
		}}, nil

	case farm.CommandLight:
		mode := "off"
		if instruction.Light.On {
			mode = "on"
		}
		return request{System: &systemCommand{
			SequenceID:   sequence,
			Command:      "ledctrl",
			LEDNode:      string(instruction.Light.Channel),
			LEDMode:      mode,
			LEDOnTime:    500,
			LEDOffTime:   500,
			LoopTimes:    0,
			IntervalTime: 0,
		}}, nil

	case farm.CommandStartJob:
		return startRequest(instruction, sequence), nil
	}

	return request{}, fmt.Errorf("%w: no printer request for %q", device.ErrInvalidInput, instruction.Name)
}

// startRequest begins a print of an uploaded file. Sliced projects
// (.3mf) start through project_file with a plate selection; plain
// G-code runs directly from the card.
func startRequest(instruction device.Instruction, sequence string) request {
	start := instruction.StartJob
	if !strings.EqualFold(path.Ext(start.File), ".3mf") {
		return request{Print: &printCommand{
			SequenceID: sequence,
			Command:    "gcode_file",
			Param:      sdcardRoot + start.File,
		}}
	}

	yes, no := true, false
	return request{Print: &printCommand{
		SequenceID:    sequence,
		Command:       "project_file",
		Param:         "Metadata/plate_" + strconv.Itoa(start.Plate) + ".gcode",
		URL:           "file://" + sdcardRoot + start.File,
		SubtaskName:   strings.TrimSuffix(start.File, path.Ext(start.File)),
		ProjectID:     "0",
		ProfileID:     "0",
		TaskID:        "0",
		SubtaskID:     "0",
		BedType:       "auto",
		UseAMS:        &yes,
		AMSMapping:    instruction.AMSMapping,
		Timelapse:     &no,
		BedLevelling:  &yes,
		FlowCali:      &yes,
		VibrationCali: &yes,
		LayerInspect:  &no,
	}}
}

// jogGcode emits a relative move for every non-zero axis and restores
// absolute positioning.
func jogGcode(jog *farm.JogParams) string {
	var move strings.Builder
	move.WriteString("G0")
	for _, axis := range []struct {
		name     string
		distance float64
	}{
		{"X", jog.DX}, {"Y", jog.DY}, {"Z", jog.DZ},
	} {
		if axis.distance != 0 {
			move.WriteString(" " + axis.name + strconv.FormatFloat(axis.distance, 'f', -1, 64))
		}
	}
	move.WriteString(" F" + strconv.Itoa(jog.Feed))
	return "G91\n" + move.String() + "\nG90\n"
}
