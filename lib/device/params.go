// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"math"

	"github.com/bureau-foundation/printfarm/lib/schema/farm"
)

// Heater limits accepted by set_temperature, in degrees Celsius.
const (
	MaxBedTemperature    = 120
	MaxNozzleTemperature = 320
)

// maxJogDistance bounds a single jog axis move, in millimetres.
const maxJogDistance = 300

// prepare validates command and resolves it into an Instruction.
// selection is the session's current tray choice, used for the
// start_job mapping.
func prepare(command farm.Command, selection *farm.TraySelection) (Instruction, error) {
	instruction := Instruction{Command: command}

	switch command.Name {
	case farm.CommandPause, farm.CommandResume, farm.CommandStop,
		farm.CommandHome, farm.CommandClearFault:
		return instruction, nil

	case farm.CommandJog:
		jog := command.Jog
		if jog == nil {
			return instruction, invalid(command.Name, "missing jog parameters")
		}
		for axis, distance := range map[string]float64{"dx": jog.DX, "dy": jog.DY, "dz": jog.DZ} {
			if math.IsNaN(distance) || math.Abs(distance) > maxJogDistance {
				return instruction, invalid(command.Name, "%s must be within ±%d mm", axis, maxJogDistance)
			}
		}
		if jog.Feed <= 0 {
			return instruction, invalid(command.Name, "feed must be positive")
		}
		return instruction, nil

	case farm.CommandSetTemperature:
		temperature := command.Temperature
		if temperature == nil || (temperature.Bed == nil && temperature.Nozzle == nil) {
			return instruction, invalid(command.Name, "at least one of bed or nozzle is required")
		}
		if temperature.Bed != nil && (*temperature.Bed < 0 || *temperature.Bed > MaxBedTemperature) {
			return instruction, invalid(command.Name, "bed must be 0-%d", MaxBedTemperature)
		}
		if temperature.Nozzle != nil && (*temperature.Nozzle < 0 || *temperature.Nozzle > MaxNozzleTemperature) {
			return instruction, invalid(command.Name, "nozzle must be 0-%d", MaxNozzleTemperature)
		}
		return instruction, nil

	case farm.CommandSetFans:
		fans := command.Fans
		if fans == nil || (fans.Part == nil && fans.Aux == nil && fans.Chamber == nil) {
			return instruction, invalid(command.Name, "at least one fan is required")
		}
		instruction.Fans = &farm.FanParams{
			Part:    clampPercent(fans.Part),
			Aux:     clampPercent(fans.Aux),
			Chamber: clampPercent(fans.Chamber),
		}
		return instruction, nil

	case farm.CommandSelectTray:
		tray := command.Tray
		if tray == nil {
			return instruction, invalid(command.Name, "missing tray parameters")
		}
		if tray.AMSID < 0 || tray.AMSID > 3 || tray.TrayID < 0 || tray.TrayID > 3 {
			return instruction, invalid(command.Name, "ams_id and tray_id must be 0-3")
		}
		return instruction, nil

	case farm.CommandLight:
		light := command.Light
		if light == nil {
			return instruction, invalid(command.Name, "missing light parameters")
		}
		resolved := *light
		switch resolved.Channel {
		case "":
			resolved.Channel = farm.LightChamber
		case farm.LightChamber, farm.LightWork:
		default:
			return instruction, invalid(command.Name, "unknown channel %q", light.Channel)
		}
		instruction.Light = &resolved
		return instruction, nil

	case farm.CommandStartJob:
		start := command.StartJob
		if start == nil || start.File == "" {
			return instruction, invalid(command.Name, "file is required")
		}
		if start.Plate < 1 {
			return instruction, invalid(command.Name, "plate must be at least 1")
		}
		if len(start.Content) == 0 {
			return instruction, invalid(command.Name, "file content is empty")
		}
		instruction.AMSMapping = []int{0}
		if selection != nil {
			instruction.AMSMapping = []int{selection.ToolID}
		}
		return instruction, nil
	}

	return instruction, fmt.Errorf("%w: unknown command %q", ErrInvalidInput, command.Name)
}

func invalid(command farm.CommandName, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidInput, command, fmt.Sprintf(format, args...))
}

func clampPercent(value *int) *int {
	if value == nil {
		return nil
	}
	clamped := max(0, min(100, *value))
	return &clamped
}

// FanPWM converts a fan percentage to the 0-255 duty value printers
// take in M106.
func FanPWM(percent int) int {
	return int(math.Round(255 * float64(percent) / 100))
}

// ToolID returns the AMS tool index of a tray: four trays per unit.
func ToolID(amsID, trayID int) int { return amsID*4 + trayID }
