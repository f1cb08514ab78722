// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package farm

// CommandName identifies a device control command.
type CommandName string

const (
	CommandPause          CommandName = "pause"
	CommandResume         CommandName = "resume"
	CommandStop           CommandName = "stop"
	CommandJog            CommandName = "jog"
	CommandHome           CommandName = "home"
	CommandSetTemperature CommandName = "set_temperature"
	CommandSetFans        CommandName = "set_fans"
	CommandSelectTray     CommandName = "select_tray"
	CommandLight          CommandName = "light"
	CommandStartJob       CommandName = "start_job"
	CommandClearFault     CommandName = "clear_fault"
)

// Command is a control command addressed to one device. Name selects
// the command; the parameter field matching it must be set and all
// others are ignored.
type Command struct {
	Name CommandName `json:"name"`

	Jog         *JogParams         `json:"jog,omitempty"`
	Temperature *TemperatureParams `json:"temperature,omitempty"`
	Fans        *FanParams         `json:"fans,omitempty"`
	Tray        *TrayParams        `json:"tray,omitempty"`
	Light       *LightParams       `json:"light,omitempty"`
	StartJob    *StartJobParams    `json:"start_job,omitempty"`
}

// JogParams moves the toolhead by a relative offset in millimetres
// at Feed mm/min.
type JogParams struct {
	DX   float64 `json:"dx"`
	DY   float64 `json:"dy"`
	DZ   float64 `json:"dz"`
	Feed int     `json:"feed"`
}

// TemperatureParams sets heater targets in degrees Celsius. Nil
// fields are left unchanged.
type TemperatureParams struct {
	Bed    *int `json:"bed,omitempty"`
	Nozzle *int `json:"nozzle,omitempty"`
}

// FanParams sets fan duty in percent. Nil fields are left unchanged;
// values outside 0-100 are clamped.
type FanParams struct {
	Part    *int `json:"part,omitempty"`
	Aux     *int `json:"aux,omitempty"`
	Chamber *int `json:"chamber,omitempty"`
}

// TrayParams selects an AMS unit and tray (each 0-3).
type TrayParams struct {
	AMSID  int `json:"ams_id"`
	TrayID int `json:"tray_id"`
}

// LightChannel names a controllable light.
type LightChannel string

const (
	LightChamber LightChannel = "chamber_light"
	LightWork    LightChannel = "work_light"
)

// LightParams switches one light. An empty Channel means the chamber
// light.
type LightParams struct {
	Channel LightChannel `json:"channel,omitempty"`
	On      bool         `json:"on"`
}

// StartJobParams begins printing File (plate Plate). Content is the
// file body to upload first; it never crosses the socket protocol,
// only the in-process path from dispatcher to session.
type StartJobParams struct {
	File    string `json:"file"`
	Plate   int    `json:"plate"`
	Content []byte `json:"-"`
}
