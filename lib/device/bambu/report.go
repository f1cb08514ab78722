// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bambu

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/bureau-foundation/printfarm/lib/fault"
	"github.com/bureau-foundation/printfarm/lib/schema/farm"
)

// maxAlarms caps how many HMS entries a snapshot carries.
const maxAlarms = 10

// fanSteps is the full-scale value of the fan speed fields in device
// reports (0-15).
const fanSteps = 15

// reportFields is the accumulated "print" section of a device. Printers
// send partial updates, so each message is merged key by key into the
// previous state and the snapshot is rebuilt from the union.
type reportFields map[string]json.RawMessage

// replyKeys belong to the command acknowledgement envelope, not to
// device state, and are never merged.
var replyKeys = []string{"command", "result", "reason", "sequence_id", "param"}

// merge copies every key of update into r except reply keys.
func (r reportFields) merge(update reportFields) {
	for key, value := range update {
		r[key] = value
	}
	for _, key := range replyKeys {
		delete(r, key)
	}
}

// hmsEntry is one health management alarm as the device reports it.
type hmsEntry struct {
	Attr uint32 `json:"attr"`
	Code uint32 `json:"code"`
}

type lightEntry struct {
	Node string `json:"node"`
	Mode string `json:"mode"`
}

// telemetry builds a snapshot from the merged fields. ReceivedAt is
// left zero for the session to stamp.
func (r reportFields) telemetry() farm.Telemetry {
	var telemetry farm.Telemetry

	if state, ok := r.text("gcode_state"); ok {
		telemetry.State = farm.ParseOperatingState(state)
	}
	telemetry.ErrorCode = r.code("print_error")
	telemetry.SecondaryErrorCode = r.code("mc_print_error_code")
	if reason, ok := r.text("fail_reason"); ok {
		telemetry.FailReason = reason
	}

	var alarms []hmsEntry
	if raw, ok := r["hms"]; ok && json.Unmarshal(raw, &alarms) == nil {
		for _, alarm := range alarms {
			if len(telemetry.ActiveAlarms) == maxAlarms {
				break
			}
			telemetry.ActiveAlarms = append(telemetry.ActiveAlarms, fault.FormatAlarm(alarm.Attr, alarm.Code))
		}
	}

	if value, ok := r.number("mc_percent"); ok {
		telemetry.ProgressPercent = int(value)
	}
	if value, ok := r.number("bed_temper"); ok {
		telemetry.BedTemperature = value
	}
	if value, ok := r.number("nozzle_temper"); ok {
		telemetry.NozzleTemperature = value
	}
	if value, ok := r.number("mc_remaining_time"); ok {
		telemetry.RemainingMinutes = int(value)
	}

	telemetry.Fans = farm.FanSpeeds{
		Part:    r.fanPercent("cooling_fan_speed"),
		Aux:     r.fanPercent("big_fan1_speed"),
		Chamber: r.fanPercent("big_fan2_speed"),
	}

	var lights []lightEntry
	if raw, ok := r["lights_report"]; ok && json.Unmarshal(raw, &lights) == nil {
		for _, light := range lights {
			if light.Node == string(farm.LightChamber) {
				on := strings.EqualFold(light.Mode, "on")
				telemetry.LightOn = &on
			}
		}
	}

	return telemetry
}

// number decodes a field that may be a JSON number or a numeric
// string.
func (r reportFields) number(key string) (float64, bool) {
	raw, ok := r[key]
	if !ok {
		return 0, false
	}
	var number json.Number
	if err := json.Unmarshal(raw, &number); err != nil {
		return 0, false
	}
	value, err := number.Float64()
	if err != nil || math.IsNaN(value) {
		return 0, false
	}
	return value, true
}

// code decodes an integer error code. Absent, null, fractional, and
// non-numeric values are all nil.
func (r reportFields) code(key string) *int64 {
	raw, ok := r[key]
	if !ok {
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(raw, &number); err != nil {
		return nil
	}
	value, err := strconv.ParseInt(number.String(), 10, 64)
	if err != nil {
		return nil
	}
	return &value
}

// text decodes a string field. Numbers are returned in their JSON
// spelling.
func (r reportFields) text(key string) (string, bool) {
	raw, ok := r[key]
	if !ok {
		return "", false
	}
	var value string
	if err := json.Unmarshal(raw, &value); err == nil {
		return value, true
	}
	var number json.Number
	if err := json.Unmarshal(raw, &number); err == nil {
		return number.String(), true
	}
	return "", false
}

func (r reportFields) fanPercent(key string) int {
	value, ok := r.number(key)
	if !ok {
		return 0
	}
	return int(math.Round(max(0, min(fanSteps, value)) * 100 / fanSteps))
}

// envelope is the top level of every message on the report topic.
type envelope struct {
	Print  reportFields `json:"print"`
	System reportFields `json:"system"`
}

// reply is the acknowledgement part of a print or system message.
type reply struct {
	Command    string
	Result     string
	Reason     string
	SequenceID string
}

// replyOf extracts acknowledgement fields from section, reporting
// false when section carries no result.
func replyOf(section reportFields) (reply, bool) {
	result, ok := section.text("result")
	if !ok {
		return reply{}, false
	}
	command, _ := section.text("command")
	reason, _ := section.text("reason")
	sequence, _ := section.text("sequence_id")
	return reply{Command: command, Result: result, Reason: reason, SequenceID: sequence}, true
}

// statusKeys are the fields whose presence makes a print message a
// state update worth emitting.
var statusKeys = []string{
	"gcode_state", "print_error", "mc_print_error_code", "hms",
	"mc_percent", "bed_temper", "nozzle_temper", "mc_remaining_time",
	"fail_reason", "cooling_fan_speed", "big_fan1_speed",
	"big_fan2_speed", "lights_report",
}

func carriesStatus(section reportFields) bool {
	for _, key := range statusKeys {
		if _, ok := section[key]; ok {
			return true
		}
	}
	return false
}
