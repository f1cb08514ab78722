// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/printfarm/cmd/printfarm/cli"
	"github.com/bureau-foundation/printfarm/lib/schema/farm"
)

func (a *app) statusCommand() *cli.Command {
	var (
		output cli.JSONOutput
		check  bool
	)
	return &cli.Command{
		Name:    "status",
		Summary: "Show dispatcher liveness, device availability and queue counts",
		Description: `Show dispatcher liveness, device availability and queue counts.

With --check the command exits 1 when the dispatch loop is not
running or its last cycle failed, for use from monitoring scripts.`,
		Usage: "printfarm status [--json] [--check]",
		Flags: func() *pflag.FlagSet {
			flagSet := a.flagSet("status")
			output.AddFlags(flagSet)
			flagSet.BoolVar(&check, "check", false, "exit 1 unless the dispatch loop is healthy")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return cli.UsageError("status takes no arguments")
			}
			var status farm.DispatcherStatus
			if err := a.call(farm.ActionStatus, nil, &status); err != nil {
				return err
			}

			if done, err := output.EmitJSON(a.stdout, status); done {
				if err != nil {
					return err
				}
			} else {
				writeStatus(a.stdout, status, cli.PaletteFor(a.stdout))
			}

			if check && (!status.LoopAlive || status.LastError != "") {
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}

func writeStatus(w io.Writer, status farm.DispatcherStatus, palette cli.Palette) {
	loop := palette.Good("running")
	if !status.LoopAlive {
		loop = palette.Bad("stopped")
	}
	table := cli.NewTable(w)
	fmt.Fprintf(table, "Dispatch loop:\t%s, every %s\n", loop, status.Interval)
	fmt.Fprintf(table, "Started:\t%s\n", formatTime(status.StartedAt))
	fmt.Fprintf(table, "Last cycle:\t%s\n", formatTime(status.LastCycleAt))
	if status.LastError != "" {
		fmt.Fprintf(table, "Last error:\t%s\n", palette.Bad(status.LastError))
	}
	fmt.Fprintf(table, "Queue:\t%s\n", formatQueue(status.Queue))
	table.Flush()

	if len(status.Devices) == 0 {
		fmt.Fprintln(w, "\nNo devices configured.")
		return
	}
	fmt.Fprintln(w)
	writeVerdicts(w, status.Devices, palette)
}

// formatQueue lists the count for every status in lifecycle order.
func formatQueue(counts map[farm.JobStatus]int) string {
	parts := make([]string, 0, len(farm.AllJobStatuses))
	for _, status := range farm.AllJobStatuses {
		parts = append(parts, fmt.Sprintf("%d %s", counts[status], status))
	}
	return strings.Join(parts, ", ")
}

func writeVerdicts(w io.Writer, verdicts []farm.DeviceVerdict, palette cli.Palette) {
	table := cli.NewTable(w)
	fmt.Fprintln(table, "DEVICE\tNAME\tSTATE\tAVAILABLE\tREASON")
	for _, verdict := range verdicts {
		fmt.Fprintf(table, "%s\t%s\t%s\t%s\t%s\n",
			verdict.DeviceID,
			verdict.Name,
			formatState(verdict.Connected, verdict.State, palette),
			palette.YesNo(verdict.Available),
			formatReason(verdict, palette),
		)
	}
	table.Flush()
}

func formatState(connected bool, state farm.OperatingState, palette cli.Palette) string {
	switch {
	case !connected:
		return palette.Muted("offline")
	case state == "":
		return palette.Muted("unknown")
	case state == farm.StateFailed:
		return palette.Bad(state.Label())
	case state.In(farm.StateRunning, farm.StatePreparing, farm.StatePaused):
		return palette.Warning(state.Label())
	}
	return state.Label()
}

func formatReason(verdict farm.DeviceVerdict, palette cli.Palette) string {
	reason := verdict.Reason
	if verdict.FaultCode != "" {
		reason = fmt.Sprintf("%s [%s]", reason, verdict.FaultCode)
	}
	if verdict.Available {
		return palette.Muted(reason)
	}
	return reason
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}

func (a *app) devicesCommand() *cli.Command {
	var output cli.JSONOutput
	return &cli.Command{
		Name:    "devices",
		Summary: "List devices with telemetry and availability",
		Usage:   "printfarm devices [--json]",
		Flags: func() *pflag.FlagSet {
			flagSet := a.flagSet("devices")
			output.AddFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return cli.UsageError("devices takes no arguments")
			}
			var details []farm.DeviceDetail
			if err := a.call(farm.ActionListDevices, nil, &details); err != nil {
				return err
			}
			if done, err := output.EmitJSON(a.stdout, details); done {
				return err
			}
			writeDevices(a.stdout, details, cli.PaletteFor(a.stdout))
			return nil
		},
	}
}

func writeDevices(w io.Writer, details []farm.DeviceDetail, palette cli.Palette) {
	if len(details) == 0 {
		fmt.Fprintln(w, "No devices configured.")
		return
	}
	table := cli.NewTable(w)
	fmt.Fprintln(table, "DEVICE\tNAME\tSTATE\tPROGRESS\tNOZZLE\tBED\tTRAY\tAVAILABLE\tREASON")
	for _, detail := range details {
		status := detail.Status
		telemetry := status.Telemetry
		progress, nozzle, bed := "-", "-", "-"
		if status.Connected && !telemetry.IsUnknown() {
			progress = fmt.Sprintf("%d%%", telemetry.ProgressPercent)
			nozzle = fmt.Sprintf("%.0f°C", telemetry.NozzleTemperature)
			bed = fmt.Sprintf("%.0f°C", telemetry.BedTemperature)
		}
		tray := "-"
		if selection := status.SelectedTray; selection != nil {
			tray = fmt.Sprintf("%d/%d", selection.AMSID, selection.TrayID)
		}
		fmt.Fprintf(table, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			status.DeviceID,
			status.Name,
			formatState(status.Connected, telemetry.State, palette),
			progress, nozzle, bed, tray,
			palette.YesNo(detail.Verdict.Available),
			formatReason(detail.Verdict, palette),
		)
	}
	table.Flush()
}

func (a *app) dispatchCommand() *cli.Command {
	var output cli.JSONOutput
	return &cli.Command{
		Name:    "dispatch",
		Summary: "Run one dispatch cycle now and show what it did",
		Usage:   "printfarm dispatch [--json]",
		Flags: func() *pflag.FlagSet {
			flagSet := a.flagSet("dispatch")
			output.AddFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return cli.UsageError("dispatch takes no arguments")
			}
			var report farm.DispatchReport
			if err := a.call(farm.ActionDispatchNow, nil, &report); err != nil {
				return err
			}
			if done, err := output.EmitJSON(a.stdout, report); done {
				return err
			}
			writeReport(a.stdout, report, cli.PaletteFor(a.stdout))
			return nil
		},
	}
}

func writeReport(w io.Writer, report farm.DispatchReport, palette cli.Palette) {
	fmt.Fprintf(w, "%d queued: %d dispatched, %d failed, %d skipped, %d reconciled\n",
		report.Queued, len(report.Dispatched), len(report.Failed), len(report.Skipped), len(report.Reconciled))

	sections := []struct {
		label    string
		outcomes []farm.DispatchOutcome
		render   func(string) string
	}{
		{"reconciled", report.Reconciled, palette.Muted},
		{"dispatched", report.Dispatched, palette.Good},
		{"failed", report.Failed, palette.Bad},
		{"skipped", report.Skipped, palette.Warning},
	}
	table := cli.NewTable(w)
	for _, section := range sections {
		for _, outcome := range section.outcomes {
			label := section.label
			if outcome.Requeued {
				label = "requeued"
			}
			device := outcome.DeviceID
			if device == "" {
				device = "-"
			}
			fmt.Fprintf(table, "  %s\t%s\t%s\t%s\n", section.render(label), outcome.JobID, device, outcome.Reason)
		}
	}
	table.Flush()
}
