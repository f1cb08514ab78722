// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/printfarm/cmd/printfarm/cli"
	"github.com/bureau-foundation/printfarm/lib/filestore"
	"github.com/bureau-foundation/printfarm/lib/schema/farm"
)

func (a *app) jobsCommand() *cli.Command {
	return &cli.Command{
		Name:    "jobs",
		Summary: "Submit, inspect and manage print jobs",
		Subcommands: []*cli.Command{
			a.jobsListCommand(),
			a.jobsGetCommand(),
			a.jobsSubmitCommand(),
			a.jobActionCommand("cancel", farm.ActionCancelJob, "Cancelled", "Cancel a job, stopping its printer if it is printing"),
			a.jobActionCommand("complete", farm.ActionCompleteJob, "Completed", "Mark a running job completed"),
			a.jobActionCommand("remove", farm.ActionRemoveJob, "Removed", "Delete a job that does not hold a printer"),
		},
	}
}

func (a *app) jobsListCommand() *cli.Command {
	var (
		output cli.JSONOutput
		status string
	)
	return &cli.Command{
		Name:    "list",
		Summary: "List jobs in submission order",
		Usage:   "printfarm jobs list [--status STATUS] [--json]",
		Flags: func() *pflag.FlagSet {
			flagSet := a.flagSet("list")
			output.AddFlags(flagSet)
			flagSet.StringVar(&status, "status", "", "only jobs with this status")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return cli.UsageError("jobs list takes no arguments")
			}
			fields := map[string]any{}
			if status != "" {
				if !farm.JobStatus(status).IsValid() {
					return cli.UsageError("unknown status %q (want one of %v)", status, farm.AllJobStatuses)
				}
				fields["status"] = status
			}

			var jobs []farm.Job
			if err := a.call(farm.ActionListJobs, fields, &jobs); err != nil {
				return err
			}
			if done, err := output.EmitJSON(a.stdout, jobs); done {
				return err
			}
			writeJobs(a.stdout, jobs, cli.PaletteFor(a.stdout))
			return nil
		},
	}
}

func writeJobs(w io.Writer, jobs []farm.Job, palette cli.Palette) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs.")
		return
	}
	table := cli.NewTable(w)
	fmt.Fprintln(table, "JOB\tSTATUS\tFILE\tPLATE\tTARGET\tDEVICE\tATTEMPTS\tCREATED\tERROR")
	for _, job := range jobs {
		device := job.AssignedDeviceID
		if device == "" {
			device = "-"
		}
		fmt.Fprintf(table, "%s\t%s\t%s\t%d\t%s\t%s\t%d\t%s\t%s\n",
			job.ID,
			formatJobStatus(job.Status, palette),
			job.FileName,
			job.Plate,
			formatTarget(job),
			device,
			job.Attempts,
			formatTime(job.CreatedAt),
			job.Error,
		)
	}
	table.Flush()
}

func formatJobStatus(status farm.JobStatus, palette cli.Palette) string {
	switch status {
	case farm.JobRunning, farm.JobDispatching:
		return palette.Warning(string(status))
	case farm.JobCompleted:
		return palette.Good(string(status))
	case farm.JobFailed:
		return palette.Bad(string(status))
	case farm.JobCancelled:
		return palette.Muted(string(status))
	}
	return string(status)
}

func formatTarget(job farm.Job) string {
	if job.AutoAssign() {
		return "auto"
	}
	return job.TargetDeviceID
}

func (a *app) jobsGetCommand() *cli.Command {
	var output cli.JSONOutput
	return &cli.Command{
		Name:    "get",
		Summary: "Show one job",
		Usage:   "printfarm jobs get <job-id> [--json]",
		Flags: func() *pflag.FlagSet {
			flagSet := a.flagSet("get")
			output.AddFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return cli.UsageError("expected exactly one job id")
			}
			var job farm.Job
			if err := a.call(farm.ActionGetJob, map[string]any{"job_id": args[0]}, &job); err != nil {
				return err
			}
			if done, err := output.EmitJSON(a.stdout, job); done {
				return err
			}
			writeJob(a.stdout, job, cli.PaletteFor(a.stdout))
			return nil
		},
	}
}

func writeJob(w io.Writer, job farm.Job, palette cli.Palette) {
	table := cli.NewTable(w)
	fmt.Fprintf(table, "Job:\t%s\n", job.ID)
	fmt.Fprintf(table, "Status:\t%s\n", formatJobStatus(job.Status, palette))
	fmt.Fprintf(table, "File:\t%s (plate %d)\n", job.FileName, job.Plate)
	fmt.Fprintf(table, "Content:\t%s\n", job.FileRef)
	fmt.Fprintf(table, "Target:\t%s\n", formatTarget(job))
	if job.AssignedDeviceID != "" {
		fmt.Fprintf(table, "Device:\t%s\n", job.AssignedDeviceID)
	}
	fmt.Fprintf(table, "Attempts:\t%d\n", job.Attempts)
	fmt.Fprintf(table, "Created:\t%s\n", formatTime(job.CreatedAt))
	if !job.StartedAt.IsZero() {
		fmt.Fprintf(table, "Started:\t%s\n", formatTime(job.StartedAt))
	}
	if !job.FinishedAt.IsZero() {
		fmt.Fprintf(table, "Finished:\t%s\n", formatTime(job.FinishedAt))
	}
	if job.Error != "" {
		fmt.Fprintf(table, "Error:\t%s\n", job.Error)
	}
	table.Flush()
}

func (a *app) jobsSubmitCommand() *cli.Command {
	var (
		output cli.JSONOutput
		plate  int
		device string
		auto   bool
	)
	return &cli.Command{
		Name:    "submit",
		Summary: "Queue a job file for printing",
		Description: `Queue a job file for printing.

The file is uploaded to the dispatcher, which keeps its own copy.
Without --device the job goes to the first available printer.`,
		Usage: "printfarm jobs submit <file> [--plate N] [--device ID | --auto] [--json]",
		Examples: []cli.Example{
			{Description: "Print plate 2 on a specific printer", Command: "printfarm jobs submit bracket.3mf --plate 2 --device x1c-left"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := a.flagSet("submit")
			output.AddFlags(flagSet)
			flagSet.IntVar(&plate, "plate", 1, "plate number within the job file")
			flagSet.StringVar(&device, "device", "", "print only on this device")
			flagSet.BoolVar(&auto, "auto", false, "print on the first available device (the default)")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return cli.UsageError("expected exactly one job file")
			}
			if device != "" && auto {
				return cli.UsageError("--device and --auto are mutually exclusive")
			}
			if plate < 1 {
				return cli.UsageError("--plate must be at least 1, got %d", plate)
			}

			path := args[0]
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			if info.Size() > filestore.MaxFileSize {
				return fmt.Errorf("%s is %d bytes, over the %d byte job file limit", path, info.Size(), filestore.MaxFileSize)
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return err
			}

			fields := map[string]any{
				"file_name": filepath.Base(path),
				"content":   content,
				"plate":     plate,
			}
			if device != "" {
				fields["device_id"] = device
			} else {
				fields["auto_assign"] = true
			}

			var job farm.Job
			if err := a.call(farm.ActionSubmitJob, fields, &job); err != nil {
				return err
			}
			if done, err := output.EmitJSON(a.stdout, job); done {
				return err
			}
			fmt.Fprintf(a.stdout, "Queued job %s: %s plate %d on %s\n", job.ID, job.FileName, job.Plate, formatTarget(job))
			return nil
		},
	}
}

// jobActionCommand builds the commands that take one job id and
// return the affected job.
func (a *app) jobActionCommand(name, action, done, summary string) *cli.Command {
	var output cli.JSONOutput
	return &cli.Command{
		Name:    name,
		Summary: summary,
		Usage:   fmt.Sprintf("printfarm jobs %s <job-id> [--json]", name),
		Flags: func() *pflag.FlagSet {
			flagSet := a.flagSet(name)
			output.AddFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return cli.UsageError("expected exactly one job id")
			}
			fields := map[string]any{"job_id": args[0]}

			if action != farm.ActionCancelJob {
				var job farm.Job
				if err := a.call(action, fields, &job); err != nil {
					return err
				}
				if emitted, err := output.EmitJSON(a.stdout, job); emitted {
					return err
				}
				fmt.Fprintf(a.stdout, "%s job %s (%s)\n", done, job.ID, job.FileName)
				return nil
			}

			var result farm.CancelResult
			if err := a.call(action, fields, &result); err != nil {
				return err
			}
			if emitted, err := output.EmitJSON(a.stdout, result); emitted {
				return err
			}
			fmt.Fprintf(a.stdout, "%s job %s (%s)\n", done, result.Job.ID, result.Job.FileName)
			if result.StopError != "" {
				fmt.Fprintf(a.stderr, "warning: the printer did not confirm the stop: %s\n", result.StopError)
			}
			return nil
		},
	}
}
