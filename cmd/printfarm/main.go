// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/printfarm/cmd/printfarm/cli"
	"github.com/bureau-foundation/printfarm/lib/process"
	"github.com/bureau-foundation/printfarm/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		// Commands that already explained themselves (status --check)
		// exit quietly with their code.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		process.Fatal(err)
	}
}

func run(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newApp(ctx, os.Stdin, os.Stdout, os.Stderr).root().Execute(args)
}

// app carries the process streams and shared flags into every command.
type app struct {
	ctx    context.Context
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	connection cli.ConnectionFlags
}

func newApp(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) *app {
	return &app{ctx: ctx, stdin: stdin, stdout: stdout, stderr: stderr}
}

func (a *app) root() *cli.Command {
	return &cli.Command{
		Name:    "printfarm",
		Summary: "Operate a 3D printer farm",
		Description: `Operate a 3D printer farm through printfarm-dispatcher.

Commands that talk to the dispatcher find its socket from --socket,
or from paths.socket in the config named by --config or
PRINTFARM_CONFIG.`,
		HelpOutput: a.stderr,
		Subcommands: []*cli.Command{
			a.statusCommand(),
			a.devicesCommand(),
			a.jobsCommand(),
			a.dispatchCommand(),
			a.deviceCommand(),
			a.keygenCommand(),
			a.sealCommand(),
			a.versionCommand(),
		},
		Examples: []cli.Example{
			{Description: "Queue a job for any available printer", Command: "printfarm jobs submit bracket.gcode"},
			{Description: "Watch the fleet", Command: "printfarm devices"},
		},
	}
}

// flagSet returns a flag set with the connection flags registered.
func (a *app) flagSet(name string) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	a.connection.AddFlags(flagSet)
	return flagSet
}

// call sends one request to the dispatcher.
func (a *app) call(action string, fields map[string]any, result any) error {
	client, err := a.connection.Client()
	if err != nil {
		return err
	}
	logger := cli.NewCommandLogger(a.stderr, a.connection.Verbose).With("action", action)
	logger.Debug("calling dispatcher", "socket", client.SocketPath())

	start := time.Now()
	if err := client.Call(a.ctx, action, fields, result); err != nil {
		logger.Debug("dispatcher call failed", "error", err)
		return err
	}
	logger.Debug("dispatcher call complete", "elapsed", time.Since(start))
	return nil
}

func (a *app) versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Run: func(args []string) error {
			if len(args) > 0 {
				return cli.UsageError("version takes no arguments")
			}
			version.Print(a.stdout, "printfarm")
			return nil
		},
	}
}
