// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/printfarm/cmd/printfarm/cli"
	"github.com/bureau-foundation/printfarm/lib/schema/farm"
)

func (a *app) deviceCommand() *cli.Command {
	return &cli.Command{
		Name:    "device",
		Summary: "Send a control command to one printer",
		Description: `Send a control command to one printer.

Each command waits for the dispatcher to confirm delivery. Pause,
resume and stop also wait for the printer to report the new state.`,
		Subcommands: []*cli.Command{
			a.simpleDeviceCommand("pause", farm.CommandPause, "Pause the current print"),
			a.simpleDeviceCommand("resume", farm.CommandResume, "Resume a paused print"),
			a.simpleDeviceCommand("stop", farm.CommandStop, "Abort the current print"),
			a.simpleDeviceCommand("home", farm.CommandHome, "Home all axes"),
			a.simpleDeviceCommand("clear-fault", farm.CommandClearFault, "Acknowledge the printer's current error"),
			a.jogCommand(),
			a.temperatureCommand(),
			a.fansCommand(),
			a.trayCommand(),
			a.lightCommand(),
		},
		Examples: []cli.Example{
			{Description: "Raise the bed target", Command: "printfarm device temp x1c-left --bed 60"},
			{Description: "Lower the toolhead 5 mm", Command: "printfarm device jog x1c-left --z -5"},
		},
	}
}

// sendCommand delivers command to deviceID and reports success.
func (a *app) sendCommand(deviceID string, command farm.Command) error {
	fields := map[string]any{"device_id": deviceID, "command": command}
	if err := a.call(farm.ActionDeviceCommand, fields, nil); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "%s: %s ok\n", deviceID, command.Name)
	return nil
}

func deviceArgument(args []string, extra int) (string, error) {
	if len(args) != 1+extra {
		if extra == 0 {
			return "", cli.UsageError("expected exactly one device id")
		}
		return "", cli.UsageError("expected a device id and %d more arguments", extra)
	}
	return args[0], nil
}

func (a *app) simpleDeviceCommand(name string, command farm.CommandName, summary string) *cli.Command {
	return &cli.Command{
		Name:    name,
		Summary: summary,
		Usage:   fmt.Sprintf("printfarm device %s <device-id>", name),
		Flags: func() *pflag.FlagSet {
			return a.flagSet(name)
		},
		Run: func(args []string) error {
			id, err := deviceArgument(args, 0)
			if err != nil {
				return err
			}
			return a.sendCommand(id, farm.Command{Name: command})
		},
	}
}

func (a *app) jogCommand() *cli.Command {
	var jog farm.JogParams
	return &cli.Command{
		Name:    "jog",
		Summary: "Move the toolhead by a relative offset",
		Usage:   "printfarm device jog <device-id> [--x MM] [--y MM] [--z MM] [--feed MM/MIN]",
		Flags: func() *pflag.FlagSet {
			flagSet := a.flagSet("jog")
			flagSet.Float64Var(&jog.DX, "x", 0, "X offset in mm")
			flagSet.Float64Var(&jog.DY, "y", 0, "Y offset in mm")
			flagSet.Float64Var(&jog.DZ, "z", 0, "Z offset in mm")
			flagSet.IntVar(&jog.Feed, "feed", 3000, "feed rate in mm/min")
			return flagSet
		},
		Run: func(args []string) error {
			id, err := deviceArgument(args, 0)
			if err != nil {
				return err
			}
			if jog.DX == 0 && jog.DY == 0 && jog.DZ == 0 {
				return cli.UsageError("at least one of --x, --y or --z is required")
			}
			params := jog
			return a.sendCommand(id, farm.Command{Name: farm.CommandJog, Jog: &params})
		},
	}
}

// changedInt returns a pointer to value when the flag was given.
func changedInt(flagSet *pflag.FlagSet, name string, value int) *int {
	if !flagSet.Changed(name) {
		return nil
	}
	return &value
}

func (a *app) temperatureCommand() *cli.Command {
	var (
		flagSet     *pflag.FlagSet
		bed, nozzle int
	)
	return &cli.Command{
		Name:    "temp",
		Summary: "Set heater targets",
		Usage:   "printfarm device temp <device-id> [--bed C] [--nozzle C]",
		Flags: func() *pflag.FlagSet {
			flagSet = a.flagSet("temp")
			flagSet.IntVar(&bed, "bed", 0, "bed target in °C")
			flagSet.IntVar(&nozzle, "nozzle", 0, "nozzle target in °C")
			return flagSet
		},
		Run: func(args []string) error {
			id, err := deviceArgument(args, 0)
			if err != nil {
				return err
			}
			params := farm.TemperatureParams{
				Bed:    changedInt(flagSet, "bed", bed),
				Nozzle: changedInt(flagSet, "nozzle", nozzle),
			}
			if params.Bed == nil && params.Nozzle == nil {
				return cli.UsageError("at least one of --bed or --nozzle is required")
			}
			return a.sendCommand(id, farm.Command{Name: farm.CommandSetTemperature, Temperature: &params})
		},
	}
}

func (a *app) fansCommand() *cli.Command {
	var (
		flagSet            *pflag.FlagSet
		part, aux, chamber int
	)
	return &cli.Command{
		Name:    "fans",
		Summary: "Set fan speeds in percent",
		Usage:   "printfarm device fans <device-id> [--part PCT] [--aux PCT] [--chamber PCT]",
		Flags: func() *pflag.FlagSet {
			flagSet = a.flagSet("fans")
			flagSet.IntVar(&part, "part", 0, "part cooling fan percent")
			flagSet.IntVar(&aux, "aux", 0, "auxiliary fan percent")
			flagSet.IntVar(&chamber, "chamber", 0, "chamber fan percent")
			return flagSet
		},
		Run: func(args []string) error {
			id, err := deviceArgument(args, 0)
			if err != nil {
				return err
			}
			params := farm.FanParams{
				Part:    changedInt(flagSet, "part", part),
				Aux:     changedInt(flagSet, "aux", aux),
				Chamber: changedInt(flagSet, "chamber", chamber),
			}
			if params.Part == nil && params.Aux == nil && params.Chamber == nil {
				return cli.UsageError("at least one of --part, --aux or --chamber is required")
			}
			return a.sendCommand(id, farm.Command{Name: farm.CommandSetFans, Fans: &params})
		},
	}
}

func (a *app) trayCommand() *cli.Command {
	return &cli.Command{
		Name:    "tray",
		Summary: "Select the AMS tray for the next print",
		Usage:   "printfarm device tray <device-id> <ams-id> <tray-id>",
		Flags: func() *pflag.FlagSet {
			return a.flagSet("tray")
		},
		Run: func(args []string) error {
			id, err := deviceArgument(args, 2)
			if err != nil {
				return err
			}
			amsID, err := strconv.Atoi(args[1])
			if err != nil {
				return cli.UsageError("ams id %q is not a number", args[1])
			}
			trayID, err := strconv.Atoi(args[2])
			if err != nil {
				return cli.UsageError("tray id %q is not a number", args[2])
			}
			return a.sendCommand(id, farm.Command{
				Name: farm.CommandSelectTray,
				Tray: &farm.TrayParams{AMSID: amsID, TrayID: trayID},
			})
		},
	}
}

func (a *app) lightCommand() *cli.Command {
	var work bool
	return &cli.Command{
		Name:    "light",
		Summary: "Switch the chamber or work light",
		Usage:   "printfarm device light <device-id> on|off [--work]",
		Flags: func() *pflag.FlagSet {
			flagSet := a.flagSet("light")
			flagSet.BoolVar(&work, "work", false, "switch the work light instead of the chamber light")
			return flagSet
		},
		Run: func(args []string) error {
			id, err := deviceArgument(args, 1)
			if err != nil {
				return err
			}
			var on bool
			switch args[1] {
			case "on":
				on = true
			case "off":
			default:
				return cli.UsageError("light state must be on or off, got %q", args[1])
			}
			channel := farm.LightChamber
			if work {
				channel = farm.LightWork
			}
			return a.sendCommand(id, farm.Command{
				Name:  farm.CommandLight,
				Light: &farm.LightParams{Channel: channel, On: on},
			})
		},
	}
}
