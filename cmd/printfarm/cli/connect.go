// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/printfarm/lib/config"
	"github.com/bureau-foundation/printfarm/lib/service"
)

// ConnectionFlags locate the dispatcher socket. --socket names it
// directly; otherwise it comes from paths.socket of the config named
// by --config or PRINTFARM_CONFIG.
type ConnectionFlags struct {
	ConfigPath string
	SocketPath string

	// Verbose enables debug logging of each request.
	Verbose bool
}

// AddFlags registers --config, --socket and --verbose.
func (f *ConnectionFlags) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.ConfigPath, "config", "", "farm config file (default $"+config.EnvVar+")")
	flagSet.StringVar(&f.SocketPath, "socket", "", "dispatcher socket path, overriding the config")
	flagSet.BoolVarP(&f.Verbose, "verbose", "v", false, "log each dispatcher request")
}

// Client returns a client for the resolved socket.
func (f *ConnectionFlags) Client() (*service.ServiceClient, error) {
	socketPath, err := f.resolve()
	if err != nil {
		return nil, err
	}
	return service.NewServiceClient(socketPath), nil
}

func (f *ConnectionFlags) resolve() (string, error) {
	if f.SocketPath != "" {
		return f.SocketPath, nil
	}

	var (
		cfg *config.Config
		err error
	)
	switch {
	case f.ConfigPath != "":
		cfg, err = config.LoadFile(f.ConfigPath)
	case os.Getenv(config.EnvVar) != "":
		cfg, err = config.Load()
	default:
		return "", UsageError("no dispatcher socket: pass --socket or --config, or set %s", config.EnvVar)
	}
	if err != nil {
		return "", err
	}
	if cfg.Paths.Socket == "" {
		return "", fmt.Errorf("config has no paths.socket")
	}
	return cfg.Paths.Socket, nil
}
