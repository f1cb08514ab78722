// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/printfarm/lib/clock"
	"github.com/bureau-foundation/printfarm/lib/config"
	"github.com/bureau-foundation/printfarm/lib/device"
	"github.com/bureau-foundation/printfarm/lib/device/bambu"
	"github.com/bureau-foundation/printfarm/lib/filestore"
	"github.com/bureau-foundation/printfarm/lib/jobqueue"
	"github.com/bureau-foundation/printfarm/lib/process"
	"github.com/bureau-foundation/printfarm/lib/schema/farm"
	"github.com/bureau-foundation/printfarm/lib/service"
	"github.com/bureau-foundation/printfarm/lib/version"
)

// uploadHeadroom is added to the largest job file for the rest of a
// submit-job request.
const uploadHeadroom = 1 << 20

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	flags := pflag.NewFlagSet("printfarm-dispatcher", pflag.ContinueOnError)
	configPath := flags.String("config", "", "farm config file (default $"+config.EnvVar+")")
	showVersion := flags.Bool("version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if *showVersion {
		version.Print(os.Stdout, "printfarm-dispatcher")
		return nil
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	codes, err := cfg.OpenAccessCodes()
	if err != nil {
		return err
	}
	defer codes.Close()

	realClock := clock.Real()

	files, err := filestore.Open(cfg.Paths.JobFiles(), logger)
	if err != nil {
		return err
	}
	jobs, err := jobqueue.Open(jobqueue.Config{
		Path:   cfg.Paths.JobDatabase(),
		Files:  files,
		Clock:  realClock,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer jobs.Close()

	// Sessions report to the dispatcher, which needs the sessions to
	// exist first. No session runs until dispatcher is assigned.
	var dispatcher *Dispatcher
	sessions := make([]*device.Session, 0, len(cfg.Devices))
	devices := make([]Device, 0, len(cfg.Devices))
	for _, deviceConfig := range cfg.Devices {
		session, err := newSession(cfg, deviceConfig, codes, realClock, logger, func(status farm.DeviceStatus) {
			dispatcher.DeviceUpdated(status)
		})
		if err != nil {
			return err
		}
		sessions = append(sessions, session)
		devices = append(devices, session)
	}

	dispatcher, err = New(Config{
		Jobs:           jobs,
		Files:          files,
		Devices:        devices,
		Clock:          realClock,
		Logger:         logger,
		Interval:       cfg.Dispatch.Interval,
		ReconcileGrace: cfg.Dispatch.ReconcileGrace,
		RetryLimit:     cfg.Dispatch.RetryLimit,
	})
	if err != nil {
		return err
	}

	server := service.NewSocketServer(cfg.Paths.Socket, logger)
	server.SetMaxRequestSize(filestore.MaxFileSize + uploadHeadroom)
	dispatcher.registerActions(server)

	var workers sync.WaitGroup
	for _, session := range sessions {
		workers.Go(func() {
			if err := session.Run(ctx); err != nil {
				logger.Error("device session ended", "device", session.ID(), "error", err)
			}
		})
	}
	workers.Go(func() {
		if err := dispatcher.Run(ctx); err != nil {
			logger.Error("dispatch loop ended", "error", err)
		}
	})

	socketDone := make(chan error, 1)
	go func() {
		socketDone <- server.Serve(ctx)
	}()

	logger.Info("dispatcher running",
		"version", version.Info(),
		"socket", cfg.Paths.Socket,
		"devices", len(devices),
		"interval", cfg.Dispatch.Interval,
		"retry_limit", cfg.Dispatch.RetryLimit,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	socketErr := <-socketDone
	workers.Wait()
	if socketErr != nil {
		return fmt.Errorf("socket server: %w", socketErr)
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// newSession builds the bambu transport and session for one device.
func newSession(cfg *config.Config, deviceConfig config.DeviceConfig, codes config.AccessCodes,
	clk clock.Clock, logger *slog.Logger, onUpdate func(farm.DeviceStatus)) (*device.Session, error) {
	dialer, err := bambu.NewDialer(bambu.Config{
		Host:       deviceConfig.Host,
		Serial:     deviceConfig.Serial,
		AccessCode: codes[deviceConfig.ID],
		MQTTPort:   deviceConfig.MQTTPort,
		FTPSPort:   deviceConfig.FTPSPort,
		Clock:      clk,
		Logger:     logger.With("device", deviceConfig.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("device %q: %w", deviceConfig.ID, err)
	}
	return device.NewSession(device.Config{
		ID:             deviceConfig.ID,
		Name:           deviceConfig.DisplayName(),
		Dialer:         dialer,
		Clock:          clk,
		Logger:         logger,
		PollInterval:   cfg.Dispatch.PollInterval,
		CommandTimeout: cfg.Dispatch.CommandTimeout,
		OnUpdate:       onUpdate,
	})
}
