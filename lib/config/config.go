// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable Load reads the config path
// from.
const EnvVar = "PRINTFARM_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Config is the farm configuration shared by the dispatcher and CLI.
type Config struct {
	Environment Environment `yaml:"environment"`

	Paths    PathsConfig    `yaml:"paths"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Log      LogConfig      `yaml:"log"`

	// Devices is the fleet, in dispatch preference order.
	Devices []DeviceConfig `yaml:"devices"`

	// Per-environment overrides, applied after the file is loaded.
	Development *Overrides `yaml:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides holds the sections an environment may replace. Only
// non-zero fields take effect.
type Overrides struct {
	Paths    *PathsConfig    `yaml:"paths,omitempty"`
	Dispatch *DispatchConfig `yaml:"dispatch,omitempty"`
	Log      *LogConfig      `yaml:"log,omitempty"`
}

// PathsConfig configures file locations.
type PathsConfig struct {
	// State holds the job database and job file store.
	State string `yaml:"state"`

	// Socket is the dispatcher's Unix socket.
	Socket string `yaml:"socket"`

	// Identity is the age identity file used to open sealed access
	// codes. Required when any device uses access_code_sealed.
	Identity string `yaml:"identity"`
}

// JobDatabase is the SQLite job queue path.
func (p PathsConfig) JobDatabase() string { return filepath.Join(p.State, "jobs.db") }

// JobFiles is the job file store directory.
func (p PathsConfig) JobFiles() string { return filepath.Join(p.State, "files") }

// DispatchConfig tunes the dispatch loop and device sessions.
type DispatchConfig struct {
	// Interval is the period of the dispatch loop.
	Interval time.Duration `yaml:"interval"`

	// PollInterval is how often sessions ask devices for a full
	// status report.
	PollInterval time.Duration `yaml:"poll_interval"`

	// CommandTimeout bounds every device command, including the
	// start of a dispatched job.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// ReconcileGrace is how long after a job starts before device
	// telemetry may end it. It covers firmware that reports the
	// previous job's final state for a few seconds.
	ReconcileGrace time.Duration `yaml:"reconcile_grace"`

	// RetryLimit caps dispatch attempts per job. Zero retries
	// forever.
	RetryLimit int `yaml:"retry_limit"`
}

// LogConfig configures the daemon's logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
}

// SlogLevel converts Level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// DeviceConfig identifies one printer.
type DeviceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	Host   string `yaml:"host"`
	Serial string `yaml:"serial"`

	// Exactly one of AccessCode and AccessCodeSealed must be set.
	AccessCode       string `yaml:"access_code,omitempty"`
	AccessCodeSealed string `yaml:"access_code_sealed,omitempty"`

	// Zero ports use the transport defaults.
	MQTTPort int `yaml:"mqtt_port,omitempty"`
	FTPSPort int `yaml:"ftps_port,omitempty"`

	// CameraURL is shown to operators; the dispatcher does not use it.
	CameraURL string `yaml:"camera_url,omitempty"`
}

// DisplayName is Name, or ID when no name is configured.
func (d DeviceConfig) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// Default returns the configuration a file is loaded over.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	state := filepath.Join(homeDir, ".local", "state", "printfarm")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			State:  state,
			Socket: "${PRINTFARM_STATE}/dispatcher.sock",
		},
		Dispatch: DispatchConfig{
			Interval:       3 * time.Second,
			PollInterval:   2 * time.Second,
			CommandTimeout: 30 * time.Second,
			ReconcileGrace: 60 * time.Second,
			RetryLimit:     0,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load loads configuration from the file named by PRINTFARM_CONFIG.
// There is no fallback search path.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your farm config file, or use --config", EnvVar)
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path. Files ending in .json or
// .jsonc are read as JSON with comments, and may use the legacy flat
// layout; anything else is YAML.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		err = cfg.decodeJSON(data)
	default:
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

// applyEnvironmentOverrides applies the section for cfg.Environment.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if paths := overrides.Paths; paths != nil {
		overrideString(&c.Paths.State, paths.State)
		overrideString(&c.Paths.Socket, paths.Socket)
		overrideString(&c.Paths.Identity, paths.Identity)
	}
	if dispatch := overrides.Dispatch; dispatch != nil {
		overrideDuration(&c.Dispatch.Interval, dispatch.Interval)
		overrideDuration(&c.Dispatch.PollInterval, dispatch.PollInterval)
		overrideDuration(&c.Dispatch.CommandTimeout, dispatch.CommandTimeout)
		overrideDuration(&c.Dispatch.ReconcileGrace, dispatch.ReconcileGrace)
		if dispatch.RetryLimit != 0 {
			c.Dispatch.RetryLimit = dispatch.RetryLimit
		}
	}
	if log := overrides.Log; log != nil {
		overrideString(&c.Log.Level, log.Level)
	}
}

func overrideString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

func overrideDuration(target *time.Duration, value time.Duration) {
	if value != 0 {
		*target = value
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Paths.State = expandVars(c.Paths.State, vars)
	vars["PRINTFARM_STATE"] = c.Paths.State

	c.Paths.Socket = expandVars(c.Paths.Socket, vars)
	c.Paths.Identity = expandVars(c.Paths.Identity, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}, preferring vars over
// the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %q", c.Environment))
	}
	if c.Paths.State == "" {
		errs = append(errs, errors.New("paths.state is required"))
	}
	if c.Paths.Socket == "" {
		errs = append(errs, errors.New("paths.socket is required"))
	}

	for _, interval := range []struct {
		name  string
		value time.Duration
	}{
		{"dispatch.interval", c.Dispatch.Interval},
		{"dispatch.poll_interval", c.Dispatch.PollInterval},
		{"dispatch.command_timeout", c.Dispatch.CommandTimeout},
	} {
		if interval.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", interval.name, interval.value))
		}
	}
	if c.Dispatch.ReconcileGrace < 0 {
		errs = append(errs, fmt.Errorf("dispatch.reconcile_grace must not be negative, got %v", c.Dispatch.ReconcileGrace))
	}
	if c.Dispatch.RetryLimit < 0 {
		errs = append(errs, fmt.Errorf("dispatch.retry_limit must not be negative, got %d", c.Dispatch.RetryLimit))
	}

	seen := make(map[string]bool, len(c.Devices))
	anySealed := false
	for index, device := range c.Devices {
		label := fmt.Sprintf("devices[%d]", index)
		if device.ID == "" {
			errs = append(errs, fmt.Errorf("%s: id is required", label))
		} else {
			label = fmt.Sprintf("device %q", device.ID)
			if seen[device.ID] {
				errs = append(errs, fmt.Errorf("%s: duplicate id", label))
			}
			seen[device.ID] = true
		}
		if device.Host == "" {
			errs = append(errs, fmt.Errorf("%s: host is required", label))
		}
		if device.Serial == "" {
			errs = append(errs, fmt.Errorf("%s: serial is required", label))
		}
		switch {
		case device.AccessCode == "" && device.AccessCodeSealed == "":
			errs = append(errs, fmt.Errorf("%s: one of access_code or access_code_sealed is required", label))
		case device.AccessCode != "" && device.AccessCodeSealed != "":
			errs = append(errs, fmt.Errorf("%s: access_code and access_code_sealed are mutually exclusive", label))
		}
		if device.AccessCodeSealed != "" {
			anySealed = true
		}
		if device.MQTTPort < 0 || device.MQTTPort > 65535 {
			errs = append(errs, fmt.Errorf("%s: mqtt_port %d out of range", label, device.MQTTPort))
		}
		if device.FTPSPort < 0 || device.FTPSPort > 65535 {
			errs = append(errs, fmt.Errorf("%s: ftps_port %d out of range", label, device.FTPSPort))
		}
	}
	if anySealed && c.Paths.Identity == "" {
		errs = append(errs, errors.New("paths.identity is required when any access code is sealed"))
	}

	return errors.Join(errs...)
}

// Device returns the configured device with id.
func (c *Config) Device(id string) (DeviceConfig, bool) {
	for _, device := range c.Devices {
		if device.ID == id {
			return device, true
		}
	}
	return DeviceConfig{}, false
}

// EnsurePaths creates the state directory tree.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.State, c.Paths.JobFiles(), filepath.Dir(c.Paths.Socket)} {
		if err := os.MkdirAll(path, 0o750); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
