// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// legacyFile is the flat JSON layout of older farm deployments.
type legacyFile struct {
	PollIntervalSec     *float64        `json:"poll_interval_sec"`
	DispatchIntervalSec *float64        `json:"dispatch_interval_sec"`
	Printers            []legacyPrinter `json:"printers"`
}

type legacyPrinter struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PrinterIP  string `json:"printer_ip"`
	Serial     string `json:"serial"`
	AccessCode string `json:"access_code"`
	CameraURL  string `json:"camera_url"`
}

// decodeJSON strips comments and trailing commas, then decodes either
// layout. A top-level "printers" key selects the legacy layout;
// otherwise the document is read with the YAML field names, which
// JSON satisfies as a YAML subset.
func (c *Config) decodeJSON(data []byte) error {
	stripped := jsonc.ToJSON(data)

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(stripped, &probe); err != nil {
		return err
	}
	if _, legacy := probe["printers"]; !legacy {
		return yaml.Unmarshal(stripped, c)
	}

	var file legacyFile
	if err := json.Unmarshal(stripped, &file); err != nil {
		return err
	}
	return c.applyLegacy(file)
}

func (c *Config) applyLegacy(file legacyFile) error {
	var errs []error
	if file.PollIntervalSec != nil {
		interval, err := seconds("poll_interval_sec", *file.PollIntervalSec)
		errs = append(errs, err)
		c.Dispatch.PollInterval = interval
	}
	if file.DispatchIntervalSec != nil {
		interval, err := seconds("dispatch_interval_sec", *file.DispatchIntervalSec)
		errs = append(errs, err)
		c.Dispatch.Interval = interval
	}
	for _, printer := range file.Printers {
		c.Devices = append(c.Devices, DeviceConfig{
			ID:         printer.ID,
			Name:       printer.Name,
			Host:       printer.PrinterIP,
			Serial:     printer.Serial,
			AccessCode: printer.AccessCode,
			CameraURL:  printer.CameraURL,
		})
	}
	return errors.Join(errs...)
}

// seconds converts a fractional second count.
func seconds(field string, value float64) (time.Duration, error) {
	if math.IsNaN(value) || value <= 0 || value > math.MaxInt64/float64(time.Second) {
		return 0, fmt.Errorf("%s: %v is not a positive number of seconds", field, value)
	}
	return time.Duration(value * float64(time.Second)), nil
}
