// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"

	"github.com/bureau-foundation/printfarm/lib/sealed"
	"github.com/bureau-foundation/printfarm/lib/secret"
)

// AccessCodes maps device id to its opened access code.
type AccessCodes map[string]*secret.Buffer

// Close releases every code.
func (a AccessCodes) Close() {
	for _, code := range a {
		code.Close()
	}
}

// OpenAccessCodes moves every device's access code into protected
// memory, decrypting sealed codes with the identity at
// Paths.Identity. The identity is read only when some code is sealed.
// On error nothing is left open.
func (c *Config) OpenAccessCodes() (AccessCodes, error) {
	codes := make(AccessCodes, len(c.Devices))
	var identity *secret.Buffer
	defer func() {
		if identity != nil {
			identity.Close()
		}
	}()

	for _, device := range c.Devices {
		var (
			code *secret.Buffer
			err  error
		)
		if device.AccessCodeSealed != "" {
			if identity == nil {
				identity, err = secret.ReadFromPath(c.Paths.Identity)
				if err != nil {
					codes.Close()
					return nil, fmt.Errorf("reading identity %s: %w", c.Paths.Identity, err)
				}
			}
			code, err = sealed.Decrypt(device.AccessCodeSealed, identity)
		} else {
			code, err = secret.NewFromString(device.AccessCode)
		}
		if err != nil {
			codes.Close()
			return nil, fmt.Errorf("device %q: access code: %w", device.ID, err)
		}
		codes[device.ID] = code
	}
	return codes, nil
}
