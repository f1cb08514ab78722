// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// maxSecretSize bounds what ReadFrom will accept. Access codes and age
// identities are well under a kilobyte.
const maxSecretSize = 64 << 10

// ReadFromPath reads a secret from path, or from stdin when path is
// "-". See ReadFrom.
func ReadFromPath(path string) (*Buffer, error) {
	if path == "-" {
		return ReadFrom(os.Stdin)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ReadFrom(file)
}

// ReadFrom reads r to EOF and protects the content with surrounding
// whitespace trimmed. Empty input is an error. Comment lines starting
// with "#" are dropped, so age identity files written by age-keygen
// load directly.
func ReadFrom(r io.Reader) (*Buffer, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxSecretSize+1))
	if err != nil {
		Zero(data)
		return nil, fmt.Errorf("reading secret: %w", err)
	}
	defer Zero(data)
	if len(data) > maxSecretSize {
		return nil, fmt.Errorf("secret exceeds %d bytes", maxSecretSize)
	}

	var kept []byte
	for line := range bytes.Lines(data) {
		if bytes.HasPrefix(bytes.TrimSpace(line), []byte("#")) {
			continue
		}
		kept = append(kept, line...)
	}
	defer Zero(kept)

	trimmed := bytes.TrimSpace(kept)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("secret is empty")
	}
	return NewFromBytes(trimmed)
}
