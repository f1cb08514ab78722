// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadFrom(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"plain", "12345678", "12345678"},
		{"trailing newline", "12345678\n", "12345678"},
		{"surrounding whitespace", "  12345678 \n", "12345678"},
		{
			"age identity file",
			"# created: 2026-01-15T12:00:00Z\n# public key: age1example\nAGE-SECRET-KEY-1EXAMPLE\n",
			"AGE-SECRET-KEY-1EXAMPLE",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			buffer, err := ReadFrom(strings.NewReader(test.content))
			if err != nil {
				t.Fatalf("ReadFrom: %v", err)
			}
			defer buffer.Close()
			if got := buffer.String(); got != test.want {
				t.Errorf("ReadFrom = %q, want %q", got, test.want)
			}
		})
	}
}

func TestReadFromRejects(t *testing.T) {
	for name, content := range map[string]string{
		"empty":         "",
		"whitespace":    " \n\t\n",
		"only comments": "# nothing here\n",
		"oversized":     strings.Repeat("x", maxSecretSize+1),
	} {
		if buffer, err := ReadFrom(strings.NewReader(content)); err == nil {
			buffer.Close()
			t.Errorf("%s: ReadFrom succeeded", name)
		}
	}
}

func TestReadFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.txt")
	if err := os.WriteFile(path, []byte("AGE-SECRET-KEY-1TEST\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	buffer, err := ReadFromPath(path)
	if err != nil {
		t.Fatalf("ReadFromPath: %v", err)
	}
	defer buffer.Close()
	if buffer.String() != "AGE-SECRET-KEY-1TEST" {
		t.Errorf("ReadFromPath = %q", buffer.String())
	}

	if _, err := ReadFromPath(filepath.Join(t.TempDir(), "missing")); !os.IsNotExist(err) {
		t.Errorf("ReadFromPath(missing) = %v, want not-exist", err)
	}
}
