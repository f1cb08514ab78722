// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import "fmt"

// ExitError ends the process with Code without printing an error. The
// command has already written whatever output explains the exit, as
// "status --check" does for an unhealthy farm.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// ExitCode is checked by main through interface{ ExitCode() int }.
func (e *ExitError) ExitCode() int {
	return e.Code
}
