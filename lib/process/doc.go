// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds entrypoint helpers for the printfarm binaries.
// Fatal covers the one place raw stderr output is legitimate: an error
// from run() before or after the structured logger exists.
package process
