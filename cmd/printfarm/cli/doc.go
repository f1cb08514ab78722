// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command framework behind the printfarm binary:
// a tree of [Command] values with pflag parsing, "did you mean"
// suggestions for mistyped commands and flags, --json output through
// [JSONOutput], terminal-aware colouring through [Palette], and
// [ConnectionFlags] for reaching the dispatcher socket.
package cli
