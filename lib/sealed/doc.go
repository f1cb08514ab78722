// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts printer access codes so a farm config file
// can be committed and shared without exposing them.
//
// Codes are sealed with age x25519 to one or more recipients (age1...
// public keys) and stored base64-encoded in the access_code_sealed
// field. The dispatcher opens them at startup with the operator's
// identity (AGE-SECRET-KEY-1...). Identities and opened codes are
// held in [secret.Buffer] values and never touch the Go heap beyond
// the brief string conversions age's API requires.
package sealed
