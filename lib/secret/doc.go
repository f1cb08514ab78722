// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds printer access codes and age identities in
// memory outside the Go heap.
//
// A [Buffer] is an anonymous mmap region locked into RAM (mlock) and
// excluded from core dumps (MADV_DONTDUMP). Close zeroes, unlocks and
// unmaps it; any later read panics. [Buffer.String] makes a heap copy
// and is meant for API boundaries that insist on strings, such as the
// MQTT password and FTP login.
//
// [ReadFromPath] and [ReadFrom] load a secret from a file or stdin,
// trimming surrounding whitespace.
package secret
