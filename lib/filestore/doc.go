// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package filestore keeps submitted job files until their jobs are
// removed.
//
// Files are addressed by a BLAKE3 keyed digest of their content, so
// identical uploads are stored once and a job's reference stays valid
// no matter how many times the same file is submitted. Each stored
// file carries a small header recording its compression (zstd for
// G-code text, none for 3MF archives, LZ4 otherwise) and sizes. Every
// [Store.Get] recomputes the digest: a file damaged on disk is
// reported as [ErrCorrupt] instead of being sent to a printer.
package filestore
