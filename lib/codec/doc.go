// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR configuration shared by every
// printfarm binary.
//
// CBOR is the wire format of the dispatcher socket (lib/service). JSON
// is used only at the edges: printer MQTT payloads, configuration
// files, and CLI --json output. The encoder uses Core Deterministic
// Encoding, so the same logical value always produces identical bytes,
// and encodes times as RFC 3339 strings with nanoseconds.
//
// For buffers:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For streams:
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// # Struct tags
//
// A `cbor` tag marks a type that only crosses the socket. A `json`
// tag marks a type that also reaches JSON output; fxamacker/cbor falls
// back to json tags when cbor tags are absent, so one tag names the
// field in both formats. Never put both tags on one field.
package codec
