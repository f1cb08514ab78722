// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service carries the CBOR request-response protocol between
// the dispatcher daemon and its command-line client.
//
// A [SocketServer] listens on a Unix socket and routes each request by
// its "action" field to a registered [ActionFunc]. Every connection
// carries exactly one request and one [Response]: {ok, error, data}.
// A [ServiceClient] opens a fresh connection per Call.
//
// Access control is the socket's file mode. Anyone who can open the
// socket can submit, cancel and command devices.
package service
