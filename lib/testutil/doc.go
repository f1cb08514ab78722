// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds the small set of helpers shared by printfarm
// tests.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so that tests never block forever on a channel. They are the
// only place where tests touch the wall clock; everything else goes
// through clock.Fake.
//
// [SocketDir] returns a short directory under /tmp for Unix sockets,
// whose paths are limited to 108 bytes.
package testutil
