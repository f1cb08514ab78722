// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package farm defines the data shared between the printfarm
// dispatcher, its device sessions, and the printfarm CLI: telemetry
// snapshots, device commands, jobs, dispatch reports, and the request
// and response types of the dispatcher's socket actions.
//
// Types that reach CLI --json output carry json tags, which the CBOR
// codec also honors; request types that only ever cross the socket
// carry cbor tags. The package depends only on the standard library
// so that any printfarm binary can import it.
package farm
