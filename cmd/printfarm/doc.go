// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Printfarm is the operator's command line for a print farm run by
// printfarm-dispatcher.
//
// It talks to the dispatcher over its Unix socket, found from
// --socket or from paths.socket in the farm config (--config or
// PRINTFARM_CONFIG):
//
//	printfarm status                     dispatch loop, availability, queue
//	printfarm devices                    telemetry for every printer
//	printfarm jobs submit bracket.gcode  queue a job for any printer
//	printfarm jobs list --status queued  the queue in submission order
//	printfarm dispatch                   run a dispatch cycle now
//	printfarm device pause x1c-left      control one printer
//
// Keygen and seal work offline, producing an age identity and sealed
// access codes for the access_code_sealed config field.
//
// Every listing command accepts --json.
package main
