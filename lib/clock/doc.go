// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Structs that wait, tick, or timestamp hold a Clock field instead of
// calling the time package directly. Production wiring passes Real();
// tests pass Fake() and move time forward with Advance:
//
//	fake := clock.Fake(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))
//	go session.Run(ctx)
//	fake.WaitForTimers(1)       // the goroutine has registered its wait
//	fake.Advance(2 * time.Second)
//
// WaitForTimers closes the race between a goroutine registering a
// timer and the test advancing past it.
package clock
