// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction.
//
// Production code accepts a [Clock] instead of calling the time
// package directly. [Real] delegates to the standard library. [Fake]
// returns a deterministic clock whose time moves only under test
// control:
//
//	c := clock.Fake(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
//	controller := session.New(session.Config{Clock: c, ...})
//	// ... start the call ...
//	c.WaitForTimers(1)            // the ring timer is armed
//	c.Advance(45 * time.Second)   // fire it deterministically
//
// Timer-driven behavior (ring timeouts, retry backoff, pollers) is
// tested this way without wall-clock sleeps.
package clock
