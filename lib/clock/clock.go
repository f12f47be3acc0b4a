// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts time for code that schedules work or reads the wall
// clock. Production code injects Real(); tests inject Fake() and drive
// time explicitly with Advance.
//
// Any function that would call time.Now, time.After, time.AfterFunc or
// time.NewTicker takes a Clock instead (usually as a struct field).
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed.
	After(d time.Duration) <-chan time.Time

	// AfterFunc schedules f to run after d. The returned Timer cancels
	// the pending call via Stop. Its C field is nil, matching
	// time.AfterFunc.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering ticks on C every d.
	// Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker

	// Sleep blocks the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Timer is a scheduled one-shot event. Timers created by AfterFunc
// have a nil C.
type Timer struct {
	// C delivers the fire time. Nil for AfterFunc timers.
	C <-chan time.Time

	stop  func() bool
	reset func(time.Duration) bool
}

// Stop cancels the timer. Reports whether the call prevented the timer
// from firing.
func (t *Timer) Stop() bool { return t.stop() }

// Reset re-arms the timer to fire after d. Reports whether the timer
// was still active.
func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }

// Ticker delivers periodic ticks on C. C is buffered with capacity 1;
// if the consumer falls behind, ticks are dropped, matching
// time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. No ticks are delivered after Stop
// returns. Stop does not close C.
func (t *Ticker) Stop() { t.stop() }
