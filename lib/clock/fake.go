// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock pinned to initial. Time moves only when
// Advance is called; every timer, ticker and sleep registers a waiter
// that fires once the clock passes its deadline.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	f := &FakeClock{current: initial}
	f.changed = sync.NewCond(&f.mu)
	return f
}

// FakeClock is a deterministic Clock for tests. Waiters fire
// synchronously inside Advance, in deadline order, so a test that
// advances past a timer's deadline observes the timer's side effects
// before Advance returns.
type FakeClock struct {
	mu      sync.Mutex
	changed *sync.Cond
	current time.Time
	waiters []*fakeWaiter
}

// fakeWaiter is one pending timer, ticker interval, or sleep.
type fakeWaiter struct {
	deadline time.Time

	// fire delivers the event at now. It reports whether the waiter
	// should stay registered (tickers re-arm themselves by updating
	// deadline and returning true).
	fire func(now time.Time) bool
}

func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Advance moves the clock forward by d, firing every waiter whose
// deadline falls within the window, in deadline order. AfterFunc
// callbacks run synchronously on the calling goroutine; they must not
// call Advance or Sleep.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.current.Add(d)

	for {
		next := f.earliestLocked(target)
		if next == nil {
			break
		}
		f.current = next.deadline
		f.removeLocked(next)
		// Fire outside the waiter list mutation but under the lock's
		// protection released for the callback, so a callback may
		// register new timers.
		f.mu.Unlock()
		keep := next.fire(next.deadline)
		f.mu.Lock()
		if keep {
			f.waiters = append(f.waiters, next)
		}
		f.changed.Broadcast()
	}

	f.current = target
	f.mu.Unlock()
}

// WaitForTimers blocks until at least n waiters are registered. Use it
// to synchronize with a goroutine that arms a timer before calling
// Advance, eliminating sleep-based races.
func (f *FakeClock) WaitForTimers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.waiters) < n {
		f.changed.Wait()
	}
}

// earliestLocked returns the registered waiter with the earliest
// deadline at or before limit, or nil.
func (f *FakeClock) earliestLocked(limit time.Time) *fakeWaiter {
	sort.SliceStable(f.waiters, func(i, j int) bool {
		return f.waiters[i].deadline.Before(f.waiters[j].deadline)
	})
	if len(f.waiters) == 0 || f.waiters[0].deadline.After(limit) {
		return nil
	}
	return f.waiters[0]
}

func (f *FakeClock) removeLocked(w *fakeWaiter) {
	for i, candidate := range f.waiters {
		if candidate == w {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			return
		}
	}
}

func (f *FakeClock) addWaiter(w *fakeWaiter) {
	f.mu.Lock()
	f.waiters = append(f.waiters, w)
	f.changed.Broadcast()
	f.mu.Unlock()
}

func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.mu.Lock()
	deadline := f.current.Add(d)
	f.mu.Unlock()
	f.addWaiter(&fakeWaiter{
		deadline: deadline,
		fire: func(now time.Time) bool {
			ch <- now
			return false
		},
	})
	return ch
}

func (f *FakeClock) AfterFunc(d time.Duration, fn func()) *Timer {
	f.mu.Lock()
	w := &fakeWaiter{deadline: f.current.Add(d)}
	f.mu.Unlock()
	w.fire = func(time.Time) bool {
		fn()
		return false
	}

	f.addWaiter(w)
	return &Timer{
		stop: func() bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			for i, candidate := range f.waiters {
				if candidate == w {
					f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
					return true
				}
			}
			return false
		},
		reset: func(d time.Duration) bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			active := false
			for i, candidate := range f.waiters {
				if candidate == w {
					f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
					active = true
					break
				}
			}
			w.deadline = f.current.Add(d)
			f.waiters = append(f.waiters, w)
			f.changed.Broadcast()
			return active
		},
	}
}

func (f *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	ch := make(chan time.Time, 1)
	f.mu.Lock()
	w := &fakeWaiter{deadline: f.current.Add(d)}
	f.mu.Unlock()
	w.fire = func(now time.Time) bool {
		select {
		case ch <- now:
		default: // consumer behind, drop the tick
		}
		w.deadline = now.Add(d)
		return true
	}

	f.addWaiter(w)
	return &Ticker{
		C: ch,
		stop: func() {
			f.mu.Lock()
			f.removeLocked(w)
			f.mu.Unlock()
		},
	}
}

func (f *FakeClock) Sleep(d time.Duration) {
	<-f.After(d)
}
