// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync/atomic"
	"testing"
	"time"
)

var testEpoch = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func TestFakeClock_NowAdvance(t *testing.T) {
	c := Fake(testEpoch)
	if got := c.Now(); !got.Equal(testEpoch) {
		t.Fatalf("Now() = %v, want %v", got, testEpoch)
	}
	c.Advance(90 * time.Second)
	if got, want := c.Now(), testEpoch.Add(90*time.Second); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeClock_AfterFuncFiresAtDeadline(t *testing.T) {
	c := Fake(testEpoch)
	var fired atomic.Bool
	c.AfterFunc(45*time.Second, func() { fired.Store(true) })

	c.Advance(44 * time.Second)
	if fired.Load() {
		t.Fatal("timer fired before its deadline")
	}
	c.Advance(time.Second)
	if !fired.Load() {
		t.Fatal("timer did not fire at its deadline")
	}
}

func TestFakeClock_AfterFuncStop(t *testing.T) {
	c := Fake(testEpoch)
	var fired atomic.Bool
	timer := c.AfterFunc(10*time.Second, func() { fired.Store(true) })

	if !timer.Stop() {
		t.Fatal("Stop() = false for an active timer")
	}
	c.Advance(time.Minute)
	if fired.Load() {
		t.Fatal("stopped timer fired")
	}
	if timer.Stop() {
		t.Fatal("Stop() = true for an already-stopped timer")
	}
}

func TestFakeClock_TimersFireInDeadlineOrder(t *testing.T) {
	c := Fake(testEpoch)
	var order []int
	c.AfterFunc(30*time.Second, func() { order = append(order, 30) })
	c.AfterFunc(10*time.Second, func() { order = append(order, 10) })
	c.AfterFunc(20*time.Second, func() { order = append(order, 20) })

	c.Advance(time.Minute)
	if len(order) != 3 || order[0] != 10 || order[1] != 20 || order[2] != 30 {
		t.Fatalf("fire order = %v, want [10 20 30]", order)
	}
}

func TestFakeClock_TickerRearms(t *testing.T) {
	c := Fake(testEpoch)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	c.Advance(time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("no tick after one interval")
	}

	c.Advance(time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("no tick after second interval")
	}
}

func TestFakeClock_WaitForTimers(t *testing.T) {
	c := Fake(testEpoch)
	done := make(chan struct{})
	go func() {
		c.WaitForTimers(1)
		close(done)
	}()

	c.AfterFunc(time.Second, func() {})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForTimers did not observe the registered timer")
	}
}
