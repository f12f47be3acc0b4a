// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/palaver-im/palaver/calling"
	"github.com/palaver-im/palaver/signaling"
)

func TestWatcherSurfacesIncomingCall(t *testing.T) {
	clk := testClock()
	channel := signaling.NewMemoryChannel(clk)
	defer channel.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bob := newPeer(t, "bob", channel, clk)
	watcher := NewWatcher(WatcherOptions{
		UserID:     "bob",
		Channel:    channel,
		Controller: bob.ctrl,
		Clock:      clk,
		Logger:     bob.ctrl.logger,
	})
	go watcher.Run(ctx)

	alice := newPeer(t, "alice", channel, clk)
	if _, err := alice.ctrl.StartCall(ctx, "bob", calling.CallTypeAudio); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	snap := waitPhase(t, bob.ctrl, calling.PhaseIncomingRinging)
	if snap.Call.CallerID != "alice" {
		t.Errorf("incoming caller = %s", snap.Call.CallerID)
	}
}

func TestWatcherDropsStaleCalls(t *testing.T) {
	clk := testClock()
	channel := signaling.NewMemoryChannel(clk)
	defer channel.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A record left ringing long past its window: the caller's client
	// went away without its timer firing, which is exactly when stale
	// records happen.
	err := channel.CreateCall(ctx, calling.CallRecord{
		ID:          "call-stale",
		CallerID:    "alice",
		RecipientID: "bob",
		Type:        calling.CallTypeAudio,
		Status:      calling.StatusRinging,
		StartedAt:   clk.Now().Add(-10 * time.Minute),
		SDPOffer:    "v=0 offer",
	})
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}

	bob := newPeer(t, "bob", channel, clk)
	watcher := NewWatcher(WatcherOptions{
		UserID:     "bob",
		Channel:    channel,
		Controller: bob.ctrl,
		Clock:      clk,
		Logger:     bob.ctrl.logger,
	})
	go watcher.Run(ctx)

	// The stale call must not ring.
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case snap, ok := <-bob.ctrl.Updates():
			if ok && snap.Phase == calling.PhaseIncomingRinging {
				t.Fatal("stale call surfaced")
			}
		case <-deadline:
			return
		}
	}
}

func TestWatcherIgnoresRedelivery(t *testing.T) {
	clk := testClock()
	channel := signaling.NewMemoryChannel(clk)
	defer channel.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bob := newPeer(t, "bob", channel, clk)
	watcher := NewWatcher(WatcherOptions{
		UserID:     "bob",
		Channel:    channel,
		Controller: bob.ctrl,
		Clock:      clk,
		Logger:     bob.ctrl.logger,
	})
	go watcher.Run(ctx)

	alice := newPeer(t, "alice", channel, clk)
	if _, err := alice.ctrl.StartCall(ctx, "bob", calling.CallTypeAudio); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitPhase(t, bob.ctrl, calling.PhaseIncomingRinging)

	if err := bob.ctrl.Decline(ctx); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	waitPhase(t, bob.ctrl, calling.PhaseEnded)

	// A late subscriber seeing the same record again must not re-ring
	// the declined call. The controller is in Ended; redelivery through
	// HandleIncoming is absorbed by the state machine, and the watcher's
	// seen set keeps it from even getting that far.
	record, err := channel.LoadCall(ctx, alice.ctrl.Current().Call.ID)
	if err != nil {
		t.Fatalf("LoadCall: %v", err)
	}
	bob.ctrl.HandleIncoming(record)

	if err := bob.ctrl.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	waitPhase(t, bob.ctrl, calling.PhaseIdle)
}

func TestWatcherPrunesExpiredSeenEntries(t *testing.T) {
	clk := testClock()
	watcher := NewWatcher(WatcherOptions{
		UserID: "bob",
		Clock:  clk,
		Logger: slog.Default(),
	})

	watcher.seen["call-old"] = clk.Now().Add(-2 * watcher.ringTimeout)
	watcher.seen["call-live"] = clk.Now()

	watcher.pruneSeen(clk.Now())
	if _, ok := watcher.seen["call-old"]; ok {
		t.Error("entry past its ring window survived pruning")
	}
	if _, ok := watcher.seen["call-live"]; !ok {
		t.Error("entry inside its ring window was pruned")
	}
}
