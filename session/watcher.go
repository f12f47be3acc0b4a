// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/palaver-im/palaver/calling"
	"github.com/palaver-im/palaver/lib/clock"
	"github.com/palaver-im/palaver/lib/config"
	"github.com/palaver-im/palaver/signaling"
)

// Watcher surfaces incoming calls. It subscribes to the local user's
// incoming stream, drops duplicates and calls that already rang out,
// and hands the rest to the controller. Glare and busy decisions are
// not its job; the controller's state machine makes those.
type Watcher struct {
	userID      string
	channel     signaling.Channel
	controller  *Controller
	clk         clock.Clock
	logger      *slog.Logger
	ringTimeout time.Duration

	// seen keeps at-least-once redelivery from re-ringing a call the
	// user already dealt with, keyed by call ID with the record's
	// start time for expiry. Owned by the Run goroutine.
	seen map[string]time.Time
}

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	UserID     string
	Channel    signaling.Channel
	Controller *Controller
	Clock      clock.Clock
	Logger     *slog.Logger

	// RingTimeout is the window inside which a ringing record is
	// still worth surfacing. Zero means config.DefaultRingTimeout.
	RingTimeout time.Duration
}

// NewWatcher builds a watcher. Call Run to start it.
func NewWatcher(opts WatcherOptions) *Watcher {
	ringTimeout := opts.RingTimeout
	if ringTimeout == 0 {
		ringTimeout = config.DefaultRingTimeout
	}
	return &Watcher{
		userID:      opts.UserID,
		channel:     opts.Channel,
		controller:  opts.Controller,
		clk:         opts.Clock,
		logger:      opts.Logger,
		ringTimeout: ringTimeout,
		seen:        make(map[string]time.Time),
	}
}

// Run consumes the incoming stream until ctx is cancelled or the
// subscription ends.
func (w *Watcher) Run(ctx context.Context) error {
	sub, err := w.channel.SubscribeToIncoming(ctx, w.userID)
	if err != nil {
		return fmt.Errorf("subscribing to incoming calls: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case record, ok := <-sub.Calls:
			if !ok {
				return nil
			}
			w.pruneSeen(w.clk.Now())
			if !w.relevant(record) {
				continue
			}
			w.seen[record.ID] = record.StartedAt
			w.logger.Info("incoming call",
				"call_id", record.ID, "caller", record.CallerID, "type", record.Type)
			w.controller.HandleIncoming(record)
		}
	}
}

// relevant filters one delivered record. Stale records past their ring
// window are already missed on the caller's side; surfacing them
// would ring for a call nobody can answer anymore.
func (w *Watcher) relevant(record calling.CallRecord) bool {
	if _, dup := w.seen[record.ID]; dup {
		return false
	}
	if record.RecipientID != w.userID {
		w.logger.Warn("incoming record for another user dropped",
			"call_id", record.ID, "recipient", record.RecipientID)
		return false
	}
	if record.Status != calling.StatusRinging {
		return false
	}
	if w.clk.Now().After(record.StartedAt.Add(w.ringTimeout)) {
		w.logger.Debug("stale incoming call dropped",
			"call_id", record.ID, "started_at", record.StartedAt)
		return false
	}
	return true
}

// pruneSeen drops entries whose ring window has elapsed. Such records
// cannot pass the staleness filter anymore, so remembering them only
// grows the set for the process lifetime.
func (w *Watcher) pruneSeen(now time.Time) {
	for id, startedAt := range w.seen {
		if now.After(startedAt.Add(w.ringTimeout)) {
			delete(w.seen, id)
		}
	}
}
