// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/palaver-im/palaver/calling"
	"github.com/palaver-im/palaver/lib/clock"
	"github.com/palaver-im/palaver/lib/config"
	"github.com/palaver-im/palaver/signaling"
	"github.com/palaver-im/palaver/webrtc"
)

// CallLog records finished calls. *history.Store implements it.
type CallLog interface {
	Record(ctx context.Context, record calling.CallRecord) error
}

// Options configures a Controller.
type Options struct {
	// UserID is the local user, used as CallerID on outgoing calls
	// and as the candidate sender ID.
	UserID string

	// Channel is the signaling store.
	Channel signaling.Channel

	// Media builds one adapter per call attempt.
	Media webrtc.Factory

	// Clock drives the ring timer. Tests inject a fake.
	Clock clock.Clock

	Logger *slog.Logger

	// RingTimeout bounds how long a call rings before it is missed.
	// Zero means config.DefaultRingTimeout.
	RingTimeout time.Duration

	// Log, when set, receives every finished call.
	Log CallLog
}

// Controller owns the local call lifecycle. All state lives on a
// single event loop: public methods post commands onto it and wait,
// so the state machine only ever sees one event at a time no matter
// how many goroutines call in.
type Controller struct {
	userID      string
	channel     signaling.Channel
	media       webrtc.Factory
	clk         clock.Clock
	logger      *slog.Logger
	ringTimeout time.Duration
	callLog     CallLog

	commands  chan func()
	closed    chan struct{}
	closeOnce sync.Once

	// updates is a coalescing latest-value channel: a slow consumer
	// sees the newest snapshot, never a backlog.
	updates chan Snapshot

	snapMu sync.Mutex
	snap   Snapshot

	// Loop-owned state. Only the Run goroutine touches these.
	runCtx    context.Context
	state     calling.State
	adapter   webrtc.Adapter
	sub       *signaling.CallSubscription
	ringTimer *clock.Timer
	muted     bool
	video     bool

	// pendingCandidates buffers remote candidates that arrive while an
	// incoming call rings, before the answer creates an adapter.
	pendingCandidates []calling.ICECandidate
}

// New builds a controller. Call Run to start it.
func New(opts Options) *Controller {
	ringTimeout := opts.RingTimeout
	if ringTimeout == 0 {
		ringTimeout = config.DefaultRingTimeout
	}
	controller := &Controller{
		userID:      opts.UserID,
		channel:     opts.Channel,
		media:       opts.Media,
		clk:         opts.Clock,
		logger:      opts.Logger,
		ringTimeout: ringTimeout,
		callLog:     opts.Log,
		commands:    make(chan func(), 64),
		closed:      make(chan struct{}),
		updates:     make(chan Snapshot, 1),
		state:       calling.Idle(),
	}
	controller.snap = controller.buildSnapshot()
	return controller
}

// Run executes the event loop until ctx is cancelled or Close is
// called. It tears down any live call on the way out.
func (c *Controller) Run(ctx context.Context) error {
	c.runCtx = ctx
	defer c.teardown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		case command := <-c.commands:
			command()
		}
	}
}

// Close stops the event loop. Idempotent.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Updates returns the snapshot channel. It carries the latest state
// after every change and closes when the controller stops.
func (c *Controller) Updates() <-chan Snapshot {
	return c.updates
}

// Current returns the latest published snapshot without blocking on
// the event loop.
func (c *Controller) Current() Snapshot {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return c.snap
}

// StartCall places an outgoing call and returns its ID. Media setup
// failures abort before anything is written to the store.
func (c *Controller) StartCall(ctx context.Context, recipientID string, callType calling.CallType) (string, error) {
	var callID string
	err := c.do(ctx, func() error {
		if c.state.Phase != calling.PhaseIdle {
			return ErrBusy
		}
		if !callType.Valid() {
			return fmt.Errorf("call type %q is not valid", callType)
		}

		adapter, err := c.media(ctx, callType)
		if err != nil {
			return fmt.Errorf("setting up media: %w", err)
		}
		offer, err := adapter.CreateOffer(ctx)
		if err != nil {
			adapter.Close()
			return fmt.Errorf("creating offer: %w", err)
		}

		record := calling.CallRecord{
			ID:          uuid.NewString(),
			CallerID:    c.userID,
			RecipientID: recipientID,
			Type:        callType,
			Status:      calling.StatusRinging,
			StartedAt:   c.clk.Now().UTC(),
			SDPOffer:    offer,
		}
		if err := c.channel.CreateCall(ctx, record); err != nil {
			adapter.Close()
			return fmt.Errorf("creating call record: %w", err)
		}
		sub, err := c.channel.SubscribeToCall(ctx, record.ID)
		if err != nil {
			adapter.Close()
			c.bestEffortStatus(record.ID, calling.StatusFailed)
			return fmt.Errorf("subscribing to call: %w", err)
		}

		c.attachSubscription(sub, record.ID)
		c.attachAdapter(adapter, record.ID)
		c.video = callType == calling.CallTypeVideo
		c.applyEvent(calling.StartEvent{Record: record})
		callID = record.ID
		return nil
	})
	return callID, err
}

// Answer accepts the ringing incoming call. On media failure the call
// keeps ringing so the user can retry or decline.
func (c *Controller) Answer(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.state.Phase != calling.PhaseIncomingRinging {
			return ErrNotRinging
		}
		record := *c.state.Call

		adapter, err := c.media(ctx, record.Type)
		if err != nil {
			return fmt.Errorf("setting up media: %w", err)
		}
		// Candidates that trickled in while ringing go in first; the
		// adapter holds them until the remote offer is applied.
		for _, candidate := range c.pendingCandidates {
			if err := adapter.AddRemoteCandidate(candidate); err != nil {
				c.logger.Warn("buffered candidate rejected",
					"call_id", record.ID, "error", err)
			}
		}
		answer, err := adapter.CreateAnswer(ctx, record.SDPOffer)
		if err != nil {
			adapter.Close()
			return fmt.Errorf("creating answer: %w", err)
		}

		c.pendingCandidates = nil
		c.attachAdapter(adapter, record.ID)
		c.video = record.Type == calling.CallTypeVideo
		c.applyEvent(calling.AnswerEvent{SDPAnswer: answer})
		return nil
	})
}

// Decline rejects the ringing incoming call.
func (c *Controller) Decline(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.state.Phase != calling.PhaseIncomingRinging {
			return ErrNotRinging
		}
		c.applyEvent(calling.DeclineEvent{})
		return nil
	})
}

// End hangs up the current call. The local state reaches Ended even
// when the store write fails; teardown never waits on the network.
func (c *Controller) End(ctx context.Context) error {
	return c.do(ctx, func() error {
		switch c.state.Phase {
		case calling.PhaseOutgoingRinging, calling.PhaseIncomingRinging, calling.PhaseActive:
			c.applyEvent(calling.HangUpEvent{})
			return nil
		}
		return ErrNoCall
	})
}

// Reset acknowledges a finished call and returns to idle.
func (c *Controller) Reset(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.applyEvent(calling.ResetEvent{})
		return nil
	})
}

// SetMuted pauses or resumes the outgoing audio track.
func (c *Controller) SetMuted(ctx context.Context, muted bool) error {
	return c.do(ctx, func() error {
		if c.adapter == nil {
			return ErrNoCall
		}
		if err := c.adapter.SetMuted(muted); err != nil {
			return fmt.Errorf("setting mute: %w", err)
		}
		c.muted = muted
		c.publish()
		return nil
	})
}

// SetVideoEnabled pauses or resumes the outgoing video track.
func (c *Controller) SetVideoEnabled(ctx context.Context, enabled bool) error {
	return c.do(ctx, func() error {
		if c.adapter == nil {
			return ErrNoCall
		}
		if err := c.adapter.SetVideoEnabled(enabled); err != nil {
			return fmt.Errorf("setting video: %w", err)
		}
		c.video = enabled
		c.publish()
		return nil
	})
}

// SwitchCamera swaps the outgoing video to the next capture source.
func (c *Controller) SwitchCamera(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.adapter == nil {
			return ErrNoCall
		}
		if err := c.adapter.SwitchCamera(); err != nil {
			return fmt.Errorf("switching camera: %w", err)
		}
		return nil
	})
}

// HandleIncoming feeds a ringing record from the incoming watcher into
// the loop. Glare and busy handling happen inside the state machine.
func (c *Controller) HandleIncoming(record calling.CallRecord) {
	c.enqueue(func() {
		c.applyEvent(calling.IncomingEvent{Record: record})
		c.ensureSubscribed()
	})
}

// Resume picks up a call record left over from before a restart. A
// still-ringing incoming call rings again with its deadline computed
// from the original start time; anything the restart orphaned on our
// side is marked failed, best effort.
func (c *Controller) Resume(ctx context.Context, callID string) error {
	return c.do(ctx, func() error {
		if c.state.Phase != calling.PhaseIdle {
			return ErrBusy
		}
		record, err := c.channel.LoadCall(ctx, callID)
		if err != nil {
			return fmt.Errorf("loading call: %w", err)
		}
		if record.Terminal() {
			return nil
		}
		if record.RecipientID == c.userID && record.Status == calling.StatusRinging {
			c.applyEvent(calling.IncomingEvent{Record: record})
			c.ensureSubscribed()
			return nil
		}
		// Our outgoing or active call did not survive the restart: the
		// media session is gone.
		c.bestEffortStatus(record.ID, calling.StatusFailed)
		return nil
	})
}

// do runs fn on the event loop and waits for its result.
func (c *Controller) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	select {
	case c.commands <- func() { result <- fn() }:
	case <-c.closed:
		return ErrControllerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-c.closed:
		return ErrControllerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue posts fn without waiting. Used from callbacks and
// forwarders, which must never block on the loop.
func (c *Controller) enqueue(fn func()) {
	select {
	case c.commands <- fn:
	case <-c.closed:
	}
}

// applyEvent runs the state machine and executes the resulting
// effects. Effects can produce follow-up events (a failed answer
// submit, an expired resumed ring); those are applied in order before
// the snapshot is published.
func (c *Controller) applyEvent(event calling.Event) {
	queue := []calling.Event{event}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		state, effects := calling.Apply(c.state, next)
		c.state = state
		for _, effect := range effects {
			queue = append(queue, c.runEffect(effect)...)
		}
	}
	c.publish()
}

func (c *Controller) runEffect(effect calling.Effect) []calling.Event {
	switch effect := effect.(type) {
	case calling.StartRingTimer:
		return c.armRingTimer()

	case calling.StopRingTimer:
		c.stopRingTimer()

	case calling.ApplyRemoteAnswer:
		if err := c.adapter.AcceptAnswer(c.runCtx, effect.SDP); err != nil {
			c.logger.Error("applying remote answer failed",
				"call_id", c.state.Call.ID, "error", err)
			return []calling.Event{calling.MediaFailureEvent{Err: err}}
		}

	case calling.SubmitAnswer:
		if err := c.channel.SubmitAnswer(c.runCtx, effect.CallID, effect.SDP); err != nil {
			// The record moved on without us: converge on whatever it
			// says now instead of staying in a half-answered call.
			c.logger.Warn("answer submit lost",
				"call_id", effect.CallID, "error", err)
			record, loadErr := c.channel.LoadCall(c.runCtx, effect.CallID)
			if loadErr != nil {
				return []calling.Event{calling.MediaFailureEvent{Err: err}}
			}
			return []calling.Event{calling.SnapshotEvent{Record: record}}
		}

	case calling.WriteStatus:
		// Terminal writes are best effort and must not hold up local
		// teardown; a stalled store keeps the loop free to release
		// media and answer the caller of End.
		go c.writeStatus(c.runCtx, effect.CallID, effect.Status)

	case calling.DeclineRemote:
		go c.writeStatus(c.runCtx, effect.CallID, calling.StatusDeclined)

	case calling.ReleaseMedia:
		c.releaseMedia()

	case calling.InvalidTransition:
		c.logger.Debug("event rejected",
			"phase", effect.Phase, "event", fmt.Sprintf("%T", effect.Event),
			"reason", effect.Reason)
	}
	return nil
}

// armRingTimer starts the ring timer with the deadline anchored to the
// record's start time, so a resumed call does not ring longer than a
// fresh one. An already-expired deadline times out immediately.
func (c *Controller) armRingTimer() []calling.Event {
	c.stopRingTimer()
	deadline := c.state.Call.StartedAt.Add(c.ringTimeout)
	remaining := deadline.Sub(c.clk.Now())
	if remaining <= 0 {
		return []calling.Event{calling.RingTimeoutEvent{}}
	}
	c.ringTimer = c.clk.AfterFunc(remaining, func() {
		c.enqueue(func() { c.applyEvent(calling.RingTimeoutEvent{}) })
	})
	return nil
}

func (c *Controller) stopRingTimer() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

// attachSubscription starts forwarding store updates for callID into
// the loop.
func (c *Controller) attachSubscription(sub *signaling.CallSubscription, callID string) {
	c.sub = sub
	go func() {
		for record := range sub.Snapshots {
			record := record
			c.enqueue(func() { c.applyEvent(calling.SnapshotEvent{Record: record}) })
		}
	}()
	go func() {
		for candidate := range sub.Candidates {
			if candidate.SenderID == c.userID {
				continue
			}
			candidate := candidate
			c.enqueue(func() { c.deliverCandidate(callID, candidate) })
		}
	}()
}

// deliverCandidate hands a remote candidate to the adapter, or buffers
// it while an incoming call is still ringing unanswered.
func (c *Controller) deliverCandidate(callID string, candidate calling.ICECandidate) {
	if c.state.Call == nil || c.state.Call.ID != callID {
		return
	}
	if c.adapter == nil {
		c.pendingCandidates = append(c.pendingCandidates, candidate)
		return
	}
	if err := c.adapter.AddRemoteCandidate(candidate); err != nil {
		c.logger.Warn("remote candidate rejected",
			"call_id", callID, "error", err)
	}
}

// attachAdapter wires the media adapter's callbacks for callID:
// locally gathered candidates go to the store, a failed connection
// becomes a MediaFailureEvent.
func (c *Controller) attachAdapter(adapter webrtc.Adapter, callID string) {
	c.adapter = adapter

	adapter.OnLocalCandidate(func(candidate webrtc.Candidate) {
		err := c.channel.AppendICECandidate(context.Background(), callID, calling.ICECandidate{
			Candidate:     candidate.Candidate,
			SDPMid:        candidate.SDPMid,
			SDPMLineIndex: candidate.SDPMLineIndex,
			SenderID:      c.userID,
		})
		if err != nil {
			c.logger.Warn("candidate publish failed",
				"call_id", callID, "error", err)
		}
	})

	adapter.OnStateChange(func(state webrtc.ConnectionState) {
		c.logger.Debug("media state changed", "call_id", callID, "state", state)
		if state == webrtc.StateFailed {
			c.enqueue(func() {
				if c.state.Call != nil && c.state.Call.ID == callID {
					c.applyEvent(calling.MediaFailureEvent{Err: fmt.Errorf("media connection failed")})
				}
			})
		}
	})
}

// ensureSubscribed subscribes to the current call if no subscription
// is attached, which happens on incoming calls and glare adoption.
func (c *Controller) ensureSubscribed() {
	if c.sub != nil || c.state.Call == nil || c.state.Terminal() {
		return
	}
	sub, err := c.channel.SubscribeToCall(c.runCtx, c.state.Call.ID)
	if err != nil {
		c.logger.Error("call subscription failed",
			"call_id", c.state.Call.ID, "error", err)
		c.applyEvent(calling.MediaFailureEvent{Err: err})
		return
	}
	c.attachSubscription(sub, c.state.Call.ID)
}

// releaseMedia tears down the adapter and subscription and, when the
// call just ended, hands the final record to the call log.
func (c *Controller) releaseMedia() {
	if c.adapter != nil {
		c.adapter.Close()
		c.adapter = nil
	}
	if c.sub != nil {
		c.sub.Unsubscribe()
		c.sub = nil
	}
	c.pendingCandidates = nil
	c.muted = false
	c.video = false

	if c.state.Phase == calling.PhaseEnded && c.callLog != nil && c.state.Call != nil {
		record := *c.state.Call
		if record.EndedAt == nil {
			now := c.clk.Now().UTC()
			record.EndedAt = &now
		}
		if err := c.callLog.Record(c.runCtx, record); err != nil {
			c.logger.Warn("call log write failed",
				"call_id", record.ID, "error", err)
		}
	}
}

func (c *Controller) bestEffortStatus(callID string, status calling.CallStatus) {
	go c.writeStatus(c.runCtx, callID, status)
}

// writeStatus pushes a terminal status to the store off the event
// loop. Runs on its own goroutine; it must not touch controller state.
func (c *Controller) writeStatus(ctx context.Context, callID string, status calling.CallStatus) {
	err := c.channel.UpdateStatus(ctx, callID, status)
	if err == nil {
		return
	}
	// A conflict means another client's terminal write landed first,
	// which is fine. Anything else is logged and dropped: the local
	// call is already over.
	level := slog.LevelWarn
	if errors.Is(err, signaling.ErrConflict) || errors.Is(err, signaling.ErrCallNotFound) {
		level = slog.LevelDebug
	}
	c.logger.Log(ctx, level, "status write lost",
		"call_id", callID, "status", status, "error", err)
}

func (c *Controller) teardown() {
	c.Close()
	c.stopRingTimer()
	if c.adapter != nil {
		c.adapter.Close()
		c.adapter = nil
	}
	if c.sub != nil {
		c.sub.Unsubscribe()
		c.sub = nil
	}
	close(c.updates)
}

// publish stores and emits the current snapshot. The updates channel
// holds only the newest value: a stale snapshot is displaced rather
// than queued.
func (c *Controller) publish() {
	snap := c.buildSnapshot()
	c.snapMu.Lock()
	c.snap = snap
	c.snapMu.Unlock()

	for {
		select {
		case c.updates <- snap:
			return
		default:
		}
		select {
		case <-c.updates:
		default:
		}
	}
}

func (c *Controller) buildSnapshot() Snapshot {
	snap := Snapshot{
		Phase:        c.state.Phase,
		Reason:       c.state.Reason,
		Muted:        c.muted,
		VideoEnabled: c.video,
	}
	if c.state.Call != nil {
		record := *c.state.Call
		snap.Call = &record
	}
	return snap
}
