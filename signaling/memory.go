// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/palaver-im/palaver/calling"
	"github.com/palaver-im/palaver/lib/clock"
)

// MemoryChannel is an in-process Channel for tests and single-process
// setups. It enforces the same conditional-write rules as the Redis
// channel, so controller tests exercise real conflict behavior.
type MemoryChannel struct {
	clk clock.Clock

	mu       sync.Mutex
	closed   bool
	calls    map[string]*memoryCall
	incoming map[string]map[*incomingState]struct{}
}

type memoryCall struct {
	record     calling.CallRecord
	candidates []calling.ICECandidate
	seen       map[string]struct{}
	seq        uint64
	subs       map[*callState]struct{}
}

type callState struct {
	snapshots  *pump[calling.CallRecord]
	candidates *pump[calling.ICECandidate]
}

type incomingState struct {
	calls *pump[calling.CallRecord]
}

var _ Channel = (*MemoryChannel)(nil)

// NewMemoryChannel returns an empty channel. The clock stamps ICE
// candidates as they are appended.
func NewMemoryChannel(clk clock.Clock) *MemoryChannel {
	return &MemoryChannel{
		clk:      clk,
		calls:    make(map[string]*memoryCall),
		incoming: make(map[string]map[*incomingState]struct{}),
	}
}

func (m *MemoryChannel) CreateCall(ctx context.Context, record calling.CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrChannelClosed
	}
	if _, ok := m.calls[record.ID]; ok {
		return fmt.Errorf("create call %s: %w", record.ID, ErrConflict)
	}
	record.Status = calling.StatusRinging
	m.calls[record.ID] = &memoryCall{
		record: record,
		seen:   make(map[string]struct{}),
		subs:   make(map[*callState]struct{}),
	}
	for state := range m.incoming[record.RecipientID] {
		state.calls.enqueue(record)
	}
	return nil
}

func (m *MemoryChannel) LoadCall(ctx context.Context, callID string) (calling.CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return calling.CallRecord{}, ErrChannelClosed
	}
	call, ok := m.calls[callID]
	if !ok {
		return calling.CallRecord{}, fmt.Errorf("load call %s: %w", callID, ErrCallNotFound)
	}
	return call.record, nil
}

func (m *MemoryChannel) SubmitAnswer(ctx context.Context, callID, sdpAnswer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrChannelClosed
	}
	call, ok := m.calls[callID]
	if !ok {
		return fmt.Errorf("answer call %s: %w", callID, ErrCallNotFound)
	}
	if call.record.Status != calling.StatusRinging {
		return fmt.Errorf("answer call %s in status %s: %w", callID, call.record.Status, ErrStaleCall)
	}
	call.record.SDPAnswer = sdpAnswer
	call.record.Status = calling.StatusActive
	call.broadcastLocked()
	return nil
}

func (m *MemoryChannel) UpdateStatus(ctx context.Context, callID string, status calling.CallStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrChannelClosed
	}
	call, ok := m.calls[callID]
	if !ok {
		return fmt.Errorf("update call %s: %w", callID, ErrCallNotFound)
	}
	if !calling.CanTransition(call.record.Status, status) {
		return fmt.Errorf("update call %s from %s to %s: %w",
			callID, call.record.Status, status, ErrConflict)
	}
	call.record.Status = status
	if status.Terminal() && call.record.EndedAt == nil {
		now := m.clk.Now()
		call.record.EndedAt = &now
	}
	call.broadcastLocked()
	return nil
}

func (m *MemoryChannel) AppendICECandidate(ctx context.Context, callID string, candidate calling.ICECandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrChannelClosed
	}
	call, ok := m.calls[callID]
	if !ok {
		return fmt.Errorf("append candidate for call %s: %w", callID, ErrCallNotFound)
	}
	key := candidate.DedupKey()
	if _, dup := call.seen[key]; dup {
		return nil
	}
	call.seen[key] = struct{}{}
	call.seq++
	candidate.Sequence = call.seq
	candidate.AddedAt = m.clk.Now()
	call.candidates = append(call.candidates, candidate)
	for state := range call.subs {
		state.candidates.enqueue(candidate)
	}
	return nil
}

func (m *MemoryChannel) SubscribeToCall(ctx context.Context, callID string) (*CallSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrChannelClosed
	}
	call, ok := m.calls[callID]
	if !ok {
		return nil, fmt.Errorf("subscribe to call %s: %w", callID, ErrCallNotFound)
	}

	state := &callState{
		snapshots:  newPump[calling.CallRecord](),
		candidates: newPump[calling.ICECandidate](),
	}
	state.snapshots.enqueue(call.record)
	state.candidates.enqueue(call.candidates...)
	call.subs[state] = struct{}{}

	return &CallSubscription{
		Snapshots:  state.snapshots.out,
		Candidates: state.candidates.out,
		stop: func() {
			m.mu.Lock()
			delete(call.subs, state)
			m.mu.Unlock()
			state.snapshots.close()
			state.candidates.close()
		},
	}, nil
}

func (m *MemoryChannel) SubscribeToIncoming(ctx context.Context, userID string) (*IncomingSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrChannelClosed
	}
	state := &incomingState{calls: newPump[calling.CallRecord]()}
	if m.incoming[userID] == nil {
		m.incoming[userID] = make(map[*incomingState]struct{})
	}
	m.incoming[userID][state] = struct{}{}

	// Calls already ringing for this user are replayed so a client
	// subscribing late still sees them.
	for _, call := range m.calls {
		if call.record.RecipientID == userID && call.record.Status == calling.StatusRinging {
			state.calls.enqueue(call.record)
		}
	}

	return &IncomingSubscription{
		Calls: state.calls.out,
		stop: func() {
			m.mu.Lock()
			delete(m.incoming[userID], state)
			m.mu.Unlock()
			state.calls.close()
		},
	}, nil
}

func (m *MemoryChannel) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var states []*callState
	var incomings []*incomingState
	for _, call := range m.calls {
		for state := range call.subs {
			states = append(states, state)
		}
		call.subs = make(map[*callState]struct{})
	}
	for _, set := range m.incoming {
		for state := range set {
			incomings = append(incomings, state)
		}
	}
	m.incoming = make(map[string]map[*incomingState]struct{})
	m.mu.Unlock()

	for _, state := range states {
		state.snapshots.close()
		state.candidates.close()
	}
	for _, state := range incomings {
		state.calls.close()
	}
	return nil
}

// broadcastLocked fans the current record out to every subscriber.
// Caller holds m.mu.
func (c *memoryCall) broadcastLocked() {
	for state := range c.subs {
		state.snapshots.enqueue(c.record)
	}
}
