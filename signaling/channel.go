// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"errors"
	"sync"

	"github.com/palaver-im/palaver/calling"
)

// Channel is call signaling over a shared store. Writes are
// conditional: the store enforces the status predecessor graph so that
// two clients racing on the same record cannot both win.
//
// Subscription delivery is at-least-once. Snapshots for one call are
// delivered in write order; ICE candidates preserve per-sender order
// and are deduplicated before delivery.
type Channel interface {
	// CreateCall writes a fresh ringing record and announces it to the
	// recipient's incoming subscription. ErrConflict if a record with
	// the same ID already exists.
	CreateCall(ctx context.Context, record calling.CallRecord) error

	// LoadCall fetches the current record snapshot, for resuming after
	// a restart. ErrCallNotFound if no such call exists.
	LoadCall(ctx context.Context, callID string) (calling.CallRecord, error)

	// SubmitAnswer sets the callee's SDP answer and moves the record
	// from ringing to active in one conditional write. ErrStaleCall if
	// the record is no longer ringing.
	SubmitAnswer(ctx context.Context, callID, sdpAnswer string) error

	// UpdateStatus performs a conditional status write. ErrConflict if
	// the record's current status does not admit the transition, which
	// a caller racing another client treats as "the other write won".
	UpdateStatus(ctx context.Context, callID string, status calling.CallStatus) error

	// AppendICECandidate appends a candidate for the given sender. The
	// store assigns the per-sender sequence number and drops exact
	// duplicates silently.
	AppendICECandidate(ctx context.Context, callID string, candidate calling.ICECandidate) error

	// SubscribeToCall streams record snapshots and ICE candidates for
	// one call, starting with the current snapshot and any candidates
	// already appended.
	SubscribeToCall(ctx context.Context, callID string) (*CallSubscription, error)

	// SubscribeToIncoming streams ringing records addressed to the
	// given user.
	SubscribeToIncoming(ctx context.Context, userID string) (*IncomingSubscription, error)

	// Close releases the channel's resources and terminates all
	// subscriptions.
	Close() error
}

var (
	// ErrCallNotFound reports a call ID with no record behind it.
	ErrCallNotFound = errors.New("signaling: call not found")

	// ErrConflict reports a conditional write the store refused
	// because the record's current state does not admit it.
	ErrConflict = errors.New("signaling: conflicting write refused")

	// ErrStaleCall reports an answer submitted for a call that is no
	// longer ringing.
	ErrStaleCall = errors.New("signaling: call no longer ringing")

	// ErrWriteFailed reports a store write that kept failing after
	// bounded retries.
	ErrWriteFailed = errors.New("signaling: store write failed")

	// ErrChannelClosed reports an operation on a closed channel.
	ErrChannelClosed = errors.New("signaling: channel closed")
)

// CallSubscription delivers updates for a single call. Both channels
// close when the subscription ends.
type CallSubscription struct {
	// Snapshots carries full record snapshots in write order.
	Snapshots <-chan calling.CallRecord

	// Candidates carries deduplicated ICE candidates from both
	// senders, each sender's in its original order.
	Candidates <-chan calling.ICECandidate

	stop    func()
	stopped sync.Once
}

// Unsubscribe stops delivery and closes both channels. Safe to call
// more than once.
func (s *CallSubscription) Unsubscribe() {
	s.stopped.Do(s.stop)
}

// IncomingSubscription delivers ringing records addressed to one user.
type IncomingSubscription struct {
	// Calls carries newly created ringing records where the user is
	// the recipient.
	Calls <-chan calling.CallRecord

	stop    func()
	stopped sync.Once
}

// Unsubscribe stops delivery and closes Calls. Safe to call more than
// once.
func (s *IncomingSubscription) Unsubscribe() {
	s.stopped.Do(s.stop)
}
