// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

package webrtc

import (
	"context"
	"errors"

	"github.com/palaver-im/palaver/calling"
)

// ConnectionState is the media connection state as the session layer
// sees it. It deliberately collapses pion's ICE and peer connection
// state machines into the few states the call lifecycle cares about.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	// ErrMediaPermission reports that a capture device could not be
	// acquired. The session layer aborts call setup on it without
	// writing anything to the store.
	ErrMediaPermission = errors.New("webrtc: media device unavailable")

	// ErrNoAlternateCamera reports a camera switch with nothing to
	// switch to.
	ErrNoAlternateCamera = errors.New("webrtc: no alternate camera")
)

// Candidate is a locally gathered ICE candidate, stripped of transport
// library types so the session layer can forward it to signaling
// without importing pion.
type Candidate struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex uint16
}

// Adapter is one call's media connection. The session controller is
// its only consumer: it drives SDP exchange through it and forwards
// candidates in both directions.
//
// Callbacks registered with OnLocalCandidate and OnStateChange fire
// from media-stack goroutines; implementations deliver them after the
// corresponding Set* call returns and never while holding locks the
// other methods take.
type Adapter interface {
	// CreateOffer produces the local SDP offer, caller side.
	CreateOffer(ctx context.Context) (string, error)

	// CreateAnswer applies the remote offer and produces the local
	// SDP answer, callee side.
	CreateAnswer(ctx context.Context, remoteOffer string) (string, error)

	// AcceptAnswer applies the remote SDP answer, caller side.
	AcceptAnswer(ctx context.Context, remoteAnswer string) error

	// AddRemoteCandidate feeds one remote ICE candidate to the
	// connection. Candidates arriving before the remote description is
	// set are buffered.
	AddRemoteCandidate(candidate calling.ICECandidate) error

	// OnLocalCandidate registers the callback for locally gathered
	// candidates. Register before creating the offer or answer.
	OnLocalCandidate(fn func(Candidate))

	// OnStateChange registers the callback for connection state
	// transitions.
	OnStateChange(fn func(ConnectionState))

	// SetMuted pauses or resumes the outgoing audio track.
	SetMuted(muted bool) error

	// SetVideoEnabled pauses or resumes the outgoing video track.
	// Only meaningful on video calls.
	SetVideoEnabled(enabled bool) error

	// SwitchCamera swaps the outgoing video track to the next capture
	// source. ErrNoAlternateCamera when there is only one.
	SwitchCamera() error

	// Close releases the connection and all capture sources. Safe to
	// call more than once.
	Close() error
}

// Factory creates one Adapter per call attempt. The session controller
// calls it on call start or answer and closes the result when the call
// ends.
type Factory func(ctx context.Context, callType calling.CallType) (Adapter, error)
