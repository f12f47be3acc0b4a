// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

package calling

import (
	"time"
)

// CallType distinguishes audio-only calls from video calls.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// CallStatus is the shared lifecycle status of a call record. Status
// only ever moves forward along the predecessor graph; in particular a
// call never re-enters ringing.
type CallStatus string

const (
	StatusRinging  CallStatus = "ringing"
	StatusActive   CallStatus = "active"
	StatusEnded    CallStatus = "ended"
	StatusMissed   CallStatus = "missed"
	StatusDeclined CallStatus = "declined"
	StatusFailed   CallStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusEnded, StatusMissed, StatusDeclined, StatusFailed:
		return true
	}
	return false
}

// validPredecessors maps each status to the statuses it may be reached
// from. Both stores enforce this graph on conditional status writes so
// that two parties racing on the same record cannot move it backward.
var validPredecessors = map[CallStatus][]CallStatus{
	StatusActive:   {StatusRinging},
	StatusEnded:    {StatusRinging, StatusActive},
	StatusMissed:   {StatusRinging},
	StatusDeclined: {StatusRinging},
	StatusFailed:   {StatusRinging, StatusActive},
}

// ValidPredecessors returns the statuses from which to may be reached.
// The returned slice is shared; callers must not modify it.
func ValidPredecessors(to CallStatus) []CallStatus {
	return validPredecessors[to]
}

// CanTransition reports whether a stored record with status from may
// be moved to status to.
func CanTransition(from, to CallStatus) bool {
	for _, predecessor := range validPredecessors[to] {
		if predecessor == from {
			return true
		}
	}
	return false
}

// CallRecord is the shared call document. The caller creates it with
// the offer already set; the callee fills in the answer; either party
// (or a ring timer) moves the status forward. Both clients treat every
// delivered record as a full snapshot, never a diff.
type CallRecord struct {
	ID          string     `json:"id" cbor:"id"`
	CallerID    string     `json:"caller_id" cbor:"caller_id"`
	RecipientID string     `json:"recipient_id" cbor:"recipient_id"`
	Type        CallType   `json:"type" cbor:"type"`
	Status      CallStatus `json:"status" cbor:"status"`

	StartedAt time.Time  `json:"started_at" cbor:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" cbor:"ended_at,omitempty"`

	// SDPOffer is set exactly once, at creation, by the caller.
	SDPOffer string `json:"sdp_offer,omitempty" cbor:"sdp_offer,omitempty"`

	// SDPAnswer is set exactly once, on answer, by the callee.
	SDPAnswer string `json:"sdp_answer,omitempty" cbor:"sdp_answer,omitempty"`
}

// Terminal reports whether the record's status is terminal.
func (r CallRecord) Terminal() bool { return r.Status.Terminal() }

// Duration returns EndedAt - StartedAt. ok is false until both
// timestamps are present.
func (r CallRecord) Duration() (d time.Duration, ok bool) {
	if r.EndedAt == nil || r.StartedAt.IsZero() {
		return 0, false
	}
	return r.EndedAt.Sub(r.StartedAt), true
}

// PeerOf returns the other participant from userID's point of view.
func (r CallRecord) PeerOf(userID string) string {
	if userID == r.CallerID {
		return r.RecipientID
	}
	return r.CallerID
}

// SamePair reports whether both records involve the same unordered
// pair of users. Two simultaneous attempts between the same two users
// are a glare situation.
func (r CallRecord) SamePair(other CallRecord) bool {
	return (r.CallerID == other.CallerID && r.RecipientID == other.RecipientID) ||
		(r.CallerID == other.RecipientID && r.RecipientID == other.CallerID)
}

// Equal reports whether two records are identical snapshots.
func (r CallRecord) Equal(other CallRecord) bool {
	if r.ID != other.ID || r.CallerID != other.CallerID ||
		r.RecipientID != other.RecipientID || r.Type != other.Type ||
		r.Status != other.Status || r.SDPOffer != other.SDPOffer ||
		r.SDPAnswer != other.SDPAnswer || !r.StartedAt.Equal(other.StartedAt) {
		return false
	}
	switch {
	case r.EndedAt == nil && other.EndedAt == nil:
		return true
	case r.EndedAt == nil || other.EndedAt == nil:
		return false
	}
	return r.EndedAt.Equal(*other.EndedAt)
}

// GlareWinner picks the surviving attempt when both users called each
// other inside the same window. Both clients compute the winner from
// the two records alone, with no coordination message: the attempt
// whose CallerID is lexicographically smaller wins, with the record ID
// as a tie-break for robustness against malformed inputs.
func GlareWinner(a, b CallRecord) CallRecord {
	if a.CallerID != b.CallerID {
		if a.CallerID < b.CallerID {
			return a
		}
		return b
	}
	if a.ID < b.ID {
		return a
	}
	return b
}

// ICECandidate is one entry in a call's append-only candidate log.
// Candidates are never mutated or removed. Ordering is guaranteed only
// among candidates from the same sender.
type ICECandidate struct {
	Candidate     string `json:"candidate" cbor:"candidate"`
	SDPMid        string `json:"sdp_mid,omitempty" cbor:"sdp_mid,omitempty"`
	SDPMLineIndex uint16 `json:"sdp_mline_index" cbor:"sdp_mline_index"`

	SenderID string `json:"sender_id" cbor:"sender_id"`

	// Sequence is assigned by the store on append; it increases in
	// store-apply order across the whole call.
	Sequence uint64    `json:"sequence" cbor:"sequence"`
	AddedAt  time.Time `json:"added_at" cbor:"added_at"`
}

// DedupKey identifies a candidate for append deduplication. Candidate
// strings are SDP attribute text and never contain a newline, so the
// separator is unambiguous.
func (c ICECandidate) DedupKey() string {
	return c.SenderID + "\n" + c.Candidate
}
