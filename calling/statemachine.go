// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

package calling

import "fmt"

// Phase is the local lifecycle phase of the one call a client may be
// in. PhaseEnded is terminal: only ResetEvent leaves it, though a new
// incoming attempt still draws a busy decline while the finished call
// waits to be acknowledged.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseOutgoingRinging
	PhaseIncomingRinging
	PhaseActive
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseOutgoingRinging:
		return "outgoing-ringing"
	case PhaseIncomingRinging:
		return "incoming-ringing"
	case PhaseActive:
		return "active"
	case PhaseEnded:
		return "ended"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// EndReason says why a call reached PhaseEnded.
type EndReason int

const (
	EndReasonNone EndReason = iota
	EndReasonHungUp
	EndReasonMissed
	EndReasonDeclined
	EndReasonFailed
)

func (r EndReason) String() string {
	switch r {
	case EndReasonNone:
		return "none"
	case EndReasonHungUp:
		return "hung-up"
	case EndReasonMissed:
		return "missed"
	case EndReasonDeclined:
		return "declined"
	case EndReasonFailed:
		return "failed"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Status maps the end reason to the call status it corresponds to on
// the shared record.
func (r EndReason) Status() CallStatus {
	switch r {
	case EndReasonMissed:
		return StatusMissed
	case EndReasonDeclined:
		return StatusDeclined
	case EndReasonFailed:
		return StatusFailed
	default:
		return StatusEnded
	}
}

// reasonForStatus is the inverse of EndReason.Status for terminal
// statuses observed in remote snapshots.
func reasonForStatus(s CallStatus) EndReason {
	switch s {
	case StatusMissed:
		return EndReasonMissed
	case StatusDeclined:
		return EndReasonDeclined
	case StatusFailed:
		return EndReasonFailed
	default:
		return EndReasonHungUp
	}
}

// State is the local call state. It is a value: Apply never mutates
// its input, it returns a new State.
type State struct {
	Phase Phase

	// Reason is meaningful only when Phase is PhaseEnded.
	Reason EndReason

	// Call is the current call record snapshot, nil when idle.
	Call *CallRecord
}

// Idle returns the initial state.
func Idle() State { return State{Phase: PhaseIdle} }

// Terminal reports whether the state accepts only ResetEvent.
func (s State) Terminal() bool { return s.Phase == PhaseEnded }

// Event is an input to Apply. Events originate from local user
// actions, the ring timer, the media layer, or store snapshots; Apply
// itself does not care which.
type Event interface{ isEvent() }

// StartEvent reports that the local user started an outgoing call and
// its record (offer included) has been written to the store.
type StartEvent struct{ Record CallRecord }

// IncomingEvent reports a ringing record addressed to the local user.
type IncomingEvent struct{ Record CallRecord }

// SnapshotEvent carries a full store snapshot of the current call.
// Delivery is at-least-once: an unchanged snapshot must produce the
// same state as its first delivery.
type SnapshotEvent struct{ Record CallRecord }

// AnswerEvent reports that the local user answered the incoming call
// and the media layer produced the given SDP answer.
type AnswerEvent struct{ SDPAnswer string }

// DeclineEvent reports that the local user declined a ringing call.
type DeclineEvent struct{}

// HangUpEvent reports that the local user ended the call.
type HangUpEvent struct{}

// RingTimeoutEvent reports that the ring timer fired with no answer.
type RingTimeoutEvent struct{}

// MediaFailureEvent reports that the media layer failed (ICE failure,
// unexpected close).
type MediaFailureEvent struct{ Err error }

// ResetEvent returns a terminal state to idle so a new call can start.
type ResetEvent struct{}

func (StartEvent) isEvent()        {}
func (IncomingEvent) isEvent()     {}
func (SnapshotEvent) isEvent()     {}
func (AnswerEvent) isEvent()       {}
func (DeclineEvent) isEvent()      {}
func (HangUpEvent) isEvent()       {}
func (RingTimeoutEvent) isEvent()  {}
func (MediaFailureEvent) isEvent() {}
func (ResetEvent) isEvent()        {}

// Effect is an instruction for the caller of Apply. Apply performs no
// I/O itself; the session controller executes effects in order.
type Effect interface{ isEffect() }

// StartRingTimer arms the ring timer for the current call.
type StartRingTimer struct{}

// StopRingTimer cancels the ring timer.
type StopRingTimer struct{}

// ApplyRemoteAnswer feeds the callee's SDP answer into the media
// layer.
type ApplyRemoteAnswer struct{ SDP string }

// SubmitAnswer publishes the local SDP answer to the store.
type SubmitAnswer struct {
	CallID string
	SDP    string
}

// WriteStatus performs a conditional status write on the current
// call's record. Failures are best effort for terminal transitions:
// local teardown never waits on them.
type WriteStatus struct {
	CallID string
	Status CallStatus
}

// DeclineRemote writes declined on someone else's attempt (busy, or
// the losing half of a glare).
type DeclineRemote struct{ CallID string }

// ReleaseMedia tears down the media layer for the current call.
type ReleaseMedia struct{}

// InvalidTransition is a diagnostic for an event that is not legal in
// the current phase. The state is unchanged; Apply never panics and
// never returns an error.
type InvalidTransition struct {
	Phase  Phase
	Event  Event
	Reason string
}

func (StartRingTimer) isEffect()    {}
func (StopRingTimer) isEffect()     {}
func (ApplyRemoteAnswer) isEffect() {}
func (SubmitAnswer) isEffect()      {}
func (WriteStatus) isEffect()       {}
func (DeclineRemote) isEffect()     {}
func (ReleaseMedia) isEffect()      {}
func (InvalidTransition) isEffect() {}

// Apply is the call state machine. It is pure and total: for any
// state and event it returns the next state and the effects to run,
// without I/O, mutation, or panics. All concurrency discipline lives
// in the caller, which serializes events onto a single sequence.
func Apply(state State, event Event) (State, []Effect) {
	if _, ok := event.(ResetEvent); ok {
		if state.Phase == PhaseEnded || state.Phase == PhaseIdle {
			return Idle(), nil
		}
		return state, invalid(state, event, "reset before the call ended")
	}

	switch state.Phase {
	case PhaseIdle:
		return applyIdle(state, event)
	case PhaseOutgoingRinging:
		return applyOutgoingRinging(state, event)
	case PhaseIncomingRinging:
		return applyIncomingRinging(state, event)
	case PhaseActive:
		return applyActive(state, event)
	case PhaseEnded:
		return applyEnded(state, event)
	}
	return state, invalid(state, event, "unknown phase")
}

func applyIdle(state State, event Event) (State, []Effect) {
	switch ev := event.(type) {
	case StartEvent:
		record := ev.Record
		return State{Phase: PhaseOutgoingRinging, Call: &record},
			[]Effect{StartRingTimer{}}
	case IncomingEvent:
		record := ev.Record
		return State{Phase: PhaseIncomingRinging, Call: &record},
			[]Effect{StartRingTimer{}}
	}
	return state, invalid(state, event, "no call in progress")
}

func applyOutgoingRinging(state State, event Event) (State, []Effect) {
	call := *state.Call
	switch ev := event.(type) {
	case SnapshotEvent:
		return applyRingingSnapshot(state, ev, true)

	case IncomingEvent:
		return applyGlare(state, ev.Record)

	case HangUpEvent:
		return ended(call, EndReasonHungUp,
			StopRingTimer{}, WriteStatus{CallID: call.ID, Status: StatusEnded}, ReleaseMedia{})

	case DeclineEvent:
		return ended(call, EndReasonDeclined,
			StopRingTimer{}, WriteStatus{CallID: call.ID, Status: StatusDeclined}, ReleaseMedia{})

	case RingTimeoutEvent:
		return ended(call, EndReasonMissed,
			WriteStatus{CallID: call.ID, Status: StatusMissed}, ReleaseMedia{})

	case MediaFailureEvent:
		return ended(call, EndReasonFailed,
			StopRingTimer{}, WriteStatus{CallID: call.ID, Status: StatusFailed}, ReleaseMedia{})
	}
	return state, invalid(state, event, "call is ringing out")
}

func applyIncomingRinging(state State, event Event) (State, []Effect) {
	call := *state.Call
	switch ev := event.(type) {
	case AnswerEvent:
		answered := call
		answered.Status = StatusActive
		answered.SDPAnswer = ev.SDPAnswer
		return State{Phase: PhaseActive, Call: &answered},
			[]Effect{StopRingTimer{}, SubmitAnswer{CallID: call.ID, SDP: ev.SDPAnswer}}

	case DeclineEvent:
		return ended(call, EndReasonDeclined,
			StopRingTimer{}, WriteStatus{CallID: call.ID, Status: StatusDeclined}, ReleaseMedia{})

	case HangUpEvent:
		return ended(call, EndReasonHungUp,
			StopRingTimer{}, WriteStatus{CallID: call.ID, Status: StatusEnded}, ReleaseMedia{})

	case RingTimeoutEvent:
		return ended(call, EndReasonMissed,
			WriteStatus{CallID: call.ID, Status: StatusMissed}, ReleaseMedia{})

	case MediaFailureEvent:
		return ended(call, EndReasonFailed,
			StopRingTimer{}, WriteStatus{CallID: call.ID, Status: StatusFailed}, ReleaseMedia{})

	case SnapshotEvent:
		return applyRingingSnapshot(state, ev, false)

	case IncomingEvent:
		return applyGlare(state, ev.Record)
	}
	return state, invalid(state, event, "call is ringing in")
}

func applyActive(state State, event Event) (State, []Effect) {
	call := *state.Call
	switch ev := event.(type) {
	case HangUpEvent:
		return ended(call, EndReasonHungUp,
			WriteStatus{CallID: call.ID, Status: StatusEnded}, ReleaseMedia{})

	case MediaFailureEvent:
		return ended(call, EndReasonFailed,
			WriteStatus{CallID: call.ID, Status: StatusFailed}, ReleaseMedia{})

	case SnapshotEvent:
		if ev.Record.ID != call.ID {
			return state, invalid(state, event, "snapshot for a different call")
		}
		switch ev.Record.Status {
		case StatusActive:
			record := ev.Record
			return State{Phase: PhaseActive, Call: &record}, nil
		case StatusEnded, StatusFailed, StatusDeclined, StatusMissed:
			return ended(ev.Record, reasonForStatus(ev.Record.Status), ReleaseMedia{})
		}
		return state, invalid(state, event, "active call cannot return to ringing")

	case IncomingEvent:
		// Busy: a third attempt while a call is up is declined without
		// disturbing the current session.
		return state, []Effect{DeclineRemote{CallID: ev.Record.ID}}

	case RingTimeoutEvent:
		// A stale timer fire that raced the answer. Nothing to do.
		return state, nil
	}
	return state, invalid(state, event, "call is active")
}

func applyEnded(state State, event Event) (State, []Effect) {
	// Redelivered snapshots of the finished call are absorbed so that
	// at-least-once delivery cannot disturb a terminal state. A stale
	// ring timer fire is equally harmless.
	switch ev := event.(type) {
	case SnapshotEvent:
		if state.Call != nil && ev.Record.ID == state.Call.ID {
			return state, nil
		}
	case RingTimeoutEvent:
		return state, nil
	case IncomingEvent:
		if state.Call != nil && ev.Record.ID == state.Call.ID {
			// The finished call came back around; absorb it.
			return state, nil
		}
		// The ended call has not been acknowledged yet, so a new
		// attempt is declined as busy rather than silently dropped.
		return state, []Effect{DeclineRemote{CallID: ev.Record.ID}}
	}
	return state, invalid(state, event, "call has ended")
}

// applyRingingSnapshot handles store snapshots while either side is
// ringing. outgoing selects the caller-side interpretation (a newly
// present answer is the remote callee picking up).
func applyRingingSnapshot(state State, ev SnapshotEvent, outgoing bool) (State, []Effect) {
	call := *state.Call
	if ev.Record.ID != call.ID {
		return state, invalid(state, ev, "snapshot for a different call")
	}

	switch ev.Record.Status {
	case StatusRinging:
		record := ev.Record
		return State{Phase: state.Phase, Call: &record}, nil

	case StatusActive:
		record := ev.Record
		if outgoing {
			if record.SDPAnswer == "" {
				return state, invalid(state, ev, "active snapshot without an answer")
			}
			return State{Phase: PhaseActive, Call: &record},
				[]Effect{StopRingTimer{}, ApplyRemoteAnswer{SDP: record.SDPAnswer}}
		}
		// Callee side: our own submitted answer echoed back before the
		// AnswerEvent was applied is impossible on the serialized
		// sequence, but converging on the store is always safe.
		return State{Phase: PhaseActive, Call: &record}, []Effect{StopRingTimer{}}

	case StatusEnded, StatusMissed, StatusDeclined, StatusFailed:
		return ended(ev.Record, reasonForStatus(ev.Record.Status),
			StopRingTimer{}, ReleaseMedia{})
	}
	return state, invalid(state, ev, "unknown status in snapshot")
}

// applyGlare resolves a second attempt on the same pair of users, or
// declines an unrelated attempt as busy.
func applyGlare(state State, incoming CallRecord) (State, []Effect) {
	call := *state.Call
	if !call.SamePair(incoming) {
		return state, []Effect{DeclineRemote{CallID: incoming.ID}}
	}
	if incoming.ID == call.ID {
		// The watcher redelivered our current call. Nothing to do.
		return state, nil
	}

	winner := GlareWinner(call, incoming)
	if winner.ID == call.ID {
		// Our attempt survives; the losing attempt is declined on the
		// store so the other side converges too.
		return state, []Effect{DeclineRemote{CallID: incoming.ID}}
	}

	// The incoming attempt wins. The local attempt is abandoned
	// without any remote write about it (the winner's side declines
	// it) and the surviving attempt rings here.
	record := incoming
	return State{Phase: PhaseIncomingRinging, Call: &record},
		[]Effect{StopRingTimer{}, ReleaseMedia{}, StartRingTimer{}}
}

// ended builds the terminal state for call with the given reason.
func ended(call CallRecord, reason EndReason, effects ...Effect) (State, []Effect) {
	record := call
	if !record.Status.Terminal() {
		record.Status = reason.Status()
	}
	return State{Phase: PhaseEnded, Reason: reason, Call: &record}, effects
}

func invalid(state State, event Event, reason string) []Effect {
	return []Effect{InvalidTransition{Phase: state.Phase, Event: event, Reason: reason}}
}
