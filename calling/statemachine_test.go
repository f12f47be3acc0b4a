// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

package calling

import (
	"errors"
	"math/rand"
	"testing"
	"time"
)

func outgoingRecord() CallRecord {
	return CallRecord{
		ID:          "call-1",
		CallerID:    "alice",
		RecipientID: "bob",
		Type:        CallTypeAudio,
		Status:      StatusRinging,
		StartedAt:   time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC),
		SDPOffer:    "v=0 offer",
	}
}

func hasEffect[E Effect](effects []Effect) bool {
	for _, effect := range effects {
		if _, ok := effect.(E); ok {
			return true
		}
	}
	return false
}

func findEffect[E Effect](t *testing.T, effects []Effect) E {
	t.Helper()
	for _, effect := range effects {
		if typed, ok := effect.(E); ok {
			return typed
		}
	}
	var zero E
	t.Fatalf("effect %T not found in %v", zero, effects)
	return zero
}

func TestOutgoingCallAnswered(t *testing.T) {
	state, effects := Apply(Idle(), StartEvent{Record: outgoingRecord()})
	if state.Phase != PhaseOutgoingRinging {
		t.Fatalf("phase after start = %s", state.Phase)
	}
	if !hasEffect[StartRingTimer](effects) {
		t.Error("start did not arm the ring timer")
	}

	answered := outgoingRecord()
	answered.Status = StatusActive
	answered.SDPAnswer = "v=0 answer"
	state, effects = Apply(state, SnapshotEvent{Record: answered})
	if state.Phase != PhaseActive {
		t.Fatalf("phase after answer snapshot = %s", state.Phase)
	}
	if !hasEffect[StopRingTimer](effects) {
		t.Error("answer did not stop the ring timer")
	}
	apply := findEffect[ApplyRemoteAnswer](t, effects)
	if apply.SDP != "v=0 answer" {
		t.Errorf("remote answer SDP = %q", apply.SDP)
	}
}

func TestOutgoingCallDeclinedRemotely(t *testing.T) {
	state, _ := Apply(Idle(), StartEvent{Record: outgoingRecord()})

	declined := outgoingRecord()
	declined.Status = StatusDeclined
	state, effects := Apply(state, SnapshotEvent{Record: declined})
	if state.Phase != PhaseEnded || state.Reason != EndReasonDeclined {
		t.Fatalf("state = %s/%s, want ended/declined", state.Phase, state.Reason)
	}
	if !hasEffect[ReleaseMedia](effects) {
		t.Error("remote decline did not release media")
	}
	if hasEffect[WriteStatus](effects) {
		t.Error("remote decline triggered a redundant status write")
	}
}

func TestIncomingCallAnswered(t *testing.T) {
	state, _ := Apply(Idle(), IncomingEvent{Record: outgoingRecord()})
	if state.Phase != PhaseIncomingRinging {
		t.Fatalf("phase after incoming = %s", state.Phase)
	}

	state, effects := Apply(state, AnswerEvent{SDPAnswer: "v=0 answer"})
	if state.Phase != PhaseActive {
		t.Fatalf("phase after local answer = %s", state.Phase)
	}
	submit := findEffect[SubmitAnswer](t, effects)
	if submit.CallID != "call-1" || submit.SDP != "v=0 answer" {
		t.Errorf("submit = %+v", submit)
	}
	if state.Call.SDPAnswer != "v=0 answer" || state.Call.Status != StatusActive {
		t.Errorf("local record not updated: %+v", state.Call)
	}
}

func TestIncomingCallDeclinedLocally(t *testing.T) {
	state, _ := Apply(Idle(), IncomingEvent{Record: outgoingRecord()})
	state, effects := Apply(state, DeclineEvent{})
	if state.Phase != PhaseEnded || state.Reason != EndReasonDeclined {
		t.Fatalf("state = %s/%s", state.Phase, state.Reason)
	}
	write := findEffect[WriteStatus](t, effects)
	if write.Status != StatusDeclined {
		t.Errorf("status write = %s, want declined", write.Status)
	}
}

func TestRingTimeoutProducesMissed(t *testing.T) {
	for _, start := range []Event{
		StartEvent{Record: outgoingRecord()},
		IncomingEvent{Record: outgoingRecord()},
	} {
		state, _ := Apply(Idle(), start)
		state, effects := Apply(state, RingTimeoutEvent{})
		if state.Phase != PhaseEnded || state.Reason != EndReasonMissed {
			t.Fatalf("after %T timeout: %s/%s", start, state.Phase, state.Reason)
		}
		write := findEffect[WriteStatus](t, effects)
		if write.Status != StatusMissed {
			t.Errorf("status write = %s, want missed", write.Status)
		}
		if state.Call.SDPAnswer != "" {
			t.Error("missed call has an answer")
		}
	}
}

func TestHangUpFromActive(t *testing.T) {
	state, _ := Apply(Idle(), IncomingEvent{Record: outgoingRecord()})
	state, _ = Apply(state, AnswerEvent{SDPAnswer: "a"})

	state, effects := Apply(state, HangUpEvent{})
	if state.Phase != PhaseEnded || state.Reason != EndReasonHungUp {
		t.Fatalf("state = %s/%s", state.Phase, state.Reason)
	}
	if !hasEffect[ReleaseMedia](effects) || !hasEffect[WriteStatus](effects) {
		t.Errorf("hang up effects = %v", effects)
	}
}

func TestMediaFailureFromAnyLivePhase(t *testing.T) {
	mediaErr := errors.New("ice failed")
	starts := map[string]func() State{
		"outgoing": func() State { s, _ := Apply(Idle(), StartEvent{Record: outgoingRecord()}); return s },
		"incoming": func() State { s, _ := Apply(Idle(), IncomingEvent{Record: outgoingRecord()}); return s },
		"active": func() State {
			s, _ := Apply(Idle(), IncomingEvent{Record: outgoingRecord()})
			s, _ = Apply(s, AnswerEvent{SDPAnswer: "a"})
			return s
		},
	}
	for name, build := range starts {
		state, effects := Apply(build(), MediaFailureEvent{Err: mediaErr})
		if state.Phase != PhaseEnded || state.Reason != EndReasonFailed {
			t.Errorf("%s: state = %s/%s, want ended/failed", name, state.Phase, state.Reason)
		}
		write := findEffect[WriteStatus](t, effects)
		if write.Status != StatusFailed {
			t.Errorf("%s: status write = %s", name, write.Status)
		}
	}
}

func TestSnapshotRedeliveryIsIdempotent(t *testing.T) {
	state, _ := Apply(Idle(), StartEvent{Record: outgoingRecord()})

	answered := outgoingRecord()
	answered.Status = StatusActive
	answered.SDPAnswer = "v=0 answer"

	once, _ := Apply(state, SnapshotEvent{Record: answered})
	twice, effects := Apply(once, SnapshotEvent{Record: answered})
	if twice.Phase != once.Phase || !twice.Call.Equal(*once.Call) {
		t.Error("redelivered snapshot changed the state")
	}
	if hasEffect[ApplyRemoteAnswer](effects) {
		t.Error("redelivered snapshot re-applied the remote answer")
	}

	// Terminal snapshots are absorbed the same way.
	finished := answered
	finished.Status = StatusEnded
	final, _ := Apply(twice, SnapshotEvent{Record: finished})
	again, effects := Apply(final, SnapshotEvent{Record: finished})
	if again.Phase != PhaseEnded || len(effects) != 0 {
		t.Errorf("terminal redelivery: phase=%s effects=%v", again.Phase, effects)
	}
}

func TestGlareLoserAdoptsIncoming(t *testing.T) {
	// Bob is outgoing to alice; alice's competing attempt arrives.
	// Alice's caller ID sorts lower, so her attempt wins.
	own := CallRecord{ID: "call-bob", CallerID: "bob", RecipientID: "alice", Status: StatusRinging}
	state, _ := Apply(Idle(), StartEvent{Record: own})

	theirs := CallRecord{ID: "call-alice", CallerID: "alice", RecipientID: "bob", Status: StatusRinging}
	state, effects := Apply(state, IncomingEvent{Record: theirs})

	if state.Phase != PhaseIncomingRinging || state.Call.ID != "call-alice" {
		t.Fatalf("loser state = %s call=%v", state.Phase, state.Call)
	}
	if !hasEffect[StopRingTimer](effects) || !hasEffect[ReleaseMedia](effects) || !hasEffect[StartRingTimer](effects) {
		t.Errorf("loser effects = %v", effects)
	}
	// The loser never writes anything about its own abandoned attempt.
	if hasEffect[WriteStatus](effects) || hasEffect[DeclineRemote](effects) {
		t.Errorf("loser produced remote writes: %v", effects)
	}
}

func TestGlareWinnerDeclinesLosingAttempt(t *testing.T) {
	// Alice is outgoing to bob; bob's competing attempt arrives and
	// loses.
	own := CallRecord{ID: "call-alice", CallerID: "alice", RecipientID: "bob", Status: StatusRinging}
	state, _ := Apply(Idle(), StartEvent{Record: own})

	theirs := CallRecord{ID: "call-bob", CallerID: "bob", RecipientID: "alice", Status: StatusRinging}
	next, effects := Apply(state, IncomingEvent{Record: theirs})

	if next.Phase != PhaseOutgoingRinging || next.Call.ID != "call-alice" {
		t.Fatalf("winner state = %s call=%v", next.Phase, next.Call)
	}
	decline := findEffect[DeclineRemote](t, effects)
	if decline.CallID != "call-bob" {
		t.Errorf("declined %s, want call-bob", decline.CallID)
	}
}

func TestBusyDeclinesUnrelatedIncoming(t *testing.T) {
	state, _ := Apply(Idle(), IncomingEvent{Record: outgoingRecord()})
	state, _ = Apply(state, AnswerEvent{SDPAnswer: "a"})

	third := CallRecord{ID: "call-9", CallerID: "carol", RecipientID: "bob", Status: StatusRinging}
	next, effects := Apply(state, IncomingEvent{Record: third})
	if next.Phase != PhaseActive {
		t.Fatalf("busy decline changed phase to %s", next.Phase)
	}
	decline := findEffect[DeclineRemote](t, effects)
	if decline.CallID != "call-9" {
		t.Errorf("declined %s, want call-9", decline.CallID)
	}
}

func TestEndedDeclinesNewIncoming(t *testing.T) {
	state := mustState(t, IncomingEvent{Record: outgoingRecord()}, DeclineEvent{})
	if state.Phase != PhaseEnded {
		t.Fatalf("setup: phase = %s", state.Phase)
	}

	// A redelivery of the finished call is absorbed without effects.
	finished := outgoingRecord()
	finished.Status = StatusDeclined
	next, effects := Apply(state, IncomingEvent{Record: finished})
	if next.Phase != PhaseEnded || len(effects) != 0 {
		t.Errorf("redelivery: phase=%s effects=%v", next.Phase, effects)
	}

	// A different caller's attempt during the unacknowledged ended
	// window is busy-declined, not silently dropped.
	third := CallRecord{ID: "call-9", CallerID: "carol", RecipientID: "bob", Status: StatusRinging}
	next, effects = Apply(state, IncomingEvent{Record: third})
	if next.Phase != PhaseEnded {
		t.Fatalf("new attempt changed phase to %s", next.Phase)
	}
	decline := findEffect[DeclineRemote](t, effects)
	if decline.CallID != "call-9" {
		t.Errorf("declined %s, want call-9", decline.CallID)
	}
}

func TestInvalidTriggersLeaveStateUnchanged(t *testing.T) {
	cases := []struct {
		name  string
		state State
		event Event
	}{
		{"answer while idle", Idle(), AnswerEvent{SDPAnswer: "a"}},
		{"hang up while idle", Idle(), HangUpEvent{}},
		{"snapshot while idle", Idle(), SnapshotEvent{Record: outgoingRecord()}},
		{"start while ringing", mustState(t, StartEvent{Record: outgoingRecord()}), StartEvent{Record: outgoingRecord()}},
	}
	for _, tc := range cases {
		next, effects := Apply(tc.state, tc.event)
		if next.Phase != tc.state.Phase {
			t.Errorf("%s: phase changed to %s", tc.name, next.Phase)
		}
		if !hasEffect[InvalidTransition](effects) {
			t.Errorf("%s: no InvalidTransition diagnostic", tc.name)
		}
	}
}

func mustState(t *testing.T, events ...Event) State {
	t.Helper()
	state := Idle()
	for _, event := range events {
		state, _ = Apply(state, event)
	}
	return state
}

func TestTerminalAcceptsOnlyReset(t *testing.T) {
	state := mustState(t, StartEvent{Record: outgoingRecord()}, RingTimeoutEvent{})
	if state.Phase != PhaseEnded {
		t.Fatalf("setup: phase = %s", state.Phase)
	}

	for _, event := range []Event{
		AnswerEvent{SDPAnswer: "a"}, DeclineEvent{}, HangUpEvent{},
		StartEvent{Record: outgoingRecord()},
		MediaFailureEvent{Err: errors.New("x")},
	} {
		next, _ := Apply(state, event)
		if next.Phase != PhaseEnded {
			t.Errorf("%T escaped the terminal state to %s", event, next.Phase)
		}
	}

	reset, effects := Apply(state, ResetEvent{})
	if reset.Phase != PhaseIdle || reset.Call != nil {
		t.Errorf("reset state = %+v", reset)
	}
	if len(effects) != 0 {
		t.Errorf("reset effects = %v", effects)
	}
}

// TestApplyClosedOverStateSet drives the machine with long random
// event sequences and checks that every reachable state is a member of
// the defined state set and that no sequence escapes a terminal state
// without a reset.
func TestApplyClosedOverStateSet(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	randomEvent := func() Event {
		record := outgoingRecord()
		record.ID = "call-" + string(rune('a'+rng.Intn(26)))
		switch rng.Intn(9) {
		case 0:
			return StartEvent{Record: record}
		case 1:
			return IncomingEvent{Record: record}
		case 2:
			snapshot := record
			statuses := []CallStatus{StatusRinging, StatusActive, StatusEnded, StatusMissed, StatusDeclined, StatusFailed}
			snapshot.Status = statuses[rng.Intn(len(statuses))]
			if snapshot.Status == StatusActive {
				snapshot.SDPAnswer = "a"
			}
			return SnapshotEvent{Record: snapshot}
		case 3:
			return AnswerEvent{SDPAnswer: "a"}
		case 4:
			return DeclineEvent{}
		case 5:
			return HangUpEvent{}
		case 6:
			return RingTimeoutEvent{}
		case 7:
			return MediaFailureEvent{Err: errors.New("media")}
		default:
			return ResetEvent{}
		}
	}

	for run := 0; run < 200; run++ {
		state := Idle()
		for step := 0; step < 100; step++ {
			wasTerminal := state.Terminal()
			event := randomEvent()
			next, _ := Apply(state, event)

			switch next.Phase {
			case PhaseIdle, PhaseOutgoingRinging, PhaseIncomingRinging, PhaseActive, PhaseEnded:
			default:
				t.Fatalf("run %d step %d: escaped state set: %v", run, step, next.Phase)
			}
			if wasTerminal && next.Phase != PhaseEnded {
				if _, isReset := event.(ResetEvent); !isReset {
					t.Fatalf("run %d step %d: %T escaped terminal state", run, step, event)
				}
			}
			if next.Phase != PhaseIdle && next.Phase != PhaseEnded && next.Call == nil {
				t.Fatalf("run %d step %d: live phase %s with nil record", run, step, next.Phase)
			}
			state = next
		}
	}
}
