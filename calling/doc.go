// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package calling defines the shared call data model and the pure
// call state machine.
//
// [CallRecord] is the document two clients share through the signaling
// store: the caller writes it with the SDP offer, the callee fills in
// the answer, and either party (or a ring timer) advances the status
// along the predecessor graph exposed by [CanTransition]. ICE
// candidates live in an append-only log next to the record.
//
// [Apply] is the state machine: a pure, total function from (state,
// event) to (state, effects). It performs no I/O — the session
// controller executes the returned effects — so every transition,
// including glare resolution and at-least-once snapshot redelivery,
// is unit-testable without fakes.
//
// When both users call each other at once (glare), [GlareWinner]
// picks the surviving attempt deterministically from the two records
// alone: the lexicographically smaller CallerID wins. Both clients
// compute the same winner with no extra coordination.
package calling
