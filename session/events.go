// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"

	"github.com/palaver-im/palaver/calling"
)

var (
	// ErrBusy reports a call start while another call is in progress.
	ErrBusy = errors.New("session: another call is in progress")

	// ErrNotRinging reports an answer or decline with no ringing call.
	ErrNotRinging = errors.New("session: no ringing call")

	// ErrNoCall reports a call control with no call in progress.
	ErrNoCall = errors.New("session: no call in progress")

	// ErrControllerClosed reports an operation after Close.
	ErrControllerClosed = errors.New("session: controller closed")
)

// Snapshot is the controller's externally visible state at one point
// in time. The UI renders snapshots; it never reaches into the
// controller.
type Snapshot struct {
	Phase  calling.Phase
	Reason calling.EndReason

	// Call is a copy of the current record, nil when idle.
	Call *calling.CallRecord

	// Muted and VideoEnabled reflect the local track controls.
	Muted        bool
	VideoEnabled bool
}

// InCall reports whether a call is ringing or active.
func (s Snapshot) InCall() bool {
	return s.Phase != calling.PhaseIdle && s.Phase != calling.PhaseEnded
}
