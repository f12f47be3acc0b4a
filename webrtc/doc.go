// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package webrtc wraps pion peer connections behind the small Adapter
// surface the session layer drives: SDP offer/answer, trickle ICE in
// both directions, and track-level mute, video, and camera controls.
package webrtc
