// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package session drives the local call lifecycle. The Controller
// serializes user actions, store snapshots, timer fires, and media
// failures onto one event loop, runs them through the calling state
// machine, and executes the resulting effects against the signaling
// channel and the media adapter. The Watcher feeds it incoming calls.
package session
