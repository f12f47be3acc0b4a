// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package signaling moves call records and ICE candidates between the
// two clients of a call through a shared store.
//
// The Channel interface has two implementations: RedisChannel for
// production and MemoryChannel for tests and single-process use. Both
// enforce the same rules: record writes are conditional on the status
// predecessor graph, ICE candidates are append-only with per-sender
// ordering and duplicate suppression, and subscriptions deliver full
// record snapshots at least once.
package signaling
