// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package history keeps the local call log in SQLite: who called,
// when, how it ended. It stores metadata only.
package history
