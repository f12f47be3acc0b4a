// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides a SQLite connection pool with the
// repository-standard pragmas (WAL, NORMAL sync, busy timeout). The
// call-history store builds on it.
package sqlitepool
