// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides small helpers shared by tests: channel
// receive/close assertions with timeouts. Production code must not
// import this package.
package testutil
