// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the repository-standard CBOR encoding.
//
// Everything persisted to or published through the signaling store
// goes through [Marshal] and [Unmarshal] so that encoding options are
// configured in exactly one place. Encoding is deterministic; decoding
// tolerates unknown fields for forward compatibility.
package codec
