// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestMarshalDeterministic(t *testing.T) {
	value := map[string]any{
		"zebra": 1,
		"alpha": "x",
		"mid":   []any{"a", "b"},
	}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("same value encoded to different bytes:\n%x\n%x", first, second)
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	type wide struct {
		A string `cbor:"a"`
		B int    `cbor:"b"`
	}
	type narrow struct {
		A string `cbor:"a"`
	}

	data, err := Marshal(wide{A: "keep", B: 7})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out narrow
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal with extra field: %v", err)
	}
	if out.A != "keep" {
		t.Errorf("A = %q, want %q", out.A, "keep")
	}
}

func TestUnmarshalAnyMapType(t *testing.T) {
	data, err := Marshal(map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out any
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", out)
	}
	if m["k"] != "v" {
		t.Errorf(`m["k"] = %v, want "v"`, m["k"])
	}
}
