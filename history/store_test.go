// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/palaver-im/palaver/calling"
	"github.com/palaver-im/palaver/lib/clock"
)

func openTestStore(t *testing.T, clk clock.Clock) *Store {
	t.Helper()
	store, err := Open(context.Background(), StoreConfig{
		Path:   filepath.Join(t.TempDir(), "calls.db"),
		Clock:  clk,
		Logger: slog.Default(),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func finishedCall(id string, startedAt time.Time, status calling.CallStatus, duration time.Duration) calling.CallRecord {
	record := calling.CallRecord{
		ID:          id,
		CallerID:    "alice",
		RecipientID: "bob",
		Type:        calling.CallTypeAudio,
		Status:      status,
		StartedAt:   startedAt,
	}
	endedAt := startedAt.Add(duration)
	record.EndedAt = &endedAt
	return record
}

func TestRecordAndList(t *testing.T) {
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	store := openTestStore(t, clock.Fake(base))
	ctx := context.Background()

	calls := []calling.CallRecord{
		finishedCall("call-1", base, calling.StatusEnded, 3*time.Minute),
		finishedCall("call-2", base.Add(time.Hour), calling.StatusMissed, 45*time.Second),
		finishedCall("call-3", base.Add(2*time.Hour), calling.StatusDeclined, 5*time.Second),
	}
	for _, record := range calls {
		if err := store.Record(ctx, record); err != nil {
			t.Fatalf("Record(%s): %v", record.ID, err)
		}
	}

	entries, err := store.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("List returned %d entries, want 3", len(entries))
	}
	// Newest first.
	for i, wantID := range []string{"call-3", "call-2", "call-1"} {
		if entries[i].ID != wantID {
			t.Errorf("entry %d = %s, want %s", i, entries[i].ID, wantID)
		}
	}
	if got := entries[2].Duration(); got != 3*time.Minute {
		t.Errorf("ended call duration = %v, want 3m", got)
	}
	if got := entries[1].Duration(); got != 0 {
		t.Errorf("missed call duration = %v, want 0", got)
	}
}

func TestRecordIsIdempotentPerCall(t *testing.T) {
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	store := openTestStore(t, clock.Fake(base))
	ctx := context.Background()

	record := finishedCall("call-1", base, calling.StatusEnded, time.Minute)
	if err := store.Record(ctx, record); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := store.Record(ctx, record); err != nil {
		t.Fatalf("Record again: %v", err)
	}

	entries, err := store.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("List returned %d entries, want 1", len(entries))
	}
}

func TestRecordRejectsLiveCalls(t *testing.T) {
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	store := openTestStore(t, clock.Fake(base))

	live := finishedCall("call-1", base, calling.StatusActive, 0)
	if err := store.Record(context.Background(), live); err == nil {
		t.Error("Record accepted a non-terminal call")
	}
}

func TestPrune(t *testing.T) {
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	clk := clock.Fake(base.Add(30 * 24 * time.Hour))
	store := openTestStore(t, clk)
	ctx := context.Background()

	old := finishedCall("call-old", base, calling.StatusEnded, time.Minute)
	recent := finishedCall("call-recent", clk.Now().Add(-time.Hour), calling.StatusEnded, time.Minute)
	for _, record := range []calling.CallRecord{old, recent} {
		if err := store.Record(ctx, record); err != nil {
			t.Fatalf("Record(%s): %v", record.ID, err)
		}
	}

	pruned, err := store.Prune(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if pruned != 1 {
		t.Errorf("Prune removed %d rows, want 1", pruned)
	}
	entries, err := store.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "call-recent" {
		t.Errorf("entries after prune = %+v", entries)
	}
}
