// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/palaver-im/palaver/calling"
	"github.com/palaver-im/palaver/lib/clock"
	"github.com/palaver-im/palaver/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS calls (
	id           TEXT PRIMARY KEY,
	caller_id    TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	type         TEXT NOT NULL,
	status       TEXT NOT NULL,
	started_at   INTEGER NOT NULL,
	ended_at     INTEGER
);
CREATE INDEX IF NOT EXISTS calls_started_at ON calls (started_at DESC);
`

// Store is the local call log. It records finished calls only; SDP
// and ICE material never touches disk.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// StoreConfig holds the parameters for opening a call log.
type StoreConfig struct {
	// Path is the SQLite database file. The parent directory must
	// exist.
	Path string

	// PoolSize is the connection pool size, default 4.
	PoolSize int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Open opens the database and applies the schema.
func Open(ctx context.Context, cfg StoreConfig) (*Store, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("call log: %w", err)
	}

	conn, err := pool.Take(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("call log: %w", err)
	}
	defer pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		pool.Close()
		return nil, fmt.Errorf("call log: applying schema: %w", err)
	}

	return &Store{pool: pool, clock: cfg.Clock, logger: cfg.Logger}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Record upserts one finished call. Recording the same call twice
// keeps the latest status, so redelivered teardown is harmless.
func (s *Store) Record(ctx context.Context, record calling.CallRecord) error {
	if !record.Status.Terminal() {
		return fmt.Errorf("call log: recording call %s with non-terminal status %s",
			record.ID, record.Status)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("call log: %w", err)
	}
	defer s.pool.Put(conn)

	var endedAt any
	if record.EndedAt != nil {
		endedAt = record.EndedAt.UnixMilli()
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO calls (id, caller_id, recipient_id, type, status, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status, ended_at = excluded.ended_at`,
		&sqlitex.ExecOptions{
			Args: []any{
				record.ID,
				record.CallerID,
				record.RecipientID,
				string(record.Type),
				string(record.Status),
				record.StartedAt.UnixMilli(),
				endedAt,
			},
		})
	if err != nil {
		return fmt.Errorf("call log: recording call %s: %w", record.ID, err)
	}
	return nil
}

// Entry is one call log row. SDP fields are absent: the log keeps
// call metadata, not session contents.
type Entry struct {
	ID          string
	CallerID    string
	RecipientID string
	Type        calling.CallType
	Status      calling.CallStatus
	StartedAt   time.Time
	EndedAt     *time.Time
}

// Duration is the active duration, zero for calls that never
// connected.
func (e Entry) Duration() time.Duration {
	if e.EndedAt == nil || e.Status != calling.StatusEnded {
		return 0
	}
	return e.EndedAt.Sub(e.StartedAt)
}

// List returns the most recent calls, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("call log: %w", err)
	}
	defer s.pool.Put(conn)

	var entries []Entry
	err = sqlitex.Execute(conn, `
		SELECT id, caller_id, recipient_id, type, status, started_at, ended_at
		FROM calls ORDER BY started_at DESC, id LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entry := Entry{
					ID:          stmt.ColumnText(0),
					CallerID:    stmt.ColumnText(1),
					RecipientID: stmt.ColumnText(2),
					Type:        calling.CallType(stmt.ColumnText(3)),
					Status:      calling.CallStatus(stmt.ColumnText(4)),
					StartedAt:   time.UnixMilli(stmt.ColumnInt64(5)).UTC(),
				}
				if stmt.ColumnType(6) != sqlite.TypeNull {
					endedAt := time.UnixMilli(stmt.ColumnInt64(6)).UTC()
					entry.EndedAt = &endedAt
				}
				entries = append(entries, entry)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("call log: listing calls: %w", err)
	}
	return entries, nil
}

// Prune deletes calls that started more than retention ago and
// returns how many rows went away.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("call log: %w", err)
	}
	defer s.pool.Put(conn)

	cutoff := s.clock.Now().Add(-retention).UnixMilli()
	err = sqlitex.Execute(conn, `DELETE FROM calls WHERE started_at < ?`,
		&sqlitex.ExecOptions{Args: []any{cutoff}})
	if err != nil {
		return 0, fmt.Errorf("call log: pruning: %w", err)
	}
	return conn.Changes(), nil
}
