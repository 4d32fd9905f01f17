package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"convergio/internal/domain"
)

// SQLiteEventStore implements domain.EventStore over a SQLite database.
// The session log is append-only; rows are never updated.
type SQLiteEventStore struct {
	db *sql.DB
}

var _ domain.EventStore = (*SQLiteEventStore)(nil)

// NewSQLiteEventStore opens (or creates) a SQLite database at dbPath and
// runs the schema migration. Use ":memory:" for an ephemeral store.
func NewSQLiteEventStore(dbPath string) (*SQLiteEventStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open event db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate event db: %w", err)
	}
	return &SQLiteEventStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session_events (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			type       TEXT NOT NULL,
			payload    TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_session_events_session
			ON session_events (session_id, created_at)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteEventStore) Close() error {
	return s.db.Close()
}

// AppendEvent implements domain.EventStore. Missing IDs and timestamps are
// stamped here so callers can pass bare events.
func (s *SQLiteEventStore) AppendEvent(ctx context.Context, event domain.SessionEvent) error {
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	payload := string(event.Payload)
	if payload == "" {
		payload = "{}"
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO session_events (id, session_id, type, payload, created_at) VALUES (?, ?, ?, ?, ?)",
		event.ID, event.SessionID, string(event.Type), payload,
		event.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// LoadRecentEvents implements domain.EventStore: up to limit newest events
// for the session, returned oldest first.
func (s *SQLiteEventStore) LoadRecentEvents(ctx context.Context, sessionID string, limit int) ([]domain.SessionEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, type, payload, created_at
		FROM session_events
		WHERE session_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var events []domain.SessionEvent
	for rows.Next() {
		var ev domain.SessionEvent
		var typ, payload, createdAt string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &typ, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = domain.SessionEventType(typ)
		ev.Payload = []byte(payload)
		ev.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse event time: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	// The query walks newest first to honor the limit; flip to oldest first.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
