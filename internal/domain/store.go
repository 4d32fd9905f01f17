package domain

import (
	"context"
	"encoding/json"
	"time"
)

// SessionEventType identifies the kind of event appended to the session log.
type SessionEventType string

const (
	EventRequestReceived SessionEventType = "request.received"
	EventAnswerReturned  SessionEventType = "answer.returned"
	EventSpendRecorded   SessionEventType = "spend.recorded"
	EventLedgerSnapshot  SessionEventType = "ledger.snapshot"
	EventTaskDelegated   SessionEventType = "task.delegated"
	EventTaskConverged   SessionEventType = "task.converged"
	EventSessionPaused   SessionEventType = "session.paused"
)

// SessionEvent is one row of the append-only session log.
type SessionEvent struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	Type      SessionEventType `json:"type"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// EventStore is the persistence collaborator: an append-only log per session.
type EventStore interface {
	AppendEvent(ctx context.Context, event SessionEvent) error
	// LoadRecentEvents returns up to limit events for the session, oldest
	// first.
	LoadRecentEvents(ctx context.Context, sessionID string, limit int) ([]SessionEvent, error)
}
