package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"convergio/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteEventStore {
	t.Helper()
	s, err := NewSQLiteEventStore(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]string{"request": "plan a trip"})
	err := s.AppendEvent(ctx, domain.SessionEvent{
		SessionID: "sess-1",
		Type:      domain.EventRequestReceived,
		Payload:   payload,
	})
	require.NoError(t, err)

	events, err := s.LoadRecentEvents(ctx, "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	got := events[0]
	require.NotEmpty(t, got.ID, "ID not stamped")
	require.Equal(t, domain.EventRequestReceived, got.Type)
	require.JSONEq(t, string(payload), string(got.Payload))
	require.False(t, got.CreatedAt.IsZero(), "CreatedAt not stamped")
}

func TestLoadRecentEventsOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	types := []domain.SessionEventType{
		domain.EventRequestReceived,
		domain.EventTaskDelegated,
		domain.EventTaskConverged,
		domain.EventAnswerReturned,
	}
	for i, typ := range types {
		err := s.AppendEvent(ctx, domain.SessionEvent{
			SessionID: "sess-1",
			Type:      typ,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	events, err := s.LoadRecentEvents(ctx, "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, typ := range types {
		require.Equal(t, typ, events[i].Type, "events[%d]", i)
	}
}

func TestLoadRecentEventsHonorsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		err := s.AppendEvent(ctx, domain.SessionEvent{
			SessionID: "sess-1",
			Type:      domain.EventSpendRecorded,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	// Limit keeps the newest events, returned oldest first.
	events, err := s.LoadRecentEvents(ctx, "sess-1", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.True(t, events[0].CreatedAt.Before(events[1].CreatedAt), "not oldest first")
	require.True(t, events[1].CreatedAt.Equal(base.Add(4*time.Second)), "newest event missing")
}

func TestSessionsAreIsolated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, domain.SessionEvent{SessionID: "a", Type: domain.EventRequestReceived}))
	require.NoError(t, s.AppendEvent(ctx, domain.SessionEvent{SessionID: "b", Type: domain.EventRequestReceived}))

	events, err := s.LoadRecentEvents(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "a", events[0].SessionID)

	none, err := s.LoadRecentEvents(ctx, "ghost", 10)
	require.NoError(t, err)
	require.Empty(t, none)
}
