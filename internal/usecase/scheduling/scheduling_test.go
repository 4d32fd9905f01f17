package scheduling

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"convergio/internal/domain"
	"convergio/internal/infra/config"
	"convergio/internal/infra/logger"
	"convergio/internal/usecase"
	"convergio/internal/usecase/msgbus"
	"convergio/internal/usecase/pool"
)

type recordingStore struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (r *recordingStore) AppendEvent(_ context.Context, event domain.SessionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingStore) LoadRecentEvents(context.Context, string, int) ([]domain.SessionEvent, error) {
	return nil, errors.New("not implemented")
}

func (r *recordingStore) countByType(typ domain.SessionEventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
	}{
		{"*/5 * * * *", false},
		{"@hourly", false},
		{"30m", false},
		{"50ms", false},
		{"", true},
		{"not a schedule", true},
		{"-1m", true},
	}
	for _, tc := range cases {
		_, err := parseSchedule(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("parseSchedule(%q) err = %v, wantErr = %v", tc.in, err, tc.wantErr)
		}
	}
}

func TestSchedulerRunsJobUntilStopped(t *testing.T) {
	s := NewScheduler(pool.New(1, 1), logger.Nop())
	var runs atomic.Int32
	s.RegisterAction("tick", func(context.Context) error {
		runs.Add(1)
		return nil
	})
	if err := s.AddJob(Job{Name: "ticker", Schedule: "20ms", Action: "tick"}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	s.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 2 })
	s.Stop()

	after := runs.Load()
	time.Sleep(60 * time.Millisecond)
	if runs.Load() != after {
		t.Errorf("job ran after Stop: %d -> %d", after, runs.Load())
	}
}

func TestSchedulerRejectsUnknownAction(t *testing.T) {
	s := NewScheduler(pool.New(1, 1), logger.Nop())
	if err := s.AddJob(Job{Name: "ghost", Schedule: "30m", Action: "nope"}); err == nil {
		t.Error("AddJob accepted an unregistered action")
	}
}

func TestBookkeepingSnapshotsLedger(t *testing.T) {
	log := logger.Nop()
	tracker := usecase.NewCostTracker(config.BudgetConfig{
		LimitUSD: 10, FullThreshold: 0.75, BalancedThreshold: 0.25, EconomyThreshold: 0.03,
	}, log)
	if err := tracker.RecordSpend("researcher", 0.40, false); err != nil {
		t.Fatalf("RecordSpend: %v", err)
	}
	bus := msgbus.New(10, log)
	t.Cleanup(bus.Close)
	store := &recordingStore{}

	s := NewScheduler(pool.New(1, 1), log)
	cfg := config.SchedulerConfig{LedgerSnapshot: "20ms", HistoryCompact: "20ms"}
	if err := Bookkeeping(s, cfg, tracker, bus, store, "session-1", time.Hour); err != nil {
		t.Fatalf("Bookkeeping: %v", err)
	}

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return store.countByType(domain.EventLedgerSnapshot) >= 1
	})
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, e := range store.events {
		if e.SessionID != "session-1" {
			t.Errorf("event session = %q", e.SessionID)
		}
	}
}

func TestBookkeepingCompactsHistory(t *testing.T) {
	log := logger.Nop()
	tracker := usecase.NewCostTracker(config.BudgetConfig{LimitUSD: 10,
		FullThreshold: 0.75, BalancedThreshold: 0.25, EconomyThreshold: 0.03}, log)
	bus := msgbus.New(10, log)
	t.Cleanup(bus.Close)
	bus.Publish(domain.BusMessage{From: "a", TaskID: "old-task", Kind: domain.KindStatusUpdate})

	s := NewScheduler(pool.New(1, 1), log)
	cfg := config.SchedulerConfig{LedgerSnapshot: "1h", HistoryCompact: "20ms"}
	// Zero-age retention: anything published before the next compaction run
	// is eligible.
	if err := Bookkeeping(s, cfg, tracker, bus, &recordingStore{}, "session-1", time.Nanosecond); err != nil {
		t.Fatalf("Bookkeeping: %v", err)
	}

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return len(bus.History("old-task")) == 0
	})
}
