package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"convergio/internal/domain"
	"convergio/internal/infra/config"
	"convergio/internal/usecase"
	"convergio/internal/usecase/msgbus"
	"convergio/internal/usecase/pool"
)

// Action identifies a type of scheduled bookkeeping action.
type Action string

const (
	ActionLedgerSnapshot Action = "ledger_snapshot"
	ActionHistoryCompact Action = "history_compact"
)

// Job defines one recurring bookkeeping job.
type Job struct {
	Name     string
	Schedule string // cron expression "*/5 * * * *" OR duration "30m"
	Action   Action
}

// jobTimeout bounds one bookkeeping run so a wedged job cannot hold a
// background pool slot forever.
const jobTimeout = 5 * time.Minute

// Scheduler runs bookkeeping jobs on cron or fixed-interval schedules. Jobs
// execute on the background worker class so they never compete with
// interactive delegation for slots.
type Scheduler struct {
	cron    *cron.Cron
	actions map[Action]func(ctx context.Context) error
	workers *pool.Pool
	logger  *slog.Logger
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler over the shared worker pool.
func NewScheduler(workers *pool.Pool, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		actions: make(map[Action]func(ctx context.Context) error),
		workers: workers,
		logger:  logger,
	}
}

// RegisterAction registers a handler for a scheduled action type.
func (s *Scheduler) RegisterAction(action Action, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action] = fn
}

// AddJob schedules a job. The schedule can be a cron expression or a
// duration string.
func (s *Scheduler) AddJob(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn, ok := s.actions[job.Action]
	if !ok {
		return fmt.Errorf("scheduler: unknown action %q for job %q", job.Action, job.Name)
	}
	schedule, err := parseSchedule(job.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for job %q: %w", job.Schedule, job.Name, err)
	}

	name := job.Name
	logger := s.logger
	s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil {
			logger.Debug("scheduler stopped, skipping job", "job", name)
			return
		}

		jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
		defer cancel()

		if err := s.workers.Acquire(jobCtx, pool.ClassBackground); err != nil {
			logger.Warn("background slot unavailable", "job", name, "error", err)
			return
		}
		defer s.workers.Release(pool.ClassBackground)

		start := time.Now()
		if err := fn(jobCtx); err != nil {
			logger.Warn("bookkeeping job failed",
				"job", name, "error", err, "duration", time.Since(start))
			return
		}
		logger.Debug("bookkeeping job completed",
			"job", name, "duration", time.Since(start))
	}))

	logger.Info("bookkeeping job scheduled", "job", job.Name, "schedule", job.Schedule)
	return nil
}

// Start begins running the scheduler. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
}

// Stop signals the scheduler to stop and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.started = false
	s.ctx = nil
}

// Bookkeeping registers the engine's standard background jobs: periodic
// ledger snapshots into the session event log, and compaction of the bus
// history ring. retention <= 0 keeps a day of history.
func Bookkeeping(s *Scheduler, cfg config.SchedulerConfig, tracker *usecase.CostTracker,
	bus *msgbus.Bus, store domain.EventStore, sessionID string, retention time.Duration) error {
	if retention <= 0 {
		retention = 24 * time.Hour
	}

	s.RegisterAction(ActionLedgerSnapshot, func(ctx context.Context) error {
		snap := tracker.Snapshot()
		payload, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal ledger snapshot: %w", err)
		}
		return store.AppendEvent(ctx, domain.SessionEvent{
			SessionID: sessionID,
			Type:      domain.EventLedgerSnapshot,
			Payload:   payload,
		})
	})
	s.RegisterAction(ActionHistoryCompact, func(context.Context) error {
		removed := bus.Compact(time.Now().Add(-retention))
		if removed > 0 {
			s.logger.Info("bus history compacted", "tasks_removed", removed)
		}
		return nil
	})

	if err := s.AddJob(Job{Name: "ledger-snapshot", Schedule: cfg.LedgerSnapshot, Action: ActionLedgerSnapshot}); err != nil {
		return err
	}
	return s.AddJob(Job{Name: "history-compact", Schedule: cfg.HistoryCompact, Action: ActionHistoryCompact})
}

// parseSchedule tries a standard five-field cron expression first, then
// falls back to time.ParseDuration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}
	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return &constantDelay{delay: dur}, nil
}

// constantDelay implements cron.Schedule for a fixed interval. Unlike
// cron.Every(), it supports sub-second durations, which the tests rely on.
type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
