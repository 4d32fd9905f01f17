package usecase

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"convergio/internal/domain"
	"convergio/internal/infra/config"
)

// BudgetTier is the spending posture derived from the remaining budget.
type BudgetTier string

const (
	// TierFull allows routing to the most capable models.
	TierFull BudgetTier = "full"
	// TierBalanced prefers mid-range models.
	TierBalanced BudgetTier = "balanced"
	// TierEconomy restricts routing to the cheapest models.
	TierEconomy BudgetTier = "economy"
	// TierPaused blocks all new paid work until Reset or an override.
	TierPaused BudgetTier = "paused"
)

// LedgerEntry is a single recorded spend.
type LedgerEntry struct {
	AgentID    string    `json:"agent_id"`
	AmountUSD  float64   `json:"amount_usd"`
	RecordedAt time.Time `json:"recorded_at"`
	Override   bool      `json:"override,omitempty"`
}

// LedgerSnapshot is a point-in-time view of the session ledger.
type LedgerSnapshot struct {
	LimitUSD     float64            `json:"limit_usd"`
	SpentUSD     float64            `json:"spent_usd"`
	RemainingUSD float64            `json:"remaining_usd"`
	Tier         BudgetTier         `json:"tier"`
	ByAgent      map[string]float64 `json:"by_agent"`
	Entries      int                `json:"entries"`
}

// CostTracker keeps a monotonic spend ledger against a session budget and
// maps the remaining fraction to a budget tier. Spend is cumulative for the
// session; only Reset starts a new period.
type CostTracker struct {
	mu      sync.Mutex
	cfg     config.BudgetConfig
	spent   float64
	byAgent map[string]float64
	entries []LedgerEntry
	logger  *slog.Logger
	clock   func() time.Time
}

// NewCostTracker creates a tracker for one budget period.
func NewCostTracker(cfg config.BudgetConfig, logger *slog.Logger) *CostTracker {
	return &CostTracker{
		cfg:     cfg,
		byAgent: make(map[string]float64),
		logger:  logger,
		clock:   time.Now,
	}
}

// RecordSpend appends an entry to the ledger. Incurred cost is always
// recorded, even past the limit, so the ledger never understates spend.
// The call is refused only when the session was already paused before this
// entry and override is false; callers that have already spent the money
// (a completed provider call) pass override=true.
func (t *CostTracker) RecordSpend(agentID string, amountUSD float64, override bool) error {
	if amountUSD < 0 {
		return domain.NewDomainError("CostTracker.RecordSpend", domain.ErrInvalidInput,
			fmt.Sprintf("negative amount %.6f", amountUSD))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.tierLocked() == TierPaused && !override {
		return domain.NewDomainError("CostTracker.RecordSpend", domain.ErrBudgetExceeded,
			fmt.Sprintf("spent %.4f of %.4f", t.spent, t.cfg.LimitUSD))
	}

	t.spent += amountUSD
	t.byAgent[agentID] += amountUSD
	t.entries = append(t.entries, LedgerEntry{
		AgentID:    agentID,
		AmountUSD:  amountUSD,
		RecordedAt: t.clock(),
		Override:   override,
	})

	tier := t.tierLocked()
	t.logger.Debug("spend recorded",
		"agent_id", agentID,
		"amount_usd", amountUSD,
		"spent_usd", t.spent,
		"tier", string(tier))
	if tier == TierPaused {
		t.logger.Warn("session budget exhausted, pausing paid work",
			"spent_usd", t.spent, "limit_usd", t.cfg.LimitUSD)
	}
	return nil
}

// Tier returns the current budget tier from the remaining fraction.
func (t *CostTracker) Tier() BudgetTier {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tierLocked()
}

func (t *CostTracker) tierLocked() BudgetTier {
	if t.cfg.LimitUSD <= 0 {
		return TierFull
	}
	// Strictly above a threshold keeps the richer tier; the boundary itself
	// belongs to the cheaper one.
	remaining := (t.cfg.LimitUSD - t.spent) / t.cfg.LimitUSD
	switch {
	case remaining > t.cfg.FullThreshold:
		return TierFull
	case remaining > t.cfg.BalancedThreshold:
		return TierBalanced
	case remaining > t.cfg.EconomyThreshold:
		return TierEconomy
	default:
		return TierPaused
	}
}

// Spent returns the cumulative session spend.
func (t *CostTracker) Spent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spent
}

// Remaining returns the budget left, which can be negative after overrides.
func (t *CostTracker) Remaining() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg.LimitUSD - t.spent
}

// Snapshot returns a copy of the ledger totals.
func (t *CostTracker) Snapshot() LedgerSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	byAgent := make(map[string]float64, len(t.byAgent))
	for id, v := range t.byAgent {
		byAgent[id] = v
	}
	return LedgerSnapshot{
		LimitUSD:     t.cfg.LimitUSD,
		SpentUSD:     t.spent,
		RemainingUSD: t.cfg.LimitUSD - t.spent,
		Tier:         t.tierLocked(),
		ByAgent:      byAgent,
		Entries:      len(t.entries),
	}
}

// TopSpenders returns up to n agent ids ordered by spend, highest first.
func (t *CostTracker) TopSpenders(n int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.byAgent))
	for id := range t.byAgent {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if t.byAgent[ids[i]] != t.byAgent[ids[j]] {
			return t.byAgent[ids[i]] > t.byAgent[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if n < len(ids) {
		ids = ids[:n]
	}
	return ids
}

// Raise lifts the session limit to limitUSD, keeping the ledger. Used when
// the user confirms continuing past a pause; a limit at or below the current
// one is ignored.
func (t *CostTracker) Raise(limitUSD float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limitUSD <= t.cfg.LimitUSD {
		return
	}
	t.cfg.LimitUSD = limitUSD
	t.logger.Info("budget limit raised",
		"limit_usd", limitUSD, "tier", string(t.tierLocked()))
}

// Reset clears the ledger and starts a new budget period.
func (t *CostTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spent = 0
	t.byAgent = make(map[string]float64)
	t.entries = nil
	t.logger.Info("budget period reset", "limit_usd", t.cfg.LimitUSD)
}
