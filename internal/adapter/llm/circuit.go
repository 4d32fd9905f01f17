package llm

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"convergio/internal/domain"
	"convergio/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBCooldown    time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerSet maintains one circuit breaker per provider. When a provider
// fails repeatedly its circuit opens and the gateway skips it during
// failover instead of burning retry budget on a dead backend.
type BreakerSet struct {
	mu            sync.Mutex
	breakers      map[string]*gobreaker.CircuitBreaker[*domain.ChatResponse]
	totalFailures map[string]uint32
	cfg           config.GatewayConfig
	logger        *slog.Logger
}

// NewBreakerSet creates an empty set; breakers are created lazily per
// provider on first use.
func NewBreakerSet(cfg config.GatewayConfig, logger *slog.Logger) *BreakerSet {
	return &BreakerSet{
		breakers:      make(map[string]*gobreaker.CircuitBreaker[*domain.ChatResponse]),
		totalFailures: make(map[string]uint32),
		cfg:           cfg,
		logger:        logger,
	}
}

// For returns the breaker guarding the named provider.
func (s *BreakerSet) For(provider string) *gobreaker.CircuitBreaker[*domain.ChatResponse] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[provider]; ok {
		return cb
	}

	maxFailures := s.cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	cooldown := s.cfg.BreakerCooldown
	if cooldown == 0 {
		cooldown = defaultCBCooldown
	}
	interval := s.cfg.BreakerInterval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*domain.ChatResponse](gobreaker.Settings{
		Name:        "llm:" + provider,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
	s.breakers[provider] = cb
	return cb
}

// RecordFailure bumps the lifetime failure counter used in health snapshots.
func (s *BreakerSet) RecordFailure(provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalFailures[provider]++
}

// Health returns a snapshot of every breaker created so far, sorted by
// provider name.
func (s *BreakerSet) Health() []domain.ProviderHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.ProviderHealth, 0, len(s.breakers))
	for provider, cb := range s.breakers {
		out = append(out, domain.ProviderHealth{
			Provider:            provider,
			State:               circuitStateOf(cb.State()),
			ConsecutiveFailures: cb.Counts().ConsecutiveFailures,
			TotalFailures:       s.totalFailures[provider],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

func circuitStateOf(st gobreaker.State) domain.CircuitState {
	switch st {
	case gobreaker.StateOpen:
		return domain.CircuitOpen
	case gobreaker.StateHalfOpen:
		return domain.CircuitHalfOpen
	default:
		return domain.CircuitClosed
	}
}
