package llm

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"convergio/internal/domain"
	"convergio/internal/infra/config"
	"convergio/internal/infra/tracer"
)

// Default retry settings.
const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 10 * time.Second
)

// Classifier decides whether a failed call is worth repeating against the
// same candidate. Defined here so the adapter layer does not depend on the
// usecase package; the composition root passes the classifier in.
type Classifier interface {
	Retryable(err error) bool
}

// Gateway is the resilient provider call surface. One Call walks the routing
// decision's candidates in order: per-provider rate limiting, bounded retry
// with exponential backoff on retryable errors, circuit breaking per
// provider, and failover to the next candidate. It implements
// domain.ProviderGateway.
type Gateway struct {
	registry   *Registry
	breakers   *BreakerSet
	classifier Classifier
	pricer     *Pricer
	cfg        config.GatewayConfig
	logger     *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rpm      map[string]int
}

var _ domain.ProviderGateway = (*Gateway)(nil)

// NewGateway assembles the gateway. providerCfgs supplies per-provider RPM
// limits; a zero RPM means unlimited.
func NewGateway(registry *Registry, breakers *BreakerSet, classifier Classifier, pricer *Pricer,
	cfg config.GatewayConfig, providerCfgs []config.ProviderConfig, logger *slog.Logger) *Gateway {

	rpm := make(map[string]int, len(providerCfgs))
	for _, pc := range providerCfgs {
		rpm[pc.Name] = pc.RPM
	}
	return &Gateway{
		registry:   registry,
		breakers:   breakers,
		classifier: classifier,
		pricer:     pricer,
		cfg:        cfg,
		logger:     logger,
		limiters:   make(map[string]*rate.Limiter),
		rpm:        rpm,
	}
}

// Call implements domain.ProviderGateway.
func (g *Gateway) Call(ctx context.Context, decision domain.RoutingDecision, req domain.ChatRequest) (*domain.ChatResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "gateway.call",
		trace.WithAttributes(
			tracer.IntAttr("gateway.candidates", len(decision.Candidates)),
			tracer.StringAttr("gateway.tier", decision.Tier),
		),
	)
	defer span.End()

	if len(decision.Candidates) == 0 {
		err := domain.NewDomainError("Gateway.Call", domain.ErrInvalidInput, "empty candidate list")
		tracer.RecordError(span, err)
		return nil, err
	}

	var failures []domain.CandidateError
	for _, candidate := range decision.Candidates {
		resp, err := g.callCandidate(ctx, candidate, req)
		if err == nil {
			span.SetAttributes(tracer.StringAttr("gateway.winner", candidate.String()))
			tracer.SetOK(span)
			return resp, nil
		}
		failures = append(failures, domain.CandidateError{Candidate: candidate, Err: err})
		if ctx.Err() != nil {
			break
		}
		g.logger.Warn("candidate failed, trying next",
			"candidate", candidate.String(), "error", err)
	}

	exhausted := &domain.ExhaustedError{Candidates: failures}
	tracer.RecordError(span, exhausted)
	return nil, exhausted
}

// callCandidate runs the bounded retry loop for one candidate. The circuit
// breaker wraps every attempt; an open circuit fails the candidate
// immediately so failover moves on.
func (g *Gateway) callCandidate(ctx context.Context, candidate domain.ModelCandidate, req domain.ChatRequest) (*domain.ChatResponse, error) {
	provider, err := g.registry.Get(candidate.Provider)
	if err != nil {
		return nil, err
	}

	breaker := g.breakers.For(candidate.Provider)
	req.Model = candidate.Model

	maxAttempts := g.cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = defaultMaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := g.waitLimiter(ctx, candidate.Provider); err != nil {
			return nil, err
		}

		resp, err := breaker.Execute(func() (*domain.ChatResponse, error) {
			return provider.Chat(ctx, req)
		})
		if err == nil {
			g.finishResponse(candidate, req, resp)
			return resp, nil
		}
		g.breakers.RecordFailure(candidate.Provider)
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.NewDomainError("Gateway", domain.ErrCircuitOpen, candidate.Provider)
		}
		if !g.classifier.Retryable(err) {
			return nil, err
		}
		if attempt == maxAttempts-1 {
			break
		}

		delay := g.retryBackoff(attempt)
		g.logger.Debug("retrying candidate",
			"candidate", candidate.String(), "attempt", attempt+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, domain.WrapOp("Gateway", ctx.Err())
		}
	}
	return nil, lastErr
}

// Stream implements domain.ProviderGateway. Stream initiation gets one
// attempt per candidate; mid-stream errors surface on the delta channel and
// never trip the breaker.
func (g *Gateway) Stream(ctx context.Context, decision domain.RoutingDecision, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	if len(decision.Candidates) == 0 {
		return nil, domain.NewDomainError("Gateway.Stream", domain.ErrInvalidInput, "empty candidate list")
	}

	var failures []domain.CandidateError
	for _, candidate := range decision.Candidates {
		ch, err := g.streamCandidate(ctx, candidate, req)
		if err == nil {
			return ch, nil
		}
		failures = append(failures, domain.CandidateError{Candidate: candidate, Err: err})
		if ctx.Err() != nil {
			break
		}
		g.logger.Warn("stream candidate failed, trying next",
			"candidate", candidate.String(), "error", err)
	}
	return nil, &domain.ExhaustedError{Candidates: failures}
}

func (g *Gateway) streamCandidate(ctx context.Context, candidate domain.ModelCandidate, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	provider, err := g.registry.Get(candidate.Provider)
	if err != nil {
		return nil, err
	}
	if err := g.waitLimiter(ctx, candidate.Provider); err != nil {
		return nil, err
	}

	breaker := g.breakers.For(candidate.Provider)
	req.Model = candidate.Model
	req.Stream = true

	var ch <-chan domain.StreamDelta
	_, err = breaker.Execute(func() (*domain.ChatResponse, error) {
		var streamErr error
		ch, streamErr = provider.ChatStream(ctx, req)
		return nil, streamErr
	})
	if err != nil {
		g.breakers.RecordFailure(candidate.Provider)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.NewDomainError("Gateway", domain.ErrCircuitOpen, candidate.Provider)
		}
		return nil, err
	}
	return ch, nil
}

// Health implements domain.ProviderGateway.
func (g *Gateway) Health() []domain.ProviderHealth {
	return g.breakers.Health()
}

// finishResponse stamps the winning candidate and fills in cost. Backends
// that report no token usage get an estimate so the ledger never records a
// silent zero for a priced model.
func (g *Gateway) finishResponse(candidate domain.ModelCandidate, req domain.ChatRequest, resp *domain.ChatResponse) {
	resp.Provider = candidate.Provider
	if resp.Model == "" {
		resp.Model = candidate.Model
	}
	if resp.Usage.TotalTokens == 0 {
		resp.Usage = g.pricer.EstimateUsage(req, resp.Message.Content)
	}
	if resp.Usage.CostUSD == 0 {
		resp.Usage.CostUSD = g.pricer.Cost(resp.Model, resp.Usage)
	}
}

func (g *Gateway) waitLimiter(ctx context.Context, provider string) error {
	g.mu.Lock()
	limiter, ok := g.limiters[provider]
	if !ok {
		if rpm := g.rpm[provider]; rpm > 0 {
			limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
		}
		g.limiters[provider] = limiter
	}
	g.mu.Unlock()

	if limiter == nil {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return domain.WrapOp("Gateway.rate", err)
	}
	return nil
}

// retryBackoff computes exponential backoff with jitter.
func (g *Gateway) retryBackoff(attempt int) time.Duration {
	base := g.cfg.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	max := g.cfg.MaxDelay
	if max <= 0 {
		max = defaultMaxDelay
	}
	delay := base * time.Duration(1<<uint(attempt))
	if delay > max {
		delay = max
	}
	// Add 0-25% jitter.
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}
