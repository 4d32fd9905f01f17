package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"convergio/internal/domain"
	"convergio/internal/infra/config"
	"convergio/internal/infra/logger"
)

// mockProvider scripts Chat/ChatStream behavior per call.
type mockProvider struct {
	name       string
	chatFunc   func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
	streamFunc func(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error)
	calls      int
}

func (m *mockProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	m.calls++
	return m.chatFunc(ctx, req)
}

func (m *mockProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	m.calls++
	if m.streamFunc != nil {
		return m.streamFunc(ctx, req)
	}
	return nil, fmt.Errorf("no stream")
}

func (m *mockProvider) Name() string { return m.name }

// permanentClassifier never retries, so failover behavior is deterministic.
type permanentClassifier struct{}

func (permanentClassifier) Retryable(error) bool { return false }

type retryAllClassifier struct{}

func (retryAllClassifier) Retryable(error) bool { return true }

func testGateway(t *testing.T, classifier Classifier, cfg config.GatewayConfig, providers ...*mockProvider) *Gateway {
	t.Helper()
	reg := &Registry{providers: make(map[string]domain.StreamingLLMProvider)}
	for _, p := range providers {
		reg.providers[p.name] = p
	}
	log := logger.Nop()
	return NewGateway(reg, NewBreakerSet(cfg, log), classifier, NewPricer(nil), cfg, nil, log)
}

func okResponse(model string) *domain.ChatResponse {
	return &domain.ChatResponse{
		ID:      "resp-1",
		Model:   model,
		Message: domain.ChatMessage{Role: domain.RoleAssistant, Content: "answer"},
		Usage:   domain.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}
}

func decision(refs ...string) domain.RoutingDecision {
	d := domain.RoutingDecision{Tier: "full"}
	for _, ref := range refs {
		c, _ := domain.ParseModelRef(ref)
		d.Candidates = append(d.Candidates, c)
	}
	return d
}

func TestGatewayFirstCandidateWins(t *testing.T) {
	p := &mockProvider{name: "anthropic", chatFunc: func(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		return okResponse(req.Model), nil
	}}
	g := testGateway(t, permanentClassifier{}, config.GatewayConfig{MaxAttempts: 3}, p)

	resp, err := g.Call(context.Background(), decision("anthropic/claude-sonnet-4"), domain.ChatRequest{})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Provider != "anthropic" || resp.Model != "claude-sonnet-4" {
		t.Errorf("resp = %s/%s", resp.Provider, resp.Model)
	}
	if resp.Usage.CostUSD <= 0 {
		t.Errorf("CostUSD = %f, want priced from the rate table", resp.Usage.CostUSD)
	}
	if p.calls != 1 {
		t.Errorf("calls = %d, want 1", p.calls)
	}
}

func TestGatewayFailoverOrder(t *testing.T) {
	// First two candidates fail permanently, third succeeds. The response
	// must come from the third, with exactly two recorded failures.
	failing := func(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
		return nil, fmt.Errorf("API error 401: bad key")
	}
	a := &mockProvider{name: "anthropic", chatFunc: failing}
	o := &mockProvider{name: "openai", chatFunc: failing}
	l := &mockProvider{name: "ollama", chatFunc: func(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		return okResponse(req.Model), nil
	}}
	g := testGateway(t, permanentClassifier{}, config.GatewayConfig{MaxAttempts: 3}, a, o, l)

	resp, err := g.Call(context.Background(),
		decision("anthropic/claude-sonnet-4", "openai/gpt-4o", "ollama/llama3.2"),
		domain.ChatRequest{})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Provider != "ollama" {
		t.Errorf("Provider = %q, want ollama", resp.Provider)
	}
	// Permanent errors must not be retried against the same candidate.
	if a.calls != 1 || o.calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", a.calls, o.calls)
	}
}

func TestGatewayExhaustedCarriesCandidateErrors(t *testing.T) {
	failing := func(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
		return nil, fmt.Errorf("API error 401: bad key")
	}
	a := &mockProvider{name: "anthropic", chatFunc: failing}
	o := &mockProvider{name: "openai", chatFunc: failing}
	g := testGateway(t, permanentClassifier{}, config.GatewayConfig{MaxAttempts: 3}, a, o)

	_, err := g.Call(context.Background(),
		decision("anthropic/claude-sonnet-4", "openai/gpt-4o"), domain.ChatRequest{})
	if !errors.Is(err, domain.ErrAllProvidersExhausted) {
		t.Fatalf("err = %v, want ErrAllProvidersExhausted", err)
	}

	var exhausted *domain.ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err type = %T", err)
	}
	if len(exhausted.Candidates) != 2 {
		t.Fatalf("candidate errors = %d, want 2", len(exhausted.Candidates))
	}
	if exhausted.Candidates[0].Candidate.Provider != "anthropic" ||
		exhausted.Candidates[1].Candidate.Provider != "openai" {
		t.Errorf("candidate order = %+v", exhausted.Candidates)
	}
}

func TestGatewayRetriesRetryableErrors(t *testing.T) {
	attempts := 0
	p := &mockProvider{name: "anthropic", chatFunc: func(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		attempts++
		if attempts < 3 {
			return nil, fmt.Errorf("API error 500: transient")
		}
		return okResponse(req.Model), nil
	}}
	g := testGateway(t, retryAllClassifier{}, config.GatewayConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}, p)

	resp, err := g.Call(context.Background(), decision("anthropic/claude-sonnet-4"), domain.ChatRequest{})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp == nil || attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestGatewayCircuitOpensAndSkips(t *testing.T) {
	failing := &mockProvider{name: "anthropic", chatFunc: func(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
		return nil, fmt.Errorf("API error 503: down")
	}}
	healthy := &mockProvider{name: "ollama", chatFunc: func(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		return okResponse(req.Model), nil
	}}
	cfg := config.GatewayConfig{
		MaxAttempts:        1,
		BreakerMaxFailures: 3,
		BreakerCooldown:    time.Minute,
	}
	g := testGateway(t, permanentClassifier{}, cfg, failing, healthy)

	dec := decision("anthropic/claude-sonnet-4", "ollama/llama3.2")
	for i := 0; i < 5; i++ {
		if _, err := g.Call(context.Background(), dec, domain.ChatRequest{}); err != nil {
			t.Fatalf("Call %d: %v", i, err)
		}
	}

	// Three failures trip the breaker; later calls skip the dead provider.
	if failing.calls != 3 {
		t.Errorf("failing provider calls = %d, want 3", failing.calls)
	}
	if healthy.calls != 5 {
		t.Errorf("healthy provider calls = %d, want 5", healthy.calls)
	}

	health := g.Health()
	var anthropicHealth *domain.ProviderHealth
	for i := range health {
		if health[i].Provider == "anthropic" {
			anthropicHealth = &health[i]
		}
	}
	if anthropicHealth == nil || anthropicHealth.State != domain.CircuitOpen {
		t.Errorf("anthropic health = %+v, want open circuit", anthropicHealth)
	}
}

func TestGatewayUnknownProvider(t *testing.T) {
	g := testGateway(t, permanentClassifier{}, config.GatewayConfig{MaxAttempts: 1})

	_, err := g.Call(context.Background(), decision("ghost/model-x"), domain.ChatRequest{})
	if !errors.Is(err, domain.ErrAllProvidersExhausted) {
		t.Fatalf("err = %v", err)
	}
	var exhausted *domain.ExhaustedError
	if errors.As(err, &exhausted) {
		if !errors.Is(exhausted.Candidates[0].Err, domain.ErrProviderNotFound) {
			t.Errorf("candidate err = %v, want ErrProviderNotFound", exhausted.Candidates[0].Err)
		}
	}
}

func TestGatewayEmptyDecision(t *testing.T) {
	g := testGateway(t, permanentClassifier{}, config.GatewayConfig{MaxAttempts: 1})
	if _, err := g.Call(context.Background(), domain.RoutingDecision{}, domain.ChatRequest{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestGatewayStreamFailover(t *testing.T) {
	bad := &mockProvider{name: "anthropic", streamFunc: func(_ context.Context, _ domain.ChatRequest) (<-chan domain.StreamDelta, error) {
		return nil, fmt.Errorf("API error 500: down")
	}}
	good := &mockProvider{name: "ollama", streamFunc: func(_ context.Context, _ domain.ChatRequest) (<-chan domain.StreamDelta, error) {
		ch := make(chan domain.StreamDelta, 2)
		ch <- domain.StreamDelta{Content: "hi"}
		ch <- domain.StreamDelta{Done: true}
		close(ch)
		return ch, nil
	}}
	g := testGateway(t, permanentClassifier{}, config.GatewayConfig{MaxAttempts: 1}, bad, good)

	ch, err := g.Stream(context.Background(),
		decision("anthropic/claude-sonnet-4", "ollama/llama3.2"), domain.ChatRequest{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	first := <-ch
	if first.Content != "hi" {
		t.Errorf("first delta = %+v", first)
	}
}

func TestPricerCost(t *testing.T) {
	p := NewPricer(nil)

	usage := domain.Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000}
	if got := p.Cost("claude-sonnet-4", usage); got != 18.00 {
		t.Errorf("Cost = %f, want 18.00", got)
	}
	// Dated snapshots price by prefix.
	if got := p.Cost("claude-sonnet-4-20250514", usage); got != 18.00 {
		t.Errorf("snapshot Cost = %f, want 18.00", got)
	}
	// Local models are free.
	if got := p.Cost("llama3.2", usage); got != 0 {
		t.Errorf("local Cost = %f, want 0", got)
	}
	// Unknown models cost zero rather than a guess.
	if got := p.Cost("mystery-model", usage); got != 0 {
		t.Errorf("unknown Cost = %f, want 0", got)
	}
}

func TestPricerEstimateUsageFallback(t *testing.T) {
	p := NewPricer(nil)
	req := domain.ChatRequest{Messages: []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "summarize the quarterly report"},
	}}
	usage := p.EstimateUsage(req, "the report shows steady growth")
	if usage.PromptTokens <= 0 || usage.CompletionTokens <= 0 {
		t.Errorf("usage = %+v, want positive estimates", usage)
	}
	if usage.TotalTokens != usage.PromptTokens+usage.CompletionTokens {
		t.Errorf("TotalTokens = %d, inconsistent", usage.TotalTokens)
	}
}
