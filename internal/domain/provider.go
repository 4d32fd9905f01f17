package domain

import (
	"context"
	"fmt"
	"strings"
)

// LLMProvider is the uniform interface every LLM backend adapter implements.
type LLMProvider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the provider's identifier (e.g., "openai", "ollama").
	Name() string
}

// StreamDelta is a single incremental chunk from a streaming response.
// The terminating delta has Done set and carries the final usage summary.
type StreamDelta struct {
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Done      bool       `json:"done,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
}

// StreamingLLMProvider extends LLMProvider with streaming support.
type StreamingLLMProvider interface {
	LLMProvider
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error)
}

// ModelCandidate is one (provider, model) pair in a failover chain.
type ModelCandidate struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (c ModelCandidate) String() string {
	return c.Provider + "/" + c.Model
}

// ParseModelRef splits a "provider/model" reference. Model names may
// themselves contain slashes (e.g. ollama tags), so only the first slash
// separates.
func ParseModelRef(ref string) (ModelCandidate, error) {
	provider, model, ok := strings.Cut(ref, "/")
	if !ok || provider == "" || model == "" {
		return ModelCandidate{}, fmt.Errorf("model ref %q: %w (want provider/model)", ref, ErrInvalidInput)
	}
	return ModelCandidate{Provider: provider, Model: model}, nil
}

// RoutingDecision is the ordered failover chain computed for one call.
// Never persisted; recomputed per call so budget changes apply immediately.
type RoutingDecision struct {
	Candidates []ModelCandidate `json:"candidates"`
	Tier       string           `json:"tier"`
}

// CircuitState mirrors the breaker state machine for status reporting.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// ProviderHealth is a read-only snapshot of one provider's breaker.
type ProviderHealth struct {
	Provider            string       `json:"provider"`
	State               CircuitState `json:"state"`
	ConsecutiveFailures uint32       `json:"consecutive_failures"`
	TotalFailures       uint32       `json:"total_failures"`
}

// ProviderGateway is the resilient call surface everything above the adapter
// layer uses: candidate failover, per-provider circuit breaking, and bounded
// retries live behind it.
type ProviderGateway interface {
	// Call tries each candidate in order and returns the first success.
	// On total failure the error unwraps to ErrAllProvidersExhausted and
	// carries per-candidate diagnostics.
	Call(ctx context.Context, decision RoutingDecision, req ChatRequest) (*ChatResponse, error)
	// Stream is the streaming variant of Call.
	Stream(ctx context.Context, decision RoutingDecision, req ChatRequest) (<-chan StreamDelta, error)
	// Health returns a snapshot of every provider's circuit state.
	Health() []ProviderHealth
}
