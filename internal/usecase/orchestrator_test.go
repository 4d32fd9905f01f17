package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"convergio/internal/domain"
	"convergio/internal/infra/config"
	"convergio/internal/infra/logger"
	"convergio/internal/usecase/msgbus"
	"convergio/internal/usecase/pool"
)

// memStore is an in-memory EventStore for orchestrator tests.
type memStore struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (m *memStore) AppendEvent(_ context.Context, event domain.SessionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memStore) LoadRecentEvents(_ context.Context, sessionID string, limit int) ([]domain.SessionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SessionEvent
	for _, e := range m.events {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memStore) count(typ domain.SessionEventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// scriptedExecutor returns canned tool output and records calls.
type scriptedExecutor struct {
	mu      sync.Mutex
	schemas []domain.ToolSchema
	calls   []domain.ToolCall
	output  string
}

func (s *scriptedExecutor) Execute(_ context.Context, call domain.ToolCall) (*domain.ToolResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	return &domain.ToolResult{ToolCallID: call.ID, Content: s.output}, nil
}

func (s *scriptedExecutor) Schemas() []domain.ToolSchema { return s.schemas }

func coordinatorDef() domain.AgentDefinition {
	return domain.AgentDefinition{
		ID:           "ali",
		DisplayName:  "Ali",
		Tier:         domain.TierCoordinator,
		DefaultModel: "anthropic/claude-opus-4",
		SystemPrompt: "You are the chief of staff.",
	}
}

func newTestOrchestrator(t *testing.T, gw domain.ProviderGateway, budget config.BudgetConfig, executor domain.ToolExecutor) (*Orchestrator, *memStore, *CostTracker) {
	t.Helper()
	log := logger.Nop()

	reg := NewRegistry(log)
	reg.Register(coordinatorDef())
	for _, id := range []string{"researcher", "writer", "critic"} {
		reg.Register(specialistDef(id))
	}

	tracker := NewCostTracker(budget, log)
	router := NewModelRouter(testRouting(), log)
	bus := msgbus.New(100, log)
	t.Cleanup(bus.Close)
	workers := pool.New(5, 2)
	delegator := NewDelegator(reg, router, gw, tracker, bus, workers,
		config.DelegationConfig{MaxParallel: 5, DefaultDeadline: 5 * time.Second}, log)
	converger := NewConverger(map[string]string{
		"researcher": "Researcher", "writer": "Writer", "critic": "Critic",
	})
	store := &memStore{}

	o := NewOrchestrator("session-1", "ali", reg, testParser(), delegator, converger,
		tracker, router, gw, store, bus, executor, log)
	return o, store, tracker
}

func TestHandleDirectAnswer(t *testing.T) {
	gw := echoGateway()
	o, store, tracker := newTestOrchestrator(t, gw, testBudget(10), nil)

	result, err := o.Handle(context.Background(), "what time is it in Tokyo")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Status != StatusAnswered || !result.Complete {
		t.Errorf("result = %+v, want answered and complete", result)
	}
	if result.Text != "done: what time is it in Tokyo" {
		t.Errorf("Text = %q", result.Text)
	}
	if gw.calls != 1 {
		t.Errorf("gateway calls = %d, want 1", gw.calls)
	}
	if result.CostUSD != 0.01 || tracker.Spent() != 0.01 {
		t.Errorf("cost = %.4f, spent = %.4f", result.CostUSD, tracker.Spent())
	}
	if result.RequestID == "" || result.Duration < 0 {
		t.Errorf("metadata missing: %+v", result)
	}

	for _, typ := range []domain.SessionEventType{
		domain.EventRequestReceived, domain.EventSpendRecorded, domain.EventAnswerReturned,
	} {
		if store.count(typ) != 1 {
			t.Errorf("event %s count = %d, want 1", typ, store.count(typ))
		}
	}
}

func TestHandleDelegatedAnswer(t *testing.T) {
	gw := echoGateway()
	o, store, _ := newTestOrchestrator(t, gw, testBudget(10), nil)

	result, err := o.Handle(context.Background(), "@researcher @writer cover the launch")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Status != StatusAnswered || !result.Complete {
		t.Errorf("result = %+v, want answered and complete", result)
	}
	if !strings.Contains(result.Text, "## Researcher's Analysis") ||
		!strings.Contains(result.Text, "## Writer's Analysis") {
		t.Errorf("converged text missing sections:\n%s", result.Text)
	}
	if result.CostUSD != 0.02 {
		t.Errorf("CostUSD = %.4f, want 0.02", result.CostUSD)
	}
	if store.count(domain.EventTaskDelegated) != 1 || store.count(domain.EventTaskConverged) != 1 {
		t.Errorf("delegation events = %d/%d, want 1/1",
			store.count(domain.EventTaskDelegated), store.count(domain.EventTaskConverged))
	}
}

func TestHandlePartialDelegationDisclosesGaps(t *testing.T) {
	gw := &fakeGateway{respond: func(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		prompt := req.Messages[len(req.Messages)-1].Content
		if strings.Contains(prompt, "research") {
			return nil, fmt.Errorf("API error 500: upstream blew up")
		}
		return &domain.ChatResponse{
			Message: domain.ChatMessage{Role: domain.RoleAssistant, Content: "draft ready"},
			Usage:   domain.Usage{CostUSD: 0.01},
		}, nil
	}}
	o, _, _ := newTestOrchestrator(t, gw, testBudget(10), nil)

	result, err := o.Handle(context.Background(), "research the market and write a draft")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Status != StatusAnswered {
		t.Errorf("Status = %s", result.Status)
	}
	if result.Complete {
		t.Error("Complete = true with a failed contribution")
	}
	if len(result.Missing) != 1 || result.Missing[0].AgentID != "researcher" {
		t.Errorf("Missing = %+v", result.Missing)
	}
	if !strings.Contains(result.Text, "## Incomplete") {
		t.Errorf("gaps not disclosed:\n%s", result.Text)
	}
}

func TestHandleAllSubtasksFailed(t *testing.T) {
	gw := &fakeGateway{respond: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
		return nil, fmt.Errorf("API error 401: key revoked")
	}}
	o, _, _ := newTestOrchestrator(t, gw, testBudget(10), nil)

	result, err := o.Handle(context.Background(), "@researcher @writer cover the launch")
	if !errors.Is(err, domain.ErrNoContributions) {
		t.Errorf("err = %v, want ErrNoContributions", err)
	}
	if result.Status != StatusFailed {
		t.Errorf("Status = %s, want failed", result.Status)
	}
}

func TestHandlePausedGateAndResume(t *testing.T) {
	gw := echoGateway()
	o, store, tracker := newTestOrchestrator(t, gw, testBudget(1), nil)
	if err := tracker.RecordSpend("ali", 1.00, false); err != nil {
		t.Fatalf("RecordSpend: %v", err)
	}

	result, err := o.Handle(context.Background(), "anything at all")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Status != StatusPaused {
		t.Errorf("Status = %s, want paused", result.Status)
	}
	if !strings.Contains(result.Text, "Session paused") {
		t.Errorf("Text = %q", result.Text)
	}
	if gw.calls != 0 {
		t.Errorf("gateway called %d times while paused", gw.calls)
	}
	if store.count(domain.EventSessionPaused) != 1 {
		t.Errorf("paused events = %d, want 1", store.count(domain.EventSessionPaused))
	}

	// The pause survives repeat requests and is logged once.
	if result, _ := o.Handle(context.Background(), "still there?"); result.Status != StatusPaused {
		t.Errorf("repeat Status = %s, want paused", result.Status)
	}
	if store.count(domain.EventSessionPaused) != 1 {
		t.Errorf("paused events after repeat = %d, want 1", store.count(domain.EventSessionPaused))
	}

	// Only the explicit confirmation clears the gate.
	snap := o.Resume(5)
	if snap.LimitUSD != 5 || snap.Tier == TierPaused {
		t.Errorf("snapshot after resume = %+v", snap)
	}
	result, err = o.Handle(context.Background(), "back to work")
	if err != nil || result.Status != StatusAnswered {
		t.Errorf("after resume: result = %+v, err = %v", result, err)
	}
}

func TestHandlePausesAfterExhaustingSpend(t *testing.T) {
	gw := &fakeGateway{respond: func(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		return &domain.ChatResponse{
			Message: domain.ChatMessage{Role: domain.RoleAssistant, Content: "expensive answer"},
			Usage:   domain.Usage{CostUSD: 0.99},
		}, nil
	}}
	o, store, _ := newTestOrchestrator(t, gw, testBudget(1), nil)

	// The answer that exhausts the budget is still returned; the pause
	// applies from the next request on.
	result, err := o.Handle(context.Background(), "burn it all")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Status != StatusAnswered || result.Tier != TierPaused {
		t.Errorf("result = %+v, want answered at paused tier", result)
	}
	if store.count(domain.EventSessionPaused) != 1 {
		t.Errorf("paused events = %d, want 1", store.count(domain.EventSessionPaused))
	}

	next, _ := o.Handle(context.Background(), "one more")
	if next.Status != StatusPaused {
		t.Errorf("next Status = %s, want paused", next.Status)
	}
	if gw.calls != 1 {
		t.Errorf("gateway calls = %d, want 1", gw.calls)
	}
}

func TestHandleCancelledContext(t *testing.T) {
	gw := &fakeGateway{respond: func(ctx context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	o, _, _ := newTestOrchestrator(t, gw, testBudget(10), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	result, err := o.Handle(ctx, "what time is it in Tokyo")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Status != StatusCancelled {
		t.Errorf("Status = %s, want cancelled", result.Status)
	}
}

func TestHandleToolRound(t *testing.T) {
	var calls int
	gw := &fakeGateway{respond: func(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		calls++
		if calls == 1 {
			return &domain.ChatResponse{
				Message: domain.ChatMessage{
					Role: domain.RoleAssistant,
					ToolCalls: []domain.ToolCall{{
						ID:        "call-1",
						Name:      "web_search",
						Arguments: json.RawMessage(`{"query": "launch dates"}`),
					}},
				},
				Usage: domain.Usage{CostUSD: 0.01},
			}, nil
		}
		// The tool result must be in the transcript for the final turn.
		last := req.Messages[len(req.Messages)-1]
		if last.Role != domain.RoleTool || last.ToolCallID != "call-1" {
			return nil, fmt.Errorf("transcript missing tool result: %+v", last)
		}
		return &domain.ChatResponse{
			Message: domain.ChatMessage{Role: domain.RoleAssistant, Content: "launches on Friday (" + last.Content + ")"},
			Usage:   domain.Usage{CostUSD: 0.01},
		}, nil
	}}
	executor := &scriptedExecutor{
		schemas: []domain.ToolSchema{searchSchema()},
		output:  "three results",
	}

	o, _, tracker := newTestOrchestrator(t, gw, testBudget(10), executor)
	// The coordinator needs the tool on its allowlist.
	def := coordinatorDef()
	def.AllowedTools = []string{"web_search"}
	o.registry.Register(def)

	result, err := o.Handle(context.Background(), "when is the launch")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(result.Text, "launches on Friday") || !strings.Contains(result.Text, "three results") {
		t.Errorf("Text = %q", result.Text)
	}
	if len(executor.calls) != 1 || executor.calls[0].Name != "web_search" {
		t.Errorf("executor calls = %+v", executor.calls)
	}
	if calls != 2 {
		t.Errorf("gateway calls = %d, want 2", calls)
	}
	if result.CostUSD != 0.02 || tracker.Spent() != 0.02 {
		t.Errorf("cost = %.4f, spent = %.4f", result.CostUSD, tracker.Spent())
	}
}

func TestHandleToolRoundRejectsBadArguments(t *testing.T) {
	var calls int
	gw := &fakeGateway{respond: func(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		calls++
		if calls == 1 {
			return &domain.ChatResponse{
				Message: domain.ChatMessage{
					Role: domain.RoleAssistant,
					ToolCalls: []domain.ToolCall{{
						ID:        "call-1",
						Name:      "web_search",
						Arguments: json.RawMessage(`{"limit": 5}`), // required query missing
					}},
				},
			}, nil
		}
		last := req.Messages[len(req.Messages)-1]
		return &domain.ChatResponse{
			Message: domain.ChatMessage{Role: domain.RoleAssistant, Content: "cannot search: " + last.Content},
		}, nil
	}}
	executor := &scriptedExecutor{schemas: []domain.ToolSchema{searchSchema()}, output: "unused"}

	o, _, _ := newTestOrchestrator(t, gw, testBudget(10), executor)
	def := coordinatorDef()
	def.AllowedTools = []string{"web_search"}
	o.registry.Register(def)

	result, err := o.Handle(context.Background(), "when is the launch")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(executor.calls) != 0 {
		t.Errorf("executor ran on invalid arguments: %+v", executor.calls)
	}
	if !strings.Contains(result.Text, "tool call rejected") {
		t.Errorf("Text = %q, rejection not surfaced to the model", result.Text)
	}
}

func TestStatusSnapshot(t *testing.T) {
	gw := echoGateway()
	o, _, tracker := newTestOrchestrator(t, gw, testBudget(10), nil)
	if err := tracker.RecordSpend("researcher", 0.50, false); err != nil {
		t.Fatalf("RecordSpend: %v", err)
	}

	status := o.Status()
	if status.Paused {
		t.Error("Paused = true")
	}
	if status.Ledger.SpentUSD != 0.50 {
		t.Errorf("SpentUSD = %.4f", status.Ledger.SpentUSD)
	}
	if len(status.Agents) != 4 {
		t.Errorf("agents = %d, want 4", len(status.Agents))
	}
}
