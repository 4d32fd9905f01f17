package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"convergio/internal/domain"
	"convergio/internal/infra/tracer"
	"convergio/internal/usecase/msgbus"
)

// RequestStatus is the terminal state of one orchestrated request.
type RequestStatus string

const (
	StatusAnswered  RequestStatus = "answered"
	StatusPaused    RequestStatus = "paused"
	StatusCancelled RequestStatus = "cancelled"
	StatusFailed    RequestStatus = "failed"
)

// RequestResult is what the orchestrator hands back to the caller: the text
// plus enough metadata to show cost and degradation honestly.
type RequestResult struct {
	RequestID string                       `json:"request_id"`
	Text      string                       `json:"text"`
	Status    RequestStatus                `json:"status"`
	Complete  bool                         `json:"complete"`
	Missing   []domain.MissingContribution `json:"missing,omitempty"`
	CostUSD   float64                      `json:"cost_usd"`
	Tier      BudgetTier                   `json:"tier"`
	Duration  time.Duration                `json:"duration"`
}

// SessionStatus is the read-only observability snapshot. Building it never
// blocks in-flight delegation.
type SessionStatus struct {
	Paused    bool                      `json:"paused"`
	Ledger    LedgerSnapshot            `json:"ledger"`
	Agents    []domain.AgentRuntimeState `json:"agents"`
	Providers []domain.ProviderHealth   `json:"providers"`
}

// Orchestrator drives one request through classification, direct answer or
// delegation, convergence, and bookkeeping. A budget pause mid-flow trips a
// session-wide gate: new requests get a paused result until Resume confirms
// a higher limit.
type Orchestrator struct {
	sessionID   string
	coordinator string

	registry  *Registry
	parser    IntentParser
	delegator *Delegator
	converger *Converger
	tracker   *CostTracker
	router    *ModelRouter
	gateway   domain.ProviderGateway
	store     domain.EventStore
	bus       *msgbus.Bus
	validator *ToolValidator
	executor  domain.ToolExecutor
	logger    *slog.Logger
	clock     func() time.Time

	mu     sync.Mutex
	paused bool
}

// NewOrchestrator wires the engine's collaborators. executor may be nil; the
// coordinator is then offered no tools.
func NewOrchestrator(sessionID, coordinator string, registry *Registry, parser IntentParser,
	delegator *Delegator, converger *Converger, tracker *CostTracker, router *ModelRouter,
	gateway domain.ProviderGateway, store domain.EventStore, bus *msgbus.Bus,
	executor domain.ToolExecutor, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		sessionID:   sessionID,
		coordinator: coordinator,
		registry:    registry,
		parser:      parser,
		delegator:   delegator,
		converger:   converger,
		tracker:     tracker,
		router:      router,
		gateway:     gateway,
		store:       store,
		bus:         bus,
		executor:    executor,
		logger:      logger,
		clock:       time.Now,
	}
	if executor != nil {
		o.validator = NewToolValidator(executor.Schemas())
	}
	return o
}

// Handle runs one request to completion. It always returns a result; the
// error is non-nil only when no usable answer exists (bad input, every
// provider down, all contributions missing).
func (o *Orchestrator) Handle(ctx context.Context, request string) (*RequestResult, error) {
	ctx, span := tracer.StartSpan(ctx, "orchestrator.handle",
		trace.WithAttributes(tracer.IntAttr("request.chars", len(request))),
	)
	defer span.End()

	started := o.clock()
	result := &RequestResult{
		RequestID: ulid.Make().String(),
		Tier:      o.tracker.Tier(),
	}
	span.SetAttributes(tracer.StringAttr("request.id", result.RequestID))

	if o.isPaused() || result.Tier == TierPaused {
		o.pause(ctx)
		result.Status = StatusPaused
		result.Text = o.pausedNotice()
		result.Duration = o.clock().Sub(started)
		tracer.SetOK(span)
		return result, nil
	}

	o.appendEvent(ctx, domain.EventRequestReceived, map[string]any{
		"request_id": result.RequestID,
		"chars":      len(request),
	})

	err := o.classifyAndRun(ctx, request, result)

	result.Tier = o.tracker.Tier()
	result.Duration = o.clock().Sub(started)
	if result.Tier == TierPaused {
		o.pause(ctx)
	}

	switch {
	case err == nil:
		result.Status = StatusAnswered
		tracer.SetOK(span)
	case errors.Is(err, context.Canceled), errors.Is(err, domain.ErrCancelled):
		result.Status = StatusCancelled
		err = nil
	case errors.Is(err, domain.ErrBudgetExceeded):
		o.pause(ctx)
		result.Status = StatusPaused
		result.Text = o.pausedNotice()
		err = nil
	default:
		result.Status = StatusFailed
		tracer.RecordError(span, err)
	}

	o.appendEvent(ctx, domain.EventAnswerReturned, map[string]any{
		"request_id": result.RequestID,
		"status":     string(result.Status),
		"complete":   result.Complete,
		"cost_usd":   result.CostUSD,
	})
	if result.Status == StatusAnswered {
		o.broadcastAnswer(result)
	}
	return result, err
}

// broadcastAnswer posts the final text on the bus so subscribers (UI, status
// surface) see answers alongside the per-subtask trail.
func (o *Orchestrator) broadcastAnswer(result *RequestResult) {
	payload, err := json.Marshal(domain.ResultPayload{
		AgentID: o.coordinator,
		Content: result.Text,
		CostUSD: result.CostUSD,
	})
	if err != nil {
		return
	}
	o.bus.Publish(domain.BusMessage{
		From:    o.coordinator,
		TaskID:  result.RequestID,
		Kind:    domain.KindFinalResult,
		Payload: payload,
	})
}

// classifyAndRun picks direct-vs-delegate and fills Text, Complete, Missing,
// and CostUSD on the result.
func (o *Orchestrator) classifyAndRun(ctx context.Context, request string, result *RequestResult) error {
	specialists := append(o.registry.ListByTier(domain.TierSpecialist),
		o.registry.ListByTier(domain.TierAssistant)...)
	intent, err := o.parser.Parse(request, specialists)
	if err != nil {
		return err
	}
	if !intent.Delegate {
		return o.answerDirect(ctx, request, result)
	}
	return o.runDelegation(ctx, intent.Subtasks, result)
}

// answerDirect routes the request through the coordinator agent, with at
// most one tool round.
func (o *Orchestrator) answerDirect(ctx context.Context, request string, result *RequestResult) error {
	def, err := o.registry.Get(o.coordinator)
	if err != nil {
		return domain.WrapOp("Orchestrator.answerDirect", err)
	}
	decision, err := o.router.Route(def, o.tracker.Tier())
	if err != nil {
		return err
	}

	req := domain.ChatRequest{
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: def.SystemPrompt, Timestamp: o.clock()},
			{Role: domain.RoleUser, Content: request, Timestamp: o.clock()},
		},
	}
	if o.executor != nil && len(def.AllowedTools) > 0 {
		req.Tools = o.allowedSchemas(def)
	}

	resp, err := o.gateway.Call(ctx, decision, req)
	if err != nil {
		return err
	}
	o.recordSpend(ctx, def.ID, resp.Usage.CostUSD, result)

	if len(resp.Message.ToolCalls) > 0 && o.executor != nil {
		resp, err = o.toolRound(ctx, def, decision, req, resp, result)
		if err != nil {
			return err
		}
	}

	result.Text = resp.Message.Content
	result.Complete = true
	return nil
}

// toolRound validates and executes the model's tool calls, then asks for the
// final answer with the results appended. One round only; a model that keeps
// asking for tools gets its last text back instead.
func (o *Orchestrator) toolRound(ctx context.Context, def domain.AgentDefinition,
	decision domain.RoutingDecision, req domain.ChatRequest, resp *domain.ChatResponse,
	result *RequestResult) (*domain.ChatResponse, error) {

	req.Messages = append(req.Messages, resp.Message)
	for _, call := range resp.Message.ToolCalls {
		content := o.executeTool(ctx, def, call)
		req.Messages = append(req.Messages, domain.ChatMessage{
			Role:       domain.RoleTool,
			Content:    content,
			ToolCallID: call.ID,
			Timestamp:  o.clock(),
		})
	}

	final, err := o.gateway.Call(ctx, decision, req)
	if err != nil {
		return nil, err
	}
	o.recordSpend(ctx, def.ID, final.Usage.CostUSD, result)
	return final, nil
}

// executeTool returns the tool output, or an error description the model can
// read. Validation failures never reach the executor.
func (o *Orchestrator) executeTool(ctx context.Context, def domain.AgentDefinition, call domain.ToolCall) string {
	if err := o.validator.Validate(def, call); err != nil {
		o.logger.Warn("tool call rejected",
			"agent_id", def.ID, "tool", call.Name, "error", err)
		return fmt.Sprintf("tool call rejected: %v", err)
	}
	res, err := o.executor.Execute(ctx, call)
	if err != nil {
		o.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
		return fmt.Sprintf("tool %s failed: %v", call.Name, err)
	}
	return res.Content
}

func (o *Orchestrator) allowedSchemas(def domain.AgentDefinition) []domain.ToolSchema {
	var schemas []domain.ToolSchema
	for _, s := range o.executor.Schemas() {
		if def.AllowsTool(s.Name) {
			schemas = append(schemas, s)
		}
	}
	return schemas
}

// runDelegation fans out, joins, and converges.
func (o *Orchestrator) runDelegation(ctx context.Context, specs []SubtaskSpec, result *RequestResult) error {
	task, err := o.delegator.Delegate(ctx, result.RequestID, specs)
	if err != nil {
		return err
	}
	o.appendEvent(ctx, domain.EventTaskDelegated, map[string]any{
		"request_id": result.RequestID,
		"task_id":    task.ID,
		"subtasks":   len(task.Subtasks),
	})

	for _, st := range task.Subtasks {
		result.CostUSD += st.CostUSD
	}

	answer, err := o.converger.Converge(task)
	if err != nil {
		return err
	}
	o.appendEvent(ctx, domain.EventTaskConverged, map[string]any{
		"request_id": result.RequestID,
		"task_id":    task.ID,
		"complete":   answer.Complete,
		"summary":    Describe(task),
	})

	result.Text = answer.Text
	result.Complete = answer.Complete
	result.Missing = answer.Missing
	return ctx.Err()
}

// recordSpend books a direct-answer cost. Override keeps the ledger honest
// even when this very spend pauses the session.
func (o *Orchestrator) recordSpend(ctx context.Context, agentID string, cost float64, result *RequestResult) {
	if cost <= 0 {
		return
	}
	result.CostUSD += cost
	if err := o.tracker.RecordSpend(agentID, cost, true); err != nil {
		o.logger.Error("spend not recorded", "agent_id", agentID, "error", err)
		return
	}
	o.appendEvent(ctx, domain.EventSpendRecorded, map[string]any{
		"agent_id": agentID,
		"cost_usd": cost,
	})
}

// Status returns the observability snapshot.
func (o *Orchestrator) Status() SessionStatus {
	return SessionStatus{
		Paused:    o.isPaused(),
		Ledger:    o.tracker.Snapshot(),
		Agents:    o.registry.Snapshot(),
		Providers: o.gateway.Health(),
	}
}

// Resume confirms continuing past a budget pause with a raised limit. It is
// the explicit human gate: nothing else clears the pause.
func (o *Orchestrator) Resume(newLimitUSD float64) LedgerSnapshot {
	o.tracker.Raise(newLimitUSD)
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()
	o.logger.Info("session resumed", "limit_usd", newLimitUSD)
	return o.tracker.Snapshot()
}

func (o *Orchestrator) isPaused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

// pause trips the session gate once; repeat calls are no-ops.
func (o *Orchestrator) pause(ctx context.Context) {
	o.mu.Lock()
	already := o.paused
	o.paused = true
	o.mu.Unlock()
	if already {
		return
	}
	o.logger.Warn("session paused", "spent_usd", o.tracker.Spent())
	o.appendEvent(ctx, domain.EventSessionPaused, map[string]any{
		"spent_usd": o.tracker.Spent(),
		"limit_usd": o.tracker.Snapshot().LimitUSD,
	})
}

func (o *Orchestrator) pausedNotice() string {
	snap := o.tracker.Snapshot()
	return fmt.Sprintf("Session paused: $%.2f of $%.2f spent. Confirm a higher limit to continue.",
		snap.SpentUSD, snap.LimitUSD)
}

// appendEvent writes to the session log; log failures are reported, never
// fatal to the request.
func (o *Orchestrator) appendEvent(ctx context.Context, typ domain.SessionEventType, payload map[string]any) {
	if o.store == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		o.logger.Warn("event payload marshal failed", "type", string(typ), "error", err)
		return
	}
	event := domain.SessionEvent{
		SessionID: o.sessionID,
		Type:      typ,
		Payload:   raw,
	}
	if err := o.store.AppendEvent(ctx, event); err != nil {
		o.logger.Warn("event append failed", "type", string(typ), "error", err)
	}
}
