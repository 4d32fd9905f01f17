package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"convergio/internal/domain"
	"convergio/internal/infra/config"
	"convergio/internal/infra/tracer"
	"convergio/internal/usecase/msgbus"
	"convergio/internal/usecase/pool"
)

// SubtaskSpec describes one unit of work to fan out.
type SubtaskSpec struct {
	AgentID string
	Prompt  string
}

// Delegator fans a request out to specialist agents concurrently, joins the
// results against a deadline, and returns the completed task. Every subtask
// reaches a terminal state before Delegate returns; results arriving after
// the deadline are dropped.
type Delegator struct {
	registry *Registry
	router   *ModelRouter
	gateway  domain.ProviderGateway
	tracker  *CostTracker
	bus      *msgbus.Bus
	pool     *pool.Pool
	cfg      config.DelegationConfig
	logger   *slog.Logger
	clock    func() time.Time
}

// NewDelegator wires the fan-out pipeline.
func NewDelegator(registry *Registry, router *ModelRouter, gateway domain.ProviderGateway,
	tracker *CostTracker, bus *msgbus.Bus, workers *pool.Pool,
	cfg config.DelegationConfig, logger *slog.Logger) *Delegator {
	return &Delegator{
		registry: registry,
		router:   router,
		gateway:  gateway,
		tracker:  tracker,
		bus:      bus,
		pool:     workers,
		cfg:      cfg,
		logger:   logger,
		clock:    time.Now,
	}
}

// runningTask guards the mutable task state during the fan-out. Each subtask
// transitions to a terminal state exactly once; the finalizer and late
// workers race on that transition and the loser's write is dropped.
type runningTask struct {
	mu       sync.Mutex
	task     *domain.DelegationTask
	finished chan struct{} // closed when every subtask is terminal
	pending  int
}

// complete transitions subtask i to a terminal state. It returns false when
// the subtask already reached one, in which case the caller's result is
// discarded.
func (r *runningTask) complete(i int, status domain.SubtaskStatus, result, errMsg string, cost float64, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := &r.task.Subtasks[i]
	if st.Status.Terminal() {
		return false
	}
	st.Status = status
	st.Result = result
	st.Error = errMsg
	st.CostUSD = cost
	st.CompletedAt = now

	r.pending--
	if r.pending == 0 {
		close(r.finished)
	}
	return true
}

// Delegate runs one fan-out/join cycle. The budget gate is admission-only:
// a session that pauses mid-flight keeps its running subtasks, but their
// costs are still recorded.
func (d *Delegator) Delegate(ctx context.Context, originRequestID string, specs []SubtaskSpec) (*domain.DelegationTask, error) {
	ctx, span := tracer.StartSpan(ctx, "delegator.delegate",
		trace.WithAttributes(tracer.IntAttr("delegation.subtasks", len(specs))),
	)
	defer span.End()

	if len(specs) == 0 {
		err := domain.NewDomainError("Delegator.Delegate", domain.ErrInvalidInput, "no subtasks")
		tracer.RecordError(span, err)
		return nil, err
	}
	if tier := d.tracker.Tier(); tier == TierPaused {
		err := domain.NewDomainError("Delegator.Delegate", domain.ErrBudgetExceeded,
			"session paused, delegation refused")
		tracer.RecordError(span, err)
		return nil, err
	}

	deadline := d.cfg.DefaultDeadline
	if deadline <= 0 {
		deadline = 120 * time.Second
	}

	task := &domain.DelegationTask{
		ID:              ulid.Make().String(),
		OriginRequestID: originRequestID,
		Deadline:        d.clock().Add(deadline),
		Status:          domain.TaskRunning,
	}
	for _, spec := range specs {
		task.Subtasks = append(task.Subtasks, domain.Subtask{
			ID:      ulid.Make().String(),
			AgentID: spec.AgentID,
			Prompt:  spec.Prompt,
			Status:  domain.SubtaskQueued,
		})
	}
	span.SetAttributes(tracer.StringAttr("delegation.task_id", task.ID))

	running := &runningTask{
		task:     task,
		finished: make(chan struct{}),
		pending:  len(task.Subtasks),
	}

	taskCtx, cancel := context.WithDeadline(ctx, task.Deadline)
	defer cancel()

	for i := range task.Subtasks {
		d.dispatch(taskCtx, running, i)
	}

	// Join: either every subtask reached a terminal state, or the deadline
	// hit and the finalizer times out whatever is left.
	select {
	case <-running.finished:
	case <-taskCtx.Done():
		d.finalize(running)
	}
	cancel()

	running.mu.Lock()
	defer running.mu.Unlock()
	task.Status = taskOutcome(task)
	d.logger.Info("delegation joined",
		"task_id", task.ID,
		"status", string(task.Status),
		"subtasks", len(task.Subtasks))
	tracer.SetOK(span)
	return task, nil
}

// dispatch queues one subtask on the worker pool. Dispatch failures (busy
// agent, unknown agent, exhausted pool) fail the subtask immediately rather
// than blocking the join.
func (d *Delegator) dispatch(ctx context.Context, running *runningTask, i int) {
	sub := running.task.Subtasks[i]

	def, err := d.registry.Get(sub.AgentID)
	if err != nil {
		d.failSubtask(running, i, err)
		return
	}
	if err := d.registry.Claim(sub.AgentID, running.task.ID); err != nil {
		d.failSubtask(running, i, err)
		return
	}

	running.mu.Lock()
	running.task.Subtasks[i].Status = domain.SubtaskRunning
	running.mu.Unlock()
	d.publishRequest(sub, running.task.ID)
	d.publishStatus(sub.AgentID, running.task.ID, domain.AgentThinking)

	err = d.pool.Go(ctx, pool.ClassInteractive, func() {
		defer d.release(sub.AgentID)
		d.runSubtask(ctx, running, i, def)
	})
	if err != nil {
		d.release(sub.AgentID)
		// A subtask still waiting for a pool slot when the deadline fires
		// is a timeout, not an agent failure.
		if ctx.Err() != nil {
			d.timeoutSubtask(running, i)
			return
		}
		d.failSubtask(running, i, err)
	}
}

// runSubtask executes one agent call and records its outcome.
func (d *Delegator) runSubtask(ctx context.Context, running *runningTask, i int, def domain.AgentDefinition) {
	sub := running.task.Subtasks[i]
	taskID := running.task.ID

	// Tier is read at execution time, not dispatch time, so a budget drop
	// mid-delegation downgrades the models of still-queued subtasks.
	decision, err := d.router.Route(def, d.tracker.Tier())
	if err != nil {
		d.failSubtask(running, i, err)
		return
	}

	_ = d.registry.SetStatus(sub.AgentID, domain.AgentExecuting)
	d.publishStatus(sub.AgentID, taskID, domain.AgentExecuting)

	req := domain.ChatRequest{
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: def.SystemPrompt, Timestamp: d.clock()},
			{Role: domain.RoleUser, Content: sub.Prompt, Timestamp: d.clock()},
		},
	}

	resp, err := d.gateway.Call(ctx, decision, req)
	if err != nil {
		if ctx.Err() != nil {
			d.timeoutSubtask(running, i)
			return
		}
		d.failSubtask(running, i, err)
		return
	}

	// Incurred cost is recorded unconditionally; the ledger must not
	// understate spend even if the session paused while we were running.
	cost := resp.Usage.CostUSD
	if recErr := d.tracker.RecordSpend(sub.AgentID, cost, true); recErr != nil {
		d.logger.Error("spend not recorded", "agent_id", sub.AgentID, "error", recErr)
	}

	if !running.complete(i, domain.SubtaskSucceeded, resp.Message.Content, "", cost, d.clock()) {
		d.logger.Debug("late result dropped", "task_id", taskID, "subtask_id", sub.ID)
		return
	}
	d.publishResult(domain.KindPartialResult, sub, taskID, resp.Message.Content, "", cost)
}

func (d *Delegator) failSubtask(running *runningTask, i int, err error) {
	sub := running.task.Subtasks[i]
	if !running.complete(i, domain.SubtaskFailed, "", err.Error(), 0, d.clock()) {
		return
	}
	d.logger.Warn("subtask failed",
		"task_id", running.task.ID, "subtask_id", sub.ID,
		"agent_id", sub.AgentID, "error", err)
	d.publishResult(domain.KindError, sub, running.task.ID, "", err.Error(), 0)
}

// timeoutSubtask marks subtask i timed out so convergence attributes the gap
// to the deadline rather than to the agent.
func (d *Delegator) timeoutSubtask(running *runningTask, i int) {
	sub := running.task.Subtasks[i]
	if !running.complete(i, domain.SubtaskTimedOut, "", "deadline exceeded", 0, d.clock()) {
		return
	}
	d.logger.Warn("subtask timed out",
		"task_id", running.task.ID, "subtask_id", sub.ID, "agent_id", sub.AgentID)
	d.publishResult(domain.KindError, sub, running.task.ID, "", "deadline exceeded", 0)
}

// finalize marks every non-terminal subtask timed out after the deadline.
func (d *Delegator) finalize(running *runningTask) {
	running.mu.Lock()
	var expired []int
	for i := range running.task.Subtasks {
		if !running.task.Subtasks[i].Status.Terminal() {
			expired = append(expired, i)
		}
	}
	running.mu.Unlock()

	for _, i := range expired {
		d.timeoutSubtask(running, i)
	}
}

func (d *Delegator) release(agentID string) {
	if err := d.registry.Release(agentID); err != nil {
		d.logger.Warn("agent release failed", "agent_id", agentID, "error", err)
	}
}

// publishRequest records the fan-out assignment on the bus before the worker
// starts. The delegator is the sole publisher of request messages, so a
// task's history always opens with its assignments in dispatch order.
func (d *Delegator) publishRequest(sub domain.Subtask, taskID string) {
	payload, err := json.Marshal(domain.RequestPayload{
		SubtaskID: sub.ID,
		AgentID:   sub.AgentID,
		Prompt:    sub.Prompt,
	})
	if err != nil {
		d.logger.Warn("request payload marshal failed", "error", err)
		return
	}
	d.bus.Publish(domain.BusMessage{
		From:    "delegator",
		To:      sub.AgentID,
		TaskID:  taskID,
		Kind:    domain.KindRequest,
		Payload: payload,
	})
}

func (d *Delegator) publishResult(kind domain.MessageKind, sub domain.Subtask, taskID, content, errMsg string, cost float64) {
	payload, err := json.Marshal(domain.ResultPayload{
		SubtaskID: sub.ID,
		AgentID:   sub.AgentID,
		Content:   content,
		Error:     errMsg,
		CostUSD:   cost,
	})
	if err != nil {
		d.logger.Warn("result payload marshal failed", "error", err)
		return
	}
	d.bus.Publish(domain.BusMessage{
		From:    sub.AgentID,
		TaskID:  taskID,
		Kind:    kind,
		Payload: payload,
	})
}

func (d *Delegator) publishStatus(agentID, taskID string, status domain.AgentStatus) {
	payload, err := json.Marshal(domain.StatusPayload{
		AgentID: agentID,
		Status:  status,
		TaskID:  taskID,
	})
	if err != nil {
		return
	}
	d.bus.Publish(domain.BusMessage{
		From:    agentID,
		TaskID:  taskID,
		Kind:    domain.KindStatusUpdate,
		Payload: payload,
	})
}

// taskOutcome derives the task status from its subtasks: converged when at
// least one succeeded, failed when none did.
func taskOutcome(task *domain.DelegationTask) domain.TaskStatus {
	for _, st := range task.Subtasks {
		if st.Status == domain.SubtaskSucceeded {
			return domain.TaskConverged
		}
	}
	return domain.TaskFailed
}

// Describe renders a short human-readable join summary for logs and the
// status surface.
func Describe(task *domain.DelegationTask) string {
	ok, failed, timedOut := 0, 0, 0
	for _, st := range task.Subtasks {
		switch st.Status {
		case domain.SubtaskSucceeded:
			ok++
		case domain.SubtaskFailed:
			failed++
		case domain.SubtaskTimedOut:
			timedOut++
		}
	}
	return fmt.Sprintf("%d succeeded, %d failed, %d timed out", ok, failed, timedOut)
}
