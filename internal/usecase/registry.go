package usecase

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"convergio/internal/domain"
)

// Registry holds every agent definition plus its runtime state. Definitions
// are immutable after registration; runtime state mutates only through
// Claim / SetStatus / Release, each serialized per agent so unrelated agents
// proceed fully in parallel.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*registeredAgent
	logger *slog.Logger
	clock  func() time.Time
}

type registeredAgent struct {
	def domain.AgentDefinition

	mu    sync.Mutex
	state domain.AgentRuntimeState
}

// NewRegistry creates an empty agent registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*registeredAgent),
		logger: logger,
		clock:  time.Now,
	}
}

// Register adds or replaces an agent definition. Registration is idempotent
// by id (last write wins) to support hot-reload; re-registering keeps the
// existing runtime state.
func (r *Registry) Register(def domain.AgentDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[def.ID]; ok {
		existing.mu.Lock()
		existing.def = def
		existing.mu.Unlock()
		r.logger.Info("agent definition replaced", "agent_id", def.ID)
		return
	}

	r.agents[def.ID] = &registeredAgent{
		def: def,
		state: domain.AgentRuntimeState{
			AgentID: def.ID,
			Status:  domain.AgentIdle,
		},
	}
	r.logger.Info("agent registered", "agent_id", def.ID, "tier", string(def.Tier))
}

// Get returns the definition for the given id, or ErrNotFound.
func (r *Registry) Get(agentID string) (domain.AgentDefinition, error) {
	a, err := r.lookup(agentID)
	if err != nil {
		return domain.AgentDefinition{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.def, nil
}

// ListByTier returns all definitions of the given tier, sorted by id.
func (r *Registry) ListByTier(tier domain.AgentTier) []domain.AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var defs []domain.AgentDefinition
	for _, a := range r.agents {
		a.mu.Lock()
		if a.def.Tier == tier {
			defs = append(defs, a.def)
		}
		a.mu.Unlock()
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// Claim atomically moves an idle agent to thinking and assigns the task.
// Returns ErrAgentBusy if the agent already has an active task, so two
// concurrent delegations can never double-book one agent.
func (r *Registry) Claim(agentID, taskID string) error {
	a, err := r.lookup(agentID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Status != domain.AgentIdle {
		return domain.NewDomainError("Registry.Claim", domain.ErrAgentBusy, agentID)
	}
	a.state.Status = domain.AgentThinking
	a.state.CurrentTaskID = taskID
	a.state.LastActiveAt = r.clock()
	return nil
}

// SetStatus transitions a claimed agent between active states. The agent
// must hold a task; moving to idle goes through Release instead.
func (r *Registry) SetStatus(agentID string, status domain.AgentStatus) error {
	if status == domain.AgentIdle {
		return r.Release(agentID)
	}

	a, err := r.lookup(agentID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Status == domain.AgentIdle {
		return domain.NewDomainError("Registry.SetStatus", domain.ErrInvalidInput,
			"agent "+agentID+" has no active task")
	}
	a.state.Status = status
	a.state.LastActiveAt = r.clock()
	return nil
}

// Release returns an agent to idle and clears its task.
func (r *Registry) Release(agentID string) error {
	a, err := r.lookup(agentID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.Status = domain.AgentIdle
	a.state.CurrentTaskID = ""
	a.state.LastActiveAt = r.clock()
	return nil
}

// Status returns a copy of one agent's runtime state.
func (r *Registry) Status(agentID string) (domain.AgentRuntimeState, error) {
	a, err := r.lookup(agentID)
	if err != nil {
		return domain.AgentRuntimeState{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, nil
}

// Snapshot returns a copy of every agent's runtime state, sorted by id.
// It never blocks in-flight delegation: per-agent locks are held only for
// the copy.
func (r *Registry) Snapshot() []domain.AgentRuntimeState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make([]domain.AgentRuntimeState, 0, len(r.agents))
	for _, a := range r.agents {
		a.mu.Lock()
		states = append(states, a.state)
		a.mu.Unlock()
	}
	sort.Slice(states, func(i, j int) bool { return states[i].AgentID < states[j].AgentID })
	return states
}

func (r *Registry) lookup(agentID string) (*registeredAgent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return nil, domain.NewDomainError("Registry", domain.ErrNotFound, agentID)
	}
	return a, nil
}
