package domain

import "time"

// AgentTier classifies an agent's role in the orchestration hierarchy.
type AgentTier string

const (
	TierCoordinator AgentTier = "coordinator"
	TierSpecialist  AgentTier = "specialist"
	TierAssistant   AgentTier = "assistant"
)

// Valid reports whether t is a known tier.
func (t AgentTier) Valid() bool {
	switch t {
	case TierCoordinator, TierSpecialist, TierAssistant:
		return true
	}
	return false
}

// AgentStatus is the runtime activity state of an agent.
type AgentStatus string

const (
	AgentIdle          AgentStatus = "idle"
	AgentThinking      AgentStatus = "thinking"
	AgentExecuting     AgentStatus = "executing"
	AgentWaiting       AgentStatus = "waiting"
	AgentCommunicating AgentStatus = "communicating"
)

// AgentDefinition describes a worker agent. Definitions are loaded once at
// startup and never mutated afterwards; runtime state lives in
// AgentRuntimeState.
type AgentDefinition struct {
	ID            string    `yaml:"id"             json:"id"`
	DisplayName   string    `yaml:"display_name"   json:"display_name"`
	Tier          AgentTier `yaml:"tier"           json:"tier"`
	DefaultModel  string    `yaml:"default_model"  json:"default_model"`
	FallbackModel string    `yaml:"fallback_model" json:"fallback_model,omitempty"`
	SystemPrompt  string    `yaml:"system_prompt"  json:"system_prompt"`
	AllowedTools  []string  `yaml:"allowed_tools"  json:"allowed_tools,omitempty"`
}

// AllowsTool reports whether the agent may use the named tool.
// An empty allowlist means no tools.
func (d AgentDefinition) AllowsTool(name string) bool {
	for _, t := range d.AllowedTools {
		if t == name {
			return true
		}
	}
	return false
}

// AgentRuntimeState is a snapshot of one agent's mutable runtime state.
// The registry owns the authoritative copy; reads get value copies.
type AgentRuntimeState struct {
	AgentID       string      `json:"agent_id"`
	Status        AgentStatus `json:"status"`
	CurrentTaskID string      `json:"current_task_id,omitempty"`
	LastActiveAt  time.Time   `json:"last_active_at"`
}

// DefinitionLoader loads agent definitions from some source (file, static
// table, remote config). Implementations validate at load time so lookups
// never re-validate.
type DefinitionLoader interface {
	Load() ([]AgentDefinition, error)
}
