package domain

import "time"

// TaskStatus is the lifecycle state of a whole delegation.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskConverged TaskStatus = "converged"
	TaskFailed    TaskStatus = "failed"
)

// SubtaskStatus is the lifecycle state of one fan-out unit.
type SubtaskStatus string

const (
	SubtaskQueued    SubtaskStatus = "queued"
	SubtaskRunning   SubtaskStatus = "running"
	SubtaskSucceeded SubtaskStatus = "succeeded"
	SubtaskFailed    SubtaskStatus = "failed"
	SubtaskTimedOut  SubtaskStatus = "timed_out"
)

// Terminal reports whether the subtask can no longer change state.
func (s SubtaskStatus) Terminal() bool {
	switch s {
	case SubtaskSucceeded, SubtaskFailed, SubtaskTimedOut:
		return true
	}
	return false
}

// Subtask is one unit of a delegation, assigned to exactly one agent.
type Subtask struct {
	ID          string        `json:"id"`
	AgentID     string        `json:"agent_id"`
	Prompt      string        `json:"prompt"`
	Status      SubtaskStatus `json:"status"`
	Result      string        `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	CostUSD     float64       `json:"cost_usd,omitempty"`
	CompletedAt time.Time     `json:"completed_at,omitzero"`
}

// DelegationTask records one fan-out/join cycle. It is created by the
// delegator at dispatch time and consumed by the convergence engine; after
// that only the bus history retains its trace.
type DelegationTask struct {
	ID              string     `json:"id"`
	OriginRequestID string     `json:"origin_request_id"`
	Subtasks        []Subtask  `json:"subtasks"`
	Deadline        time.Time  `json:"deadline"`
	Status          TaskStatus `json:"status"`
}

// Contribution is one agent's attributed part of a converged answer.
type Contribution struct {
	AgentID   string `json:"agent_id"`
	SubtaskID string `json:"subtask_id"`
	Content   string `json:"content"`
}

// MissingContribution records a subtask that produced nothing, and why.
type MissingContribution struct {
	AgentID   string        `json:"agent_id"`
	SubtaskID string        `json:"subtask_id"`
	Reason    SubtaskStatus `json:"reason"` // failed or timed_out
	Error     string        `json:"error,omitempty"`
}

// FinalAnswer is the converged output of a delegation. Complete is false
// whenever any contribution is missing; the caller must surface Missing
// rather than presenting a degraded answer as whole.
type FinalAnswer struct {
	Text          string                `json:"text"`
	Contributions []Contribution        `json:"contributions"`
	Missing       []MissingContribution `json:"missing,omitempty"`
	Complete      bool                  `json:"complete"`
}
