package domain

import (
	"encoding/json"
	"time"
)

// MessageKind identifies the intent of a bus message.
type MessageKind string

const (
	KindRequest       MessageKind = "request"
	KindPartialResult MessageKind = "partial_result"
	KindFinalResult   MessageKind = "final_result"
	KindError         MessageKind = "error"
	KindStatusUpdate  MessageKind = "status_update"
)

// BusMessage is the envelope exchanged between the orchestrator and worker
// agents. Messages are append-only: created by the sender, owned by the bus
// afterwards.
type BusMessage struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"` // empty = broadcast
	TaskID    string          `json:"task_id"`
	Kind      MessageKind     `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// RequestPayload is the payload of request messages: one fan-out assignment
// addressed to a worker agent.
type RequestPayload struct {
	SubtaskID string `json:"subtask_id"`
	AgentID   string `json:"agent_id"`
	Prompt    string `json:"prompt"`
}

// ResultPayload is the payload of partial_result / final_result messages.
type ResultPayload struct {
	SubtaskID string  `json:"subtask_id"`
	AgentID   string  `json:"agent_id"`
	Content   string  `json:"content,omitempty"`
	Error     string  `json:"error,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
}

// StatusPayload is the payload of status_update messages.
type StatusPayload struct {
	AgentID string      `json:"agent_id"`
	Status  AgentStatus `json:"status"`
	TaskID  string      `json:"task_id,omitempty"`
}
