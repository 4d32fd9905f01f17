package domain

import (
	"context"
	"encoding/json"
)

// ToolSchema describes a tool for the LLM function-calling protocol.
// Parameters is a JSON Schema document.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is an LLM's request to invoke a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of executing a tool.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// ToolExecutor is the external tool-execution collaborator. The orchestration
// core validates arguments against the schema and forwards calls; sandboxing
// is the executor's concern.
type ToolExecutor interface {
	Execute(ctx context.Context, call ToolCall) (*ToolResult, error)
	Schemas() []ToolSchema
}
