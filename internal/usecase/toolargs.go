package usecase

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"convergio/internal/domain"
)

// ToolValidator checks tool calls at the orchestration boundary before they
// reach an executor: the calling agent must have the tool on its allowlist,
// and the arguments must satisfy the tool's JSON Schema. Compiled schemas
// are cached per tool name.
type ToolValidator struct {
	mu       sync.Mutex
	schemas  map[string]domain.ToolSchema
	compiled map[string]*jsonschema.Schema
}

// NewToolValidator creates a validator over the executor's published schemas.
func NewToolValidator(schemas []domain.ToolSchema) *ToolValidator {
	byName := make(map[string]domain.ToolSchema, len(schemas))
	for _, s := range schemas {
		byName[s.Name] = s
	}
	return &ToolValidator{
		schemas:  byName,
		compiled: make(map[string]*jsonschema.Schema, len(schemas)),
	}
}

// Validate rejects a tool call the agent may not make or whose arguments do
// not match the tool's schema. A tool with no parameter schema accepts any
// arguments.
func (v *ToolValidator) Validate(def domain.AgentDefinition, call domain.ToolCall) error {
	const op = "ToolValidator.Validate"
	if call.Name == "" {
		return domain.NewDomainError(op, domain.ErrInvalidInput, "tool call without a name")
	}
	if !def.AllowsTool(call.Name) {
		return domain.NewDomainError(op, domain.ErrToolNotAllowed,
			fmt.Sprintf("agent %s may not call %s", def.ID, call.Name))
	}

	schema, ok := v.schemas[call.Name]
	if !ok {
		return domain.NewDomainError(op, domain.ErrNotFound,
			fmt.Sprintf("no schema published for tool %s", call.Name))
	}
	if len(schema.Parameters) == 0 {
		return nil
	}

	compiled, err := v.compile(call.Name, schema.Parameters)
	if err != nil {
		return domain.WrapOp(op, err)
	}

	var args any
	raw := call.Arguments
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return domain.NewDomainError(op, domain.ErrToolArgsSchema,
			fmt.Sprintf("arguments are not valid JSON: %v", err))
	}
	if result := compiled.Validate(args); !result.IsValid() {
		return domain.NewDomainError(op, domain.ErrToolArgsSchema, result.Error())
	}
	return nil
}

func (v *ToolValidator) compile(name string, params json.RawMessage) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.compiled[name]; ok {
		return s, nil
	}
	compiler := jsonschema.NewCompiler()
	s, err := compiler.Compile([]byte(params))
	if err != nil {
		return nil, fmt.Errorf("invalid schema for tool %s: %w", name, err)
	}
	v.compiled[name] = s
	return s, nil
}
