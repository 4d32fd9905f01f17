package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the domain layer.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrCancelled    = fmt.Errorf("cancelled")

	// Budget / admission errors.
	ErrBudgetExceeded = fmt.Errorf("session budget exceeded")
	ErrAgentBusy      = fmt.Errorf("agent already has an active task")

	// Convergence errors.
	ErrNoContributions = fmt.Errorf("no subtask produced a contribution")

	// Provider / resilience errors.
	ErrProviderNotFound      = fmt.Errorf("llm provider not found")
	ErrAllProvidersExhausted = fmt.Errorf("all provider candidates failed")
	ErrCircuitOpen           = fmt.Errorf("provider circuit open")
	ErrRateLimit             = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid           = fmt.Errorf("authentication failed")
	ErrServerError           = fmt.Errorf("provider server error")

	// Tool boundary errors.
	ErrToolNotAllowed = fmt.Errorf("tool not in agent allowlist")
	ErrToolArgsSchema = fmt.Errorf("tool arguments failed schema validation")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Registry.Get")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error. Returns nil if err is nil,
// enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// CandidateError records the failure of one routing candidate during
// gateway failover.
type CandidateError struct {
	Candidate ModelCandidate `json:"candidate"`
	Err       error          `json:"-"`
}

func (e CandidateError) Error() string {
	return fmt.Sprintf("%s: %v", e.Candidate, e.Err)
}

// ExhaustedError is returned when every routing candidate failed. It unwraps
// to ErrAllProvidersExhausted and keeps per-candidate diagnostics.
type ExhaustedError struct {
	Candidates []CandidateError
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, len(e.Candidates))
	for i, c := range e.Candidates {
		parts[i] = c.Error()
	}
	return fmt.Sprintf("%v: [%s]", ErrAllProvidersExhausted, strings.Join(parts, "; "))
}

func (e *ExhaustedError) Unwrap() error { return ErrAllProvidersExhausted }

// ErrorCode is a machine-parseable error category for monitoring.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeDuplicate          ErrorCode = "DUPLICATE"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeCancelled          ErrorCode = "CANCELLED"
	CodeBudgetExceeded     ErrorCode = "BUDGET_EXCEEDED"
	CodeAgentBusy          ErrorCode = "AGENT_BUSY"
	CodeNoContributions    ErrorCode = "NO_CONTRIBUTIONS"
	CodeProviderNotFound   ErrorCode = "PROVIDER_NOT_FOUND"
	CodeProvidersExhausted ErrorCode = "ALL_PROVIDERS_EXHAUSTED"
	CodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	CodeServerError        ErrorCode = "SERVER_ERROR"
	CodeToolNotAllowed     ErrorCode = "TOOL_NOT_ALLOWED"
	CodeToolArgsSchema     ErrorCode = "TOOL_ARGS_SCHEMA"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:              CodeNotFound,
	ErrDuplicate:             CodeDuplicate,
	ErrTimeout:               CodeTimeout,
	ErrInvalidInput:          CodeInvalidInput,
	ErrCancelled:             CodeCancelled,
	ErrBudgetExceeded:        CodeBudgetExceeded,
	ErrAgentBusy:             CodeAgentBusy,
	ErrNoContributions:       CodeNoContributions,
	ErrProviderNotFound:      CodeProviderNotFound,
	ErrAllProvidersExhausted: CodeProvidersExhausted,
	ErrCircuitOpen:           CodeCircuitOpen,
	ErrRateLimit:             CodeRateLimit,
	ErrAuthInvalid:           CodeAuthInvalid,
	ErrServerError:           CodeServerError,
	ErrToolNotAllowed:        CodeToolNotAllowed,
	ErrToolArgsSchema:        CodeToolArgsSchema,
}

// ErrorCodeOf returns the machine-parseable code for err, walking the wrap
// chain with errors.Is. Returns CodeUnknown if no sentinel matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}
