package tools

import "errors"

// ErrorCode identifies why a pipeline stage rejected or failed a call.
// These values appear on the LLM wire and must stay stable.
type ErrorCode string

const (
	CodeToolNotFound      ErrorCode = "tool_not_found"
	CodeInvalidArgs       ErrorCode = "invalid_args"
	CodeSecurityViolation ErrorCode = "security_violation"
	CodeRateLimited       ErrorCode = "rate_limited"
	CodeCircuitOpen       ErrorCode = "circuit_open"
	CodeTimeout           ErrorCode = "timeout"
	CodeExecutorError     ErrorCode = "executor_error"
)

// Registry errors.
var (
	// ErrToolNotFound is returned when a tool is not registered.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolNameEmpty is returned when a tool has no name.
	ErrToolNameEmpty = errors.New("tool name cannot be empty")

	// ErrToolExecuteNil is returned when a tool has no execute function.
	ErrToolExecuteNil = errors.New("tool execute function cannot be nil")

	// ErrToolAlreadyRegistered is returned when registering a duplicate.
	ErrToolAlreadyRegistered = errors.New("tool already registered")

	// ErrRegistryFrozen is returned when registering after startup.
	ErrRegistryFrozen = errors.New("registry is frozen")
)
