// Package tools provides the tool invocation pipeline: a registry of named
// tools plus the validation, rate limiting, circuit breaking, and metering
// stages every call passes through before its executor runs.
package tools

import (
	"context"
	"encoding/json"
)

// Category classifies tools for selection and reporting.
type Category string

const (
	CategorySearch  Category = "search"  // Code and memory search
	CategoryFile    Category = "file"    // Filesystem access
	CategoryRepo    Category = "repo"    // Repository workflow
	CategoryBrowser Category = "browser" // Browser automation
	CategoryGeneral Category = "general" // Usable anywhere
)

// Property describes a single parameter for the declarative schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	// Format marks semantic argument kinds the security stage inspects:
	// "path" for repo-relative file paths, "url" for endpoints.
	Format  string `json:"format,omitempty"`
	Default any    `json:"default,omitempty"`
	Enum    []any  `json:"enum,omitempty"`
}

// Schema defines the expected arguments of a tool.
type Schema struct {
	Required   []string            `json:"required"`
	Properties map[string]Property `json:"properties"`
}

// ExecuteFunc is the signature for tool execution.
type ExecuteFunc func(ctx context.Context, args map[string]any) (string, error)

// Tool defines a named tool the pipeline can dispatch to.
type Tool struct {
	Name        string
	Description string
	Category    Category
	Execute     ExecuteFunc
	Schema      Schema

	// Priority orders tools when several match (default 50).
	Priority int

	// Timeout overrides the pipeline default for this tool when positive.
	Timeout string
}

// Validate checks if the tool definition is valid.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Execute == nil {
		return ErrToolExecuteNil
	}
	return nil
}

// Call is one tool invocation request from the dispatcher.
type Call struct {
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args"`
	TraceID  string         `json:"trace_id"`
}

// ResultError is the structured error inside a failed Result.
type ResultError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Result is the uniform shape every pipeline invocation returns; the
// dispatcher surfaces it to the LLM as a tool-result message. A failed call
// is a Result with OK=false, never a Go error at the caller.
type Result struct {
	OK          bool           `json:"ok"`
	Result      string         `json:"result,omitempty"`
	Error       *ResultError   `json:"error,omitempty"`
	ExecutionMs int64          `json:"execution_ms"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// JSON renders the result for the LLM wire.
func (r *Result) JSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		return `{"ok":false,"error":{"code":"executor_error","message":"result marshal failed"}}`
	}
	return string(data)
}
