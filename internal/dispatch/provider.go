// Package dispatch implements the LLM invocation layer: provider abstraction,
// streaming, error classification, auth-key rotation, and provider-to-provider
// failover. Providers never retry internally and never rotate keys; the
// dispatcher owns those policies.
package dispatch

import (
	"context"
)

// Request is the normalized request the dispatcher accepts.
type Request struct {
	// TaskType labels the request for metrics ("chat", "analysis", ...).
	TaskType string

	// System is the system prompt, optional.
	System string

	// Prompt is the user-facing prompt text.
	Prompt string

	// Context is prior conversation turns, oldest first.
	Context []Message

	// PreferredModel, when set, is tried before the configured chain.
	PreferredModel string

	// MaxTokens caps the completion length; 0 means provider default.
	MaxTokens int
}

// Message is one prior turn handed to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token accounting when the provider supplies it.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is a completed (non-streaming) provider reply.
type Response struct {
	Content      string
	Usage        Usage
	FinishReason string

	// Provider and Model identify the chain entry that produced the reply.
	Provider string
	Model    string
}

// Chunk is one streamed text delta. A Chunk with Err set terminates the
// stream abnormally; a closed channel terminates it normally.
type Chunk struct {
	Text string
	Err  error
}

// Provider is the contract every LLM backend implements.
// Call and Stream fail with a *ProviderError; Stream's channel is finite and
// non-restartable, closing on stream end.
type Provider interface {
	// Name returns the provider identifier used in chains and metrics.
	Name() string

	// Call performs a non-streaming completion.
	Call(ctx context.Context, req Request, model, key string) (*Response, error)

	// Stream performs a streaming completion. The returned channel yields
	// text deltas and is closed when the provider ends the stream. Errors
	// after the first delta arrive as a terminal Chunk with Err set.
	// Errors before any delta are returned directly.
	Stream(ctx context.Context, req Request, model, key string) (<-chan Chunk, error)
}
