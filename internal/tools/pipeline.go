package tools

import (
	"context"
	"fmt"
	"time"

	"selfforge/internal/logging"
)

// DefaultToolTimeout bounds executor runtime when neither the pipeline nor
// the tool overrides it.
const DefaultToolTimeout = 30 * time.Second

// Pipeline runs every tool call through lookup, schema validation, security
// validation, rate limiting, circuit breaking, and timed execution, always
// returning a structured Result.
type Pipeline struct {
	registry *Registry
	security *SecurityValidator
	limiter  *TokenBucket
	breaker  *CircuitBreaker
	tracker  *Tracker
	timeout  time.Duration
}

// NewPipeline wires the pipeline stages together. Any nil stage disables
// that check (used by tests); production wiring passes all of them.
func NewPipeline(registry *Registry, security *SecurityValidator, limiter *TokenBucket, breaker *CircuitBreaker, tracker *Tracker, timeout time.Duration) *Pipeline {
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	if tracker == nil {
		tracker = NewTracker()
	}
	return &Pipeline{
		registry: registry,
		security: security,
		limiter:  limiter,
		breaker:  breaker,
		tracker:  tracker,
		timeout:  timeout,
	}
}

// Tracker exposes the pipeline's metrics tracker for the monitoring surface.
func (p *Pipeline) Tracker() *Tracker { return p.tracker }

// Breaker exposes circuit snapshots for the monitoring surface.
func (p *Pipeline) Breaker() *CircuitBreaker { return p.breaker }

// Registry returns the pipeline's tool registry.
func (p *Pipeline) Registry() *Registry { return p.registry }

func reject(start time.Time, code ErrorCode, format string, args ...any) *Result {
	return &Result{
		OK:          false,
		Error:       &ResultError{Code: code, Message: fmt.Sprintf(format, args...)},
		ExecutionMs: time.Since(start).Milliseconds(),
	}
}

// Invoke runs one tool call through all stages. It never returns a Go error;
// failures are encoded in the Result so the dispatcher can surface them to
// the LLM as a tool-result message.
func (p *Pipeline) Invoke(ctx context.Context, call Call) *Result {
	start := time.Now()
	timer := logging.StartTimer(logging.CategoryTools, "Invoke "+call.ToolName)
	defer timer.Stop()

	// Stage 1: lookup.
	tool := p.registry.Get(call.ToolName)
	if tool == nil {
		res := reject(start, CodeToolNotFound, "unknown tool %q", call.ToolName)
		p.tracker.Record(call.ToolName, false, res.ExecutionMs, CodeToolNotFound)
		return res
	}

	// Stage 2: schema validation.
	if err := validateArgs(tool.Schema, call.Args); err != nil {
		res := reject(start, CodeInvalidArgs, "%v", err)
		p.tracker.Record(call.ToolName, false, res.ExecutionMs, CodeInvalidArgs)
		return res
	}

	// Stage 3: security validation.
	if p.security != nil {
		if err := p.security.ValidateArgs(tool.Schema, call.Args); err != nil {
			logging.Tools("Security violation for %s: %v", call.ToolName, err)
			res := reject(start, CodeSecurityViolation, "%v", err)
			p.tracker.Record(call.ToolName, false, res.ExecutionMs, CodeSecurityViolation)
			return res
		}
	}

	// Stage 4: rate limiter.
	if p.limiter != nil && !p.limiter.Allow(call.ToolName) {
		res := reject(start, CodeRateLimited, "rate limit exceeded for %q", call.ToolName)
		p.tracker.Record(call.ToolName, false, res.ExecutionMs, CodeRateLimited)
		return res
	}

	// Stage 5: circuit breaker.
	if p.breaker != nil && !p.breaker.Allow(call.ToolName) {
		res := reject(start, CodeCircuitOpen, "circuit open for %q", call.ToolName)
		p.tracker.Record(call.ToolName, false, res.ExecutionMs, CodeCircuitOpen)
		return res
	}

	// Stage 6: execute with cancellation and timeout.
	timeout := p.timeout
	if tool.Timeout != "" {
		if d, err := time.ParseDuration(tool.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logging.ToolsDebug("Executing tool: %s (trace=%s)", call.ToolName, call.TraceID)
	output, execErr := runExecutor(execCtx, tool, call.Args)
	elapsed := time.Since(start)

	// Stage 7: record.
	if execErr != nil {
		code := CodeExecutorError
		if execCtx.Err() == context.DeadlineExceeded {
			code = CodeTimeout
		}
		p.tracker.Record(call.ToolName, false, elapsed.Milliseconds(), code)
		if p.breaker != nil {
			p.breaker.RecordFailure(call.ToolName)
		}
		logging.Tools("Tool %s failed after %v: %v", call.ToolName, elapsed, execErr)
		return &Result{
			OK:          false,
			Error:       &ResultError{Code: code, Message: execErr.Error()},
			ExecutionMs: elapsed.Milliseconds(),
			Metadata:    map[string]any{"trace_id": call.TraceID},
		}
	}

	p.tracker.Record(call.ToolName, true, elapsed.Milliseconds(), "")
	if p.breaker != nil {
		p.breaker.RecordSuccess(call.ToolName)
	}
	logging.ToolsDebug("Tool %s completed in %v", call.ToolName, elapsed)
	return &Result{
		OK:          true,
		Result:      output,
		ExecutionMs: elapsed.Milliseconds(),
		Metadata:    map[string]any{"trace_id": call.TraceID},
	}
}

// runExecutor invokes the tool on a goroutine so a stuck executor cannot
// hold the pipeline past its timeout.
func runExecutor(ctx context.Context, tool *Tool, args map[string]any) (string, error) {
	type outcome struct {
		output string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := tool.Execute(ctx, args)
		done <- outcome{output: out, err: err}
	}()

	select {
	case o := <-done:
		return o.output, o.err
	case <-ctx.Done():
		return "", fmt.Errorf("tool execution timed out: %w", ctx.Err())
	}
}

// validateArgs checks required presence and declared types.
func validateArgs(schema Schema, args map[string]any) error {
	for _, required := range schema.Required {
		if _, ok := args[required]; !ok {
			return fmt.Errorf("missing required argument %q", required)
		}
	}
	for name, prop := range schema.Properties {
		raw, ok := args[name]
		if !ok || raw == nil {
			continue
		}
		if !typeMatches(prop.Type, raw) {
			return fmt.Errorf("argument %q: expected %s, got %T", name, prop.Type, raw)
		}
	}
	return nil
}

func typeMatches(declared string, value any) bool {
	switch declared {
	case "", "any":
		return true
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "integer":
		switch v := value.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	}
	return true
}
