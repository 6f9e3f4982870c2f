package dispatch

import (
	"context"
	"fmt"
	"time"

	"selfforge/internal/logging"
)

// ChainPair is one (provider, model) entry in the failover chain.
type ChainPair struct {
	Provider Provider
	Model    string
}

func (p ChainPair) label() string {
	return p.Provider.Name() + "/" + p.Model
}

// AttemptMetric is recorded once per provider attempt, success or failure.
type AttemptMetric struct {
	Provider     string
	Model        string
	KeyID        string
	Class        ErrorClass // empty on success
	Success      bool
	LatencyMs    int64
	InputTokens  int
	OutputTokens int
	TaskType     string
}

// MetricRecorder receives one record per provider attempt. The Memory Engine
// implements this; a nil recorder is allowed.
type MetricRecorder interface {
	RecordAttempt(m AttemptMetric)
}

// Dispatcher routes requests across an ordered (provider, model) chain with
// per-provider key rotation. One Dispatcher exists per process.
type Dispatcher struct {
	chain    []ChainPair
	keyrings map[string]*Keyring
	recorder MetricRecorder
}

// NewDispatcher builds a dispatcher over the given chain. Every provider in
// the chain must have a keyring.
func NewDispatcher(chain []ChainPair, keyrings map[string]*Keyring, recorder MetricRecorder) (*Dispatcher, error) {
	for _, pair := range chain {
		if _, ok := keyrings[pair.Provider.Name()]; !ok {
			return nil, fmt.Errorf("no keyring for provider %q", pair.Provider.Name())
		}
	}
	return &Dispatcher{
		chain:    chain,
		keyrings: keyrings,
		recorder: recorder,
	}, nil
}

// effectiveChain orders the chain for a request: the pair matching the
// preferred model (if any) moves to the front, followed by the configured
// fallbacks in order.
func (d *Dispatcher) effectiveChain(req Request) []ChainPair {
	if req.PreferredModel == "" {
		return d.chain
	}
	ordered := make([]ChainPair, 0, len(d.chain))
	rest := make([]ChainPair, 0, len(d.chain))
	for _, pair := range d.chain {
		if pair.Model == req.PreferredModel {
			ordered = append(ordered, pair)
		} else {
			rest = append(rest, pair)
		}
	}
	return append(ordered, rest...)
}

func (d *Dispatcher) record(m AttemptMetric) {
	if d.recorder != nil {
		d.recorder.RecordAttempt(m)
	}
}

// Complete performs a non-streaming dispatch, advancing through the chain on
// every failover-eligible error. Each pair is attempted at most once.
func (d *Dispatcher) Complete(ctx context.Context, req Request) (*Response, error) {
	chain := d.effectiveChain(req)
	if len(chain) == 0 {
		return nil, ErrEmptyChain
	}

	var (
		attempted    []string
		lastErr      *ProviderError
		prevProvider string
		currentKey   Key
		haveKey      bool
	)

	for _, pair := range chain {
		name := pair.Provider.Name()
		kr := d.keyrings[name]

		// Reuse the key when the provider has not changed and the key was
		// not marked failed; otherwise rotate to a fresh key.
		if !haveKey || name != prevProvider {
			key, err := kr.Next()
			if err != nil {
				attempted = append(attempted, pair.label())
				lastErr = &ProviderError{
					Provider: name,
					Model:    pair.Model,
					Class:    ClassAuth,
					Message:  err.Error(),
				}
				haveKey = false
				prevProvider = name
				continue
			}
			currentKey = key
		}
		haveKey = true
		prevProvider = name
		attempted = append(attempted, pair.label())

		start := time.Now()
		resp, err := pair.Provider.Call(ctx, req, pair.Model, currentKey.Secret)
		latency := time.Since(start).Milliseconds()

		if err == nil {
			kr.MarkSuccess(currentKey.ID)
			d.record(AttemptMetric{
				Provider:     name,
				Model:        pair.Model,
				KeyID:        currentKey.ID,
				Success:      true,
				LatencyMs:    latency,
				InputTokens:  resp.Usage.InputTokens,
				OutputTokens: resp.Usage.OutputTokens,
				TaskType:     req.TaskType,
			})
			resp.Provider = name
			resp.Model = pair.Model
			logging.Dispatch("Completed via %s (latency=%dms, tokens=%d/%d)",
				pair.label(), latency, resp.Usage.InputTokens, resp.Usage.OutputTokens)
			return resp, nil
		}

		if ctx.Err() != nil {
			// Cancellation is not a provider failure; surface it unchanged.
			return nil, ctx.Err()
		}

		class := ClassifyError(err)
		d.record(AttemptMetric{
			Provider:  name,
			Model:     pair.Model,
			KeyID:     currentKey.ID,
			Class:     class,
			LatencyMs: latency,
			TaskType:  req.TaskType,
		})
		logging.Dispatch("Attempt failed: %s key=%s class=%s: %v", pair.label(), currentKey.ID, class, err)

		if class.MarksKeyFailed() {
			kr.MarkAuthFailed(currentKey.ID)
			haveKey = false
		}

		lastErr = &ProviderError{
			Provider: name,
			Model:    pair.Model,
			KeyID:    currentKey.ID,
			Class:    class,
			Message:  err.Error(),
		}
	}

	if lastErr == nil {
		return nil, ErrEmptyChain
	}
	lastErr.Chain = attempted
	return nil, fmt.Errorf("%w: %s", ErrChainExhausted, lastErr.Error())
}

// Stream performs a streaming dispatch. The dispatcher holds each upstream
// until its first chunk arrives: an error before any delta fails over exactly
// like a non-streaming error, while a delta commits the stream to that
// provider and it runs to completion or a terminal error chunk.
func (d *Dispatcher) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	chain := d.effectiveChain(req)
	if len(chain) == 0 {
		return nil, ErrEmptyChain
	}

	var (
		attempted    []string
		lastErr      *ProviderError
		prevProvider string
		currentKey   Key
		haveKey      bool
	)

	for _, pair := range chain {
		name := pair.Provider.Name()
		kr := d.keyrings[name]

		if !haveKey || name != prevProvider {
			key, err := kr.Next()
			if err != nil {
				attempted = append(attempted, pair.label())
				lastErr = &ProviderError{Provider: name, Model: pair.Model, Class: ClassAuth, Message: err.Error()}
				haveKey = false
				prevProvider = name
				continue
			}
			currentKey = key
		}
		haveKey = true
		prevProvider = name
		attempted = append(attempted, pair.label())

		start := time.Now()
		upstream, err := pair.Provider.Stream(ctx, req, pair.Model, currentKey.Secret)
		if err == nil {
			var first Chunk
			var open bool
			select {
			case first, open = <-upstream:
			case <-ctx.Done():
				return nil, ctx.Err()
			}

			if !open {
				// Closed clean without content: an empty but successful stream.
				kr.MarkSuccess(currentKey.ID)
				d.record(AttemptMetric{
					Provider:  name,
					Model:     pair.Model,
					KeyID:     currentKey.ID,
					Success:   true,
					LatencyMs: time.Since(start).Milliseconds(),
					TaskType:  req.TaskType,
				})
				out := make(chan Chunk)
				close(out)
				return out, nil
			}

			if first.Err == nil {
				kr.MarkSuccess(currentKey.ID)
				out := make(chan Chunk, 1)
				out <- first
				go d.pump(ctx, pair, currentKey, start, req.TaskType, upstream, out)
				return out, nil
			}

			// Error chunk before the first delta. Abandon the upstream and
			// treat it like a failed call.
			err = first.Err
			go drain(upstream)
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		class := ClassifyError(err)
		d.record(AttemptMetric{
			Provider:  name,
			Model:     pair.Model,
			KeyID:     currentKey.ID,
			Class:     class,
			LatencyMs: time.Since(start).Milliseconds(),
			TaskType:  req.TaskType,
		})
		if class.MarksKeyFailed() {
			kr.MarkAuthFailed(currentKey.ID)
			haveKey = false
		}
		lastErr = &ProviderError{Provider: name, Model: pair.Model, KeyID: currentKey.ID, Class: class, Message: err.Error()}
		logging.Dispatch("Stream failed before first delta: %s class=%s: %v", pair.label(), class, err)
	}

	if lastErr == nil {
		return nil, ErrEmptyChain
	}
	lastErr.Chain = attempted
	return nil, fmt.Errorf("%w: %s", ErrChainExhausted, lastErr.Error())
}

// pump forwards the remainder of a committed stream, recording one attempt
// metric when it terminates. Errors after the first delta are forwarded to
// the caller, never failed over.
func (d *Dispatcher) pump(ctx context.Context, pair ChainPair, key Key, start time.Time, taskType string, upstream <-chan Chunk, out chan<- Chunk) {
	defer close(out)

	var streamErr error
	for chunk := range upstream {
		if chunk.Err != nil {
			streamErr = chunk.Err
			select {
			case out <- chunk:
			case <-ctx.Done():
			}
			break
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		}
	}

	metric := AttemptMetric{
		Provider:  pair.Provider.Name(),
		Model:     pair.Model,
		KeyID:     key.ID,
		Success:   streamErr == nil,
		LatencyMs: time.Since(start).Milliseconds(),
		TaskType:  taskType,
	}
	if streamErr != nil {
		metric.Class = ClassifyError(streamErr)
	}
	d.record(metric)
}

// drain discards the rest of an abandoned upstream so its producer can exit.
func drain(ch <-chan Chunk) {
	for range ch {
	}
}

// KeyHealth returns a snapshot of key health for one provider, or nil when
// the provider is unknown.
func (d *Dispatcher) KeyHealth(provider string) map[string]KeyHealthSnapshot {
	kr, ok := d.keyrings[provider]
	if !ok {
		return nil
	}
	return kr.Health()
}
