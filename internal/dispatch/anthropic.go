package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// AnthropicProvider implements Provider for the Anthropic messages wire
// format. It performs no retries and no key rotation.
type AnthropicProvider struct {
	baseURL    string
	httpClient *http.Client
}

// AnthropicConfig holds configuration for the Anthropic provider.
type AnthropicConfig struct {
	BaseURL string
	Timeout time.Duration
}

// DefaultAnthropicConfig returns sensible defaults.
func DefaultAnthropicConfig() AnthropicConfig {
	return AnthropicConfig{
		BaseURL: "https://api.anthropic.com/v1",
		Timeout: 120 * time.Second,
	}
}

// NewAnthropicProvider creates a provider with default config.
func NewAnthropicProvider() *AnthropicProvider {
	return NewAnthropicProviderWithConfig(DefaultAnthropicConfig())
}

// NewAnthropicProviderWithConfig creates a provider with custom config.
func NewAnthropicProviderWithConfig(cfg AnthropicConfig) *AnthropicProvider {
	return &AnthropicProvider{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider identifier.
func (p *AnthropicProvider) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *AnthropicProvider) buildRequest(req Request, model string, stream bool) anthropicRequest {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	messages := make([]anthropicMessage, 0, len(req.Context)+1)
	for _, m := range req.Context {
		messages = append(messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, anthropicMessage{Role: "user", Content: req.Prompt})
	return anthropicRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    req.System,
		Messages:  messages,
		Stream:    stream,
	}
}

func (p *AnthropicProvider) newHTTPRequest(ctx context.Context, body []byte, key string) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", key)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	return httpReq, nil
}

func (p *AnthropicProvider) fail(model, message string) *ProviderError {
	return &ProviderError{
		Provider: p.Name(),
		Model:    model,
		Class:    Classify(message),
		Message:  message,
	}
}

// Call performs a non-streaming completion.
func (p *AnthropicProvider) Call(ctx context.Context, req Request, model, key string) (*Response, error) {
	if key == "" {
		return nil, p.fail(model, "unauthorized: API key not configured")
	}

	jsonData, err := json.Marshal(p.buildRequest(req, model, false))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := p.newHTTPRequest(ctx, jsonData, key)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, p.fail(model, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, p.fail(model, "failed to read response: "+err.Error())
	}

	if resp.StatusCode != http.StatusOK {
		return nil, p.fail(model, fmt.Sprintf("API request failed with status %d: %s", resp.StatusCode, string(body)))
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, p.fail(model, "failed to parse response: "+err.Error())
	}
	if parsed.Error != nil {
		return nil, p.fail(model, parsed.Error.Message)
	}
	if len(parsed.Content) == 0 {
		return nil, p.fail(model, "no completion returned")
	}

	var out strings.Builder
	for _, c := range parsed.Content {
		if c.Type == "text" {
			out.WriteString(c.Text)
		}
	}

	return &Response{
		Content: strings.TrimSpace(out.String()),
		Usage: Usage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
		},
		FinishReason: parsed.StopReason,
	}, nil
}

// anthropicStreamEvent is the subset of SSE payloads carrying text deltas.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Stream performs a streaming completion over SSE.
func (p *AnthropicProvider) Stream(ctx context.Context, req Request, model, key string) (<-chan Chunk, error) {
	if key == "" {
		return nil, p.fail(model, "unauthorized: API key not configured")
	}

	jsonData, err := json.Marshal(p.buildRequest(req, model, true))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := p.newHTTPRequest(ctx, jsonData, key)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, p.fail(model, err.Error())
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, p.fail(model, fmt.Sprintf("API request failed with status %d: %s", resp.StatusCode, string(body)))
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}

			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(payload), &event); err != nil {
				continue
			}
			switch event.Type {
			case "content_block_delta":
				if event.Delta.Text != "" {
					select {
					case out <- Chunk{Text: event.Delta.Text}:
					case <-ctx.Done():
						return
					}
				}
			case "error":
				msg := "stream error"
				if event.Error != nil {
					msg = event.Error.Message
				}
				select {
				case out <- Chunk{Err: p.fail(model, msg)}:
				case <-ctx.Done():
				}
				return
			case "message_stop":
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			select {
			case out <- Chunk{Err: p.fail(model, err.Error())}:
			case <-ctx.Done():
			}
		}
	}()

	return out, nil
}
