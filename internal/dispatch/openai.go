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

// OpenAIProvider implements Provider for the chat-completions wire format.
// It also serves OpenAI-compatible gateways via a custom base URL.
type OpenAIProvider struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

// OpenAIConfig holds configuration for the OpenAI-compatible provider.
type OpenAIConfig struct {
	Name    string
	BaseURL string
	Timeout time.Duration
}

// DefaultOpenAIConfig returns sensible defaults.
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		Name:    "openai",
		BaseURL: "https://api.openai.com/v1",
		Timeout: 120 * time.Second,
	}
}

// NewOpenAIProvider creates a provider with default config.
func NewOpenAIProvider() *OpenAIProvider {
	return NewOpenAIProviderWithConfig(DefaultOpenAIConfig())
}

// NewOpenAIProviderWithConfig creates a provider with custom config.
func NewOpenAIProviderWithConfig(cfg OpenAIConfig) *OpenAIProvider {
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	return &OpenAIProvider{
		name:       name,
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string { return p.name }

type openAIRequest struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens,omitempty"`
	Stream    bool            `json:"stream,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (p *OpenAIProvider) buildRequest(req Request, model string, stream bool) openAIRequest {
	messages := make([]openAIMessage, 0, len(req.Context)+2)
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Context {
		messages = append(messages, openAIMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: req.Prompt})
	return openAIRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	}
}

func (p *OpenAIProvider) fail(model, message string) *ProviderError {
	return &ProviderError{
		Provider: p.name,
		Model:    model,
		Class:    Classify(message),
		Message:  message,
	}
}

func (p *OpenAIProvider) do(ctx context.Context, req Request, model, key string, stream bool) (*http.Response, error) {
	if key == "" {
		return nil, p.fail(model, "unauthorized: API key not configured")
	}

	jsonData, err := json.Marshal(p.buildRequest(req, model, stream))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, p.fail(model, err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, p.fail(model, fmt.Sprintf("API request failed with status %d: %s", resp.StatusCode, string(body)))
	}
	return resp, nil
}

// Call performs a non-streaming completion.
func (p *OpenAIProvider) Call(ctx context.Context, req Request, model, key string) (*Response, error) {
	resp, err := p.do(ctx, req, model, key, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, p.fail(model, "failed to read response: "+err.Error())
	}

	var parsed openAIResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, p.fail(model, "failed to parse response: "+err.Error())
	}
	if parsed.Error != nil {
		return nil, p.fail(model, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, p.fail(model, "no completion returned")
	}

	return &Response{
		Content: strings.TrimSpace(parsed.Choices[0].Message.Content),
		Usage: Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
		},
		FinishReason: parsed.Choices[0].FinishReason,
	}, nil
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Stream performs a streaming completion over SSE.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request, model, key string) (<-chan Chunk, error) {
	resp, err := p.do(ctx, req, model, key, true)
	if err != nil {
		return nil, err
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
			if payload == "" || payload == "[DONE]" {
				if payload == "[DONE]" {
					return
				}
				continue
			}

			var chunk openAIStreamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if text := chunk.Choices[0].Delta.Content; text != "" {
				select {
				case out <- Chunk{Text: text}:
				case <-ctx.Done():
					return
				}
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
