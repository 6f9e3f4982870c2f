// Package chat runs interactive sessions: it assembles conversation context
// from the Memory Engine, dispatches to the LLM, and drives the serialized
// tool-call loop until the model produces a plain reply.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"selfforge/internal/dispatch"
	"selfforge/internal/logging"
	"selfforge/internal/memory"
	"selfforge/internal/tools"
)

// MaxToolRounds bounds the tool-call loop per user turn. The model gets a
// final chance to answer in prose after the budget is spent.
const MaxToolRounds = 8

// ContextMessageLimit caps how many prior turns are replayed to the model.
const ContextMessageLimit = 40

// Session is one conversation bound to a dispatcher and tool pipeline.
type Session struct {
	ConversationID string

	dispatcher *dispatch.Dispatcher
	pipeline   *tools.Pipeline
	registry   *tools.Registry
	store      *memory.Engine

	systemPrompt string
}

// NewSession opens a session on an existing or new conversation.
func NewSession(dispatcher *dispatch.Dispatcher, pipeline *tools.Pipeline, registry *tools.Registry, store *memory.Engine, conversationID string) *Session {
	if conversationID == "" {
		conversationID = uuid.New().String()
	}
	s := &Session{
		ConversationID: conversationID,
		dispatcher:     dispatcher,
		pipeline:       pipeline,
		registry:       registry,
		store:          store,
	}
	s.systemPrompt = s.buildSystemPrompt()
	return s
}

// Send runs one user turn to completion, including any tool calls, and
// returns the assistant's final reply. Every message, including intermediate
// tool results, is persisted.
func (s *Session) Send(ctx context.Context, userText string) (string, error) {
	return s.send(ctx, userText, nil)
}

// SendStream behaves like Send but forwards text deltas of prose replies to
// onDelta as they arrive. Tool-call envelopes are executed, never forwarded;
// the returned reply is always the complete final text.
func (s *Session) SendStream(ctx context.Context, userText string, onDelta func(string)) (string, error) {
	return s.send(ctx, userText, onDelta)
}

func (s *Session) send(ctx context.Context, userText string, onDelta func(string)) (string, error) {
	timer := logging.StartTimer(logging.CategoryChat, "Send")
	defer timer.Stop()

	if strings.TrimSpace(userText) == "" {
		return "", fmt.Errorf("chat: empty message")
	}

	if _, err := s.store.StoreMessage(ctx, memory.Message{
		ConversationID: s.ConversationID,
		Role:           "user",
		Content:        userText,
	}); err != nil {
		return "", err
	}

	for round := 0; ; round++ {
		history, err := s.assembleContext()
		if err != nil {
			return "", err
		}

		req := dispatch.Request{
			TaskType: "chat",
			System:   s.systemPrompt,
			Prompt:   userText,
			Context:  history,
		}
		if round >= MaxToolRounds {
			req.System += "\n\nTool budget exhausted. Answer directly without calling tools."
		}

		resp, err := s.complete(ctx, req, onDelta)
		if err != nil {
			return "", err
		}

		call, ok := parseToolCall(resp.Content)
		if !ok || round >= MaxToolRounds {
			meta := map[string]any{}
			if resp.Provider != "" {
				meta["provider"] = resp.Provider
				meta["model"] = resp.Model
			}
			if _, err := s.store.StoreMessage(ctx, memory.Message{
				ConversationID: s.ConversationID,
				Role:           "assistant",
				Content:        resp.Content,
				TokenEstimate:  resp.Usage.OutputTokens,
				Metadata:       meta,
			}); err != nil {
				return "", err
			}
			return resp.Content, nil
		}

		// The assistant turn carrying the call and the tool result both go
		// into the log so a replay reconstructs the exact exchange.
		if _, err := s.store.StoreMessage(ctx, memory.Message{
			ConversationID: s.ConversationID,
			Role:           "assistant",
			Content:        resp.Content,
			Metadata:       map[string]any{"tool_call": call.ToolName},
		}); err != nil {
			return "", err
		}

		call.TraceID = uuid.New().String()
		logging.Chat("Tool round %d: %s (trace=%s)", round+1, call.ToolName, call.TraceID)
		result := s.pipeline.Invoke(ctx, call)

		if _, err := s.store.StoreMessage(ctx, memory.Message{
			ConversationID: s.ConversationID,
			Role:           "tool",
			Content:        result.JSON(),
			Metadata:       map[string]any{"tool_name": call.ToolName, "trace_id": call.TraceID, "ok": result.OK},
		}); err != nil {
			return "", err
		}
	}
}

// complete runs one model turn, streaming when onDelta is set.
func (s *Session) complete(ctx context.Context, req dispatch.Request, onDelta func(string)) (*dispatch.Response, error) {
	if onDelta == nil {
		return s.dispatcher.Complete(ctx, req)
	}
	return s.completeStreaming(ctx, req, onDelta)
}

// completeStreaming collects a streamed reply. Deltas are held back until the
// reply is provably prose: anything opening with "{" or a code fence may be a
// tool-call envelope and must not leak to the caller mid-stream. A held reply
// still returns in full; it just arrives unstreamed.
func (s *Session) completeStreaming(ctx context.Context, req dispatch.Request, onDelta func(string)) (*dispatch.Response, error) {
	ch, err := s.dispatcher.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	hold := true
	for chunk := range ch {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		b.WriteString(chunk.Text)
		if hold {
			head := strings.TrimLeft(b.String(), " \t\r\n")
			if head != "" && head[0] != '{' && head[0] != '`' {
				hold = false
				onDelta(b.String())
			}
		} else {
			onDelta(chunk.Text)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &dispatch.Response{Content: b.String()}, nil
}

// assembleContext loads the conversation tail as dispatcher messages.
func (s *Session) assembleContext() ([]dispatch.Message, error) {
	_, messages, err := s.store.GetConversation(s.ConversationID)
	if err != nil {
		return nil, err
	}
	if len(messages) > ContextMessageLimit {
		messages = messages[len(messages)-ContextMessageLimit:]
	}

	out := make([]dispatch.Message, 0, len(messages))
	for _, msg := range messages {
		role := msg.Role
		// Tool results ride as user turns on the provider wire; the content
		// is the structured result JSON.
		if role == "tool" {
			role = "user"
		}
		out = append(out, dispatch.Message{Role: role, Content: msg.Content})
	}
	return out, nil
}

// buildSystemPrompt renders the tool catalog into the system prompt.
func (s *Session) buildSystemPrompt() string {
	var b strings.Builder
	b.WriteString("You are selfforge, a software engineering agent with persistent memory.\n")
	b.WriteString("To call a tool, reply with ONLY a JSON object of the form:\n")
	b.WriteString(`{"tool_call":{"tool_name":"<name>","args":{...}}}` + "\n")
	b.WriteString("Tool results arrive as JSON in the next turn. Available tools:\n\n")

	for _, tool := range s.registry.All() {
		b.WriteString("- " + tool.Name + ": " + tool.Description + "\n")
		if len(tool.Schema.Properties) > 0 {
			schema, err := json.Marshal(tool.Schema)
			if err == nil {
				b.WriteString("  schema: " + string(schema) + "\n")
			}
		}
	}
	return b.String()
}

// toolCallEnvelope is the wire shape the model uses to request a tool.
type toolCallEnvelope struct {
	ToolCall *struct {
		ToolName string         `json:"tool_name"`
		Args     map[string]any `json:"args"`
	} `json:"tool_call"`
}

// parseToolCall recognizes a reply that is a single tool-call envelope,
// optionally wrapped in a code fence.
func parseToolCall(content string) (tools.Call, bool) {
	text := strings.TrimSpace(content)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	if !strings.HasPrefix(text, "{") {
		return tools.Call{}, false
	}
	var env toolCallEnvelope
	if err := json.Unmarshal([]byte(text), &env); err != nil || env.ToolCall == nil || env.ToolCall.ToolName == "" {
		return tools.Call{}, false
	}
	args := env.ToolCall.Args
	if args == nil {
		args = map[string]any{}
	}
	return tools.Call{ToolName: env.ToolCall.ToolName, Args: args}, true
}
