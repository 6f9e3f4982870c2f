package chat

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"selfforge/internal/dispatch"
	"selfforge/internal/memory"
	"selfforge/internal/tools"
)

func TestParseToolCall(t *testing.T) {
	cases := []struct {
		name    string
		content string
		ok      bool
		tool    string
	}{
		{"plain envelope", `{"tool_call":{"tool_name":"file_read","args":{"path":"a.go"}}}`, true, "file_read"},
		{"fenced json", "```json\n{\"tool_call\":{\"tool_name\":\"repo_grep\",\"args\":{\"pattern\":\"x\"}}}\n```", true, "repo_grep"},
		{"bare fence", "```\n{\"tool_call\":{\"tool_name\":\"file_list\"}}\n```", true, "file_list"},
		{"prose reply", "The watcher reconciles logs into the index.", false, ""},
		{"json without tool_call", `{"answer":"yes"}`, false, ""},
		{"missing tool name", `{"tool_call":{"args":{}}}`, false, ""},
		{"malformed json", `{"tool_call":{`, false, ""},
		{"prose containing braces later", `Sure: {"tool_call":...} is the shape.`, false, ""},
	}
	for _, tc := range cases {
		call, ok := parseToolCall(tc.content)
		if ok != tc.ok {
			t.Errorf("%s: ok=%v, want %v", tc.name, ok, tc.ok)
			continue
		}
		if ok && call.ToolName != tc.tool {
			t.Errorf("%s: tool %q, want %q", tc.name, call.ToolName, tc.tool)
		}
	}
}

func TestParseToolCallDefaultsArgs(t *testing.T) {
	call, ok := parseToolCall(`{"tool_call":{"tool_name":"file_list"}}`)
	if !ok {
		t.Fatal("expected a tool call")
	}
	if call.Args == nil {
		t.Fatal("args must default to an empty map")
	}
}

// scriptedProvider returns canned responses in order.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Call(ctx context.Context, req dispatch.Request, model, key string) (*dispatch.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	content := "out of script"
	if p.calls < len(p.responses) {
		content = p.responses[p.calls]
	}
	p.calls++
	return &dispatch.Response{Content: content}, nil
}

func (p *scriptedProvider) Stream(ctx context.Context, req dispatch.Request, model, key string) (<-chan dispatch.Chunk, error) {
	p.mu.Lock()
	content := "out of script"
	if p.calls < len(p.responses) {
		content = p.responses[p.calls]
	}
	p.calls++
	p.mu.Unlock()

	// Split into two deltas so callers observe incremental delivery.
	ch := make(chan dispatch.Chunk, 2)
	half := len(content) / 2
	ch <- dispatch.Chunk{Text: content[:half]}
	ch <- dispatch.Chunk{Text: content[half:]}
	close(ch)
	return ch, nil
}

func newTestSession(t *testing.T, provider dispatch.Provider) (*Session, *memory.Engine) {
	t.Helper()
	dir := t.TempDir()
	store, err := memory.Open(memory.Options{
		DBPath: filepath.Join(dir, "memory.db"),
		LogDir: filepath.Join(dir, "conversations"),
	})
	if err != nil {
		t.Fatalf("memory.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	keyrings := map[string]*dispatch.Keyring{
		"scripted": dispatch.NewKeyring("scripted", []string{"secret"}, time.Hour),
	}
	d, err := dispatch.NewDispatcher([]dispatch.ChainPair{{Provider: provider, Model: "m"}}, keyrings, nil)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	registry := tools.NewRegistry()
	registry.MustRegister(&tools.Tool{
		Name:        "shout",
		Description: "uppercases text",
		Category:    tools.CategoryGeneral,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			text, _ := args["text"].(string)
			return strings.ToUpper(text), nil
		},
		Schema: tools.Schema{
			Required:   []string{"text"},
			Properties: map[string]tools.Property{"text": {Type: "string"}},
		},
	})
	pipeline := tools.NewPipeline(registry, nil, nil, nil, tools.NewTracker(), 0)

	return NewSession(d, pipeline, registry, store, "conv-test"), store
}

func TestSendPlainReply(t *testing.T) {
	provider := &scriptedProvider{responses: []string{"just an answer"}}
	s, store := newTestSession(t, provider)

	reply, err := s.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply != "just an answer" {
		t.Fatalf("reply %q", reply)
	}

	_, messages, err := store.GetConversation("conv-test")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if len(messages) != 2 || messages[0].Role != "user" || messages[1].Role != "assistant" {
		t.Fatalf("messages %+v", messages)
	}
}

func TestSendToolCallLoop(t *testing.T) {
	provider := &scriptedProvider{responses: []string{
		`{"tool_call":{"tool_name":"shout","args":{"text":"quiet"}}}`,
		"the tool said QUIET",
	}}
	s, store := newTestSession(t, provider)

	reply, err := s.Send(context.Background(), "please shout")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply != "the tool said QUIET" {
		t.Fatalf("reply %q", reply)
	}

	_, messages, err := store.GetConversation("conv-test")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	// user, assistant (tool call), tool result, assistant (final).
	if len(messages) != 4 {
		t.Fatalf("got %d messages", len(messages))
	}
	if messages[2].Role != "tool" {
		t.Fatalf("third message role %q", messages[2].Role)
	}
	if !strings.Contains(messages[2].Content, "QUIET") {
		t.Fatalf("tool result %q", messages[2].Content)
	}
	if provider.calls != 2 {
		t.Fatalf("provider called %d times", provider.calls)
	}
}

func TestSendFailedToolResultStillPersisted(t *testing.T) {
	provider := &scriptedProvider{responses: []string{
		`{"tool_call":{"tool_name":"missing_tool","args":{}}}`,
		"apologies, no such tool",
	}}
	s, store := newTestSession(t, provider)

	if _, err := s.Send(context.Background(), "try it"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	_, messages, err := store.GetConversation("conv-test")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	var toolMsg *memory.Message
	for i := range messages {
		if messages[i].Role == "tool" {
			toolMsg = &messages[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("failed tool result must still be persisted")
	}
	if !strings.Contains(toolMsg.Content, "tool_not_found") {
		t.Fatalf("tool result %q", toolMsg.Content)
	}
}

func TestSendStreamForwardsProse(t *testing.T) {
	provider := &scriptedProvider{responses: []string{"streamed answer text"}}
	s, _ := newTestSession(t, provider)

	var deltas []string
	reply, err := s.SendStream(context.Background(), "hello", func(d string) {
		deltas = append(deltas, d)
	})
	if err != nil {
		t.Fatalf("SendStream: %v", err)
	}
	if reply != "streamed answer text" {
		t.Fatalf("reply %q", reply)
	}
	if got := strings.Join(deltas, ""); got != reply {
		t.Fatalf("streamed %q, reply %q", got, reply)
	}
	if len(deltas) < 2 {
		t.Fatalf("expected incremental deltas, got %d", len(deltas))
	}
}

func TestSendStreamHoldsToolEnvelopes(t *testing.T) {
	provider := &scriptedProvider{responses: []string{
		`{"tool_call":{"tool_name":"shout","args":{"text":"quiet"}}}`,
		"the tool said QUIET",
	}}
	s, store := newTestSession(t, provider)

	var streamed strings.Builder
	reply, err := s.SendStream(context.Background(), "please shout", func(d string) {
		streamed.WriteString(d)
	})
	if err != nil {
		t.Fatalf("SendStream: %v", err)
	}
	if reply != "the tool said QUIET" {
		t.Fatalf("reply %q", reply)
	}
	if strings.Contains(streamed.String(), "tool_call") {
		t.Fatalf("envelope leaked to the stream: %q", streamed.String())
	}
	if streamed.String() != reply {
		t.Fatalf("streamed %q", streamed.String())
	}

	// The tool round still ran and was persisted.
	_, messages, err := store.GetConversation("conv-test")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if len(messages) != 4 || messages[2].Role != "tool" {
		t.Fatalf("messages %+v", messages)
	}
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	s, _ := newTestSession(t, &scriptedProvider{})
	if _, err := s.Send(context.Background(), "   "); err == nil {
		t.Fatal("blank message should error")
	}
}

func TestSystemPromptListsTools(t *testing.T) {
	s, _ := newTestSession(t, &scriptedProvider{})
	if !strings.Contains(s.systemPrompt, "shout") || !strings.Contains(s.systemPrompt, "tool_call") {
		t.Fatalf("system prompt %q", s.systemPrompt)
	}
}
