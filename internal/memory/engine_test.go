package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	dir := t.TempDir()
	if opts.DBPath == "" {
		opts.DBPath = filepath.Join(dir, "memory.db")
	}
	if opts.LogDir == "" {
		opts.LogDir = filepath.Join(dir, "conversations")
	}
	e, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// fakeEmbedder maps text to a 3-dim vector counting occurrences of the words
// alpha, beta, and gamma, so tests control similarity exactly.
type fakeEmbedder struct {
	name  string
	model string
	calls int
	fail  bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.fail {
		return nil, fmt.Errorf("embedder offline")
	}
	lower := strings.ToLower(text)
	return []float32{
		float32(strings.Count(lower, "alpha")),
		float32(strings.Count(lower, "beta")),
		float32(strings.Count(lower, "gamma")),
	}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := f.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return 3 }

func (f *fakeEmbedder) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeEmbedder) Model() string {
	if f.model == "" {
		return "fake-embed-1"
	}
	return f.model
}

func mustStore(t *testing.T, e *Engine, convID, role, content string) *Message {
	t.Helper()
	msg, err := e.StoreMessage(context.Background(), Message{
		ConversationID: convID,
		Role:           role,
		Content:        content,
	})
	if err != nil {
		t.Fatalf("StoreMessage: %v", err)
	}
	return msg
}

func TestEngineOpenRequiresDBPath(t *testing.T) {
	if _, err := Open(Options{}); err == nil {
		t.Fatal("Open without a db path should fail")
	}
}

func TestEngineStats(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustStore(t, e, "conv-1", "user", "hello")

	stats, err := e.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats["conversations"] != 1 || stats["conversation_messages"] != 1 {
		t.Fatalf("stats %+v", stats)
	}
	if _, ok := stats["proposals"]; !ok {
		t.Fatal("proposals table missing from stats")
	}
}
