package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestSearchEmptyQuery(t *testing.T) {
	e := newTestEngine(t, Options{})
	resp, err := e.Search(context.Background(), "   ", SearchOptions{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 0 || resp.KeywordOnly || resp.Partial {
		t.Fatalf("response %+v", resp)
	}
}

func TestSearchKeywordOnlyWithoutEmbedder(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustStore(t, e, "conv-1", "user", "the watcher reconciles conversation logs")
	mustStore(t, e, "conv-1", "assistant", "unrelated reply about cooking")

	resp, err := e.Search(context.Background(), "watcher reconciles", SearchOptions{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !resp.KeywordOnly {
		t.Fatal("no embedder means KeywordOnly")
	}
	if len(resp.Results) == 0 {
		t.Fatal("expected a keyword hit")
	}
	found := false
	for _, r := range resp.Results {
		if r.Source == "conversation" && containsFold(r.Content, "watcher") {
			found = true
		}
	}
	if !found {
		t.Fatalf("results %+v", resp.Results)
	}
}

func TestSearchFallsBackWhenEmbedderFails(t *testing.T) {
	emb := &fakeEmbedder{}
	e := newTestEngine(t, Options{Embedder: emb})
	mustStore(t, e, "conv-1", "user", "alpha question")

	emb.fail = true
	resp, err := e.Search(context.Background(), "alpha", SearchOptions{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !resp.KeywordOnly || !resp.Partial {
		t.Fatalf("expected degraded flags, got %+v", resp)
	}
	if len(resp.Results) == 0 {
		t.Fatal("keyword results should still be served")
	}
}

func TestSearchHybridMergeBoostsDoubleHits(t *testing.T) {
	emb := &fakeEmbedder{}
	e := newTestEngine(t, Options{Embedder: emb})

	// One message matches both channels for "alpha"; one only semantically
	// (shares the alpha dimension but not the keyword).
	mustStore(t, e, "conv-1", "user", "alpha alpha alpha")
	mustStore(t, e, "conv-2", "user", "ALPHA shouting still embeds on the alpha axis")

	resp, err := e.Search(context.Background(), "alpha", SearchOptions{Source: "conversation"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.KeywordOnly {
		t.Fatal("hybrid search expected")
	}
	if len(resp.Results) == 0 {
		t.Fatal("expected hits")
	}
	for _, r := range resp.Results {
		if r.Score <= 0 {
			t.Fatalf("non-positive score in %+v", r)
		}
	}
	// The double-channel hit outranks everything else.
	if !containsFold(resp.Results[0].Content, "alpha alpha alpha") {
		t.Fatalf("top hit %+v", resp.Results[0])
	}
}

func TestSearchSourceFilter(t *testing.T) {
	e := newTestEngine(t, Options{})
	mustStore(t, e, "conv-1", "user", "keyword sentinel in a conversation")
	if _, err := e.IndexCodeFile(context.Background(), "repo", "pkg/sentinel.txt",
		[]byte("keyword sentinel in code"), time.Now()); err != nil {
		t.Fatalf("IndexCodeFile: %v", err)
	}

	resp, err := e.Search(context.Background(), "sentinel", SearchOptions{Source: "code"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range resp.Results {
		if r.Source != "code" {
			t.Fatalf("source filter leaked: %+v", r)
		}
	}
	if len(resp.Results) == 0 {
		t.Fatal("expected a code hit")
	}
}

func TestSearchCodeAttachesFileMetadata(t *testing.T) {
	e := newTestEngine(t, Options{})
	if _, err := e.IndexCodeFile(context.Background(), "repo", "pkg/handler.txt",
		[]byte("the frobnicate routine lives here"), time.Now()); err != nil {
		t.Fatalf("IndexCodeFile: %v", err)
	}

	resp, err := e.SearchCode(context.Background(), "frobnicate", 5)
	if err != nil {
		t.Fatalf("SearchCode: %v", err)
	}
	if len(resp.Results) == 0 {
		t.Fatal("expected a hit")
	}
	meta := resp.Results[0].Metadata
	if meta["file_path"] != "pkg/handler.txt" {
		t.Fatalf("metadata %+v", meta)
	}
	if meta["start_line"].(int) < 1 {
		t.Fatalf("metadata %+v", meta)
	}
}

func TestQueryTerms(t *testing.T) {
	terms := queryTerms(`how does "the_watcher" work? (really)`)
	want := []string{"how", "does", "the_watcher", "work", "really"}
	if diff := cmp.Diff(want, terms); diff != "" {
		t.Fatalf("terms mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildFTSQuery(t *testing.T) {
	got := buildFTSQuery([]string{"alpha", "beta"})
	if got != `"alpha" OR "beta"` {
		t.Fatalf("query %q", got)
	}
}

func TestSearchDecisions(t *testing.T) {
	e := newTestEngine(t, Options{})

	if _, err := e.RecordDecision(Decision{
		Context:   "pick a cache eviction policy",
		Reasoning: "LRU matches the access pattern",
		Chosen:    "lru",
	}); err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
	if _, err := e.RecordDecision(Decision{Context: "unrelated deploy topic", Chosen: "other"}); err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}

	resp, err := e.SearchDecisions("cache eviction", 10)
	if err != nil {
		t.Fatalf("SearchDecisions: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Source != "decision" {
		t.Fatalf("results %+v", resp.Results)
	}
	if resp.Results[0].Metadata["chosen"] != "lru" {
		t.Fatalf("metadata %+v", resp.Results[0].Metadata)
	}

	if blank, err := e.SearchDecisions("   ", 10); err != nil || len(blank.Results) != 0 {
		t.Fatalf("blank query: %+v, %v", blank, err)
	}
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
