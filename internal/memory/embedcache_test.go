package memory

import (
	"context"
	"testing"
	"time"
)

func TestEmbedTextCachesByContent(t *testing.T) {
	emb := &fakeEmbedder{}
	e := newTestEngine(t, Options{Embedder: emb})

	first, err := e.embedText(context.Background(), "alpha beta")
	if err != nil {
		t.Fatalf("embedText: %v", err)
	}
	second, err := e.embedText(context.Background(), "alpha beta")
	if err != nil {
		t.Fatalf("embedText: %v", err)
	}

	if emb.calls != 1 {
		t.Fatalf("embedder called %d times, want 1", emb.calls)
	}
	if len(first) != len(second) {
		t.Fatal("cached vector differs")
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("cached vector differs at %d", i)
		}
	}

	stats, err := e.CacheStats()
	if err != nil {
		t.Fatalf("CacheStats: %v", err)
	}
	if stats.Entries != 1 || stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("stats %+v", stats)
	}
}

func TestCacheKeyedByProviderAndModel(t *testing.T) {
	e := newTestEngine(t, Options{Embedder: &fakeEmbedder{}})

	if err := e.cacheSet("ollama", "m1", hashText("text"), []float32{1, 2, 3}); err != nil {
		t.Fatalf("cacheSet: %v", err)
	}

	if _, ok, err := e.cacheGet("ollama", "m1", hashText("text")); err != nil || !ok {
		t.Fatalf("expected hit, ok=%v err=%v", ok, err)
	}
	if _, ok, _ := e.cacheGet("ollama", "m2", hashText("text")); ok {
		t.Fatal("different model must miss")
	}
	if _, ok, _ := e.cacheGet("genai", "m1", hashText("text")); ok {
		t.Fatal("different provider must miss")
	}
}

func TestCacheLRUEviction(t *testing.T) {
	e := newTestEngine(t, Options{Embedder: &fakeEmbedder{}, CacheMaxSize: 2})

	if err := e.cacheSet("fake", "m", "hash-a", []float32{1}); err != nil {
		t.Fatalf("cacheSet: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := e.cacheSet("fake", "m", "hash-b", []float32{2}); err != nil {
		t.Fatalf("cacheSet: %v", err)
	}
	time.Sleep(2 * time.Millisecond)

	// Touch a so b becomes the least recently used entry.
	if _, ok, _ := e.cacheGet("fake", "m", "hash-a"); !ok {
		t.Fatal("expected hit for a")
	}
	time.Sleep(2 * time.Millisecond)

	if err := e.cacheSet("fake", "m", "hash-c", []float32{3}); err != nil {
		t.Fatalf("cacheSet: %v", err)
	}

	if _, ok, _ := e.cacheGet("fake", "m", "hash-b"); ok {
		t.Fatal("b should have been evicted")
	}
	if _, ok, _ := e.cacheGet("fake", "m", "hash-a"); !ok {
		t.Fatal("a should survive eviction")
	}
	if _, ok, _ := e.cacheGet("fake", "m", "hash-c"); !ok {
		t.Fatal("c should be present")
	}
}

func TestClearCacheProvider(t *testing.T) {
	e := newTestEngine(t, Options{})

	if err := e.cacheSet("ollama", "m", "h1", []float32{1}); err != nil {
		t.Fatalf("cacheSet: %v", err)
	}
	if err := e.cacheSet("genai", "m", "h2", []float32{2}); err != nil {
		t.Fatalf("cacheSet: %v", err)
	}

	n, err := e.ClearCacheProvider("ollama", "")
	if err != nil {
		t.Fatalf("ClearCacheProvider: %v", err)
	}
	if n != 1 {
		t.Fatalf("cleared %d entries", n)
	}
	if _, ok, _ := e.cacheGet("genai", "m", "h2"); !ok {
		t.Fatal("other provider's entries must survive")
	}
}

func TestClearCacheProviderModelScoped(t *testing.T) {
	e := newTestEngine(t, Options{})

	if err := e.cacheSet("ollama", "m1", "h1", []float32{1}); err != nil {
		t.Fatalf("cacheSet: %v", err)
	}
	if err := e.cacheSet("ollama", "m2", "h2", []float32{2}); err != nil {
		t.Fatalf("cacheSet: %v", err)
	}

	n, err := e.ClearCacheProvider("ollama", "m1")
	if err != nil {
		t.Fatalf("ClearCacheProvider: %v", err)
	}
	if n != 1 {
		t.Fatalf("cleared %d entries", n)
	}
	if _, ok, _ := e.cacheGet("ollama", "m2", "h2"); !ok {
		t.Fatal("other model's entries must survive")
	}
}

func TestCacheHas(t *testing.T) {
	e := newTestEngine(t, Options{})

	if err := e.cacheSet("fake", "m", hashText("known text"), []float32{1}); err != nil {
		t.Fatalf("cacheSet: %v", err)
	}

	ok, err := e.CacheHas("fake", "m", "known text")
	if err != nil {
		t.Fatalf("CacheHas: %v", err)
	}
	if !ok {
		t.Fatal("cached text not found")
	}
	if ok, _ := e.CacheHas("fake", "m", "never seen"); ok {
		t.Fatal("unknown text reported cached")
	}
}

func TestCleanExpiredCache(t *testing.T) {
	e := newTestEngine(t, Options{CacheMaxAge: time.Hour})

	if err := e.cacheSet("fake", "m", "old", []float32{1}); err != nil {
		t.Fatalf("cacheSet: %v", err)
	}
	// Age the entry past the max.
	if _, err := e.db.Exec(`UPDATE embedding_cache SET created_at = ? WHERE content_hash = 'old'`,
		time.Now().Add(-2*time.Hour).UnixMilli()); err != nil {
		t.Fatalf("age entry: %v", err)
	}
	if err := e.cacheSet("fake", "m", "new", []float32{2}); err != nil {
		t.Fatalf("cacheSet: %v", err)
	}

	n, err := e.CleanExpiredCache()
	if err != nil {
		t.Fatalf("CleanExpiredCache: %v", err)
	}
	if n != 1 {
		t.Fatalf("removed %d entries", n)
	}
	if _, ok, _ := e.cacheGet("fake", "m", "new"); !ok {
		t.Fatal("fresh entry must survive")
	}
}

func TestCleanExpiredCacheDisabled(t *testing.T) {
	e := newTestEngine(t, Options{})
	if err := e.cacheSet("fake", "m", "h", []float32{1}); err != nil {
		t.Fatalf("cacheSet: %v", err)
	}
	n, err := e.CleanExpiredCache()
	if err != nil || n != 0 {
		t.Fatalf("no max age configured: n=%d err=%v", n, err)
	}
}
