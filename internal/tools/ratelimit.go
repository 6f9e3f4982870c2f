package tools

import (
	"math"
	"sync"
	"time"
)

// TokenBucket implements per-tool token-bucket rate limiting. Each tool has
// its own bucket sized in tokens per minute; a call consumes one token and
// tokens regenerate continuously.
type TokenBucket struct {
	mu          sync.Mutex
	tokens      map[string]float64
	lastUpdates map[string]time.Time
	capacity    map[string]int
	defaultCap  int
	now         func() time.Time
}

// NewTokenBucket creates a limiter with a default bucket size and optional
// per-tool overrides.
func NewTokenBucket(defaultPerMinute int, perTool map[string]int) *TokenBucket {
	if defaultPerMinute <= 0 {
		defaultPerMinute = 60
	}
	capacity := make(map[string]int, len(perTool))
	for name, n := range perTool {
		if n > 0 {
			capacity[name] = n
		}
	}
	return &TokenBucket{
		tokens:      make(map[string]float64),
		lastUpdates: make(map[string]time.Time),
		capacity:    capacity,
		defaultCap:  defaultPerMinute,
		now:         time.Now,
	}
}

func (tb *TokenBucket) capFor(tool string) int {
	if n, ok := tb.capacity[tool]; ok {
		return n
	}
	return tb.defaultCap
}

// regenerate refills a bucket based on elapsed time. Regeneration rate is
// capacity tokens per minute, so a full bucket refills in one minute.
func (tb *TokenBucket) regenerate(tool string) {
	now := tb.now()
	capacity := float64(tb.capFor(tool))

	last, ok := tb.lastUpdates[tool]
	if !ok {
		tb.tokens[tool] = capacity
		tb.lastUpdates[tool] = now
		return
	}

	regenerated := now.Sub(last).Minutes() * capacity
	if regenerated > 0 {
		tb.tokens[tool] = math.Min(capacity, tb.tokens[tool]+regenerated)
		tb.lastUpdates[tool] = now
	}
}

// Allow attempts to consume a token for a tool. Returns false when the
// bucket is exhausted.
func (tb *TokenBucket) Allow(tool string) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.regenerate(tool)
	if tb.tokens[tool] >= 1 {
		tb.tokens[tool]--
		return true
	}
	return false
}

// Remaining returns the current token count for a tool.
func (tb *TokenBucket) Remaining(tool string) float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.regenerate(tool)
	return tb.tokens[tool]
}
