package tools

import (
	"sync"
)

// toolStats accumulates per-tool execution counters.
type toolStats struct {
	totalCalls   int64
	successes    int64
	failures     int64
	totalMs      int64
	errorsByCode map[ErrorCode]int64
}

// ToolMetrics is a read-only view of one tool's counters.
type ToolMetrics struct {
	ToolName     string
	TotalCalls   int64
	Successes    int64
	Failures     int64
	AvgMs        float64
	ErrorsByCode map[ErrorCode]int64
}

// Tracker meters every pipeline invocation, per tool and globally.
type Tracker struct {
	mu    sync.Mutex
	stats map[string]*toolStats
}

// NewTracker creates an empty metrics tracker.
func NewTracker() *Tracker {
	return &Tracker{stats: make(map[string]*toolStats)}
}

func (t *Tracker) get(tool string) *toolStats {
	s, ok := t.stats[tool]
	if !ok {
		s = &toolStats{errorsByCode: make(map[ErrorCode]int64)}
		t.stats[tool] = s
	}
	return s
}

// Record adds one invocation outcome. code is empty on success.
func (t *Tracker) Record(tool string, ok bool, executionMs int64, code ErrorCode) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(tool)
	s.totalCalls++
	s.totalMs += executionMs
	if ok {
		s.successes++
	} else {
		s.failures++
		if code != "" {
			s.errorsByCode[code]++
		}
	}
}

// Metrics returns a snapshot for one tool.
func (t *Tracker) Metrics(tool string) ToolMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(tool, t.get(tool))
}

// All returns a snapshot of every metered tool.
func (t *Tracker) All() []ToolMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ToolMetrics, 0, len(t.stats))
	for name, s := range t.stats {
		out = append(out, t.snapshotLocked(name, s))
	}
	return out
}

// Global aggregates all tools into one summary row.
func (t *Tracker) Global() ToolMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	agg := ToolMetrics{ToolName: "_global", ErrorsByCode: make(map[ErrorCode]int64)}
	var totalMs int64
	for _, s := range t.stats {
		agg.TotalCalls += s.totalCalls
		agg.Successes += s.successes
		agg.Failures += s.failures
		totalMs += s.totalMs
		for code, n := range s.errorsByCode {
			agg.ErrorsByCode[code] += n
		}
	}
	if agg.TotalCalls > 0 {
		agg.AvgMs = float64(totalMs) / float64(agg.TotalCalls)
	}
	return agg
}

func (t *Tracker) snapshotLocked(name string, s *toolStats) ToolMetrics {
	m := ToolMetrics{
		ToolName:     name,
		TotalCalls:   s.totalCalls,
		Successes:    s.successes,
		Failures:     s.failures,
		ErrorsByCode: make(map[ErrorCode]int64, len(s.errorsByCode)),
	}
	if s.totalCalls > 0 {
		m.AvgMs = float64(s.totalMs) / float64(s.totalCalls)
	}
	for code, n := range s.errorsByCode {
		m.ErrorsByCode[code] = n
	}
	return m
}
