// Package memory implements the durable substrate: a SQLite relational store
// with an FTS index, append-only JSONL conversation logs, a content-addressed
// embedding cache, and a file watcher keeping log and index in sync. The log
// is the source of truth for conversations; the relational store is a
// rebuildable mirror. All mutation flows through Engine methods.
package memory

import (
	"time"
)

// Conversation is a durable chat thread.
type Conversation struct {
	ID          string
	Title       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ContentHash string // SHA-256 of the conversation's log file
}

// Message is one turn in a conversation. Messages are never mutated after
// write.
type Message struct {
	ID             string
	ConversationID string
	Role           string // user | assistant | tool
	Content        string
	Timestamp      time.Time
	TokenEstimate  int
	Metadata       map[string]any
}

// Chunk is a text fragment derived from a message or code region.
type Chunk struct {
	ID          string
	SourceID    string
	Ordinal     int
	Text        string
	ContentHash string // SHA-256 of Text
	StartLine   int
	EndLine     int
}

// CodeFile is a scanned source file tracked for incremental reindexing.
type CodeFile struct {
	Path         string // repo-relative
	RepoID       string
	Language     string
	Size         int64
	Hash         string // SHA-256 of bytes
	LastModified time.Time
}

// CodeChunk is an indexed region of a code file.
type CodeChunk struct {
	ID        string
	FilePath  string
	StartLine int
	EndLine   int
	Text      string
	Hash      string
	Symbols   []string
	Imports   []string
}

// Decision records a choice made by the agent or user. Append-only once an
// outcome is recorded.
type Decision struct {
	ID           string
	Timestamp    time.Time
	Context      string
	Reasoning    string
	Alternatives []string
	Chosen       string
	Outcome      string
	Lessons      string
}

// Metric is a single immutable data point.
type Metric struct {
	ID        string
	Timestamp time.Time
	Type      string
	Name      string
	Value     float64
	Context   string
}

// Pattern is a reusable recipe discovered by the system; its counters mutate
// with outcome feedback.
type Pattern struct {
	ID           string
	Name         string
	Category     string
	Problem      string
	Solution     string
	SuccessCount int
	FailureCount int
}

// SearchResult is one ranked hit from any search entry point.
type SearchResult struct {
	ID       string
	Source   string // "conversation" | "code" | "decision"
	Score    float64
	Content  string
	Metadata map[string]any
}

// SearchResponse carries ranked results plus degradation flags.
type SearchResponse struct {
	Results []SearchResult

	// KeywordOnly is set when no vector index was available and the
	// caller received keyword results alone.
	KeywordOnly bool

	// Partial is set when the index is known to lag the log.
	Partial bool
}

// AnomalyPolicy selects the threshold rule for DetectAnomalies.
type AnomalyPolicy string

const (
	AnomalyAbsolute     AnomalyPolicy = "absolute"
	AnomalyPercentage   AnomalyPolicy = "percentage"
	AnomalyStdDeviation AnomalyPolicy = "std_deviation"
)

// DefaultBaselineWindow is the prior window used as the percentage-policy
// baseline.
const DefaultBaselineWindow = time.Hour

// Semantic/keyword merge weights for hybrid search.
const (
	VectorWeight  = 0.6
	KeywordWeight = 0.4
)
