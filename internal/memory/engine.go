package memory

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"selfforge/internal/embedding"
	"selfforge/internal/logging"
)

// Options configures the Memory Engine.
type Options struct {
	DBPath string
	LogDir string

	// CacheMaxSize bounds the embedding cache; 0 means unbounded.
	CacheMaxSize int
	// CacheMaxAge expires cache entries by age; 0 disables expiry.
	CacheMaxAge time.Duration

	// CodeChunkLines / CodeChunkOverlap control the code chunking window.
	CodeChunkLines   int
	CodeChunkOverlap int

	// Embedder enables semantic search and cache population when set.
	Embedder embedding.Engine
}

// Engine is the process-wide Memory Engine instance.
type Engine struct {
	db     *sql.DB
	dbPath string
	logDir string

	// writeMu enforces the single-writer discipline on the store.
	writeMu sync.Mutex

	// convLocks serializes appends and reconciles per conversation id.
	convLocks   map[string]*sync.Mutex
	convLocksMu sync.Mutex

	cacheMaxSize int
	cacheMaxAge  time.Duration

	chunkLines   int
	chunkOverlap int

	embedder  embedding.Engine
	vectorExt bool
	fts       bool

	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

// Open initializes the SQLite database and the conversation log directory.
func Open(opts Options) (*Engine, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "Open")
	defer timer.Stop()

	if opts.DBPath == "" {
		return nil, fmt.Errorf("memory: db path required")
	}
	if opts.LogDir == "" {
		opts.LogDir = filepath.Join(filepath.Dir(opts.DBPath), "conversations")
	}

	logging.Memory("Initializing Memory Engine at %s (logs: %s)", opts.DBPath, opts.LogDir)

	if err := os.MkdirAll(filepath.Dir(opts.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	if err := os.MkdirAll(opts.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	db, err := sql.Open("sqlite3", opts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.MemoryDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.MemoryDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.MemoryDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	chunkLines := opts.CodeChunkLines
	if chunkLines <= 0 {
		chunkLines = DefaultCodeChunkLines
	}
	chunkOverlap := opts.CodeChunkOverlap
	if chunkOverlap < 0 || chunkOverlap >= chunkLines {
		chunkOverlap = DefaultCodeChunkOverlap
	}

	e := &Engine{
		db:           db,
		dbPath:       opts.DBPath,
		logDir:       opts.LogDir,
		convLocks:    make(map[string]*sync.Mutex),
		cacheMaxSize: opts.CacheMaxSize,
		cacheMaxAge:  opts.CacheMaxAge,
		chunkLines:   chunkLines,
		chunkOverlap: chunkOverlap,
		embedder:     opts.Embedder,
	}

	if err := e.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	e.detectVecExtension()
	if e.vectorExt {
		logging.Memory("sqlite-vec extension detected; ANN search enabled")
	} else {
		logging.MemoryDebug("sqlite-vec extension not available; brute-force similarity only")
	}

	logging.Memory("Memory Engine initialization complete")
	return e, nil
}

// Close closes the database connection.
func (e *Engine) Close() error {
	logging.Memory("Closing Memory Engine")
	return e.db.Close()
}

// LogDir returns the conversation log directory.
func (e *Engine) LogDir() string { return e.logDir }

// HasEmbedder reports whether semantic search is configured.
func (e *Engine) HasEmbedder() bool { return e.embedder != nil }

// lockFor returns the serialization lock for one conversation id.
func (e *Engine) lockFor(conversationID string) *sync.Mutex {
	e.convLocksMu.Lock()
	defer e.convLocksMu.Unlock()

	mu, ok := e.convLocks[conversationID]
	if !ok {
		mu = &sync.Mutex{}
		e.convLocks[conversationID] = mu
	}
	return mu
}

// detectVecExtension probes for sqlite-vec virtual table support.
func (e *Engine) detectVecExtension() {
	if _, err := e.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		e.vectorExt = true
		_, _ = e.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	e.vectorExt = false
}

// Stats returns row counts per table for the monitoring surface.
func (e *Engine) Stats() (map[string]int64, error) {
	stats := make(map[string]int64)
	tables := []string{
		"conversations", "conversation_messages", "conversation_chunks",
		"code_files", "code_chunks", "decisions", "metrics", "patterns",
		"embedding_cache", "chunk_embeddings", "proposals",
	}
	for _, table := range tables {
		var count int64
		if err := e.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			logging.MemoryDebug("Table %s count failed: %v", table, err)
			continue
		}
		stats[table] = count
	}
	return stats, nil
}
