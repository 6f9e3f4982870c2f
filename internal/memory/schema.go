package memory

import (
	"fmt"

	"selfforge/internal/logging"
)

// initialize creates the required tables and indexes.
func (e *Engine) initialize() error {
	conversationsTable := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		content_hash TEXT DEFAULT ''
	);
	`

	messagesTable := `
	CREATE TABLE IF NOT EXISTS conversation_messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		token_estimate INTEGER DEFAULT 0,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON conversation_messages(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON conversation_messages(timestamp);
	`

	chunksTable := `
	CREATE TABLE IF NOT EXISTS conversation_chunks (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		text TEXT NOT NULL,
		hash TEXT NOT NULL,
		UNIQUE(conversation_id, ordinal)
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_conversation ON conversation_chunks(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_hash ON conversation_chunks(hash);
	`

	codeFilesTable := `
	CREATE TABLE IF NOT EXISTS code_files (
		path TEXT PRIMARY KEY,
		repo TEXT NOT NULL,
		hash TEXT NOT NULL,
		language TEXT,
		size INTEGER,
		last_modified INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_code_files_repo ON code_files(repo, path);
	`

	codeChunksTable := `
	CREATE TABLE IF NOT EXISTS code_chunks (
		id TEXT PRIMARY KEY,
		file_path TEXT NOT NULL,
		start_line INTEGER,
		end_line INTEGER,
		text TEXT NOT NULL,
		hash TEXT NOT NULL,
		symbols TEXT,
		imports TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_code_chunks_path ON code_chunks(file_path);
	CREATE INDEX IF NOT EXISTS idx_code_chunks_hash ON code_chunks(hash);
	`

	decisionsTable := `
	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		context TEXT,
		reasoning TEXT,
		alternatives TEXT,
		chosen TEXT,
		outcome TEXT,
		lessons TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp);
	`

	metricsTable := `
	CREATE TABLE IF NOT EXISTS metrics (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		metric_type TEXT NOT NULL,
		metric_name TEXT NOT NULL,
		value REAL NOT NULL,
		context TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_metrics_type_time ON metrics(metric_type, timestamp);
	CREATE INDEX IF NOT EXISTS idx_metrics_name ON metrics(metric_name);
	`

	patternsTable := `
	CREATE TABLE IF NOT EXISTS patterns (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT,
		problem TEXT,
		solution TEXT,
		success_count INTEGER DEFAULT 0,
		failure_count INTEGER DEFAULT 0,
		UNIQUE(name)
	);
	`

	embeddingCacheTable := `
	CREATE TABLE IF NOT EXISTS embedding_cache (
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		vector BLOB NOT NULL,
		dims INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		last_accessed_at INTEGER NOT NULL,
		PRIMARY KEY(provider, model, content_hash)
	);
	CREATE INDEX IF NOT EXISTS idx_embedding_cache_accessed ON embedding_cache(last_accessed_at);
	`

	chunkEmbeddingsTable := `
	CREATE TABLE IF NOT EXISTS chunk_embeddings (
		chunk_id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		vector BLOB NOT NULL,
		dims INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunk_embeddings_source ON chunk_embeddings(source);
	`

	proposalsTable := `
	CREATE TABLE IF NOT EXISTS proposals (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL,
		risk TEXT,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status);
	`

	for _, table := range []string{
		conversationsTable,
		messagesTable,
		chunksTable,
		codeFilesTable,
		codeChunksTable,
		decisionsTable,
		metricsTable,
		patternsTable,
		embeddingCacheTable,
		chunkEmbeddingsTable,
		proposalsTable,
	} {
		if _, err := e.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	e.initFTS()
	return nil
}

// initFTS creates the FTS5 virtual tables when the driver was built with
// FTS5 support. Without it keyword search degrades to a LIKE scan.
func (e *Engine) initFTS() {
	ftsTables := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS conversation_chunks_fts USING fts5(id UNINDEXED, text)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS code_chunks_fts USING fts5(id UNINDEXED, text)`,
	}
	for _, stmt := range ftsTables {
		if _, err := e.db.Exec(stmt); err != nil {
			logging.Get(logging.CategoryMemory).Warn("FTS5 unavailable, keyword search uses LIKE scan: %v", err)
			e.fts = false
			return
		}
	}
	e.fts = true
}
