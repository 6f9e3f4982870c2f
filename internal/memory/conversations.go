package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"selfforge/internal/logging"
)

// StoreMessage appends a message to its conversation log, then mirrors it
// into the relational index. The log append is the commit point: if it fails
// the write fails, while an index failure only degrades search until the
// watcher reconciles.
func (e *Engine) StoreMessage(ctx context.Context, msg Message) (*Message, error) {
	if msg.ConversationID == "" {
		return nil, fmt.Errorf("memory: conversation id required")
	}
	if msg.Role == "" {
		return nil, fmt.Errorf("memory: message role required")
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	mu := e.lockFor(msg.ConversationID)
	mu.Lock()
	defer mu.Unlock()

	rec := logRecord{
		ID:            msg.ID,
		Role:          msg.Role,
		Content:       msg.Content,
		Timestamp:     msg.Timestamp.UnixMilli(),
		TokenEstimate: msg.TokenEstimate,
		Metadata:      msg.Metadata,
	}
	if err := e.appendLog(msg.ConversationID, rec); err != nil {
		return nil, err
	}

	if err := e.indexMessage(ctx, &msg); err != nil {
		logging.Get(logging.CategoryMemory).Warn("Index write failed for message %s (log is durable): %v", msg.ID, err)
	}

	return &msg, nil
}

// indexMessage mirrors one durable message into the relational store in a
// single transaction.
func (e *Engine) indexMessage(ctx context.Context, msg *Message) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	logHash, err := hashLogFile(e.logPath(msg.ConversationID))
	if err != nil {
		return fmt.Errorf("failed to hash conversation log: %w", err)
	}

	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	_, err = tx.Exec(`
		INSERT INTO conversations (id, title, created_at, updated_at, content_hash)
		VALUES (?, '', ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at, content_hash = excluded.content_hash
	`, msg.ConversationID, now, now, logHash)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}

	meta := ""
	if msg.Metadata != nil {
		if b, err := json.Marshal(msg.Metadata); err == nil {
			meta = string(b)
		}
	}
	_, err = tx.Exec(`
		INSERT OR REPLACE INTO conversation_messages
			(id, conversation_id, role, content, timestamp, token_estimate, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.Timestamp.UnixMilli(), msg.TokenEstimate, meta)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	ordinal, err := nextChunkOrdinal(tx, msg.ConversationID)
	if err != nil {
		return err
	}

	chunks := chunkMessage(msg, ordinal)
	for _, chunk := range chunks {
		if err := e.insertConversationChunk(tx, msg.ConversationID, chunk); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message index: %w", err)
	}

	if e.embedder != nil {
		for _, chunk := range chunks {
			if err := e.embedChunk(ctx, chunk.ID, "conversation", chunk.Text); err != nil {
				logging.MemoryDebug("Embedding for chunk %s deferred: %v", chunk.ID, err)
			}
		}
	}
	return nil
}

func nextChunkOrdinal(tx *sql.Tx, conversationID string) (int, error) {
	var next sql.NullInt64
	err := tx.QueryRow(`SELECT MAX(ordinal) + 1 FROM conversation_chunks WHERE conversation_id = ?`, conversationID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to compute chunk ordinal: %w", err)
	}
	if !next.Valid {
		return 0, nil
	}
	return int(next.Int64), nil
}

func (e *Engine) insertConversationChunk(tx *sql.Tx, conversationID string, chunk Chunk) error {
	_, err := tx.Exec(`
		INSERT OR REPLACE INTO conversation_chunks (id, conversation_id, ordinal, text, hash)
		VALUES (?, ?, ?, ?, ?)
	`, chunk.ID, conversationID, chunk.Ordinal, chunk.Text, chunk.ContentHash)
	if err != nil {
		return fmt.Errorf("failed to insert chunk: %w", err)
	}
	if !e.fts {
		return nil
	}
	if _, err := tx.Exec(`DELETE FROM conversation_chunks_fts WHERE id = ?`, chunk.ID); err != nil {
		return fmt.Errorf("failed to clear chunk FTS row: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO conversation_chunks_fts (id, text) VALUES (?, ?)`, chunk.ID, chunk.Text); err != nil {
		return fmt.Errorf("failed to index chunk: %w", err)
	}
	return nil
}

// GetConversation loads a conversation's messages from the log, which is
// authoritative even when the index lags.
func (e *Engine) GetConversation(conversationID string) (*Conversation, []Message, error) {
	messages, err := e.readLog(conversationID)
	if err != nil {
		return nil, nil, err
	}

	conv := &Conversation{ID: conversationID}
	err = e.db.QueryRow(`
		SELECT title, created_at, updated_at, content_hash FROM conversations WHERE id = ?
	`, conversationID).Scan(&conv.Title, scanMilli(&conv.CreatedAt), scanMilli(&conv.UpdatedAt), &conv.ContentHash)
	if err != nil && err != sql.ErrNoRows {
		return nil, nil, fmt.Errorf("failed to load conversation row: %w", err)
	}
	if err == sql.ErrNoRows && messages == nil {
		return nil, nil, fmt.Errorf("memory: conversation %s not found", conversationID)
	}
	return conv, messages, nil
}

// ListConversations returns indexed conversations, most recently updated
// first. A non-positive limit returns all.
func (e *Engine) ListConversations(limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := e.db.Query(`
		SELECT id, title, created_at, updated_at, content_hash
		FROM conversations ORDER BY updated_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Title, scanMilli(&c.CreatedAt), scanMilli(&c.UpdatedAt), &c.ContentHash); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetConversationTitle updates the display title; titles live only in the
// index and are recomputable metadata.
func (e *Engine) SetConversationTitle(conversationID, title string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	_, err := e.db.Exec(`UPDATE conversations SET title = ? WHERE id = ?`, title, conversationID)
	if err != nil {
		return fmt.Errorf("failed to set conversation title: %w", err)
	}
	return nil
}

// RecordDecision stores a decision record.
func (e *Engine) RecordDecision(d Decision) (*Decision, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}

	alternatives := ""
	if len(d.Alternatives) > 0 {
		if b, err := json.Marshal(d.Alternatives); err == nil {
			alternatives = string(b)
		}
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	_, err := e.db.Exec(`
		INSERT INTO decisions (id, timestamp, context, reasoning, alternatives, chosen, outcome, lessons)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.Timestamp.UnixMilli(), d.Context, d.Reasoning, alternatives, d.Chosen, d.Outcome, d.Lessons)
	if err != nil {
		return nil, fmt.Errorf("failed to record decision: %w", err)
	}
	return &d, nil
}

// RecordDecisionOutcome fills in the outcome and lessons of an earlier
// decision. Only empty outcome fields may be set; recorded outcomes are
// immutable.
func (e *Engine) RecordDecisionOutcome(decisionID, outcome, lessons string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	res, err := e.db.Exec(`
		UPDATE decisions SET outcome = ?, lessons = ?
		WHERE id = ? AND (outcome IS NULL OR outcome = '')
	`, outcome, lessons, decisionID)
	if err != nil {
		return fmt.Errorf("failed to record decision outcome: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("memory: decision %s not found or outcome already recorded", decisionID)
	}
	return nil
}

// RecentDecisions returns decisions newest first.
func (e *Engine) RecentDecisions(limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := e.db.Query(`
		SELECT id, timestamp, context, reasoning, alternatives, chosen, outcome, lessons
		FROM decisions ORDER BY timestamp DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		var alternatives string
		if err := rows.Scan(&d.ID, scanMilli(&d.Timestamp), &d.Context, &d.Reasoning, &alternatives, &d.Chosen, &d.Outcome, &d.Lessons); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		if alternatives != "" {
			_ = json.Unmarshal([]byte(alternatives), &d.Alternatives)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// StorePattern records a reusable recipe, keyed by name.
func (e *Engine) StorePattern(p Pattern) (*Pattern, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("memory: pattern name required")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	_, err := e.db.Exec(`
		INSERT INTO patterns (id, name, category, problem, solution, success_count, failure_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			category = excluded.category,
			problem = excluded.problem,
			solution = excluded.solution
	`, p.ID, p.Name, p.Category, p.Problem, p.Solution, p.SuccessCount, p.FailureCount)
	if err != nil {
		return nil, fmt.Errorf("failed to store pattern: %w", err)
	}
	return &p, nil
}

// RecordPatternOutcome increments a pattern's success or failure counter.
func (e *Engine) RecordPatternOutcome(name string, success bool) error {
	column := "failure_count"
	if success {
		column = "success_count"
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	res, err := e.db.Exec(`UPDATE patterns SET `+column+` = `+column+` + 1 WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to record pattern outcome: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("memory: pattern %q not found", name)
	}
	return nil
}

// ListPatterns returns patterns ordered by observed success rate.
func (e *Engine) ListPatterns(category string) ([]Pattern, error) {
	query := `
		SELECT id, name, category, problem, solution, success_count, failure_count
		FROM patterns
	`
	var args []any
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY CAST(success_count AS REAL) / MAX(success_count + failure_count, 1) DESC, name`

	rows, err := e.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list patterns: %w", err)
	}
	defer rows.Close()

	var out []Pattern
	for rows.Next() {
		var p Pattern
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.Problem, &p.Solution, &p.SuccessCount, &p.FailureCount); err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// milliScanner adapts a time.Time field to a unix-milli INTEGER column.
type milliScanner struct {
	dst *time.Time
}

func scanMilli(dst *time.Time) *milliScanner { return &milliScanner{dst: dst} }

func (s *milliScanner) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s.dst = time.Time{}
	case int64:
		*s.dst = time.UnixMilli(v)
	case float64:
		*s.dst = time.UnixMilli(int64(v))
	default:
		return fmt.Errorf("cannot scan %T as timestamp", src)
	}
	return nil
}
