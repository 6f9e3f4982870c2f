package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"selfforge/internal/logging"
)

// Watcher keeps the relational index consistent with the conversation log
// directory. The log is authoritative; when a file's hash disagrees with the
// stored content_hash the conversation is rebuilt from the log.
type Watcher struct {
	engine   *Engine
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// DefaultDebounce batches rapid successive writes to one log file.
const DefaultDebounce = 1 * time.Second

// NewWatcher creates a watcher over the engine's log directory.
func NewWatcher(engine *Engine, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		engine:   engine,
		debounce: debounce,
		pending:  make(map[string]time.Time),
		done:     make(chan struct{}),
	}
}

// Start runs an initial full reconcile, then watches for changes until ctx
// is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.ReconcileAll(ctx); err != nil {
		logging.Get(logging.CategoryWatcher).Warn("Initial reconcile incomplete: %v", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(w.engine.LogDir()); err != nil {
		fw.Close()
		return fmt.Errorf("failed to watch log directory: %w", err)
	}
	logging.Watcher("Watching %s (debounce %s)", w.engine.LogDir(), w.debounce)

	w.wg.Add(1)
	go w.loop(ctx, fw)
	return nil
}

// Stop terminates the watch loop and waits for in-flight reconciles.
func (w *Watcher) Stop() {
	close(w.done)
	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	defer w.wg.Done()
	defer fw.Close()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".jsonl") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending[event.Name] = time.Now()
			w.mu.Unlock()
			logging.WatcherDebug("Queued %s (%s)", filepath.Base(event.Name), event.Op)

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryWatcher).Warn("Watcher error: %v", err)

		case <-ticker.C:
			w.flushDue(ctx)
		}
	}
}

// flushDue reconciles every pending path whose debounce window has elapsed.
func (w *Watcher) flushDue(ctx context.Context) {
	now := time.Now()

	w.mu.Lock()
	var due []string
	for path, queued := range w.pending {
		if now.Sub(queued) >= w.debounce {
			due = append(due, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range due {
		conversationID := strings.TrimSuffix(filepath.Base(path), ".jsonl")
		if err := w.reconcileWithRetry(ctx, conversationID); err != nil {
			logging.Get(logging.CategoryWatcher).Error("Reconcile of %s failed: %v", conversationID, err)
		}
	}
}

// reconcileWithRetry retries transient reconcile failures with exponential
// backoff before giving up.
func (w *Watcher) reconcileWithRetry(ctx context.Context, conversationID string) error {
	backoff := 200 * time.Millisecond
	var err error
	for attempt := 0; attempt < 4; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.done:
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = w.engine.ReconcileConversation(conversationID); err == nil {
			return nil
		}
		logging.WatcherDebug("Reconcile attempt %d for %s failed: %v", attempt+1, conversationID, err)
	}
	return err
}

// ReconcileAll walks the log directory and reconciles every conversation
// whose log hash disagrees with the index, plus removes indexed
// conversations whose logs are gone.
func (w *Watcher) ReconcileAll(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryWatcher, "ReconcileAll")
	defer timer.Stop()

	ids, err := w.engine.listLogFiles()
	if err != nil {
		return err
	}

	onDisk := make(map[string]bool, len(ids))
	reconciled := 0
	for _, id := range ids {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		onDisk[id] = true
		changed, err := w.engine.reconcileIfStale(id)
		if err != nil {
			logging.Get(logging.CategoryWatcher).Warn("Reconcile of %s failed: %v", id, err)
			continue
		}
		if changed {
			reconciled++
		}
	}

	indexed, err := w.engine.ListConversations(0)
	if err != nil {
		return err
	}
	for _, conv := range indexed {
		if onDisk[conv.ID] {
			continue
		}
		if err := w.engine.removeConversation(conv.ID); err != nil {
			logging.Get(logging.CategoryWatcher).Warn("Failed to drop orphaned conversation %s: %v", conv.ID, err)
		}
	}

	logging.Watcher("Reconcile complete: %d logs scanned, %d rebuilt", len(ids), reconciled)
	return nil
}

// reconcileIfStale rebuilds a conversation only when the log hash disagrees
// with the stored content_hash.
func (e *Engine) reconcileIfStale(conversationID string) (bool, error) {
	logHash, err := hashLogFile(e.logPath(conversationID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, e.removeConversation(conversationID)
		}
		return false, err
	}

	var storedHash string
	err = e.db.QueryRow(`SELECT content_hash FROM conversations WHERE id = ?`, conversationID).Scan(&storedHash)
	if err == nil && storedHash == logHash {
		logging.WatcherDebug("Conversation %s unchanged (hash match), skipping", conversationID)
		return false, nil
	}

	return true, e.ReconcileConversation(conversationID)
}

// ReconcileConversation rebuilds a conversation's index rows from its log.
// Chunks whose content hash is unchanged keep their stored embeddings.
func (e *Engine) ReconcileConversation(conversationID string) error {
	mu := e.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	messages, err := e.readLog(conversationID)
	if err != nil {
		return err
	}
	if messages == nil {
		return e.removeConversation(conversationID)
	}

	logHash, err := hashLogFile(e.logPath(conversationID))
	if err != nil {
		return err
	}

	// Rechunk the whole conversation so ordinals stay dense.
	var chunks []Chunk
	for _, msg := range messages {
		m := msg
		chunks = append(chunks, chunkMessage(&m, len(chunks))...)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin reconcile transaction: %w", err)
	}
	defer tx.Rollback()

	existing := make(map[string]string)
	rows, err := tx.Query(`SELECT id, hash FROM conversation_chunks WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("failed to read existing chunks: %w", err)
	}
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			rows.Close()
			return err
		}
		existing[id] = hash
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM conversation_messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	for _, msg := range messages {
		meta := ""
		if msg.Metadata != nil {
			if b, err := json.Marshal(msg.Metadata); err == nil {
				meta = string(b)
			}
		}
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO conversation_messages
				(id, conversation_id, role, content, timestamp, token_estimate, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, msg.ID, conversationID, msg.Role, msg.Content, msg.Timestamp.UnixMilli(), msg.TokenEstimate, meta)
		if err != nil {
			return fmt.Errorf("failed to reinsert message: %w", err)
		}
	}

	keep := make(map[string]bool, len(chunks))
	for _, chunk := range chunks {
		keep[chunk.ID] = true
		if existing[chunk.ID] == chunk.ContentHash {
			continue
		}
		if err := e.insertConversationChunk(tx, conversationID, chunk); err != nil {
			return err
		}
		// Content changed under the same id; the old vector is stale.
		if _, err := tx.Exec(`DELETE FROM chunk_embeddings WHERE chunk_id = ?`, chunk.ID); err != nil {
			return fmt.Errorf("failed to drop stale embedding: %w", err)
		}
	}
	for id := range existing {
		if keep[id] {
			continue
		}
		if _, err := tx.Exec(`DELETE FROM conversation_chunks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete stale chunk: %w", err)
		}
		if e.fts {
			if _, err := tx.Exec(`DELETE FROM conversation_chunks_fts WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to delete stale chunk FTS row: %w", err)
			}
		}
		if _, err := tx.Exec(`DELETE FROM chunk_embeddings WHERE chunk_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete stale embedding: %w", err)
		}
	}

	created := time.Now().UnixMilli()
	if len(messages) > 0 {
		created = messages[0].Timestamp.UnixMilli()
	}
	updated := time.Now().UnixMilli()
	if len(messages) > 0 {
		updated = messages[len(messages)-1].Timestamp.UnixMilli()
	}
	_, err = tx.Exec(`
		INSERT INTO conversations (id, title, created_at, updated_at, content_hash)
		VALUES (?, '', ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at, content_hash = excluded.content_hash
	`, conversationID, created, updated, logHash)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reconcile: %w", err)
	}
	logging.WatcherDebug("Reconciled %s: %d messages, %d chunks", conversationID, len(messages), len(chunks))
	return nil
}

// removeConversation drops all index rows for a conversation whose log is
// gone.
func (e *Engine) removeConversation(conversationID string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin removal: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id FROM conversation_chunks WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		if e.fts {
			if _, err := tx.Exec(`DELETE FROM conversation_chunks_fts WHERE id = ?`, id); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(`DELETE FROM chunk_embeddings WHERE chunk_id = ?`, id); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`DELETE FROM conversation_chunks WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM conversation_messages WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, conversationID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit removal: %w", err)
	}
	logging.Watcher("Dropped index rows for removed conversation %s", conversationID)
	return nil
}
