package memory

import (
	"context"
	"fmt"
	"time"

	"selfforge/internal/logging"
)

// CacheStats summarizes the embedding cache for the monitoring surface.
type CacheStats struct {
	Entries int64
	Hits    int64
	Misses  int64
}

// cacheGet looks up a cached vector by (provider, model, content hash) and
// bumps last_accessed on hit.
func (e *Engine) cacheGet(provider, model, contentHash string) ([]float32, bool, error) {
	var blob []byte
	var dims int
	err := e.db.QueryRow(`
		SELECT vector, dims FROM embedding_cache
		WHERE provider = ? AND model = ? AND content_hash = ?
	`, provider, model, contentHash).Scan(&blob, &dims)
	if err != nil {
		if isNoRows(err) {
			e.cacheMisses.Add(1)
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read embedding cache: %w", err)
	}

	vec, err := decodeVector(blob, dims)
	if err != nil {
		return nil, false, err
	}

	e.writeMu.Lock()
	_, uerr := e.db.Exec(`
		UPDATE embedding_cache SET last_accessed_at = ?
		WHERE provider = ? AND model = ? AND content_hash = ?
	`, time.Now().UnixMilli(), provider, model, contentHash)
	e.writeMu.Unlock()
	if uerr != nil {
		logging.MemoryDebug("Failed to bump cache access time: %v", uerr)
	}

	e.cacheHits.Add(1)
	return vec, true, nil
}

// cacheSet stores a vector and evicts least-recently-used entries past the
// size bound.
func (e *Engine) cacheSet(provider, model, contentHash string, vec []float32) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	now := time.Now().UnixMilli()
	_, err := e.db.Exec(`
		INSERT OR REPLACE INTO embedding_cache
			(provider, model, content_hash, vector, dims, created_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, provider, model, contentHash, encodeVector(vec), len(vec), now, now)
	if err != nil {
		return fmt.Errorf("failed to write embedding cache: %w", err)
	}

	if e.cacheMaxSize > 0 {
		var count int64
		if err := e.db.QueryRow(`SELECT COUNT(*) FROM embedding_cache`).Scan(&count); err != nil {
			return fmt.Errorf("failed to count cache entries: %w", err)
		}
		if over := count - int64(e.cacheMaxSize); over > 0 {
			_, err := e.db.Exec(`
				DELETE FROM embedding_cache WHERE rowid IN (
					SELECT rowid FROM embedding_cache ORDER BY last_accessed_at ASC LIMIT ?
				)
			`, over)
			if err != nil {
				return fmt.Errorf("failed to evict cache entries: %w", err)
			}
			logging.MemoryDebug("Evicted %d LRU embedding cache entries", over)
		}
	}
	return nil
}

// embedText returns the embedding for text, consulting the cache first. The
// cache key includes provider and model so switching either never serves a
// stale vector.
func (e *Engine) embedText(ctx context.Context, text string) ([]float32, error) {
	if e.embedder == nil {
		return nil, fmt.Errorf("memory: no embedding engine configured")
	}

	contentHash := hashText(text)
	provider := e.embedder.Name()
	model := e.embedder.Model()

	if vec, ok, err := e.cacheGet(provider, model, contentHash); err != nil {
		return nil, err
	} else if ok {
		return vec, nil
	}

	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := e.cacheSet(provider, model, contentHash, vec); err != nil {
		logging.MemoryDebug("Failed to cache embedding: %v", err)
	}
	return vec, nil
}

// embedChunk computes and stores a chunk's embedding in chunk_embeddings.
func (e *Engine) embedChunk(ctx context.Context, chunkID, source, text string) error {
	vec, err := e.embedText(ctx, text)
	if err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	_, err = e.db.Exec(`
		INSERT OR REPLACE INTO chunk_embeddings (chunk_id, source, vector, dims)
		VALUES (?, ?, ?, ?)
	`, chunkID, source, encodeVector(vec), len(vec))
	if err != nil {
		return fmt.Errorf("failed to store chunk embedding: %w", err)
	}
	return nil
}

// CacheHas reports whether an embedding for the exact text is cached. Unlike
// cacheGet it does not bump last_accessed.
func (e *Engine) CacheHas(provider, model, text string) (bool, error) {
	var one int
	err := e.db.QueryRow(`
		SELECT 1 FROM embedding_cache
		WHERE provider = ? AND model = ? AND content_hash = ?
	`, provider, model, hashText(text)).Scan(&one)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to probe embedding cache: %w", err)
	}
	return true, nil
}

// ClearCacheProvider drops cache entries for one provider, or only one of its
// models when model is non-empty. Used on key or endpoint rotation.
func (e *Engine) ClearCacheProvider(provider, model string) (int64, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	query, args := `DELETE FROM embedding_cache WHERE provider = ?`, []any{provider}
	if model != "" {
		query += ` AND model = ?`
		args = append(args, model)
	}
	res, err := e.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to clear cache for provider %s: %w", provider, err)
	}
	n, _ := res.RowsAffected()
	logging.Memory("Cleared %d embedding cache entries for provider %s", n, provider)
	return n, nil
}

// CleanExpiredCache removes entries older than the configured max age.
func (e *Engine) CleanExpiredCache() (int64, error) {
	if e.cacheMaxAge <= 0 {
		return 0, nil
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	cutoff := time.Now().Add(-e.cacheMaxAge).UnixMilli()
	res, err := e.db.Exec(`DELETE FROM embedding_cache WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean expired cache entries: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.MemoryDebug("Removed %d expired embedding cache entries", n)
	}
	return n, nil
}

// CacheStats reports cache size and session hit counters.
func (e *Engine) CacheStats() (CacheStats, error) {
	var stats CacheStats
	if err := e.db.QueryRow(`SELECT COUNT(*) FROM embedding_cache`).Scan(&stats.Entries); err != nil {
		return stats, fmt.Errorf("failed to count cache entries: %w", err)
	}
	stats.Hits = e.cacheHits.Load()
	stats.Misses = e.cacheMisses.Load()
	return stats, nil
}
