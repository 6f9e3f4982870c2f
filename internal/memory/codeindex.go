package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"selfforge/internal/logging"
)

// IndexCodeFile indexes one source file's content, replacing any stale chunks
// for the same path. Returns false without touching the index when the file's
// hash matches the stored one.
func (e *Engine) IndexCodeFile(ctx context.Context, repoID, path string, content []byte, modTime time.Time) (bool, error) {
	fileHash := hashText(string(content))

	var storedHash string
	err := e.db.QueryRow(`SELECT hash FROM code_files WHERE path = ?`, path).Scan(&storedHash)
	if err == nil && storedHash == fileHash {
		logging.MemoryDebug("Code file %s unchanged (hash match), skipping", path)
		return false, nil
	}

	chunks := e.chunkCode(path, string(content))

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tx, err := e.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin code index transaction: %w", err)
	}
	defer tx.Rollback()

	// Old chunks for the path are replaced wholesale; diffing happens at the
	// chunk-hash level below to preserve embeddings for unchanged spans.
	existing := make(map[string]string)
	rows, err := tx.Query(`SELECT id, hash FROM code_chunks WHERE file_path = ?`, path)
	if err != nil {
		return false, fmt.Errorf("failed to read existing code chunks: %w", err)
	}
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			rows.Close()
			return false, fmt.Errorf("failed to scan code chunk: %w", err)
		}
		existing[id] = hash
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}

	keep := make(map[string]bool, len(chunks))
	var toEmbed []CodeChunk
	for _, chunk := range chunks {
		keep[chunk.ID] = true
		if existing[chunk.ID] == chunk.Hash {
			continue
		}

		symbols, _ := json.Marshal(chunk.Symbols)
		imports, _ := json.Marshal(chunk.Imports)
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO code_chunks
				(id, file_path, start_line, end_line, text, hash, symbols, imports)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, chunk.ID, chunk.FilePath, chunk.StartLine, chunk.EndLine, chunk.Text, chunk.Hash, string(symbols), string(imports))
		if err != nil {
			return false, fmt.Errorf("failed to insert code chunk: %w", err)
		}
		if e.fts {
			if _, err := tx.Exec(`DELETE FROM code_chunks_fts WHERE id = ?`, chunk.ID); err != nil {
				return false, fmt.Errorf("failed to clear code chunk FTS row: %w", err)
			}
			if _, err := tx.Exec(`INSERT INTO code_chunks_fts (id, text) VALUES (?, ?)`, chunk.ID, chunk.Text); err != nil {
				return false, fmt.Errorf("failed to index code chunk: %w", err)
			}
		}
		toEmbed = append(toEmbed, chunk)
	}

	for id := range existing {
		if keep[id] {
			continue
		}
		if _, err := tx.Exec(`DELETE FROM code_chunks WHERE id = ?`, id); err != nil {
			return false, fmt.Errorf("failed to delete stale code chunk: %w", err)
		}
		if e.fts {
			if _, err := tx.Exec(`DELETE FROM code_chunks_fts WHERE id = ?`, id); err != nil {
				return false, fmt.Errorf("failed to delete stale code chunk FTS row: %w", err)
			}
		}
		if _, err := tx.Exec(`DELETE FROM chunk_embeddings WHERE chunk_id = ?`, id); err != nil {
			return false, fmt.Errorf("failed to delete stale chunk embedding: %w", err)
		}
	}

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO code_files (path, repo, hash, language, size, last_modified)
		VALUES (?, ?, ?, ?, ?, ?)
	`, path, repoID, fileHash, detectLanguage(path), len(content), modTime.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to upsert code file: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit code index: %w", err)
	}

	if e.embedder != nil {
		for _, chunk := range toEmbed {
			if err := e.embedChunk(ctx, chunk.ID, "code", chunk.Text); err != nil {
				logging.MemoryDebug("Embedding for code chunk %s deferred: %v", chunk.ID, err)
			}
		}
	}

	logging.MemoryDebug("Indexed %s: %d chunks (%d changed)", path, len(chunks), len(toEmbed))
	return true, nil
}

// RemoveCodeFile drops a deleted file's chunks from the index.
func (e *Engine) RemoveCodeFile(path string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin removal transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id FROM code_chunks WHERE file_path = ?`, path)
	if err != nil {
		return fmt.Errorf("failed to find chunks for removal: %w", err)
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
			if _, err := tx.Exec(`DELETE FROM code_chunks_fts WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to remove chunk FTS row: %w", err)
			}
		}
		if _, err := tx.Exec(`DELETE FROM chunk_embeddings WHERE chunk_id = ?`, id); err != nil {
			return fmt.Errorf("failed to remove chunk embedding: %w", err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM code_chunks WHERE file_path = ?`, path); err != nil {
		return fmt.Errorf("failed to remove code chunks: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM code_files WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to remove code file: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit code removal: %w", err)
	}
	logging.MemoryDebug("Removed %s from code index (%d chunks)", path, len(ids))
	return nil
}

// StaleFiles compares on-disk files against the stored hashes and returns
// paths needing reindexing. Paths present in the index but missing on disk
// are returned in removed.
func (e *Engine) StaleFiles(paths []string) (stale []string, removed []string, err error) {
	indexed := make(map[string]string)
	rows, err := e.db.Query(`SELECT path, hash FROM code_files`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read code file index: %w", err)
	}
	for rows.Next() {
		var path, hash string
		if err := rows.Scan(&path, &hash); err != nil {
			rows.Close()
			return nil, nil, err
		}
		indexed[path] = hash
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	seen := make(map[string]bool, len(paths))
	for _, path := range paths {
		seen[path] = true
		content, err := os.ReadFile(path)
		if err != nil {
			logging.MemoryDebug("Cannot read %s during staleness scan: %v", path, err)
			continue
		}
		if indexed[path] != hashText(string(content)) {
			stale = append(stale, path)
		}
	}
	for path := range indexed {
		if !seen[path] {
			removed = append(removed, path)
		}
	}
	return stale, removed, nil
}
