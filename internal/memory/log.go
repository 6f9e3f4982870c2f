package memory

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"selfforge/internal/logging"
)

// logRecord is one line of a conversation JSONL file. The log is append-only;
// records are never rewritten in place.
type logRecord struct {
	ID            string         `json:"id"`
	Role          string         `json:"role"`
	Content       string         `json:"content"`
	Timestamp     int64          `json:"ts"`
	TokenEstimate int            `json:"tokens,omitempty"`
	Metadata      map[string]any `json:"meta,omitempty"`
}

// logPath returns the JSONL file for a conversation id.
func (e *Engine) logPath(conversationID string) string {
	return filepath.Join(e.logDir, conversationID+".jsonl")
}

// appendLog writes one record to the conversation log and fsyncs before
// returning. A successful return means the record is durable.
func (e *Engine) appendLog(conversationID string, rec logRecord) error {
	path := e.logPath(conversationID)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open conversation log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode log record: %w", err)
	}
	line = append(line, '\n')

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("failed to append to conversation log: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync conversation log: %w", err)
	}
	return nil
}

// readLog parses a conversation JSONL file. Malformed lines are skipped with
// a warning rather than failing the whole read; a partially written tail line
// must not poison recovery.
func (e *Engine) readLog(conversationID string) ([]Message, error) {
	path := e.logPath(conversationID)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open conversation log: %w", err)
	}
	defer f.Close()

	var messages []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec logRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			logging.Get(logging.CategoryMemory).Warn("Skipping malformed log line %s:%d: %v", path, lineNo, err)
			continue
		}
		messages = append(messages, Message{
			ID:             rec.ID,
			ConversationID: conversationID,
			Role:           rec.Role,
			Content:        rec.Content,
			Timestamp:      time.UnixMilli(rec.Timestamp),
			TokenEstimate:  rec.TokenEstimate,
			Metadata:       rec.Metadata,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read conversation log: %w", err)
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})
	return messages, nil
}

// hashLogFile computes the SHA-256 of a conversation log file.
func hashLogFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashText computes the SHA-256 of a string.
func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// listLogFiles returns conversation ids present in the log directory.
func (e *Engine) listLogFiles() ([]string, error) {
	entries, err := os.ReadDir(e.logDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read log directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".jsonl"))
	}
	sort.Strings(ids)
	return ids, nil
}
