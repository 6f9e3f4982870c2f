package memory

import (
	"database/sql"
	"fmt"
	"time"
)

// ProposalRecord is the persisted form of an evolution proposal. The payload
// is an opaque JSON document owned by the evolution package; status and risk
// are lifted out for querying.
type ProposalRecord struct {
	ID          string
	Title       string
	Description string
	Status      string
	Risk        string
	Payload     []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SaveProposal inserts or updates a proposal record.
func (e *Engine) SaveProposal(rec ProposalRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("memory: proposal id required")
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	_, err := e.db.Exec(`
		INSERT INTO proposals (id, title, description, status, risk, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			status = excluded.status,
			risk = excluded.risk,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, rec.ID, rec.Title, rec.Description, rec.Status, rec.Risk, string(rec.Payload),
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save proposal: %w", err)
	}
	return nil
}

// GetProposal loads one proposal by id.
func (e *Engine) GetProposal(id string) (*ProposalRecord, error) {
	var rec ProposalRecord
	err := e.db.QueryRow(`
		SELECT id, title, description, status, risk, payload, created_at, updated_at
		FROM proposals WHERE id = ?
	`, id).Scan(&rec.ID, &rec.Title, &rec.Description, &rec.Status, &rec.Risk,
		&rec.Payload, scanMilli(&rec.CreatedAt), scanMilli(&rec.UpdatedAt))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("memory: proposal %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load proposal: %w", err)
	}
	return &rec, nil
}

// ListProposals returns proposals, optionally filtered by status, newest
// first.
func (e *Engine) ListProposals(status string) ([]ProposalRecord, error) {
	query := `
		SELECT id, title, description, status, risk, payload, created_at, updated_at
		FROM proposals
	`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := e.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list proposals: %w", err)
	}
	defer rows.Close()

	var out []ProposalRecord
	for rows.Next() {
		var rec ProposalRecord
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Description, &rec.Status, &rec.Risk,
			&rec.Payload, scanMilli(&rec.CreatedAt), scanMilli(&rec.UpdatedAt)); err != nil {
			return nil, fmt.Errorf("failed to scan proposal: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
