// Package evolution implements the dev/prod self-modification loop: change
// proposals move through a guarded lifecycle, run their tests in an isolated
// dev environment, and deploy to prod atomically with automatic rollback.
package evolution

import (
	"strings"
	"time"
)

// Status is a proposal's lifecycle state.
type Status string

const (
	StatusDraft         Status = "draft"
	StatusPendingReview Status = "pending_review"
	StatusApproved      Status = "approved"
	StatusDeployed      Status = "deployed"
	StatusRolledBack    Status = "rolled_back"
	StatusRejected      Status = "rejected"
)

// Risk grades the blast radius of a proposal.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// FileChange is one file the proposal writes. Content replaces the file
// wholesale; an empty Delete=false content creates or truncates.
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Delete  bool   `json:"delete,omitempty"`
}

// TestReport records one dev-environment test run.
type TestReport struct {
	Passed     bool      `json:"passed"`
	ExitCode   int       `json:"exit_code"`
	Output     string    `json:"output"`
	DurationMs int64     `json:"duration_ms"`
	RanAt      time.Time `json:"ran_at"`
}

// Transition is one audit entry in a proposal's history.
type Transition struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Actor  string    `json:"actor"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Proposal is a self-modification change request.
type Proposal struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Status      Status       `json:"status"`
	Risk        Risk         `json:"risk"`
	Files       []FileChange `json:"files"`

	// RollbackPlan must be non-empty before approval.
	RollbackPlan string `json:"rollback_plan"`

	// EstimatedDowntimeMin is the expected prod interruption in minutes.
	EstimatedDowntimeMin int `json:"estimated_downtime_min,omitempty"`

	// Approver is recorded at approval time and must differ from Author.
	Author   string `json:"author"`
	Approver string `json:"approver,omitempty"`

	// LastTest is the most recent dev test run; approval requires it to
	// have passed against the current file set.
	LastTest     *TestReport `json:"last_test,omitempty"`
	TestedFileID string      `json:"tested_file_id,omitempty"`

	// BaseHashes fingerprints prod's content per target path at baseline
	// capture; deploy refuses when prod has drifted since. Absent files
	// hash to the empty string.
	BaseHashes map[string]string `json:"base_hashes,omitempty"`

	// RollbackFiles snapshots prod's pre-deploy content for every touched
	// path, captured at deploy time. Rollback re-applies it; a Delete entry
	// records a file the deploy created.
	RollbackFiles []FileChange `json:"rollback_files,omitempty"`

	History []Transition `json:"history,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeployedAt *time.Time `json:"deployed_at,omitempty"`
}

// AssessRisk grades a proposal from its file set. Touching lifecycle or
// deployment machinery is always high risk; breadth raises the grade.
func AssessRisk(files []FileChange) Risk {
	if len(files) == 0 {
		return RiskLow
	}

	for _, f := range files {
		p := strings.ToLower(f.Path)
		if strings.Contains(p, "evolution") || strings.Contains(p, "deploy") ||
			strings.HasSuffix(p, "go.mod") || strings.Contains(p, "config") {
			return RiskHigh
		}
		if f.Delete {
			return RiskHigh
		}
	}
	if len(files) > 5 {
		return RiskMedium
	}
	return RiskLow
}

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusRolledBack
}
