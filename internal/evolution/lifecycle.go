package evolution

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"selfforge/internal/logging"
	"selfforge/internal/memory"
)

// Lifecycle errors surfaced to callers attempting invalid transitions.
var (
	ErrInvalidTransition = fmt.Errorf("evolution: invalid transition")
	ErrNotTested         = fmt.Errorf("evolution: proposal has no passing test run for its current files")
	ErrNoRollbackPlan    = fmt.Errorf("evolution: rollback plan required")
	ErrSelfApproval      = fmt.Errorf("evolution: author cannot approve own proposal")
	ErrNoApprover        = fmt.Errorf("evolution: approver required")
)

// Manager owns proposal state. All transitions are serialized and persisted
// through the Memory Engine before they are visible.
type Manager struct {
	mu    sync.Mutex
	store *memory.Engine
}

// NewManager creates a lifecycle manager backed by the given store.
func NewManager(store *memory.Engine) *Manager {
	return &Manager{store: store}
}

// Create registers a new draft proposal.
func (m *Manager) Create(author, title, description string, files []FileChange) (*Proposal, error) {
	if title == "" {
		return nil, fmt.Errorf("evolution: proposal title required")
	}
	if author == "" {
		return nil, fmt.Errorf("evolution: proposal author required")
	}

	now := time.Now()
	p := &Proposal{
		ID:          uuid.New().String(),
		Title:       title,
		Description: description,
		Status:      StatusDraft,
		Risk:        AssessRisk(files),
		Files:       files,
		Author:      author,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.persist(p); err != nil {
		return nil, err
	}
	logging.Evolution("Proposal %s created by %s: %s (risk=%s, %d files)", p.ID, author, title, p.Risk, len(files))
	return p, nil
}

// Get loads a proposal by id.
func (m *Manager) Get(id string) (*Proposal, error) {
	rec, err := m.store.GetProposal(id)
	if err != nil {
		return nil, err
	}
	var p Proposal
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return nil, fmt.Errorf("evolution: corrupt proposal payload for %s: %w", id, err)
	}
	return &p, nil
}

// List returns proposals in a status, or all when status is empty.
func (m *Manager) List(status Status) ([]Proposal, error) {
	recs, err := m.store.ListProposals(string(status))
	if err != nil {
		return nil, err
	}
	out := make([]Proposal, 0, len(recs))
	for _, rec := range recs {
		var p Proposal
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			logging.Get(logging.CategoryEvolution).Warn("Skipping corrupt proposal %s: %v", rec.ID, err)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// UpdateFiles replaces a draft's file set. Any prior test run no longer
// covers the new files, so the tested marker is cleared and risk regraded.
func (m *Manager) UpdateFiles(id string, files []FileChange) (*Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusDraft {
		return nil, fmt.Errorf("%w: cannot edit files in %s", ErrInvalidTransition, p.Status)
	}

	p.Files = files
	p.Risk = AssessRisk(files)
	p.LastTest = nil
	p.TestedFileID = ""
	if err := m.persist(p); err != nil {
		return nil, err
	}
	return p, nil
}

// RecordTest attaches a test report to a proposal and marks the exact file
// set it covered.
func (m *Manager) RecordTest(id string, report TestReport) (*Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusDraft && p.Status != StatusPendingReview {
		return nil, fmt.Errorf("%w: cannot record tests in %s", ErrInvalidTransition, p.Status)
	}

	p.LastTest = &report
	p.TestedFileID = fileSetID(p.Files)
	if err := m.persist(p); err != nil {
		return nil, err
	}
	logging.Evolution("Proposal %s test run recorded: passed=%v exit=%d", id, report.Passed, report.ExitCode)
	return p, nil
}

// SubmitForReview moves draft -> pending_review. Requires at least one file
// and a passing test run covering the current files.
func (m *Manager) SubmitForReview(id, actor string) (*Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusDraft {
		return nil, fmt.Errorf("%w: %s -> pending_review", ErrInvalidTransition, p.Status)
	}
	if len(p.Files) == 0 {
		return nil, fmt.Errorf("evolution: proposal has no file changes")
	}
	if !m.testCovers(p) {
		return nil, ErrNotTested
	}

	return m.transition(p, StatusPendingReview, actor, "")
}

// Approve moves pending_review -> approved. Gates: a rollback plan, a
// passing test run for the current files, an approver distinct from the
// author, and for high risk an explicit acknowledgment in the reason.
func (m *Manager) Approve(id, approver, reason string) (*Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusPendingReview {
		return nil, fmt.Errorf("%w: %s -> approved", ErrInvalidTransition, p.Status)
	}
	if approver == "" {
		return nil, ErrNoApprover
	}
	if approver == p.Author {
		return nil, ErrSelfApproval
	}
	if p.RollbackPlan == "" {
		return nil, ErrNoRollbackPlan
	}
	if !m.testCovers(p) {
		return nil, ErrNotTested
	}
	if p.Risk == RiskHigh && reason == "" {
		return nil, fmt.Errorf("evolution: high-risk approval requires a stated reason")
	}

	p.Approver = approver
	return m.transition(p, StatusApproved, approver, reason)
}

// Reject moves draft or pending_review to the terminal rejected state.
func (m *Manager) Reject(id, actor, reason string) (*Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusDraft && p.Status != StatusPendingReview {
		return nil, fmt.Errorf("%w: %s -> rejected", ErrInvalidTransition, p.Status)
	}
	return m.transition(p, StatusRejected, actor, reason)
}

// SetRollbackPlan records the rollback plan on a draft or pending proposal.
func (m *Manager) SetRollbackPlan(id, plan string) (*Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusDraft && p.Status != StatusPendingReview {
		return nil, fmt.Errorf("%w: cannot edit rollback plan in %s", ErrInvalidTransition, p.Status)
	}
	p.RollbackPlan = plan
	if err := m.persist(p); err != nil {
		return nil, err
	}
	return p, nil
}

// SetEstimatedDowntime records the expected prod interruption in minutes.
func (m *Manager) SetEstimatedDowntime(id string, minutes int) (*Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusDraft && p.Status != StatusPendingReview {
		return nil, fmt.Errorf("%w: cannot edit downtime estimate in %s", ErrInvalidTransition, p.Status)
	}
	p.EstimatedDowntimeMin = minutes
	if err := m.persist(p); err != nil {
		return nil, err
	}
	return p, nil
}

// markDeployed and markRolledBack are invoked by the Promoter, which holds
// the deployment machinery; they still go through the guarded transition.
// rollbackFiles is the pre-deploy prod snapshot, persisted with the
// transition so a later rollback can restore it.
func (m *Manager) markDeployed(id, actor string, rollbackFiles []FileChange) (*Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusApproved {
		return nil, fmt.Errorf("%w: %s -> deployed", ErrInvalidTransition, p.Status)
	}
	now := time.Now()
	p.DeployedAt = &now
	p.RollbackFiles = rollbackFiles
	return m.transition(p, StatusDeployed, actor, "")
}

func (m *Manager) markRolledBack(id, actor, reason string) (*Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusDeployed {
		return nil, fmt.Errorf("%w: %s -> rolled_back", ErrInvalidTransition, p.Status)
	}
	return m.transition(p, StatusRolledBack, actor, reason)
}

// setBaseline records prod's content fingerprint for each file the proposal
// touches. Captured by the Promoter after approval and re-checked at deploy.
func (m *Manager) setBaseline(id string, hashes map[string]string) (*Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusApproved {
		return nil, fmt.Errorf("%w: baseline requires approved, got %s", ErrInvalidTransition, p.Status)
	}
	p.BaseHashes = hashes
	if err := m.persist(p); err != nil {
		return nil, err
	}
	return p, nil
}

// recordDeployBlock audits a blocked deployment without changing state; the
// proposal stays approved pending a human decision.
func (m *Manager) recordDeployBlock(id, actor, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.Get(id)
	if err != nil {
		return
	}
	p.History = append(p.History, Transition{From: p.Status, To: p.Status, Actor: actor, Reason: reason, At: time.Now()})
	if err := m.persist(p); err != nil {
		logging.Get(logging.CategoryEvolution).Warn("Failed to record deploy block for %s: %v", id, err)
	}
}

// testCovers reports whether the proposal's last test run passed against its
// current file set.
func (m *Manager) testCovers(p *Proposal) bool {
	return p.LastTest != nil && p.LastTest.Passed && p.TestedFileID == fileSetID(p.Files)
}

func (m *Manager) transition(p *Proposal, to Status, actor, reason string) (*Proposal, error) {
	from := p.Status
	p.Status = to
	p.History = append(p.History, Transition{From: from, To: to, Actor: actor, Reason: reason, At: time.Now()})
	if err := m.persist(p); err != nil {
		p.Status = from
		p.History = p.History[:len(p.History)-1]
		return nil, err
	}
	logging.Evolution("Proposal %s: %s -> %s (actor=%s)", p.ID, from, to, actor)
	return p, nil
}

func (m *Manager) persist(p *Proposal) error {
	p.UpdatedAt = time.Now()
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("evolution: failed to encode proposal: %w", err)
	}
	return m.store.SaveProposal(memory.ProposalRecord{
		ID:          p.ID,
		Title:       p.Title,
		Description: p.Description,
		Status:      string(p.Status),
		Risk:        string(p.Risk),
		Payload:     payload,
		CreatedAt:   p.CreatedAt,
	})
}

// fileSetID fingerprints a file set so test coverage can be tied to the
// exact content it ran against.
func fileSetID(files []FileChange) string {
	data, err := json.Marshal(files)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
