package evolution

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"selfforge/internal/memory"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	store, err := memory.Open(memory.Options{
		DBPath: filepath.Join(dir, "memory.db"),
		LogDir: filepath.Join(dir, "conversations"),
	})
	if err != nil {
		t.Fatalf("memory.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewManager(store)
}

func passingReport() TestReport {
	return TestReport{Passed: true, ExitCode: 0, RanAt: time.Now()}
}

// draftWithTest drives a proposal to a tested draft with a rollback plan.
func draftWithTest(t *testing.T, m *Manager, files []FileChange) *Proposal {
	t.Helper()
	p, err := m.Create("author", "change", "desc", files)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.RecordTest(p.ID, passingReport()); err != nil {
		t.Fatalf("RecordTest: %v", err)
	}
	if _, err := m.SetRollbackPlan(p.ID, "revert the files"); err != nil {
		t.Fatalf("SetRollbackPlan: %v", err)
	}
	return p
}

func TestCreatePersistsDraft(t *testing.T) {
	m := newTestManager(t)

	p, err := m.Create("author", "tweak chunker", "smaller windows", []FileChange{{Path: "a.go", Content: "package a"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.Status != StatusDraft || p.Risk != RiskLow {
		t.Fatalf("proposal %+v", p)
	}

	loaded, err := m.Get(p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if loaded.Title != "tweak chunker" || len(loaded.Files) != 1 {
		t.Fatalf("loaded %+v", loaded)
	}
}

func TestCreateValidation(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Create("", "t", "", nil); err == nil {
		t.Fatal("missing author should fail")
	}
	if _, err := m.Create("a", "", "", nil); err == nil {
		t.Fatal("missing title should fail")
	}
}

func TestSubmitRequiresPassingTest(t *testing.T) {
	m := newTestManager(t)
	p, err := m.Create("author", "change", "", []FileChange{{Path: "a.go", Content: "x"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := m.SubmitForReview(p.ID, "author"); !errors.Is(err, ErrNotTested) {
		t.Fatalf("expected ErrNotTested, got %v", err)
	}

	if _, err := m.RecordTest(p.ID, TestReport{Passed: false, ExitCode: 1}); err != nil {
		t.Fatalf("RecordTest: %v", err)
	}
	if _, err := m.SubmitForReview(p.ID, "author"); !errors.Is(err, ErrNotTested) {
		t.Fatalf("failed test must not count, got %v", err)
	}

	if _, err := m.RecordTest(p.ID, passingReport()); err != nil {
		t.Fatalf("RecordTest: %v", err)
	}
	if _, err := m.SubmitForReview(p.ID, "author"); err != nil {
		t.Fatalf("SubmitForReview: %v", err)
	}
}

func TestSubmitRequiresFiles(t *testing.T) {
	m := newTestManager(t)
	p, err := m.Create("author", "empty", "", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.SubmitForReview(p.ID, "author"); err == nil {
		t.Fatal("empty file set must not be submittable")
	}
}

func TestUpdateFilesInvalidatesTestCoverage(t *testing.T) {
	m := newTestManager(t)
	p := draftWithTest(t, m, []FileChange{{Path: "a.go", Content: "v1"}})

	if _, err := m.UpdateFiles(p.ID, []FileChange{{Path: "a.go", Content: "v2"}}); err != nil {
		t.Fatalf("UpdateFiles: %v", err)
	}

	// The old test no longer covers the new content.
	if _, err := m.SubmitForReview(p.ID, "author"); !errors.Is(err, ErrNotTested) {
		t.Fatalf("expected ErrNotTested after edit, got %v", err)
	}
}

func TestUpdateFilesRegradesRisk(t *testing.T) {
	m := newTestManager(t)
	p, err := m.Create("author", "benign", "", []FileChange{{Path: "a.go", Content: "x"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	updated, err := m.UpdateFiles(p.ID, []FileChange{{Path: "internal/evolution/promote.go", Content: "y"}})
	if err != nil {
		t.Fatalf("UpdateFiles: %v", err)
	}
	if updated.Risk != RiskHigh {
		t.Fatalf("risk %s", updated.Risk)
	}
}

func TestApproveGates(t *testing.T) {
	m := newTestManager(t)
	p := draftWithTest(t, m, []FileChange{{Path: "a.go", Content: "x"}})
	if _, err := m.SubmitForReview(p.ID, "author"); err != nil {
		t.Fatalf("SubmitForReview: %v", err)
	}

	if _, err := m.Approve(p.ID, "", ""); !errors.Is(err, ErrNoApprover) {
		t.Fatalf("expected ErrNoApprover, got %v", err)
	}
	if _, err := m.Approve(p.ID, "author", ""); !errors.Is(err, ErrSelfApproval) {
		t.Fatalf("expected ErrSelfApproval, got %v", err)
	}

	approved, err := m.Approve(p.ID, "reviewer", "")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if approved.Status != StatusApproved || approved.Approver != "reviewer" {
		t.Fatalf("proposal %+v", approved)
	}
}

func TestApproveRequiresRollbackPlan(t *testing.T) {
	m := newTestManager(t)
	p, err := m.Create("author", "change", "", []FileChange{{Path: "a.go", Content: "x"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.RecordTest(p.ID, passingReport()); err != nil {
		t.Fatalf("RecordTest: %v", err)
	}
	if _, err := m.SubmitForReview(p.ID, "author"); err != nil {
		t.Fatalf("SubmitForReview: %v", err)
	}

	if _, err := m.Approve(p.ID, "reviewer", ""); !errors.Is(err, ErrNoRollbackPlan) {
		t.Fatalf("expected ErrNoRollbackPlan, got %v", err)
	}
}

func TestApproveHighRiskNeedsReason(t *testing.T) {
	m := newTestManager(t)
	p := draftWithTest(t, m, []FileChange{{Path: "internal/evolution/promote.go", Content: "x"}})
	if _, err := m.SubmitForReview(p.ID, "author"); err != nil {
		t.Fatalf("SubmitForReview: %v", err)
	}

	if _, err := m.Approve(p.ID, "reviewer", ""); err == nil {
		t.Fatal("high-risk approval without a reason must fail")
	}
	if _, err := m.Approve(p.ID, "reviewer", "reviewed the promoter change line by line"); err != nil {
		t.Fatalf("Approve with reason: %v", err)
	}
}

func TestApproveRequiresPassingTest(t *testing.T) {
	m := newTestManager(t)
	p := draftWithTest(t, m, []FileChange{{Path: "a.go", Content: "x"}})
	if _, err := m.SubmitForReview(p.ID, "author"); err != nil {
		t.Fatalf("SubmitForReview: %v", err)
	}

	// A failing run recorded during review supersedes the passing one.
	if _, err := m.RecordTest(p.ID, TestReport{Passed: false, ExitCode: 1}); err != nil {
		t.Fatalf("RecordTest: %v", err)
	}

	if _, err := m.Approve(p.ID, "reviewer", ""); !errors.Is(err, ErrNotTested) {
		t.Fatalf("expected ErrNotTested, got %v", err)
	}

	after, err := m.Get(p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.Status != StatusPendingReview {
		t.Fatalf("blocked approval must leave status pending_review, got %s", after.Status)
	}
}

func TestRejectIsTerminal(t *testing.T) {
	m := newTestManager(t)
	p, err := m.Create("author", "bad idea", "", []FileChange{{Path: "a.go", Content: "x"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rejected, err := m.Reject(p.ID, "reviewer", "not worth the churn")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if rejected.Status != StatusRejected {
		t.Fatalf("status %s", rejected.Status)
	}

	if _, err := m.SubmitForReview(p.ID, "author"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("rejected proposal must be immutable, got %v", err)
	}
	if _, err := m.UpdateFiles(p.ID, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("rejected proposal must be immutable, got %v", err)
	}
}

func TestTransitionHistoryIsAudited(t *testing.T) {
	m := newTestManager(t)
	p := draftWithTest(t, m, []FileChange{{Path: "a.go", Content: "x"}})

	if _, err := m.SubmitForReview(p.ID, "author"); err != nil {
		t.Fatalf("SubmitForReview: %v", err)
	}
	approved, err := m.Approve(p.ID, "reviewer", "lgtm")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}

	if len(approved.History) != 2 {
		t.Fatalf("history %+v", approved.History)
	}
	first, second := approved.History[0], approved.History[1]
	if first.From != StatusDraft || first.To != StatusPendingReview || first.Actor != "author" {
		t.Fatalf("first transition %+v", first)
	}
	if second.From != StatusPendingReview || second.To != StatusApproved || second.Reason != "lgtm" {
		t.Fatalf("second transition %+v", second)
	}
}

func TestMarkDeployedOnlyFromApproved(t *testing.T) {
	m := newTestManager(t)
	p := draftWithTest(t, m, []FileChange{{Path: "a.go", Content: "x"}})

	if _, err := m.markDeployed(p.ID, "promoter", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("draft must not deploy, got %v", err)
	}

	if _, err := m.SubmitForReview(p.ID, "author"); err != nil {
		t.Fatalf("SubmitForReview: %v", err)
	}
	if _, err := m.Approve(p.ID, "reviewer", ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	snapshot := []FileChange{{Path: "a.go", Content: "prior"}}
	deployed, err := m.markDeployed(p.ID, "promoter", snapshot)
	if err != nil {
		t.Fatalf("markDeployed: %v", err)
	}
	if deployed.DeployedAt == nil {
		t.Fatal("deploy timestamp not set")
	}
	if len(deployed.RollbackFiles) != 1 || deployed.RollbackFiles[0].Content != "prior" {
		t.Fatalf("rollback snapshot not persisted: %+v", deployed.RollbackFiles)
	}

	rolled, err := m.markRolledBack(p.ID, "operator", "regression")
	if err != nil {
		t.Fatalf("markRolledBack: %v", err)
	}
	if rolled.Status != StatusRolledBack {
		t.Fatalf("status %s", rolled.Status)
	}
}

func TestSetEstimatedDowntime(t *testing.T) {
	m := newTestManager(t)
	p, err := m.Create("author", "change", "", []FileChange{{Path: "a.go", Content: "x"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	updated, err := m.SetEstimatedDowntime(p.ID, 15)
	if err != nil {
		t.Fatalf("SetEstimatedDowntime: %v", err)
	}
	if updated.EstimatedDowntimeMin != 15 {
		t.Fatalf("downtime %d", updated.EstimatedDowntimeMin)
	}

	if _, err := m.Reject(p.ID, "reviewer", "no"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if _, err := m.SetEstimatedDowntime(p.ID, 5); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("rejected proposal must be immutable, got %v", err)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Create("author", "one", "", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	p2, err := m.Create("author", "two", "", []FileChange{{Path: "a.go", Content: "x"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Reject(p2.ID, "reviewer", "no"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	drafts, err := m.List(StatusDraft)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(drafts) != 1 || drafts[0].Title != "one" {
		t.Fatalf("drafts %+v", drafts)
	}

	all, err := m.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d proposals", len(all))
	}
}
