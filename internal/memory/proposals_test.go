package memory

import (
	"testing"
	"time"
)

func TestProposalSaveAndGet(t *testing.T) {
	e := newTestEngine(t, Options{})

	rec := ProposalRecord{
		ID:          "prop-1",
		Title:       "tune chunk overlap",
		Description: "reduce duplicate hits",
		Status:      "draft",
		Risk:        "low",
		Payload:     []byte(`{"files":[]}`),
	}
	if err := e.SaveProposal(rec); err != nil {
		t.Fatalf("SaveProposal: %v", err)
	}

	got, err := e.GetProposal("prop-1")
	if err != nil {
		t.Fatalf("GetProposal: %v", err)
	}
	if got.Title != rec.Title || got.Status != "draft" || string(got.Payload) != string(rec.Payload) {
		t.Fatalf("record %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatal("timestamps not set")
	}
}

func TestProposalUpsertPreservesCreatedAt(t *testing.T) {
	e := newTestEngine(t, Options{})

	if err := e.SaveProposal(ProposalRecord{ID: "p", Status: "draft"}); err != nil {
		t.Fatalf("SaveProposal: %v", err)
	}
	first, err := e.GetProposal("p")
	if err != nil {
		t.Fatalf("GetProposal: %v", err)
	}

	time.Sleep(2 * time.Millisecond)
	if err := e.SaveProposal(ProposalRecord{ID: "p", Status: "pending_review", CreatedAt: first.CreatedAt}); err != nil {
		t.Fatalf("SaveProposal update: %v", err)
	}

	second, err := e.GetProposal("p")
	if err != nil {
		t.Fatalf("GetProposal: %v", err)
	}
	if second.Status != "pending_review" {
		t.Fatalf("status %q", second.Status)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created_at changed: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Fatalf("updated_at not bumped: %v -> %v", first.UpdatedAt, second.UpdatedAt)
	}
}

func TestProposalRequiresID(t *testing.T) {
	e := newTestEngine(t, Options{})
	if err := e.SaveProposal(ProposalRecord{}); err == nil {
		t.Fatal("missing id should fail")
	}
}

func TestListProposalsByStatus(t *testing.T) {
	e := newTestEngine(t, Options{})

	for id, status := range map[string]string{"a": "draft", "b": "deployed", "c": "draft"} {
		if err := e.SaveProposal(ProposalRecord{ID: id, Status: status}); err != nil {
			t.Fatalf("SaveProposal: %v", err)
		}
	}

	drafts, err := e.ListProposals("draft")
	if err != nil {
		t.Fatalf("ListProposals: %v", err)
	}
	if len(drafts) != 2 {
		t.Fatalf("got %d drafts", len(drafts))
	}

	all, err := e.ListProposals("")
	if err != nil {
		t.Fatalf("ListProposals: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d proposals", len(all))
	}

	missing, err := e.GetProposal("ghost")
	if err == nil {
		t.Fatalf("expected not-found error, got %+v", missing)
	}
}
