package evolution

import "testing"

func TestAssessRisk(t *testing.T) {
	cases := []struct {
		name  string
		files []FileChange
		want  Risk
	}{
		{"empty", nil, RiskLow},
		{"one plain file", []FileChange{{Path: "internal/chat/session.go"}}, RiskLow},
		{"touches evolution", []FileChange{{Path: "internal/evolution/promote.go"}}, RiskHigh},
		{"touches deploy script", []FileChange{{Path: "scripts/deploy.sh"}}, RiskHigh},
		{"touches go.mod", []FileChange{{Path: "go.mod"}}, RiskHigh},
		{"touches config", []FileChange{{Path: "internal/config/config.go"}}, RiskHigh},
		{"any deletion", []FileChange{{Path: "internal/chat/old.go", Delete: true}}, RiskHigh},
		{"wide but benign", []FileChange{
			{Path: "a.go"}, {Path: "b.go"}, {Path: "c.go"},
			{Path: "d.go"}, {Path: "e.go"}, {Path: "f.go"},
		}, RiskMedium},
	}
	for _, tc := range cases {
		if got := AssessRisk(tc.files); got != tc.want {
			t.Errorf("%s: AssessRisk = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusDraft:         false,
		StatusPendingReview: false,
		StatusApproved:      false,
		StatusDeployed:      false,
		StatusRejected:      true,
		StatusRolledBack:    true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestFileSetIDStable(t *testing.T) {
	files := []FileChange{{Path: "a.go", Content: "package a"}}
	if fileSetID(files) != fileSetID([]FileChange{{Path: "a.go", Content: "package a"}}) {
		t.Fatal("identical file sets must fingerprint identically")
	}
	if fileSetID(files) == fileSetID([]FileChange{{Path: "a.go", Content: "package b"}}) {
		t.Fatal("content change must change the fingerprint")
	}
}
