package evolution

import (
	"context"
	"strings"
	"testing"
	"time"
)

func devEnv(t *testing.T, testCommand string) *Environment {
	t.Helper()
	return &Environment{
		Name:        "dev",
		StoragePath: t.TempDir(),
		TestCommand: testCommand,
		EnvVars:     map[string]string{"CUSTOM_FLAG": "on"},
		Ports:       []int{8101},
		MaxMemoryMB: 256,
	}
}

func TestRunTestsPass(t *testing.T) {
	env := devEnv(t, "cat check.txt")
	p := &Proposal{ID: "p1", Files: []FileChange{{Path: "check.txt", Content: "it works"}}}

	report, err := RunTests(context.Background(), env, p)
	if err != nil {
		t.Fatalf("RunTests: %v", err)
	}
	if !report.Passed || report.ExitCode != 0 {
		t.Fatalf("report %+v", report)
	}
	if !strings.Contains(report.Output, "it works") {
		t.Fatalf("output %q", report.Output)
	}
}

func TestRunTestsFail(t *testing.T) {
	env := devEnv(t, "exit 3")
	p := &Proposal{ID: "p1"}

	report, err := RunTests(context.Background(), env, p)
	if err != nil {
		t.Fatalf("RunTests: %v", err)
	}
	if report.Passed || report.ExitCode != 3 {
		t.Fatalf("report %+v", report)
	}
}

func TestRunTestsTimeout(t *testing.T) {
	env := devEnv(t, "sleep 5")
	env.TestTimeout = "100ms"
	p := &Proposal{ID: "p1"}

	report, err := RunTests(context.Background(), env, p)
	if err != nil {
		t.Fatalf("RunTests: %v", err)
	}
	if report.Passed {
		t.Fatal("timed-out run must not pass")
	}
	if !strings.Contains(report.Output, "timed out") {
		t.Fatalf("output %q", report.Output)
	}
}

func TestRunTestsChildEnvIsolation(t *testing.T) {
	t.Setenv("PARENT_SECRET", "leak")
	env := devEnv(t, `echo "env=$SELFFORGE_ENV flag=$CUSTOM_FLAG secret=$PARENT_SECRET mem=$GOMEMLIMIT port=$SELFFORGE_PORT_0"`)
	p := &Proposal{ID: "p1"}

	report, err := RunTests(context.Background(), env, p)
	if err != nil {
		t.Fatalf("RunTests: %v", err)
	}
	out := report.Output
	if !strings.Contains(out, "env=dev") {
		t.Fatalf("isolation marker missing: %q", out)
	}
	if !strings.Contains(out, "flag=on") {
		t.Fatalf("declared env var missing: %q", out)
	}
	if strings.Contains(out, "secret=leak") {
		t.Fatalf("parent env leaked into child: %q", out)
	}
	if !strings.Contains(out, "mem=256MiB") {
		t.Fatalf("memory limit missing: %q", out)
	}
	if !strings.Contains(out, "port=8101") {
		t.Fatalf("port assignment missing: %q", out)
	}
}

func TestRunTestsRefusesReadOnly(t *testing.T) {
	env := devEnv(t, "true")
	env.ReadOnly = true
	if _, err := RunTests(context.Background(), env, &Proposal{ID: "p1"}); err == nil {
		t.Fatal("read-only environment must refuse test runs")
	}
}

func TestRunTestsRequiresCommand(t *testing.T) {
	env := devEnv(t, "")
	if _, err := RunTests(context.Background(), env, &Proposal{ID: "p1"}); err == nil {
		t.Fatal("missing test command must error")
	}
}

func TestCapOutput(t *testing.T) {
	long := strings.Repeat("x", 100)
	got := capOutput([]byte(long), 10)
	if !strings.HasPrefix(got, "xxxxxxxxxx") || !strings.Contains(got, "truncated") {
		t.Fatalf("got %q", got)
	}
	if capOutput([]byte("short"), 10) != "short" {
		t.Fatal("short output must pass through")
	}
}

func TestRunTestsReportsDuration(t *testing.T) {
	env := devEnv(t, "sleep 0.05")
	report, err := RunTests(context.Background(), env, &Proposal{ID: "p1"})
	if err != nil {
		t.Fatalf("RunTests: %v", err)
	}
	if report.DurationMs < 40 {
		t.Fatalf("duration %dms", report.DurationMs)
	}
	if report.RanAt.After(time.Now()) {
		t.Fatal("RanAt in the future")
	}
}
