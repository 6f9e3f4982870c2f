package evolution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"selfforge/internal/config"
	"selfforge/internal/logging"
)

// DefaultTestTimeout bounds a dev test run when the environment does not
// set one.
const DefaultTestTimeout = 5 * time.Minute

// DefaultMaxOutputBytes caps captured test output.
const DefaultMaxOutputBytes = 1 << 20

// RunTests applies the proposal's files to the dev environment and executes
// its test command as a child process. The child sees only the environment's
// own variables plus the injected isolation markers.
func RunTests(ctx context.Context, env *Environment, p *Proposal) (TestReport, error) {
	if env.ReadOnly {
		return TestReport{}, fmt.Errorf("evolution: cannot run tests in read-only environment %s", env.Name)
	}
	if env.TestCommand == "" {
		return TestReport{}, fmt.Errorf("evolution: environment %s has no test command", env.Name)
	}

	if err := env.Prepare(); err != nil {
		return TestReport{}, err
	}
	if err := env.WriteFiles(p.Files); err != nil {
		return TestReport{}, err
	}

	timeout := config.Duration(env.TestTimeout, DefaultTestTimeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logging.Evolution("Running tests for proposal %s in %s: %s (timeout %s)", p.ID, env.Name, env.TestCommand, timeout)
	start := time.Now()

	cmd := exec.CommandContext(runCtx, "sh", "-c", env.TestCommand)
	cmd.Dir = env.StoragePath
	cmd.Env = buildChildEnv(env)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	report := TestReport{
		Passed:     err == nil,
		Output:     capOutput(out.Bytes(), env.MaxOutputBytes),
		DurationMs: time.Since(start).Milliseconds(),
		RanAt:      start,
	}

	// A timed-out child is killed and surfaces as an ExitError, so the
	// deadline check must come first.
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		report.ExitCode = 0
	case runCtx.Err() == context.DeadlineExceeded:
		report.ExitCode = -1
		report.Output += "\n(test run timed out)"
	case errors.As(err, &exitErr):
		report.ExitCode = exitErr.ExitCode()
	default:
		return report, fmt.Errorf("evolution: failed to run test command: %w", err)
	}

	logging.Evolution("Test run for proposal %s finished: passed=%v exit=%d in %dms",
		p.ID, report.Passed, report.ExitCode, report.DurationMs)
	return report, nil
}

// buildChildEnv assembles the child process environment: a minimal base, the
// environment's declared variables, and isolation markers. The parent's
// variables are deliberately not inherited.
func buildChildEnv(env *Environment) []string {
	out := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
	}
	for k, v := range env.EnvVars {
		out = append(out, k+"="+v)
	}
	out = append(out,
		"SELFFORGE_ENV="+env.Name,
		"SELFFORGE_STORAGE="+env.StoragePath,
	)
	if env.MaxMemoryMB > 0 {
		out = append(out, "GOMEMLIMIT="+strconv.Itoa(env.MaxMemoryMB)+"MiB")
	}
	for i, p := range env.Ports {
		out = append(out, fmt.Sprintf("SELFFORGE_PORT_%d=%d", i, p))
	}
	return out
}

func capOutput(b []byte, maxBytes int) string {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxOutputBytes
	}
	if len(b) > maxBytes {
		return string(b[:maxBytes]) + "\n(output truncated)"
	}
	return string(b)
}
