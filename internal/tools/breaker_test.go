package tools

import (
	"testing"
	"time"
)

func newTestBreaker(settings BreakerSettings) (*CircuitBreaker, *time.Time) {
	cb := NewCircuitBreaker(settings, nil)
	now := time.Now()
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(BreakerSettings{FailureThreshold: 3, Cooldown: time.Minute, SuccessThreshold: 2})

	for i := 0; i < 2; i++ {
		cb.RecordFailure("t")
		if !cb.Allow("t") {
			t.Fatalf("circuit should stay closed after %d failures", i+1)
		}
	}
	cb.RecordFailure("t")
	if cb.Allow("t") {
		t.Fatal("circuit should open at the failure threshold")
	}
	if snap := cb.Snapshot("t"); snap.State != CircuitOpen {
		t.Fatalf("state %s", snap.State)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(BreakerSettings{FailureThreshold: 3, Cooldown: time.Minute, SuccessThreshold: 2})

	cb.RecordFailure("t")
	cb.RecordFailure("t")
	cb.RecordSuccess("t")
	cb.RecordFailure("t")
	cb.RecordFailure("t")
	if !cb.Allow("t") {
		t.Fatal("failure count should reset on success while closed")
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cb, now := newTestBreaker(BreakerSettings{FailureThreshold: 1, Cooldown: time.Minute, SuccessThreshold: 2})

	cb.RecordFailure("t")
	if cb.Allow("t") {
		t.Fatal("open circuit must refuse calls")
	}

	*now = now.Add(61 * time.Second)
	if !cb.Allow("t") {
		t.Fatal("open circuit past cooldown should transition to half-open")
	}
	if snap := cb.Snapshot("t"); snap.State != CircuitHalfOpen {
		t.Fatalf("state %s", snap.State)
	}

	cb.RecordSuccess("t")
	if snap := cb.Snapshot("t"); snap.State != CircuitHalfOpen {
		t.Fatalf("one success below threshold should stay half-open, got %s", snap.State)
	}
	cb.RecordSuccess("t")
	if snap := cb.Snapshot("t"); snap.State != CircuitClosed {
		t.Fatalf("expected closed after success threshold, got %s", snap.State)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, now := newTestBreaker(BreakerSettings{FailureThreshold: 1, Cooldown: time.Minute, SuccessThreshold: 2})

	cb.RecordFailure("t")
	*now = now.Add(2 * time.Minute)
	if !cb.Allow("t") {
		t.Fatal("should be half-open")
	}
	cb.RecordFailure("t")
	if cb.Allow("t") {
		t.Fatal("half-open failure must reopen immediately")
	}
}

func TestBreakerPerToolOverridesInherit(t *testing.T) {
	cb := NewCircuitBreaker(
		BreakerSettings{FailureThreshold: 5, Cooldown: time.Minute, SuccessThreshold: 2},
		map[string]BreakerSettings{"fragile": {FailureThreshold: 1}},
	)

	cb.RecordFailure("fragile")
	if cb.Allow("fragile") {
		t.Fatal("override threshold of 1 should trip on first failure")
	}
	cb.RecordFailure("sturdy")
	if !cb.Allow("sturdy") {
		t.Fatal("default threshold should not trip on first failure")
	}

	// Unset override fields inherit the defaults.
	if got := cb.settingsFor("fragile").Cooldown; got != time.Minute {
		t.Fatalf("override cooldown should inherit default, got %s", got)
	}
}

func TestBreakerIsolatesTools(t *testing.T) {
	cb, _ := newTestBreaker(BreakerSettings{FailureThreshold: 1, Cooldown: time.Minute, SuccessThreshold: 1})

	cb.RecordFailure("a")
	if cb.Allow("a") {
		t.Fatal("a should be open")
	}
	if !cb.Allow("b") {
		t.Fatal("b must be unaffected by a's circuit")
	}
}
