package tools

import (
	"sync"
	"time"
)

// CircuitStateName is the breaker state for one tool.
type CircuitStateName string

const (
	CircuitClosed   CircuitStateName = "closed"
	CircuitOpen     CircuitStateName = "open"
	CircuitHalfOpen CircuitStateName = "half-open"
)

// Breaker defaults.
const (
	DefaultFailureThreshold = 3
	DefaultBreakerCooldown  = 60 * time.Second
	DefaultSuccessThreshold = 2
)

// BreakerSettings configures one tool's circuit.
type BreakerSettings struct {
	FailureThreshold int
	Cooldown         time.Duration
	SuccessThreshold int
}

// DefaultBreakerSettings returns the stock settings: trip after 3 consecutive
// failures, 60s cooldown, 2 half-open successes to close.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: DefaultFailureThreshold,
		Cooldown:         DefaultBreakerCooldown,
		SuccessThreshold: DefaultSuccessThreshold,
	}
}

// circuit is the per-tool state machine.
type circuit struct {
	state               CircuitStateName
	consecutiveFailures int
	halfOpenSuccesses   int
	openedAt            time.Time
	nextRetryAt         time.Time
	settings            BreakerSettings
}

// CircuitSnapshot is a read-only view of one tool's circuit.
type CircuitSnapshot struct {
	ToolName            string
	State               CircuitStateName
	ConsecutiveFailures int
	HalfOpenSuccesses   int
	OpenedAt            time.Time
	NextRetryAt         time.Time
}

// CircuitBreaker tracks per-tool health. Getters return snapshots; all
// mutation happens under the mutex.
type CircuitBreaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	defaults  BreakerSettings
	overrides map[string]BreakerSettings
	now       func() time.Time
}

// NewCircuitBreaker creates a breaker with defaults and per-tool overrides.
func NewCircuitBreaker(defaults BreakerSettings, overrides map[string]BreakerSettings) *CircuitBreaker {
	if defaults.FailureThreshold <= 0 {
		defaults.FailureThreshold = DefaultFailureThreshold
	}
	if defaults.Cooldown <= 0 {
		defaults.Cooldown = DefaultBreakerCooldown
	}
	if defaults.SuccessThreshold <= 0 {
		defaults.SuccessThreshold = DefaultSuccessThreshold
	}
	return &CircuitBreaker{
		circuits:  make(map[string]*circuit),
		defaults:  defaults,
		overrides: overrides,
		now:       time.Now,
	}
}

func (cb *CircuitBreaker) settingsFor(tool string) BreakerSettings {
	if s, ok := cb.overrides[tool]; ok {
		if s.FailureThreshold <= 0 {
			s.FailureThreshold = cb.defaults.FailureThreshold
		}
		if s.Cooldown <= 0 {
			s.Cooldown = cb.defaults.Cooldown
		}
		if s.SuccessThreshold <= 0 {
			s.SuccessThreshold = cb.defaults.SuccessThreshold
		}
		return s
	}
	return cb.defaults
}

func (cb *CircuitBreaker) get(tool string) *circuit {
	c, ok := cb.circuits[tool]
	if !ok {
		c = &circuit{state: CircuitClosed, settings: cb.settingsFor(tool)}
		cb.circuits[tool] = c
	}
	return c
}

// Allow reports whether a call to the tool may proceed. An open circuit past
// its cooldown transitions to half-open and permits exactly one call.
func (cb *CircuitBreaker) Allow(tool string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.get(tool)
	switch c.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if cb.now().Before(c.nextRetryAt) {
			return false
		}
		c.state = CircuitHalfOpen
		c.halfOpenSuccesses = 0
		return true
	}
	return true
}

// RecordSuccess feeds a successful execution into the state machine.
func (cb *CircuitBreaker) RecordSuccess(tool string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.get(tool)
	switch c.state {
	case CircuitClosed:
		c.consecutiveFailures = 0
	case CircuitHalfOpen:
		c.halfOpenSuccesses++
		if c.halfOpenSuccesses >= c.settings.SuccessThreshold {
			c.state = CircuitClosed
			c.consecutiveFailures = 0
			c.halfOpenSuccesses = 0
		}
	}
}

// RecordFailure feeds a failed execution into the state machine.
func (cb *CircuitBreaker) RecordFailure(tool string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.get(tool)
	switch c.state {
	case CircuitClosed:
		c.consecutiveFailures++
		if c.consecutiveFailures >= c.settings.FailureThreshold {
			cb.trip(c)
		}
	case CircuitHalfOpen:
		cb.trip(c)
	}
}

func (cb *CircuitBreaker) trip(c *circuit) {
	c.state = CircuitOpen
	c.openedAt = cb.now()
	c.nextRetryAt = c.openedAt.Add(c.settings.Cooldown)
	c.halfOpenSuccesses = 0
}

// Snapshot returns the current state of one tool's circuit.
func (cb *CircuitBreaker) Snapshot(tool string) CircuitSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.get(tool)
	return CircuitSnapshot{
		ToolName:            tool,
		State:               c.state,
		ConsecutiveFailures: c.consecutiveFailures,
		HalfOpenSuccesses:   c.halfOpenSuccesses,
		OpenedAt:            c.openedAt,
		NextRetryAt:         c.nextRetryAt,
	}
}

// Snapshots returns the state of every tracked circuit.
func (cb *CircuitBreaker) Snapshots() []CircuitSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	out := make([]CircuitSnapshot, 0, len(cb.circuits))
	for name, c := range cb.circuits {
		out = append(out, CircuitSnapshot{
			ToolName:            name,
			State:               c.state,
			ConsecutiveFailures: c.consecutiveFailures,
			HalfOpenSuccesses:   c.halfOpenSuccesses,
			OpenedAt:            c.openedAt,
			NextRetryAt:         c.nextRetryAt,
		})
	}
	return out
}
