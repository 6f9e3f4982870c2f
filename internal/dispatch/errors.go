package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass buckets provider failures for failover and key policy.
type ErrorClass string

const (
	ClassAuth        ErrorClass = "auth"
	ClassBilling     ErrorClass = "billing"
	ClassContext     ErrorClass = "context"
	ClassTimeout     ErrorClass = "timeout"
	ClassRateLimit   ErrorClass = "rate_limit"
	ClassUnavailable ErrorClass = "unavailable"
	ClassUnknown     ErrorClass = "unknown"
)

// MarksKeyFailed reports whether this class marks the (provider, key) pair as
// auth-failed. Only auth and billing do; every class is failover-eligible.
func (c ErrorClass) MarksKeyFailed() bool {
	return c == ClassAuth || c == ClassBilling
}

// ProviderError is the classified error a provider call fails with.
type ProviderError struct {
	Provider string
	Model    string
	KeyID    string
	Class    ErrorClass
	Message  string

	// Chain lists every (provider, model) pair attempted when the error
	// surfaces after chain exhaustion.
	Chain []string
}

func (e *ProviderError) Error() string {
	if len(e.Chain) > 0 {
		return fmt.Sprintf("%s/%s [%s]: %s (chain attempted: %s)",
			e.Provider, e.Model, e.Class, e.Message, strings.Join(e.Chain, " -> "))
	}
	return fmt.Sprintf("%s/%s [%s]: %s", e.Provider, e.Model, e.Class, e.Message)
}

// ErrChainExhausted wraps the final provider error once every chain pair has
// been tried.
var ErrChainExhausted = errors.New("all providers in chain failed")

// ErrEmptyChain is returned when the dispatcher has no (provider, model)
// pairs to try.
var ErrEmptyChain = errors.New("failover chain is empty")

// classifyPatterns maps message substrings to classes. Order matters: the
// first match wins, and more specific patterns come first.
var classifyPatterns = []struct {
	substr string
	class  ErrorClass
}{
	{"unauthorized", ClassAuth},
	{"invalid api key", ClassAuth},
	{"invalid x-api-key", ClassAuth},
	{"authentication", ClassAuth},
	{"permission denied", ClassAuth},
	{"401", ClassAuth},
	{"403", ClassAuth},

	{"billing", ClassBilling},
	{"insufficient credit", ClassBilling},
	{"quota exceeded", ClassBilling},
	{"payment", ClassBilling},
	{"402", ClassBilling},

	{"context length", ClassContext},
	{"context window", ClassContext},
	{"maximum context", ClassContext},
	{"too many tokens", ClassContext},
	{"prompt is too long", ClassContext},

	{"rate limit", ClassRateLimit},
	{"too many requests", ClassRateLimit},
	{"429", ClassRateLimit},

	{"timeout", ClassTimeout},
	{"timed out", ClassTimeout},
	{"deadline exceeded", ClassTimeout},

	{"unavailable", ClassUnavailable},
	{"overloaded", ClassUnavailable},
	{"connection refused", ClassUnavailable},
	{"bad gateway", ClassUnavailable},
	{"500", ClassUnavailable},
	{"502", ClassUnavailable},
	{"503", ClassUnavailable},
	{"529", ClassUnavailable},
}

// Classify maps a provider error message into exactly one ErrorClass by
// substring inspection.
func Classify(message string) ErrorClass {
	lower := strings.ToLower(message)
	for _, p := range classifyPatterns {
		if strings.Contains(lower, p.substr) {
			return p.class
		}
	}
	return ClassUnknown
}

// ClassifyError classifies any error, preserving an existing ProviderError
// class when present.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Class
	}
	return Classify(err.Error())
}
