package dispatch

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		message string
		want    ErrorClass
	}{
		{"401 Unauthorized", ClassAuth},
		{"invalid x-api-key", ClassAuth},
		{"permission denied for model", ClassAuth},
		{"billing hard limit reached", ClassBilling},
		{"insufficient credit balance", ClassBilling},
		{"quota exceeded for this month", ClassBilling},
		{"prompt is too long: 210000 tokens", ClassContext},
		{"maximum context length is 200000 tokens", ClassContext},
		{"429 Too Many Requests", ClassRateLimit},
		{"rate limit reached for requests", ClassRateLimit},
		{"request timed out", ClassTimeout},
		{"context deadline exceeded", ClassTimeout},
		{"503 Service Unavailable", ClassUnavailable},
		{"Overloaded", ClassUnavailable},
		{"connection refused", ClassUnavailable},
		{"something inexplicable happened", ClassUnknown},
		{"", ClassUnknown},
	}

	for _, tc := range cases {
		if got := Classify(tc.message); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.message, got, tc.want)
		}
	}
}

func TestClassifyOrderSpecificFirst(t *testing.T) {
	// A message matching both auth and rate-limit patterns classifies by the
	// earlier, more specific entry.
	if got := Classify("401 after rate limit"); got != ClassAuth {
		t.Errorf("expected auth to win, got %s", got)
	}
}

func TestMarksKeyFailed(t *testing.T) {
	marks := map[ErrorClass]bool{
		ClassAuth:        true,
		ClassBilling:     true,
		ClassContext:     false,
		ClassTimeout:     false,
		ClassRateLimit:   false,
		ClassUnavailable: false,
		ClassUnknown:     false,
	}
	for class, want := range marks {
		if got := class.MarksKeyFailed(); got != want {
			t.Errorf("%s.MarksKeyFailed() = %v, want %v", class, got, want)
		}
	}
}

func TestClassifyErrorPreservesProviderError(t *testing.T) {
	pe := &ProviderError{Provider: "anthropic", Model: "m", Class: ClassBilling, Message: "weird wording"}
	wrapped := fmt.Errorf("call failed: %w", pe)
	if got := ClassifyError(wrapped); got != ClassBilling {
		t.Errorf("expected billing from wrapped ProviderError, got %s", got)
	}
	if got := ClassifyError(errors.New("overloaded")); got != ClassUnavailable {
		t.Errorf("expected unavailable, got %s", got)
	}
	if got := ClassifyError(nil); got != ClassUnknown {
		t.Errorf("expected unknown for nil, got %s", got)
	}
}

func TestProviderErrorIncludesChain(t *testing.T) {
	pe := &ProviderError{
		Provider: "openai", Model: "gpt", Class: ClassUnavailable, Message: "502",
		Chain: []string{"anthropic/claude", "openai/gpt"},
	}
	msg := pe.Error()
	if want := "anthropic/claude -> openai/gpt"; !strings.Contains(msg, want) {
		t.Errorf("error %q missing chain %q", msg, want)
	}
}
