package provider

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestFailureReasonTransient(t *testing.T) {
	tests := []struct {
		reason   FailureReason
		expected bool
	}{
		{FailureRateLimit, true},
		{FailureTimeout, true},
		{FailureServerError, true},
		{FailureAuth, false},
		{FailureBilling, false},
		{FailureInvalidRequest, false},
		{FailureModelUnavailable, false},
		{FailureContentFilter, false},
		{FailureMalformedResponse, false},
		{FailureUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			if got := tt.reason.Transient(); got != tt.expected {
				t.Errorf("FailureReason(%q).Transient() = %v, want %v", tt.reason, got, tt.expected)
			}
		})
	}
}

func TestFailureReasonExcludesCredential(t *testing.T) {
	tests := []struct {
		reason   FailureReason
		expected bool
	}{
		{FailureAuth, true},
		{FailureBilling, true},
		{FailureRateLimit, false},
		{FailureTimeout, false},
		{FailureServerError, false},
		{FailureInvalidRequest, false},
		{FailureModelUnavailable, false},
		{FailureContentFilter, false},
		{FailureUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			if got := tt.reason.ExcludesCredential(); got != tt.expected {
				t.Errorf("FailureReason(%q).ExcludesCredential() = %v, want %v", tt.reason, got, tt.expected)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected FailureReason
	}{
		{"nil error", nil, FailureUnknown},
		{"timeout", errors.New("request timeout"), FailureTimeout},
		{"deadline exceeded", errors.New("context deadline exceeded"), FailureTimeout},
		{"rate limit", errors.New("rate limit exceeded"), FailureRateLimit},
		{"too many requests", errors.New("too many requests"), FailureRateLimit},
		{"429 status", errors.New("HTTP 429"), FailureRateLimit},
		{"unauthorized", errors.New("unauthorized"), FailureAuth},
		{"invalid api key", errors.New("invalid api key"), FailureAuth},
		{"billing", errors.New("billing issue"), FailureBilling},
		{"quota exceeded", errors.New("quota exceeded"), FailureBilling},
		{"content filter", errors.New("content_filter triggered"), FailureContentFilter},
		{"content blocked", errors.New("content blocked by safety"), FailureContentFilter},
		{"model not found", errors.New("model not found"), FailureModelUnavailable},
		{"server error", errors.New("internal server error"), FailureServerError},
		{"500 status", errors.New("HTTP 500"), FailureServerError},
		{"unknown", errors.New("something went wrong"), FailureUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.expected {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestNewError(t *testing.T) {
	cause := errors.New("rate limit exceeded")
	err := NewError(TypeAnthropic, "anthropic-primary", "claude-sonnet-4", cause)

	if err.Reason != FailureRateLimit {
		t.Errorf("expected reason %v, got %v", FailureRateLimit, err.Reason)
	}
	if err.Provider != "anthropic" {
		t.Errorf("expected provider anthropic, got %s", err.Provider)
	}
	if err.CredentialID != "anthropic-primary" {
		t.Errorf("expected credential anthropic-primary, got %s", err.CredentialID)
	}
	if err.Model != "claude-sonnet-4" {
		t.Errorf("expected model claude-sonnet-4, got %s", err.Model)
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to match cause")
	}
}

func TestErrorMessage(t *testing.T) {
	err := NewError(TypeOpenAI, "openai-backup", "gpt-4o", errors.New("boom")).WithStatus(503)

	msg := err.Error()
	for _, want := range []string{"[server_error]", "openai", "credential=openai-backup", "model=gpt-4o", "status=503", "boom"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestWithStatus(t *testing.T) {
	tests := []struct {
		status   int
		expected FailureReason
	}{
		{401, FailureAuth},
		{403, FailureAuth},
		{402, FailureBilling},
		{429, FailureRateLimit},
		{400, FailureInvalidRequest},
		{404, FailureModelUnavailable},
		{500, FailureServerError},
		{503, FailureServerError},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			err := NewError(TypeGroq, "groq-free", "llama-3.3-70b", errors.New("opaque")).WithStatus(tt.status)
			if err.Reason != tt.expected {
				t.Errorf("WithStatus(%d) reason = %v, want %v", tt.status, err.Reason, tt.expected)
			}
			if err.Status != tt.status {
				t.Errorf("status = %d, want %d", err.Status, tt.status)
			}
		})
	}
}

func TestWithStatusUnknownKeepsClassification(t *testing.T) {
	err := NewError(TypeGroq, "groq-free", "llama-3.3-70b", errors.New("rate limit")).WithStatus(418)
	if err.Reason != FailureRateLimit {
		t.Errorf("expected message classification to survive unknown status, got %v", err.Reason)
	}
}

func TestWithReason(t *testing.T) {
	err := NewError(TypeGemini, "gemini-a", "gemini-2.0-flash", errors.New("opaque")).WithReason(FailureContentFilter)
	if err.Reason != FailureContentFilter {
		t.Errorf("expected forced reason, got %v", err.Reason)
	}
}

func TestReasonOf(t *testing.T) {
	typed := NewError(TypeAnthropic, "a", "m", errors.New("opaque")).WithReason(FailureBilling)
	wrapped := fmt.Errorf("selecting provider: %w", typed)

	if got := ReasonOf(wrapped); got != FailureBilling {
		t.Errorf("ReasonOf(wrapped typed) = %v, want %v", got, FailureBilling)
	}
	if got := ReasonOf(errors.New("request timeout")); got != FailureTimeout {
		t.Errorf("ReasonOf(raw) = %v, want %v", got, FailureTimeout)
	}
	if got := ReasonOf(nil); got != FailureUnknown {
		t.Errorf("ReasonOf(nil) = %v, want %v", got, FailureUnknown)
	}
}

func TestAsError(t *testing.T) {
	typed := NewError(TypeOpenAI, "a", "m", errors.New("opaque"))
	wrapped := fmt.Errorf("outer: %w", typed)

	got, ok := AsError(wrapped)
	if !ok || got != typed {
		t.Error("expected AsError to find the typed error through wrapping")
	}

	if _, ok := AsError(errors.New("plain")); ok {
		t.Error("expected AsError to miss plain errors")
	}
}
