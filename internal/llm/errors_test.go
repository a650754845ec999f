package llm

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsOverflow(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"context length", errors.New("this model's maximum context length is 128000 tokens"), true},
		{"too many tokens", errors.New("request contains too many tokens"), true},
		{"prompt too long", errors.New("prompt is too long: 210000 tokens"), true},
		{"content too large", errors.New("400: content too large"), true},
		{"input too long", errors.New("input too long for requested model"), true},
		{"string too long", errors.New("string too long. Expected a string with maximum length"), true},
		{"max_tokens", errors.New("max_tokens exceeds model limit"), true},
		{"underscored", errors.New("context_length_exceeded"), true},
		{"classified", NewError(KindContextOverflow, "gave up"), true},
		{"rate limit", errors.New("429 too many requests"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsOverflow(tt.err); got != tt.want {
				t.Errorf("IsOverflow(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"429", errors.New("HTTP 429: too many requests"), true},
		{"overloaded", errors.New("anthropic: overloaded_error"), true},
		{"resource exhausted", errors.New("rpc error: code = ResourceExhausted desc = resource exhausted"), true},
		{"deadline", errors.New("context deadline exceeded"), true},
		{"503", errors.New("503 service unavailable"), true},
		{"internal", errors.New("internal server error"), true},
		{"retryable kind", NewError(KindProviderRetryable, "overloaded"), true},
		{"fatal kind", NewError(KindProviderFatal, "invalid api key 401"), false},
		{"overflow kind", NewError(KindContextOverflow, "429 wrapped but already terminal"), false},
		{"plain", errors.New("invalid request"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsThoughtSignature(t *testing.T) {
	if !IsThoughtSignature(errors.New("400: thought signature verification failed")) {
		t.Error("IsThoughtSignature() = false for thought signature error")
	}
	if !IsThoughtSignature(fmt.Errorf("provider: %w", errors.New("invalid thought_signature in request"))) {
		t.Error("IsThoughtSignature() = false for wrapped thought_signature error")
	}
	if IsThoughtSignature(errors.New("plain validation error")) {
		t.Error("IsThoughtSignature() = true for unrelated error")
	}
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("turn failed: %w", NewError(KindToolNotImplemented, "no such tool"))
	if got := KindOf(wrapped); got != KindToolNotImplemented {
		t.Errorf("KindOf(wrapped) = %v, want %v", got, KindToolNotImplemented)
	}
	if got := KindOf(errors.New("anything")); got != KindServerError {
		t.Errorf("KindOf(plain) = %v, want %v", got, KindServerError)
	}
}

func TestErrorFormat(t *testing.T) {
	err := Wrap(KindProviderFatal, errors.New("401 unauthorized"), "anthropic rejected request")
	got := err.Error()
	want := "[provider_fatal] anthropic rejected request: 401 unauthorized"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, err.Cause) {
		t.Error("Unwrap() does not expose the cause")
	}
}

func TestWrappedCauseKeepsOverflowDetectable(t *testing.T) {
	cause := errors.New("This model's maximum context length is 128000 tokens")
	err := Wrap(KindProviderFatal, cause, "openai request failed")
	if !IsOverflow(err) {
		t.Error("overflow pattern in the cause must stay detectable after wrapping")
	}
}
