package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind categorizes a runtime failure. Kinds surface in response error
// objects and drive the invoker's recovery path.
type Kind string

const (
	KindInvalidRequest       Kind = "invalid_request"
	KindNotFound             Kind = "not_found"
	KindToolNotImplemented   Kind = "tool_not_implemented"
	KindContextOverflow      Kind = "context_overflow_unrecoverable"
	KindProviderRetryable    Kind = "provider_retryable"
	KindProviderFatal        Kind = "provider_fatal"
	KindToolExecutionFailure Kind = "tool_execution_failure"
	KindServerError          Kind = "server_error"
)

// Error is a classified runtime error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	switch {
	case e.Message != "" && e.Cause != nil:
		parts = append(parts, e.Message+": "+e.Cause.Error())
	case e.Message != "":
		parts = append(parts, e.Message)
	case e.Cause != nil:
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a classified error with a message.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf creates a classified error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the kind from an error chain. Unclassified errors report
// as server_error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindServerError
}

// overflowPatterns are the provider error fragments that indicate the
// request exceeded the model's context window.
var overflowPatterns = []string{
	"context length",
	"maximum context length",
	"too many tokens",
	"content too large",
	"prompt is too long",
	"input too long",
	"string too long",
	"max_tokens",
}

// IsOverflow reports whether the error indicates a context-window
// overflow. Providers spell these inconsistently ("context length",
// "context_length_exceeded"), so underscores are folded to spaces on
// both sides before matching.
func IsOverflow(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) && e.Kind == KindContextOverflow {
		return true
	}
	msg := normalizeErrText(err.Error())
	for _, p := range overflowPatterns {
		if strings.Contains(msg, normalizeErrText(p)) {
			return true
		}
	}
	return false
}

func normalizeErrText(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), "_", " ")
}

// IsRetryable reports whether a provider error is transient: rate limits,
// overload, timeouts, and 5xx responses.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindProviderRetryable:
			return true
		case KindProviderFatal, KindContextOverflow, KindInvalidRequest:
			return false
		}
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429") {
		return true
	}
	if strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "resource exhausted") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") {
		return true
	}
	if strings.Contains(msg, "internal server") ||
		strings.Contains(msg, "server error") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "529") {
		return true
	}
	return false
}

// IsThoughtSignature reports whether the error is a provider complaint about
// replayed reasoning metadata. These never recover via backoff; the invoker
// rewrites the context instead.
func IsThoughtSignature(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "thought signature") ||
		strings.Contains(msg, "thought_signature")
}

// classifyProviderError assigns a kind to a raw SDK error. Overflow is
// left to the message patterns so the invoker's recovery can see it.
func classifyProviderError(err error) Kind {
	if IsRetryable(err) {
		return KindProviderRetryable
	}
	return KindProviderFatal
}

// classifyStatus maps an HTTP status from a provider response to a kind.
func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindProviderRetryable
	case status >= 500:
		return KindProviderRetryable
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindProviderFatal
	case status == http.StatusBadRequest || status == http.StatusNotFound:
		return KindProviderFatal
	default:
		return KindProviderFatal
	}
}
