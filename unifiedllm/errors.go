package unifiedllm

import (
	"context"
	"errors"
	"fmt"
)

// SDKError carries a message and an optional cause. Every error produced by
// this package embeds it.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SDKError) Unwrap() error {
	return e.Cause
}

// ProviderError is a failure reported by the provider itself.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	ErrorCode  string
	Retryable  bool
	// RetryAfter is the server's requested delay in seconds, if any.
	RetryAfter *float64
}

func (e *ProviderError) Error() string {
	msg := e.Provider + ": " + e.Message
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.ErrorCode != "" {
		msg += " [" + e.ErrorCode + "]"
	}
	return msg
}

func (e *ProviderError) transient() bool      { return e.Retryable }
func (e *ProviderError) retryAfter() *float64 { return e.RetryAfter }

// Provider errors by class. Only RateLimitError and ServerError are
// transient.
type (
	AuthenticationError struct{ ProviderError }
	AccessDeniedError   struct{ ProviderError }
	NotFoundError       struct{ ProviderError }
	InvalidRequestError struct{ ProviderError }
	ContextLengthError  struct{ ProviderError }
	ContentFilterError  struct{ ProviderError }
	RateLimitError      struct{ ProviderError }
	ServerError         struct{ ProviderError }
)

// Client-side failures.
type (
	// AbortError reports a call cancelled by its context.
	AbortError struct{ SDKError }
	// ConfigurationError reports a client that cannot send the request.
	ConfigurationError struct{ SDKError }
	// NetworkError reports a transport failure before a response arrived.
	NetworkError struct{ SDKError }
	// RequestTimeoutError reports a request the provider or transport timed out.
	RequestTimeoutError struct{ SDKError }
	// StreamInterruptedError reports a stream that ended before its final event.
	StreamInterruptedError struct{ SDKError }
)

func (*AbortError) transient() bool             { return false }
func (*ConfigurationError) transient() bool     { return false }
func (*NetworkError) transient() bool           { return true }
func (*RequestTimeoutError) transient() bool    { return true }
func (*StreamInterruptedError) transient() bool { return true }

// MalformedResponseError reports a response that could not be assembled,
// typically tool-call arguments that are not JSON even after repair.
type MalformedResponseError struct {
	SDKError
	ToolCallID string
	Raw        string
}

func (*MalformedResponseError) transient() bool { return false }

// ProviderUnavailableError is returned once retries are exhausted on
// transient failures. Its cause is the final failure.
type ProviderUnavailableError struct {
	SDKError
	Attempts int
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("provider unavailable after %d attempts: %v", e.Attempts, e.Cause)
}

// Last returns the error from the final attempt.
func (e *ProviderUnavailableError) Last() error {
	return e.Cause
}

func (*ProviderUnavailableError) transient() bool { return false }

// statusClasses maps HTTP status codes to error classes. 529 is
// Anthropic's "overloaded".
var statusClasses = map[int]func(ProviderError) error{
	400: func(p ProviderError) error { return &InvalidRequestError{p} },
	401: func(p ProviderError) error { return &AuthenticationError{p} },
	403: func(p ProviderError) error { return &AccessDeniedError{p} },
	404: func(p ProviderError) error { return &NotFoundError{p} },
	413: func(p ProviderError) error { return &ContextLengthError{p} },
	422: func(p ProviderError) error { return &InvalidRequestError{p} },
	429: func(p ProviderError) error { return &RateLimitError{p} },
	500: func(p ProviderError) error { return &ServerError{p} },
	502: func(p ProviderError) error { return &ServerError{p} },
	503: func(p ProviderError) error { return &ServerError{p} },
	504: func(p ProviderError) error { return &ServerError{p} },
	529: func(p ProviderError) error { return &ServerError{p} },
}

// ErrorFromStatus classifies a provider failure by HTTP status. Statuses
// without a class are transient when they are 5xx.
func ErrorFromStatus(provider string, status int, code, message string, retryAfter *float64) error {
	if status == 408 {
		return &RequestTimeoutError{SDKError{Message: fmt.Sprintf("%s: %s", provider, message)}}
	}
	p := ProviderError{
		SDKError:   SDKError{Message: message},
		Provider:   provider,
		StatusCode: status,
		ErrorCode:  code,
		Retryable:  status == 429 || status >= 500,
		RetryAfter: retryAfter,
	}
	if class, ok := statusClasses[status]; ok {
		return class(p)
	}
	return &p
}

// IsRetryable reports whether repeating the call may succeed. Errors from
// outside this package are assumed transient unless they are context
// cancellation.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var t interface{ transient() bool }
	if errors.As(err, &t) {
		return t.transient()
	}
	return true
}

// retryAfterHint returns the server-requested delay carried by err.
func retryAfterHint(err error) *float64 {
	var h interface{ retryAfter() *float64 }
	if errors.As(err, &h) {
		return h.retryAfter()
	}
	return nil
}
