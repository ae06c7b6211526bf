package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFromStatus(t *testing.T) {
	cases := []struct {
		status    int
		want      any
		retryable bool
	}{
		{400, &InvalidRequestError{}, false},
		{401, &AuthenticationError{}, false},
		{403, &AccessDeniedError{}, false},
		{404, &NotFoundError{}, false},
		{408, &RequestTimeoutError{}, true},
		{413, &ContextLengthError{}, false},
		{418, &ProviderError{}, false},
		{422, &InvalidRequestError{}, false},
		{429, &RateLimitError{}, true},
		{500, &ServerError{}, true},
		{503, &ServerError{}, true},
		{529, &ServerError{}, true},
		{599, &ProviderError{}, true},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			err := ErrorFromStatus("anthropic", tc.status, "", "boom", nil)
			assert.IsType(t, tc.want, err)
			assert.Equal(t, tc.retryable, IsRetryable(err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	cases := map[string]struct {
		err  error
		want bool
	}{
		"nil":                  {nil, false},
		"auth":                 {&AuthenticationError{}, false},
		"content filter":       {&ContentFilterError{}, false},
		"configuration":        {&ConfigurationError{}, false},
		"abort":                {&AbortError{}, false},
		"malformed response":   {&MalformedResponseError{}, false},
		"provider unavailable": {&ProviderUnavailableError{}, false},
		"rate limit":           {&RateLimitError{ProviderError{Retryable: true}}, true},
		"network":              {&NetworkError{}, true},
		"stream interrupted":   {&StreamInterruptedError{}, true},
		"timeout":              {&RequestTimeoutError{}, true},
		"wrapped server":       {fmt.Errorf("turn 3: %w", ErrorFromStatus("anthropic", 502, "", "bad gateway", nil)), true},
		"context canceled":     {context.Canceled, false},
		"wrapped deadline":     {fmt.Errorf("call: %w", context.DeadlineExceeded), false},
		"foreign":              {errors.New("connection hiccup"), true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestProviderErrorMessage(t *testing.T) {
	err := ErrorFromStatus("anthropic", 529, "overloaded_error", "Overloaded", nil)
	assert.EqualError(t, err, "anthropic: Overloaded (HTTP 529) [overloaded_error]")

	plain := &ProviderError{SDKError: SDKError{Message: "no status"}, Provider: "ollama"}
	assert.EqualError(t, plain, "ollama: no status")

	cause := errors.New("root cause")
	assert.ErrorIs(t, &NetworkError{SDKError{Message: "dial", Cause: cause}}, cause)
}

func TestProviderUnavailableUnwrapsLastAttempt(t *testing.T) {
	last := ErrorFromStatus("anthropic", 529, "overloaded_error", "overloaded", nil)
	err := &ProviderUnavailableError{SDKError: SDKError{Message: "provider unavailable", Cause: last}, Attempts: 3}

	var server *ServerError
	require.ErrorAs(t, err, &server)
	assert.Equal(t, 529, server.StatusCode)
	assert.Same(t, last, err.Last())
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.False(t, IsRetryable(err))
}

func TestRetryAfterHint(t *testing.T) {
	secs := 2.5
	hint := retryAfterHint(fmt.Errorf("wrapped: %w", ErrorFromStatus("anthropic", 503, "", "busy", &secs)))
	require.NotNil(t, hint)
	assert.Equal(t, 2.5, *hint)
	assert.Nil(t, retryAfterHint(&NetworkError{}))
}
