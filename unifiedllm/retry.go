package unifiedllm

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds retries of transient model failures.
type RetryPolicy struct {
	// MaxRetries counts attempts after the first.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// Jitter spreads each delay over [0.5, 1.5) of its nominal value.
	Jitter  bool
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy returns two retries backing off from one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		Multiplier: 2,
		Jitter:     true,
	}
}

// schedule returns a fresh delay sequence for one call.
func (p RetryPolicy) schedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.RandomizationFactor = 0
	if p.Jitter {
		b.RandomizationFactor = 0.5
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Retry calls fn until it succeeds, fails permanently, or the policy runs
// out. A server Retry-After hint replaces the computed delay; a hint longer
// than MaxDelay ends retrying. Exhaustion yields *ProviderUnavailableError
// and cancellation yields *AbortError.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	delays := policy.schedule()

	result, err := fn(ctx)
	attempts := 1
	for err != nil {
		if ctx.Err() != nil {
			return zero, abortError(ctx)
		}
		if !IsRetryable(err) {
			return zero, err
		}
		if attempts > policy.MaxRetries {
			return zero, unavailable(err, attempts)
		}

		delay := delays.NextBackOff()
		if hint := retryAfterHint(err); hint != nil {
			delay = time.Duration(*hint * float64(time.Second))
			if delay > policy.MaxDelay {
				return zero, unavailable(err, attempts)
			}
		}
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempts, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, abortError(ctx)
		case <-timer.C:
		}

		result, err = fn(ctx)
		attempts++
	}
	return result, nil
}

// RetryMiddleware retries each Complete call under policy.
func RetryMiddleware(policy RetryPolicy) Middleware {
	return func(ctx context.Context, req Request, next CompleteFunc) (*Response, error) {
		return Retry(ctx, policy, func(ctx context.Context) (*Response, error) {
			return next(ctx, req)
		})
	}
}

func unavailable(last error, attempts int) error {
	return &ProviderUnavailableError{SDKError: SDKError{Message: "provider unavailable", Cause: last}, Attempts: attempts}
}

func abortError(ctx context.Context) error {
	return &AbortError{SDKError{Message: "request cancelled", Cause: context.Cause(ctx)}}
}
