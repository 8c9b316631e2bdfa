package pipeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/drfirst/go-priorauth/internal/config"
)

// RetryPolicy bounds the retries of recoverable stage failures.
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Randomization float64
	// CallTimeout caps each reasoning or generation call.
	CallTimeout time.Duration
}

// DefaultRetryPolicy returns 3 attempts, 1s base, 10s cap, 0.5 jitter and a
// 30s call timeout.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		BaseDelay:     time.Second,
		MaxDelay:      10 * time.Second,
		Randomization: 0.5,
		CallTimeout:   30 * time.Second,
	}
}

// RetryPolicyFrom converts the loaded retry settings.
func RetryPolicyFrom(c config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   c.MaxAttempts,
		BaseDelay:     c.BaseDelay,
		MaxDelay:      c.MaxDelay,
		Randomization: c.Randomization,
		CallTimeout:   c.CallTimeout,
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = p.Randomization
	b.Multiplier = 2
	return b
}

// errFatal marks an attempt that must not be repeated.
func errFatal(err error) error {
	return backoff.Permanent(err)
}

// retry runs op until it succeeds, returns a permanent error, runs out of
// attempts or ctx is done. The last result is returned in every case; the
// caller inspects it rather than the error.
func retry[T any](ctx context.Context, p RetryPolicy, onRetry func(error, time.Duration), op func(attempt int) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var last T
	n := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		n++
		res, err := op(n)
		last = res
		return struct{}{}, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(onRetry),
	)
	return last, err
}
