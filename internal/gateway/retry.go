package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/domain"
)

// RetryPolicy bounds every outbound provider call.
type RetryPolicy struct {
	Timeout         time.Duration
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Timeout:         30 * time.Second,
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Retry runs op until it succeeds, fails with a non-retryable error, or the budget is spent.
// Only ErrProviderUnavailable is retried. Each attempt gets its own Timeout.
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) error {
	attempt := func() error {
		callCtx := ctx
		if policy.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
			defer cancel()
		}
		err := op(callCtx)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrProviderUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(attempt, policy.backOff(ctx))
}
