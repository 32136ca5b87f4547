package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
)

// RetryPolicy bounds the optimistic update loop.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy allows 10 retries with 100ms doubling backoff capped at 1s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
}

func (p RetryPolicy) normalised() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = def.MaxRetries
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Backoff returns the delay before retry number retries (1-based):
// min(BaseDelay * 2^(retries-1), MaxDelay).
func (p RetryPolicy) Backoff(retries int) time.Duration {
	if retries <= 0 || p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < retries; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(delay, p.MaxDelay)
}

type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryOnConflict runs attempt until it succeeds, fails with an error other
// than ledger.ErrVersionConflict, or conflicts more than MaxRetries times.
// It returns the number of retries performed.
func retryOnConflict(ctx context.Context, policy RetryPolicy, sleep sleepFunc, attempt func(context.Context) error) (int, error) {
	retries := 0
	for {
		err := attempt(ctx)
		if err == nil {
			return retries, nil
		}
		if !errors.Is(err, ledger.ErrVersionConflict) {
			return retries, err
		}
		retries++
		if retries > policy.MaxRetries {
			return retries - 1, fmt.Errorf("%w: gave up after %d retries: %v", ErrTooManyRetries, policy.MaxRetries, err)
		}
		if err := sleep(ctx, policy.Backoff(retries)); err != nil {
			return retries, err
		}
	}
}
