// Package retry runs fallible upstream calls with exponential backoff.
package retry

import (
	"context"
	"time"
)

// Policy configures how many times an operation is retried and how long to
// wait before each retry.
//
// The wait before retry i (1-based) is BaseDelay * 2^(i-1).
type Policy struct {
	MaxRetries int           // retries after the first attempt, >= 0
	BaseDelay  time.Duration // delay before the first retry
}

// DefaultPolicy returns 3 retries starting at 300ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  300 * time.Millisecond,
	}
}

// Delay returns the wait before the given retry attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	return p.BaseDelay * time.Duration(1<<uint(attempt-1))
}

// Do invokes op until it succeeds or the policy is exhausted.
//
// Attempts are strictly sequential. When every attempt fails, the error from
// the last attempt is returned as-is. The wait between attempts only blocks
// the calling goroutine; if ctx is done while waiting, ctx.Err() is returned.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	attempt := 0
	for {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}

		attempt++
		var zero T
		if attempt > maxRetries {
			return zero, err
		}

		if err := wait(ctx, p.Delay(attempt)); err != nil {
			return zero, err
		}
	}
}

func wait(ctx context.Context, d time.Duration) error {
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
