// Package retry runs operations with exponential backoff.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/bardlex/poolportal/pkg/errors"
)

// Policy describes how an operation is retried
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool

	// OnRetry, when set, is called before sleeping ahead of attempt+1
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultPolicy is used when a nil policy is passed
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// DaemonPolicy is tuned for coin daemon RPC calls. Miners are waiting on the
// answer, so it gives up quickly.
func DaemonPolicy() *Policy {
	return &Policy{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// StorePolicy is tuned for best-effort database and broker writes
func StorePolicy() *Policy {
	return &Policy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    3 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// Do executes fn until it succeeds, returns a non-retryable error, or the
// policy runs out of attempts.
func Do(ctx context.Context, policy *Policy, fn func() error) error {
	_, err := DoWithResult(ctx, policy, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for operations that produce a value
func DoWithResult[T any](ctx context.Context, policy *Policy, fn func() (T, error)) (T, error) {
	if policy == nil {
		policy = DefaultPolicy()
	}

	var zero T
	var lastErr error
	for attempt := range policy.MaxAttempts {
		res, err := fn()
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !errors.IsRetryable(err) {
			return zero, err
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}

		delay := policy.delay(attempt)
		if policy.OnRetry != nil {
			policy.OnRetry(attempt+1, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, errors.Wrap(lastErr, errors.ErrorTypeInternal, "retry",
		"operation failed after maximum retry attempts").
		WithContext("max_attempts", policy.MaxAttempts)
}

func (p *Policy) delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	d = min(d, float64(p.MaxDelay))
	if p.Jitter {
		// up to 10%
		d += d * 0.1 * rand.Float64()
	}
	return time.Duration(d)
}
