package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds how often a unit of work is re-run after ErrStorageUnavailable.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy makes three attempts starting at 50ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond}
}

func (p RetryPolicy) backoff() retry.Backoff {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Millisecond
	}
	b := retry.NewExponential(base)
	b = retry.WithJitterPercent(20, b)
	return retry.WithMaxRetries(uint64(attempts-1), b)
}

// do runs fn until it succeeds, fails with a non-transient error or the
// attempts are used up. onRetry is called before every re-run.
func (p RetryPolicy) do(ctx context.Context, fn func(context.Context) error, onRetry func()) error {
	first := true
	return retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		if !first && onRetry != nil {
			onRetry()
		}
		first = false
		err := fn(ctx)
		if errors.Is(err, ErrStorageUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
}
