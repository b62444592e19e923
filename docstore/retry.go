package docstore

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy bounds the optimistic-concurrency loop of WithTransaction.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration // multiplied by the attempt number
}

// DefaultRetryPolicy is used when a store is created without one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Backoff: 20 * time.Millisecond}
}

// Run calls attempt until it succeeds, fails with a non-conflict error, or
// the budget is used up. Exhaustion returns a *TransactionError.
func (p RetryPolicy) Run(ctx context.Context, attempt func(n int) error) error {
	max := p.MaxAttempts
	if max <= 0 {
		max = 1
	}

	var last error
	for n := 1; n <= max; n++ {
		if err := ctx.Err(); err != nil {
			return &TransactionError{Attempts: n - 1, Cause: err}
		}

		err := attempt(n)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		last = err

		if n == max || p.Backoff <= 0 {
			continue
		}
		timer := time.NewTimer(p.Backoff * time.Duration(n))
		select {
		case <-ctx.Done():
			timer.Stop()
			return &TransactionError{Attempts: n, Cause: ctx.Err()}
		case <-timer.C:
		}
	}
	return &TransactionError{Attempts: max, Cause: last}
}
