package backoff

import (
	"context"
	"errors"
	"time"
)

// ErrAttemptsExhausted is returned once every permitted attempt has failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Result carries the outcome of a retried operation.
type Result[T any] struct {
	// Value is the successful result.
	Value T
	// Attempts is the number of attempts made, including the first.
	Attempts int
	// LastError is the most recent failure, if any.
	LastError error
}

// Retry runs fn up to maxAttempts times, sleeping per the policy between
// failures. retryable decides whether an error is worth another attempt; a
// nil predicate retries everything. Context cancellation is honoured both
// between attempts and during the backoff sleep.
func Retry[T any](
	ctx context.Context,
	policy Policy,
	maxAttempts int,
	retryable func(error) bool,
	fn func(attempt int) (T, error),
) (Result[T], error) {
	var res Result[T]
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		res.Attempts = attempt + 1

		if err := ctx.Err(); err != nil {
			return res, err
		}

		value, err := fn(attempt)
		if err == nil {
			res.Value = value
			return res, nil
		}
		res.LastError = err

		if retryable != nil && !retryable(err) {
			return res, err
		}
		if attempt < maxAttempts-1 {
			if err := Sleep(ctx, policy.Delay(attempt)); err != nil {
				return res, err
			}
		}
	}
	return res, ErrAttemptsExhausted
}

// Sleep waits for the duration, honouring context cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
