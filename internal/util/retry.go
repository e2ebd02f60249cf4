package util

import (
	"context"
	"errors"
	"time"
)

const maxBackoff = 30 * time.Second

// Backoff returns the exponential delay before attempt n (0-based retry
// index): base, 2*base, 4*base, ... capped at 30s.
func Backoff(base time.Duration, n int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// RetryWithBackoff calls fn up to maxTries times until it returns a nil
// error, sleeping Backoff(base, i) between attempts. If retryable is non-nil
// and reports false for an error, that error is returned immediately.
// Returns ctx.Err() if the context is canceled while waiting, otherwise the
// last error.
func RetryWithBackoff[T any](
	ctx context.Context,
	maxTries int,
	base time.Duration,
	retryable func(error) bool,
	fn func(context.Context) (T, error),
) (T, error) {
	if maxTries <= 0 {
		maxTries = 1
	}
	var lastErr error
	var zero T
	for i := 0; i < maxTries; i++ {
		if i > 0 {
			if err := sleep(ctx, Backoff(base, i-1)); err != nil {
				return zero, err
			}
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, context.Canceled) {
			return zero, err
		}
		lastErr = err
		if retryable != nil && !retryable(err) {
			return zero, err
		}
	}
	return zero, lastErr
}

// RetryErrWithBackoff is RetryWithBackoff for functions without a result.
func RetryErrWithBackoff(
	ctx context.Context,
	maxTries int,
	base time.Duration,
	retryable func(error) bool,
	fn func(context.Context) error,
) error {
	_, err := RetryWithBackoff(ctx, maxTries, base, retryable, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
