package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	maxRetries        = 8
	initialRetryDelay = 50 * time.Millisecond
	maxRetryDelay     = 5 * time.Second
)

func newRetryBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialRetryDelay
	b.MaxInterval = maxRetryDelay
	b.Multiplier = 2.0
	return b
}

// RetryConflicts runs fn again from the start while it fails with a
// conflict-class error. Any other error is returned immediately.
func RetryConflicts(ctx context.Context, log *slog.Logger, operation string, fn func() error) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := fn()
		if err == nil {
			if attempt > 1 {
				log.Info("operation succeeded after retries", "operation", operation, "attempts", attempt)
			}
			return struct{}{}, nil
		}
		if !IsConflict(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		log.Warn("transaction conflict detected, retrying", "operation", operation, "attempt", attempt, "max_attempts", maxRetries, "error", err)
		return struct{}{}, err
	},
		backoff.WithBackOff(newRetryBackOff()),
		backoff.WithMaxTries(maxRetries),
	)
	if err != nil && IsConflict(err) {
		return fmt.Errorf("operation failed after %d attempts: %w", attempt, err)
	}
	return err
}
