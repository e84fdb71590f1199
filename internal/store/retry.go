package store

import (
	"context"
	"time"
)

const (
	retryAttempts = 3
	retryBase     = 100 * time.Millisecond
)

// withRetry runs fn up to retryAttempts times with exponential backoff
// (base 100ms, doubling). It is used for operations gating correctness:
// ban lookups and report/ban writes. The last error is returned on
// exhaustion; context cancellation aborts the wait immediately.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	delay := retryBase

	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}
