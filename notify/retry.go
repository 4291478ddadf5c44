package notify

import (
	"context"
	"fmt"
	"time"
)

// Retriable reports whether err should trigger another attempt. A nil
// Retriable treats every error as retriable.
type Retriable func(error) bool

// WithRetry runs attempt up to 1+retries times with exponential backoff
// (500ms * 2^(i-1)) between tries, stopping early when attempt succeeds,
// ctx is canceled, or retriable reports an error as non-retriable. label
// identifies the sink in error messages (e.g. "webhook", "redis").
func WithRetry(ctx context.Context, label string, retries int, retriable Retriable, attempt func(ctx context.Context) error) error {
	var lastErr error
	attempts := 1 + retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: context canceled: %w", label, err)
		}

		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: context canceled during backoff: %w", label, ctx.Err())
			case <-time.After(backoff):
			}
		}

		lastErr = attempt(ctx)
		if lastErr == nil {
			return nil
		}
		if retriable != nil && !retriable(lastErr) {
			return fmt.Errorf("%s: non-retriable error: %w", label, lastErr)
		}
	}

	return fmt.Errorf("%s: failed after %d attempts: %w", label, attempts, lastErr)
}
