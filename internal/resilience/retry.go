// Package resilience provides the retry policy used around persistence
// pipelines. The policy is an explicit value so that retry scope and error
// classification live with the caller instead of being buried inside a
// completion handler.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Policy describes how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Default: 3.
	MaxAttempts int

	// Backoff is the fixed delay between attempts. Default: 1s.
	Backoff time.Duration

	// IsRetryable decides whether an error is worth another attempt.
	// A nil func retries every error.
	IsRetryable func(error) bool
}

// withDefaults fills zero-value fields.
func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Backoff <= 0 {
		p.Backoff = time.Second
	}
	return p
}

// Do runs fn under the policy. It returns nil as soon as an attempt succeeds,
// the last error once attempts are exhausted or a non-retryable error occurs,
// or the context error if ctx is cancelled during a backoff sleep.
func (p Policy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	p = p.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p.IsRetryable != nil && !p.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		slog.Warn("retrying after failure",
			"op", op,
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"err", lastErr,
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(p.Backoff):
		}
	}
	return fmt.Errorf("%s: attempts exhausted: %w", op, lastErr)
}
