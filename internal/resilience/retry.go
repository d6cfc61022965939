package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Default retry parameters.
const (
	defaultMaxAttempts = 3
	defaultBackoff     = 1 * time.Second
	defaultMaxBackoff  = 30 * time.Second
)

// RetryConfig configures [Retry].
type RetryConfig struct {
	// Name identifies the operation in log output.
	Name string

	// MaxAttempts is the total number of calls, including the first.
	// Defaults to 3 if zero.
	MaxAttempts int

	// Backoff is the pause after the first failure. It doubles after each
	// further failure up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the pause. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// Retryable decides whether err is worth another attempt. Nil retries
	// every error.
	Retryable func(err error) bool
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	return c
}

// Retry calls fn until it succeeds, returns a non-retryable error, or
// MaxAttempts is used up. It waits with exponential backoff between attempts
// and gives up early when ctx is cancelled. The returned error wraps the
// last failure.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	backoff := cfg.Backoff

	var zero T
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("resilience: %s: %w (last error: %v)", cfg.Name, err, lastErr)
			}
			return zero, fmt.Errorf("resilience: %s: %w", cfg.Name, err)
		}

		v, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("resilience: retry succeeded", "op", cfg.Name, "attempt", attempt)
			}
			return v, nil
		}
		lastErr = err
		if cfg.MaxAttempts == 1 || (cfg.Retryable != nil && !cfg.Retryable(err)) {
			return zero, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		slog.Warn("resilience: attempt failed",
			"op", cfg.Name,
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"backoff", backoff,
			"error", err,
		)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, fmt.Errorf("resilience: %s: %w (last error: %v)", cfg.Name, ctx.Err(), lastErr)
		case <-t.C:
		}

		backoff *= 2
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return zero, fmt.Errorf("resilience: %s failed after %d attempts: %w", cfg.Name, cfg.MaxAttempts, lastErr)
}
