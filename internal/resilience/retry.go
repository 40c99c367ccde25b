package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetryConfig controls per-provider retries inside a [FallbackGroup].
type RetryConfig struct {
	// MaxRetries is the number of additional attempts after the first.
	// Zero disables retries.
	MaxRetries int

	// BaseDelay is the wait before the first retry; each further retry
	// doubles it. Default: 1s.
	BaseDelay time.Duration
}

// Backoff returns the delay before retry number attempt (0-based).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	base := c.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	return base << attempt
}

// Retry calls fn up to cfg.MaxRetries+1 times, sleeping with exponential
// backoff between attempts. It stops early when fn succeeds, when ctx is done
// or when fn returns [ErrCircuitOpen]. The last error is returned.
func Retry(ctx context.Context, name string, cfg RetryConfig, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil || errors.Is(err, ErrCircuitOpen) {
			return err
		}
		if ctx.Err() != nil || attempt >= cfg.MaxRetries {
			return err
		}
		delay := cfg.Backoff(attempt)
		slog.Debug("retrying provider", "provider", name, "attempt", attempt+1, "delay", delay, "error", err)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}
