package resilience

import (
	"context"
	"log/slog"
	"time"
)

// RetryConfig tunes [Retry]. Zero-value fields are replaced with defaults.
type RetryConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// Attempts is the total number of tries, including the first.
	// Default: 5.
	Attempts int

	// InitialDelay is the wait before the second attempt; it doubles after
	// every failure. Default: 500ms.
	InitialDelay time.Duration

	// MaxDelay caps the doubling. Default: 10s.
	MaxDelay time.Duration
}

// Retry runs fn until it succeeds, the attempt budget is spent, or ctx is
// cancelled. The delay between attempts doubles up to MaxDelay. Used at
// startup to ride out dependencies that come up slower than the service
// itself, such as postgres or Redis in a compose stack.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 5
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}

	delay := cfg.InitialDelay
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= cfg.Attempts {
			return err
		}

		slog.Warn("retrying after failure",
			"name", cfg.Name,
			"attempt", attempt,
			"max_attempts", cfg.Attempts,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}
