package mretry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Retryable marks an error as eligible for another attempt. Errors that do
// not implement this (or report false) stop the loop immediately instead
// of burning through MaxRetries on a failure that cannot succeed.
type Retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err should be retried. Errors with no
// opinion (don't implement Retryable) are treated as retryable, matching
// this core's fail-open default for transient infrastructure errors.
func IsRetryable(err error) bool {
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}

	return true
}

// Run invokes fn until it succeeds, returns a non-retryable error, or cfg's
// attempt budget is exhausted, sleeping an exponentially increasing,
// jittered backoff between attempts.
func Run(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	var lastErr error

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !IsRetryable(lastErr) {
			return lastErr
		}

		if attempt == cfg.MaxRetries-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffDuration(cfg, attempt)):
		}
	}

	return lastErr
}

func backoffDuration(cfg Config, attempt int) time.Duration {
	raw := float64(cfg.InitialBackoff) * math.Pow(2, float64(attempt))
	capped := math.Min(raw, float64(cfg.MaxBackoff))

	if cfg.JitterFactor == 0 {
		return time.Duration(capped)
	}

	jitterRange := capped * cfg.JitterFactor
	jittered := capped - jitterRange + rand.Float64()*2*jitterRange //nolint:gosec

	if jittered < 0 {
		jittered = 0
	}

	return time.Duration(jittered)
}
