package gateway

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures exponential backoff with full jitter.
type RetryConfig struct {
	MaxAttempts  int // total attempts including the first, default 2
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
}

// DefaultRetryConfig matches the spec: up to K=2 attempts, exponential
// backoff with full jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  2,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 1.0,
	}
}

// CalculateBackoff returns the full-jitter backoff duration before attempt
// (1-indexed, attempt 1 is the first retry after the initial try).
func CalculateBackoff(attempt int, cfg RetryConfig) time.Duration {
	if attempt <= 0 {
		return 0
	}
	base := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if base > float64(cfg.MaxDelay) {
		base = float64(cfg.MaxDelay)
	}
	// Full jitter: uniform in [0, base].
	jittered := base * cfg.JitterFactor * rand.Float64() //nolint:gosec // jitter, not security sensitive
	if cfg.JitterFactor >= 1.0 {
		return time.Duration(jittered)
	}
	return time.Duration(base - (base-jittered)*cfg.JitterFactor)
}

// Attempt is the signature of one dispatch attempt; it must return a
// *CategorizedError (or wrap one) so ExecuteWithRetry can classify failures.
type Attempt func(ctx context.Context) error

// ExecuteWithRetry runs fn up to cfg.MaxAttempts times, retrying only when
// the returned error's FailureCategory is retryable.
func ExecuteWithRetry(ctx context.Context, cfg RetryConfig, fn Attempt) error {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("gateway: context done before attempt %d: %w", attempt+1, ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !Categorize(err).Retryable() {
			return err
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := CalculateBackoff(attempt+1, cfg)
		select {
		case <-ctx.Done():
			return fmt.Errorf("gateway: context done during backoff: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("gateway: all %d attempts failed: %w", cfg.MaxAttempts, lastErr)
}
