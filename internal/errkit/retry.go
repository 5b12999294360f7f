package errkit

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"troop/internal/logging"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts  int           // Total attempts including the first (default: 3)
	BaseDelay    time.Duration // Base delay for exponential backoff (default: 2s)
	MaxDelay     time.Duration // Maximum delay between retries (default: 60s)
	JitterFactor float64       // Jitter factor for randomization (default: 0.25 = ±25%)
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    2 * time.Second,
		MaxDelay:     60 * time.Second,
		JitterFactor: 0.25,
	}
}

// Retry executes fn with exponential backoff on transient errors.
func Retry(ctx context.Context, config RetryConfig, fn func(ctx context.Context) error) error {
	_, err := RetryWithResult(ctx, config, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithResult executes fn with exponential backoff on transient errors
// and returns its result.
//
// Permanent errors and context cancellation stop retries immediately. The
// delay before attempt n+1 is BaseDelay * 2^(n-1), capped at MaxDelay, with
// jitter applied.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	return RetryWithResultAndLog(ctx, config, fn, nil)
}

// RetryWithResultAndLog is RetryWithResult with a custom logger.
func RetryWithResultAndLog[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error), logger logging.Logger) (T, error) {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("retry")
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}

	var lastErr error
	var zero T

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		logger.Debug("Executing (attempt %d/%d)", attempt, config.MaxAttempts)

		result, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("Retry succeeded on attempt %d", attempt)
			}
			return result, nil
		}

		lastErr = err
		logger.Debug("Attempt %d failed: %v", attempt, err)

		if !IsTransient(err) {
			logger.Debug("Error is not transient, stopping retries")
			return zero, err
		}

		if attempt == config.MaxAttempts {
			logger.Warn("Max retries (%d) exhausted", config.MaxAttempts)
			break
		}

		delay := calculateBackoff(attempt-1, config)
		logger.Debug("Waiting %v before next retry", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// calculateBackoff computes BaseDelay * 2^attempt with jitter, capped at MaxDelay.
func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	multiplier := math.Pow(2, float64(attempt))
	delay := time.Duration(float64(config.BaseDelay) * multiplier)

	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	if config.JitterFactor > 0 {
		jitter := float64(delay) * config.JitterFactor
		jitterAmount := (rand.Float64()*2 - 1) * jitter
		delay = time.Duration(float64(delay) + jitterAmount)

		if delay < 0 {
			delay = config.BaseDelay
		}
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return delay
}
