package mbserrors

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// RetryConfig parameterizes Robustify: a reusable retry helper rather than a
// decorator applied per call site (§9's design note).
type RetryConfig struct {
	MaxAttempts int
	Interval    time.Duration
	// Backoff, when true, doubles Interval (capped at MaxInterval) after each
	// attempt instead of sleeping a fixed Interval every time.
	Backoff     bool
	MaxInterval time.Duration
}

// Dump phases make up to 3 attempts with a flat 30s interval (§4.5/§5).
var DumpRetry = RetryConfig{MaxAttempts: 3, Interval: 30 * time.Second}

// fsyncunlock is retried aggressively because releasing matters more than
// acquiring (§4.4).
var UnlockRetry = RetryConfig{MaxAttempts: 120, Interval: 5 * time.Second}

// EBS snapshot sharing makes up to 5 attempts at 5s (§4.6 EBS specialization).
var ShareRetry = RetryConfig{MaxAttempts: 5, Interval: 5 * time.Second}

// Robustify re-invokes operation until it succeeds, a non-retriable error is
// returned, or maxAttempts is exhausted. It is the general-purpose helper
// taking attempts and interval from cfg plus a retriable predicate, which
// defaults to IsRetriable when nil. It takes no exhaustion callback: once
// the attempts are used up it returns the last error, wrapped with opName
// and the attempt count.
func Robustify(ctx context.Context, cfg RetryConfig, opName string, logger *slog.Logger, predicate func(error) bool, operation func(ctx context.Context) error) error {
	if predicate == nil {
		predicate = IsRetriable
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	interval := cfg.Interval

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: cancelled before attempt %d: %w", opName, attempt, ctx.Err())
		}

		lastErr = operation(ctx)
		if lastErr == nil {
			return nil
		}

		if !predicate(lastErr) {
			return lastErr
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		logger.Warn("retriable error, scheduling retry",
			"operation", opName,
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"error", lastErr)

		sleep := interval
		if cfg.Backoff {
			sleep = time.Duration(float64(interval) * math.Pow(2, float64(attempt-1)))
			if cfg.MaxInterval > 0 && sleep > cfg.MaxInterval {
				sleep = cfg.MaxInterval
			}
			// a little jitter keeps concurrent tasks from retrying in lockstep
			sleep += time.Duration(rand.Int63n(int64(sleep)/4 + 1))
		}

		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return fmt.Errorf("%s: cancelled during backoff: %w", opName, ctx.Err())
		}
	}

	return fmt.Errorf("%s: exhausted %d attempts: %w", opName, cfg.MaxAttempts, lastErr)
}
