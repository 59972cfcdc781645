package mbserrors

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRobustifySucceedsAfterRetriableFailures(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxAttempts: 3, Interval: time.Millisecond}

	err := Robustify(context.Background(), cfg, "test-op", testLogger(), nil, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return New(KindConnection, "test-op", "refused")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRobustifyFailsFastOnNonRetriable(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxAttempts: 5, Interval: time.Millisecond}

	wantErr := New(KindConfiguration, "test-op", "bad config")
	err := Robustify(context.Background(), cfg, "test-op", testLogger(), nil, func(ctx context.Context) error {
		attempts++
		return wantErr
	})

	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wantErr to propagate, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected fail-fast after 1 attempt, got %d", attempts)
	}
}

func TestRobustifyExhaustsAttempts(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxAttempts: 3, Interval: time.Millisecond}

	err := Robustify(context.Background(), cfg, "test-op", testLogger(), nil, func(ctx context.Context) error {
		attempts++
		return New(KindConnection, "test-op", "refused")
	})

	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if attempts != cfg.MaxAttempts {
		t.Fatalf("expected %d attempts, got %d", cfg.MaxAttempts, attempts)
	}
}

func TestRobustifyRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Robustify(ctx, RetryConfig{MaxAttempts: 3, Interval: time.Millisecond}, "test-op", testLogger(), nil, func(ctx context.Context) error {
		t.Fatal("operation should not run once context is already cancelled")
		return nil
	})

	if err == nil {
		t.Fatal("expected cancellation error")
	}
}
