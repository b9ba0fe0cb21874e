package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry returned error: %v", err)
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	wantErr := errors.New("still broken")
	err := Retry(context.Background(), 4, time.Millisecond, func(context.Context) error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("Retry error = %v, want %v", err, wantErr)
	}
	if calls != 4 {
		t.Errorf("fn called %d times, want 4", calls)
	}
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	rejected := errors.New("order rejected")
	err := Retry(context.Background(), 5, time.Millisecond, func(context.Context) error {
		calls++
		return Permanent(rejected)
	})
	if !errors.Is(err, rejected) {
		t.Errorf("Retry error = %v, want %v", err, rejected)
	}
	if calls != 1 {
		t.Errorf("fn called %d times after permanent error, want 1", calls)
	}
}

func TestRetryRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, 3, 50*time.Millisecond, func(context.Context) error {
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry error = %v, want context.Canceled", err)
	}
}

func TestRateLimiterAllowsFirst(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("first Wait returned error: %v", err)
	}
}

func TestRateLimiterBlocksWhenDrained(t *testing.T) {
	rl := NewRateLimiter(1, 1) // one token per minute
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("first Wait returned error: %v", err)
	}
	// Bucket is empty; the second call must block until the deadline.
	if err := rl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second Wait error = %v, want context.DeadlineExceeded", err)
	}
}

func TestNewLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		if NewLogger(level, "json") == nil {
			t.Errorf("NewLogger(%q, json) returned nil", level)
		}
	}
	if NewLogger("info", "text") == nil {
		t.Error("NewLogger(info, text) returned nil")
	}
}
