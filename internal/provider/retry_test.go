package provider

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := fastRetry(5).Do(context.Background(), noopLogger(), "test", func(ctx context.Context) error {
		calls++
		return &APIError{Status: 404, Endpoint: "/x"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("404 不应重试, 实际 %d 次", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	wantErr := &APIError{Status: 503, Endpoint: "/x"}
	err := fastRetry(3).Do(context.Background(), noopLogger(), "test", func(ctx context.Context) error {
		calls++
		return wantErr
	})
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 503 {
		t.Fatalf("final error should surface, got %v", err)
	}
}

func TestRetryHonoursContextDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Hour, MaxBackoff: time.Hour, Multiplier: 2}

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- policy.Do(ctx, noopLogger(), "test", func(ctx context.Context) error {
			calls++
			return &APIError{Status: 500, Endpoint: "/x"}
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("retry loop did not honour cancellation")
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt before cancel, got %d", calls)
	}
}

func TestRetryZeroPolicyUsesDefaults(t *testing.T) {
	p := RetryPolicy{}.normalised()
	if p.MaxAttempts != 3 || p.Multiplier != 2.0 {
		t.Fatalf("unexpected defaults: %+v", p)
	}
}
