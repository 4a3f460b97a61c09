package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassifyHTTP(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCode  Code
		retryable bool
	}{
		{"not found", 404, CodeDataNotFound, false},
		{"rate limited", 429, CodeRateLimited, true},
		{"server error", 500, CodeServer, true},
		{"bad gateway", 502, CodeServer, true},
		{"unclassified", 418, CodeData, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyHTTP(tt.status, "BTC", "", nil)
			if err.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", err.Code, tt.wantCode)
			}
			if err.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", err.Retryable, tt.retryable)
			}
		})
	}
}

func TestRetryAfterHint(t *testing.T) {
	err := ClassifyHTTP(429, "ETH", "7", nil)
	if err.RetryAfter != 7*time.Second {
		t.Errorf("retryAfter = %v, want 7s", err.RetryAfter)
	}
	if got := RetryDelay(err, 0); got != 7*time.Second {
		t.Errorf("delay = %v, want retry-after hint honored", got)
	}
}

func TestRetryDelayBackoff(t *testing.T) {
	err := ClassifyHTTP(500, "", "", nil)
	if d0, d1 := RetryDelay(err, 0), RetryDelay(err, 1); d1 <= d0 {
		t.Errorf("backoff should grow: attempt0=%v attempt1=%v", d0, d1)
	}
	// Network/server backoff is capped at 10s.
	if d := RetryDelay(err, 10); d > 10*time.Second {
		t.Errorf("delay = %v, want <= 10s", d)
	}
}

func TestValidationNotRetryable(t *testing.T) {
	err := Validation("maxCoins out of range: %d", 99)
	if err.Retryable {
		t.Error("validation errors must not be retryable")
	}
	if HTTPStatus(err) != 400 {
		t.Errorf("status = %d, want 400", HTTPStatus(err))
	}
}

func TestCodeOfUnwrapping(t *testing.T) {
	inner := InsufficientData("only %d snapshots", 1)
	wrapped := fmt.Errorf("running backtest: %w", inner)
	if CodeOf(wrapped) != CodeInsufficientData {
		t.Errorf("code = %s, want %s", CodeOf(wrapped), CodeInsufficientData)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, func(context.Context) error {
		calls++
		return Validation("bad input")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if CodeOf(err) != CodeValidation {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, func(context.Context) error {
		calls++
		if calls < 2 {
			e := ClassifyHTTP(503, "", "", nil)
			e.RetryAfter = time.Millisecond
			return e
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, 3, func(context.Context) error {
		return ClassifyHTTP(500, "", "", nil)
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
