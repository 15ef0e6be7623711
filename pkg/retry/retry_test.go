package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ruslano69/mssqlpool/pkg/config"
)

var errRefused = errors.New("connection refused")

func mustNew(t *testing.T, p Policy) *Retryer {
	t.Helper()
	r, err := New(p)
	if err != nil {
		t.Fatalf("Failed to create retryer: %v", err)
	}
	return r
}

func TestRetryer_SuccessAfterRetries(t *testing.T) {
	r := mustNew(t, Policy{MaxAttempts: 5, InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second, Backoff: BackoffConstant})

	attempts := 0
	start := time.Now()
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errRefused
		}
		return nil
	})
	if err != nil {
		t.Errorf("Expected success, got error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
	// Проверяем что были задержки
	if time.Since(start) < 20*time.Millisecond {
		t.Errorf("Expected delays between retries")
	}
}

func TestRetryer_MaxAttemptsExceeded(t *testing.T) {
	r := mustNew(t, Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond})

	attempts := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errRefused
	})
	if !errors.Is(err, errRefused) {
		t.Errorf("последняя ошибка должна быть обернута, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryer_NonRetryable(t *testing.T) {
	loginFailed := errors.New("login failed for user 'sa'")
	r := mustNew(t, Policy{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Retryable:    func(err error) bool { return !errors.Is(err, loginFailed) },
	})

	attempts := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return loginFailed
	})
	if !errors.Is(err, loginFailed) || attempts != 1 {
		t.Errorf("err = %v, attempts = %d", err, attempts)
	}
}

func TestRetryer_ContextCancellation(t *testing.T) {
	r := mustNew(t, Policy{MaxAttempts: 10, InitialDelay: time.Second, MaxDelay: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := r.Do(ctx, func(ctx context.Context) error { return errRefused })
	if !errors.Is(err, errRefused) {
		t.Errorf("got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("ожидание должно прерываться контекстом")
	}
}

func TestRetryer_Delay(t *testing.T) {
	tests := []struct {
		backoff Backoff
		attempt int
		want    time.Duration
	}{
		{BackoffConstant, 3, 100 * time.Millisecond},
		{BackoffLinear, 3, 300 * time.Millisecond},
		{BackoffExponential, 1, 100 * time.Millisecond},
		{BackoffExponential, 3, 400 * time.Millisecond},
		{BackoffExponential, 10, time.Second},
	}
	for _, tt := range tests {
		r := mustNew(t, Policy{MaxAttempts: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Backoff: tt.backoff})
		if got := r.Delay(tt.attempt); got != tt.want {
			t.Errorf("%s attempt %d: delay = %v, want %v", tt.backoff, tt.attempt, got, tt.want)
		}
	}
}

func TestRetryer_OnRetry(t *testing.T) {
	var calls []int
	r := mustNew(t, Policy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		OnRetry:      func(attempt int, err error, delay time.Duration) { calls = append(calls, attempt) },
	})
	_ = r.Do(context.Background(), func(ctx context.Context) error { return errRefused })
	if len(calls) != 2 || calls[0] != 1 || calls[1] != 2 {
		t.Errorf("OnRetry calls = %v", calls)
	}
}

func TestNew_Invalid(t *testing.T) {
	bad := []Policy{
		{MaxAttempts: 0, MaxDelay: time.Second},
		{MaxAttempts: 1, InitialDelay: time.Second, MaxDelay: time.Millisecond},
		{MaxAttempts: 1, Backoff: "fibonacci"},
		{MaxAttempts: 1, Jitter: 2},
	}
	for i, p := range bad {
		if _, err := New(p); err == nil {
			t.Errorf("policy %d должна быть отклонена", i)
		}
	}
}

func TestFromConfig(t *testing.T) {
	p := FromConfig(config.RetryConfig{MaxAttempts: 4, InitialDelay: time.Second, MaxDelay: 2 * time.Second, Backoff: "linear", Jitter: 0.2})
	if p.MaxAttempts != 4 || p.Backoff != BackoffLinear || p.Jitter != 0.2 {
		t.Errorf("policy = %+v", p)
	}
}
