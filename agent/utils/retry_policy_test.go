package utils

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyExecute(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		policy := &RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
		calls := 0
		err := policy.Execute(context.Background(), func() error {
			calls++
			if calls < 3 {
				return errors.New("not yet")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Execute error: %v", err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("returns last error when exhausted", func(t *testing.T) {
		policy := &RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
		wantErr := errors.New("down")
		err := policy.Execute(context.Background(), func() error { return wantErr })
		if !errors.Is(err, wantErr) {
			t.Fatalf("err = %v, want %v", err, wantErr)
		}
	})

	t.Run("stops promptly on cancellation", func(t *testing.T) {
		policy := &RetryPolicy{MaxRetries: 5, BaseDelay: time.Minute, MaxDelay: time.Minute}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- policy.Execute(ctx, func() error { return errors.New("down") })
		}()
		cancel()
		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("err = %v, want context.Canceled", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Execute did not return after cancellation")
		}
	})
}

func TestRetryPolicyCalculateDelay(t *testing.T) {
	policy := &RetryPolicy{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	if got := policy.CalculateDelay(0); got != time.Second {
		t.Errorf("delay(0) = %v, want %v", got, time.Second)
	}
	if got := policy.CalculateDelay(1); got != 2*time.Second {
		t.Errorf("delay(1) = %v, want %v", got, 2*time.Second)
	}
	if got := policy.CalculateDelay(10); got != 10*time.Second {
		t.Errorf("delay(10) = %v, want %v", got, 10*time.Second)
	}
	if got := policy.CalculateDelay(-1); got != time.Second {
		t.Errorf("delay(-1) = %v, want %v", got, time.Second)
	}
}
