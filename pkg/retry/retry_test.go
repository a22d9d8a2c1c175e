package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	perrors "github.com/bardlex/poolportal/pkg/errors"
)

func fastPolicy(attempts int) *Policy {
	return &Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestPresets(t *testing.T) {
	tests := []struct {
		name     string
		policy   *Policy
		attempts int
		maxDelay time.Duration
	}{
		{"default", DefaultPolicy(), 3, 5 * time.Second},
		{"daemon", DaemonPolicy(), 3, 500 * time.Millisecond},
		{"store", StorePolicy(), 3, 3 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.policy.MaxAttempts != tt.attempts {
				t.Errorf("MaxAttempts = %d, want %d", tt.policy.MaxAttempts, tt.attempts)
			}
			if tt.policy.MaxDelay != tt.maxDelay {
				t.Errorf("MaxDelay = %v, want %v", tt.policy.MaxDelay, tt.maxDelay)
			}
		})
	}
}

func TestDo(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		errType   perrors.ErrorType
		attempts  int
		wantCalls int
		wantErr   bool
	}{
		{"succeeds after one retryable failure", 1, perrors.ErrorTypeNetwork, 3, 2, false},
		{"gives up after max attempts", 10, perrors.ErrorTypeNetwork, 2, 2, true},
		{"does not retry config errors", 10, perrors.ErrorTypeConfig, 5, 1, true},
		{"does not retry daemon rejections", 10, perrors.ErrorTypeDaemon, 5, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), fastPolicy(tt.attempts), func() error {
				calls++
				if calls <= tt.failures {
					return perrors.New(tt.errType, "test", "failure")
				}
				return nil
			})
			if (err != nil) != tt.wantErr {
				t.Errorf("Do() err = %v, wantErr %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestDo_ExhaustedErrorIsInternal(t *testing.T) {
	err := Do(context.Background(), fastPolicy(2), func() error {
		return perrors.New(perrors.ErrorTypeNetwork, "dial", "connection refused")
	})
	if !perrors.IsType(err, perrors.ErrorTypeInternal) {
		t.Errorf("got %v, want internal error", err)
	}
	if got := perrors.GetContext(err)["max_attempts"]; got != 2 {
		t.Errorf("max_attempts = %v, want 2", got)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := &Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Second, Multiplier: 1}

	calls := 0
	err := Do(ctx, policy, func() error {
		calls++
		cancel()
		return perrors.New(perrors.ErrorTypeNetwork, "test", "network error")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_OnRetry(t *testing.T) {
	policy := fastPolicy(3)
	var seen []int
	policy.OnRetry = func(attempt int, _ time.Duration, _ error) {
		seen = append(seen, attempt)
	}

	_ = Do(context.Background(), policy, func() error {
		return perrors.New(perrors.ErrorTypeTimeout, "test", "slow")
	})
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", seen)
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), nil, func() (string, error) {
		calls++
		if calls == 1 {
			return "", perrors.New(perrors.ErrorTypeNetwork, "test", "retryable")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("DoWithResult() err = %v", err)
	}
	if got != "ok" {
		t.Errorf("got %q, want ok", got)
	}
}

func TestDo_PlainErrorNotRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func() error {
		calls++
		return errors.New("ERR wrong number of arguments")
	})
	if err == nil || calls != 1 {
		t.Errorf("err = %v calls = %d, want error after 1 call", err, calls)
	}
}

func TestPolicy_delay(t *testing.T) {
	p := &Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{7, time.Second},
	}
	for _, tt := range tests {
		if got := p.delay(tt.attempt); got != tt.want {
			t.Errorf("delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	p.Jitter = true
	if got := p.delay(0); got < 100*time.Millisecond || got > 110*time.Millisecond {
		t.Errorf("jittered delay(0) = %v, want within [100ms, 110ms]", got)
	}
}
