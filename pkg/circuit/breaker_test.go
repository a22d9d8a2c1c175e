package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	perrors "github.com/bardlex/poolportal/pkg/errors"
)

var errDaemon = errors.New("daemon unreachable")

func newTestBreaker() (*Breaker, *time.Time) {
	now := time.Unix(1700000000, 0)
	b := New(&Config{Name: "daemon", MaxFailures: 2, SuccessRequired: 1, Timeout: time.Minute})
	b.now = func() time.Time { return now }
	return b, &now
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(42), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.expected)
		}
	}
}

func TestNew_NilConfig(t *testing.T) {
	b := New(nil)
	if b.config.Name != "default" || b.config.MaxFailures != 5 {
		t.Errorf("New(nil) config = %+v", b.config)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %s, want closed", b.State())
	}
}

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	b, _ := newTestBreaker()
	ctx := context.Background()

	for range 2 {
		if err := b.Execute(ctx, func() error { return errDaemon }); !errors.Is(err, errDaemon) {
			t.Fatalf("Execute() err = %v, want errDaemon", err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	called := false
	err := b.Execute(ctx, func() error { called = true; return nil })
	if called {
		t.Error("open breaker let a call through")
	}
	if !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
	if !perrors.IsType(err, perrors.ErrorTypeInternal) {
		t.Errorf("err type = %v, want internal", err)
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker()
	ctx := context.Background()

	_ = b.Execute(ctx, func() error { return errDaemon })
	_ = b.Execute(ctx, func() error { return nil })
	_ = b.Execute(ctx, func() error { return errDaemon })

	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed", b.State())
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, now := newTestBreaker()
	ctx := context.Background()

	var transitions []string
	b.config.OnStateChange = func(_ string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}

	_ = b.Execute(ctx, func() error { return errDaemon })
	_ = b.Execute(ctx, func() error { return errDaemon })

	*now = now.Add(2 * time.Minute)
	got, err := ExecuteWithResult(ctx, b, func() (bool, error) { return true, nil })
	if err != nil || !got {
		t.Fatalf("ExecuteWithResult() = %v, %v", got, err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed", b.State())
	}

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker()
	ctx := context.Background()

	_ = b.Execute(ctx, func() error { return errDaemon })
	_ = b.Execute(ctx, func() error { return errDaemon })
	*now = now.Add(2 * time.Minute)
	_ = b.Execute(ctx, func() error { return errDaemon })

	if b.State() != StateOpen {
		t.Errorf("state = %s, want open", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker()
	_ = b.Execute(context.Background(), func() error { return errDaemon })
	_ = b.Execute(context.Background(), func() error { return errDaemon })

	b.Reset()
	if b.State() != StateClosed {
		t.Errorf("state after Reset = %s, want closed", b.State())
	}
}
