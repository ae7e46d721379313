package resilience

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBreaker(threshold int, cooldown time.Duration) (*CircuitBreaker, *time.Time) {
	cb := NewCircuitBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: threshold,
		Cooldown:         cooldown,
		ProbeQuota:       2,
		Logger:           quietLogger(),
	})
	now := time.Unix(1000, 0)
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestBreaker_StaysClosedBelowThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		if err := cb.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("Execute = %v, want errBoom", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		cb.Execute(func() error { return errBoom })
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Execute while open = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn must not run while the breaker is open")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	cb.Execute(func() error { return errBoom })
	cb.Execute(func() error { return errBoom })
	cb.Execute(func() error { return nil })
	cb.Execute(func() error { return errBoom })
	cb.Execute(func() error { return errBoom })

	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed (streak interrupted)", cb.State())
	}
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	cb, now := newTestBreaker(1, time.Minute)

	cb.Execute(func() error { return errBoom })
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	*now = now.Add(2 * time.Minute)
	if cb.State() != StateHalfOpen {
		t.Errorf("state after cooldown = %v, want half-open", cb.State())
	}
}

func TestBreaker_ClosesAfterSuccessfulProbes(t *testing.T) {
	cb, now := newTestBreaker(1, time.Minute)

	cb.Execute(func() error { return errBoom })
	*now = now.Add(2 * time.Minute)

	// ProbeQuota is 2: two successful probes close the breaker.
	for i := 0; i < 2; i++ {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestBreaker_ReopensOnFailedProbe(t *testing.T) {
	cb, now := newTestBreaker(1, time.Minute)

	cb.Execute(func() error { return errBoom })
	*now = now.Add(2 * time.Minute)

	cb.Execute(func() error { return errBoom })
	if cb.State() != StateOpen {
		t.Errorf("state = %v, want open after failed probe", cb.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Hour)

	cb.Execute(func() error { return errBoom })
	cb.Reset()
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed after reset", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Errorf("Execute after reset: %v", err)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tc := range tests {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}
