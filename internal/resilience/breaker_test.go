package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestNewBreakerDefaults(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Name: "test"})
	if b.failureThreshold != 5 {
		t.Errorf("failureThreshold = %d, want 5", b.failureThreshold)
	}
	if b.cooldown != 30*time.Second {
		t.Errorf("cooldown = %v, want 30s", b.cooldown)
	}
	if b.probeBudget != 3 {
		t.Errorf("probeBudget = %d, want 3", b.probeBudget)
	}
	if b.State() != BreakerClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreakerClosedForwardsCalls(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Name: "test", FailureThreshold: 3})
	called := false
	if err := b.Do(func() error { called = true; return nil }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !called {
		t.Fatal("fn was not called")
	}
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: 3,
		Cooldown:         time.Hour,
	})

	for range 3 {
		_ = b.Do(func() error { return errBoom })
	}
	if b.State() != BreakerOpen {
		t.Fatalf("state = %v, want open after 3 failures", b.State())
	}

	err := b.Do(func() error { return nil })
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("err = %v, want ErrBreakerOpen", err)
	}
}

func TestBreakerSuccessClearsFailures(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Name: "test", FailureThreshold: 3})

	_ = b.Do(func() error { return errBoom })
	_ = b.Do(func() error { return errBoom })
	_ = b.Do(func() error { return nil })
	if b.State() != BreakerClosed {
		t.Fatalf("state = %v, want closed after intervening success", b.State())
	}

	_ = b.Do(func() error { return errBoom })
	_ = b.Do(func() error { return errBoom })
	if b.State() != BreakerClosed {
		t.Fatal("should still be closed, only 2 failures since last success")
	}
}

func TestBreakerProbesAfterCooldown(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: 2,
		Cooldown:         10 * time.Millisecond,
		ProbeBudget:      2,
	})

	_ = b.Do(func() error { return errBoom })
	_ = b.Do(func() error { return errBoom })
	if b.State() != BreakerOpen {
		t.Fatal("expected open")
	}

	time.Sleep(15 * time.Millisecond)

	if b.State() != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open after cooldown", b.State())
	}
}

func TestBreakerClosesAfterSuccessfulProbes(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: 2,
		Cooldown:         10 * time.Millisecond,
		ProbeBudget:      2,
	})

	_ = b.Do(func() error { return errBoom })
	_ = b.Do(func() error { return errBoom })

	time.Sleep(15 * time.Millisecond)

	for i := range 2 {
		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if b.State() != BreakerClosed {
		t.Fatalf("state = %v, want closed after successful probes", b.State())
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: 2,
		Cooldown:         10 * time.Millisecond,
		ProbeBudget:      3,
	})

	_ = b.Do(func() error { return errBoom })
	_ = b.Do(func() error { return errBoom })

	time.Sleep(15 * time.Millisecond)

	if err := b.Do(func() error { return errBoom }); err == nil {
		t.Fatal("expected error from failing probe")
	}

	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	if s != BreakerOpen {
		t.Fatalf("state = %v, want open after failed probe", s)
	}
}

func TestBreakerReset(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: 2,
		Cooldown:         time.Hour,
	})

	_ = b.Do(func() error { return errBoom })
	_ = b.Do(func() error { return errBoom })
	if b.State() != BreakerOpen {
		t.Fatal("expected open")
	}

	b.Reset()
	if b.State() != BreakerClosed {
		t.Fatalf("state = %v, want closed after reset", b.State())
	}
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("Do after reset: %v", err)
	}
}

func TestBreakerStateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state BreakerState
		want  string
	}{
		{BreakerClosed, "closed"},
		{BreakerOpen, "open"},
		{BreakerHalfOpen, "half-open"},
		{BreakerState(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("BreakerState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
