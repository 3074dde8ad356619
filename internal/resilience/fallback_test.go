package resilience

import (
	"errors"
	"testing"
	"time"
)

type fakeBackend struct {
	name  string
	err   error
	calls int
}

func quickChain(primary *fakeBackend) *FallbackChain[*fakeBackend] {
	return NewFallbackChain(primary, primary.name, ChainConfig{
		Breaker: BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour},
	})
}

func TestChainUsesPrimaryWhenHealthy(t *testing.T) {
	t.Parallel()

	primary := &fakeBackend{name: "primary"}
	alt := &fakeBackend{name: "alt"}
	fc := quickChain(primary)
	fc.Add(alt.name, alt)

	if err := fc.Do(func(b *fakeBackend) error { b.calls++; return b.err }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if primary.calls != 1 {
		t.Errorf("primary.calls = %d, want 1", primary.calls)
	}
	if alt.calls != 0 {
		t.Errorf("alt.calls = %d, want 0", alt.calls)
	}
}

func TestChainFailsOverToAlternate(t *testing.T) {
	t.Parallel()

	primary := &fakeBackend{name: "primary", err: errBoom}
	alt := &fakeBackend{name: "alt"}
	fc := quickChain(primary)
	fc.Add(alt.name, alt)

	if err := fc.Do(func(b *fakeBackend) error { b.calls++; return b.err }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if primary.calls != 1 || alt.calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", primary.calls, alt.calls)
	}
}

func TestChainSkipsOpenBreaker(t *testing.T) {
	t.Parallel()

	primary := &fakeBackend{name: "primary", err: errBoom}
	alt := &fakeBackend{name: "alt"}
	fc := quickChain(primary)
	fc.Add(alt.name, alt)

	do := func(b *fakeBackend) error { b.calls++; return b.err }

	// Trip the primary's breaker (threshold 2).
	_ = fc.Do(do)
	_ = fc.Do(do)

	before := primary.calls
	if err := fc.Do(do); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if primary.calls != before {
		t.Errorf("primary called with open breaker, calls = %d, want %d", primary.calls, before)
	}
}

func TestChainExhaustedReturnsSentinel(t *testing.T) {
	t.Parallel()

	primary := &fakeBackend{name: "primary", err: errBoom}
	alt := &fakeBackend{name: "alt", err: errBoom}
	fc := quickChain(primary)
	fc.Add(alt.name, alt)

	err := fc.Do(func(b *fakeBackend) error { b.calls++; return b.err })
	if !errors.Is(err, ErrChainExhausted) {
		t.Fatalf("err = %v, want ErrChainExhausted", err)
	}
}

func TestDoWithResultReturnsFirstSuccess(t *testing.T) {
	t.Parallel()

	primary := &fakeBackend{name: "primary", err: errBoom}
	alt := &fakeBackend{name: "alt"}
	fc := quickChain(primary)
	fc.Add(alt.name, alt)

	got, err := DoWithResult(fc, func(b *fakeBackend) (string, error) {
		b.calls++
		return b.name, b.err
	})
	if err != nil {
		t.Fatalf("DoWithResult: %v", err)
	}
	if got != "alt" {
		t.Errorf("result = %q, want alt", got)
	}
}
