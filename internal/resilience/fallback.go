package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrChainExhausted is returned when every member of a [FallbackChain] failed
// or had an open breaker.
var ErrChainExhausted = errors.New("all fallbacks exhausted")

// ChainConfig configures the per-member breaker of a [FallbackChain].
type ChainConfig struct {
	Breaker BreakerConfig
}

// chainMember pairs one provider value with its dedicated breaker.
type chainMember[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// FallbackChain holds a primary and zero or more alternates of the same
// provider type. Members are tried in registration order; a member whose
// breaker is open is skipped without a call.
//
// FallbackChain is safe for concurrent use once assembled. Add all members
// before sharing it across goroutines.
type FallbackChain[T any] struct {
	members []chainMember[T]
	cfg     ChainConfig
}

// NewFallbackChain creates a chain with primary as the first member.
func NewFallbackChain[T any](primary T, primaryName string, cfg ChainConfig) *FallbackChain[T] {
	fc := &FallbackChain[T]{cfg: cfg}
	fc.Add(primaryName, primary)
	return fc
}

// Add appends a member. Members are tried in the order they were added.
func (fc *FallbackChain[T]) Add(name string, value T) {
	bcfg := fc.cfg.Breaker
	bcfg.Name = name
	fc.members = append(fc.members, chainMember[T]{
		name:    name,
		value:   value,
		breaker: NewBreaker(bcfg),
	})
}

// Do tries fn against each member until one succeeds. Returns
// [ErrChainExhausted] wrapped with the last error when every member fails.
func (fc *FallbackChain[T]) Do(fn func(T) error) error {
	var lastErr error
	for i := range fc.members {
		m := &fc.members[i]
		err := m.breaker.Do(func() error { return fn(m.value) })
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			slog.Debug("skipping member, breaker open", "member", m.name)
		} else {
			slog.Warn("member failed, trying next", "member", m.name, "error", err)
		}
	}
	return fmt.Errorf("%w: %v", ErrChainExhausted, lastErr)
}

// DoWithResult tries fn against each member of fc until one succeeds,
// returning the result. Package-level because methods cannot introduce type
// parameters.
func DoWithResult[T any, R any](fc *FallbackChain[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fc.members {
		m := &fc.members[i]
		var result R
		err := m.breaker.Do(func() error {
			var inner error
			result, inner = fn(m.value)
			return inner
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			slog.Debug("skipping member, breaker open", "member", m.name)
		} else {
			slog.Warn("member failed, trying next", "member", m.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrChainExhausted, lastErr)
}
