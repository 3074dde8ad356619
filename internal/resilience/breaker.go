// Package resilience protects provider calls from cascading failures.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open).
// [FallbackChain] composes several instances of one provider type, each
// behind its own breaker, so a degraded primary is bypassed in favour of a
// healthy alternate. [LLMFallback] applies the chain to the LLM provider
// interface used by the agent runtime.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrBreakerOpen = errors.New("breaker is open")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed forwards every call.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects calls with [ErrBreakerOpen] until the cooldown
	// elapses.
	BreakerOpen

	// BreakerHalfOpen admits a limited number of probe calls to decide
	// between closing and re-opening.
	BreakerHalfOpen
)

// String returns the lowercase name of the state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero-valued fields get defaults.
type BreakerConfig struct {
	// Name labels the breaker in log output.
	Name string

	// FailureThreshold is how many consecutive failures trip the breaker.
	// Default: 5.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before probing.
	// Default: 30s.
	Cooldown time.Duration

	// ProbeBudget is how many probe calls the half-open state admits.
	// Default: 3.
	ProbeBudget int
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	name             string
	failureThreshold int
	cooldown         time.Duration
	probeBudget      int

	mu          sync.Mutex
	state       BreakerState
	failures    int
	openedAt    time.Time
	probesSent  int
	probeFailed bool
}

// NewBreaker creates a [Breaker] from cfg, substituting defaults for
// zero-valued fields.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 3
	}
	return &Breaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		cooldown:         cfg.Cooldown,
		probeBudget:      cfg.ProbeBudget,
	}
}

// Do runs fn if the breaker admits the call, otherwise returns
// [ErrBreakerOpen] without invoking fn.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case BreakerOpen:
		if time.Since(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.state = BreakerHalfOpen
		b.probesSent = 0
		b.probeFailed = false
		slog.Info("breaker probing", "name", b.name)

	case BreakerHalfOpen:
		if b.probesSent >= b.probeBudget {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
	}

	probing := b.state == BreakerHalfOpen
	if probing {
		b.probesSent++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

// onFailure updates counters after a failed call. Caller holds b.mu.
func (b *Breaker) onFailure(probing bool) {
	b.openedAt = time.Now()

	if probing {
		// One bad probe is enough to re-open.
		b.probeFailed = true
		b.state = BreakerOpen
		b.failures = b.failureThreshold
		slog.Warn("breaker re-opened", "name", b.name)
		return
	}

	b.failures++
	if b.failures >= b.failureThreshold {
		b.state = BreakerOpen
		slog.Warn("breaker opened", "name", b.name, "consecutive_failures", b.failures)
	}
}

// onSuccess updates counters after a successful call. Caller holds b.mu.
func (b *Breaker) onSuccess(probing bool) {
	if probing {
		if !b.probeFailed && b.probesSent >= b.probeBudget {
			b.state = BreakerClosed
			b.failures = 0
			slog.Info("breaker closed", "name", b.name)
		}
		return
	}
	b.failures = 0
}

// State reports the breaker's current state. An open breaker whose cooldown
// has elapsed reports [BreakerHalfOpen]; the transition itself happens on the
// next [Breaker.Do].
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to [BreakerClosed] and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probesSent = 0
	b.probeFailed = false
	slog.Info("breaker reset", "name", b.name)
}
