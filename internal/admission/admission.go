// Package admission caps the number of concurrent calls a deployment will
// accept.
//
// Two nested limits apply: a global semaphore over all calls and an optional
// per-campaign semaphore. A slot is held under a TTL and must be refreshed by
// its holder; slots whose holder dies without releasing are reclaimed when
// the TTL lapses, so a crashed node cannot leak capacity forever.
//
// [Gate.Admit] acquires global first, then campaign, and rolls the global
// slot back if the campaign is full. [Lease.Release] releases in the reverse
// order and is idempotent.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/invorto-ai/invorto/internal/config"
	"github.com/invorto-ai/invorto/internal/observe"
)

// ErrRejected is returned by [Gate.Admit] when a limit is reached. Use
// [errors.Is] to detect it; the wrapped message names the exhausted scope.
var ErrRejected = errors.New("admission rejected")

// Scope names for metrics and error messages.
const (
	ScopeGlobal   = "global"
	ScopeCampaign = "campaign"
)

// Semaphore key layout. Campaign keys append the campaign ID.
const (
	globalKey         = "admission:global"
	campaignKeyPrefix = "admission:campaign:"
)

// Store is the semaphore backend. Implementations must expire slots whose
// TTL has lapsed without a refresh.
type Store interface {
	// Acquire takes one slot in the semaphore at key if fewer than limit
	// live slots are held. Returns false without error when the semaphore
	// is full.
	Acquire(ctx context.Context, key string, limit int, holder string, ttl time.Duration) (bool, error)

	// Refresh extends the TTL of holder's slot. Returns an error if the
	// slot no longer exists (it expired or was released).
	Refresh(ctx context.Context, key, holder string, ttl time.Duration) error

	// Release frees holder's slot. Releasing an unheld slot is not an
	// error.
	Release(ctx context.Context, key, holder string) error

	// Held reports the number of live slots at key.
	Held(ctx context.Context, key string) (int, error)
}

// Gate enforces the configured admission limits on top of a [Store].
type Gate struct {
	store   Store
	cfg     config.AdmissionConfig
	metrics *observe.Metrics
}

// NewGate creates a [Gate]. A nil metrics falls back to
// [observe.DefaultMetrics].
func NewGate(store Store, cfg config.AdmissionConfig, metrics *observe.Metrics) *Gate {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Gate{store: store, cfg: cfg, metrics: metrics}
}

// Admit attempts to take a slot for callID. When campaign is non-empty and
// has a configured limit, a campaign slot is acquired as well. On success
// the returned [Lease] holds both slots; the caller must keep it refreshed
// and release it exactly once.
func (g *Gate) Admit(ctx context.Context, callID, campaign string) (*Lease, error) {
	ttl := g.cfg.TTL()

	if g.cfg.GlobalLimit > 0 {
		ok, err := g.store.Acquire(ctx, globalKey, g.cfg.GlobalLimit, callID, ttl)
		if err != nil {
			return nil, fmt.Errorf("admission: acquire global: %w", err)
		}
		if !ok {
			g.metrics.RecordAdmissionRejection(ctx, ScopeGlobal)
			return nil, fmt.Errorf("%w: global limit %d reached", ErrRejected, g.cfg.GlobalLimit)
		}
	}

	campaignLimit, gated := g.cfg.CampaignLimits[campaign]
	if campaign != "" && gated {
		key := campaignKeyPrefix + campaign
		ok, err := g.store.Acquire(ctx, key, campaignLimit, callID, ttl)
		if err != nil {
			g.rollbackGlobal(ctx, callID)
			return nil, fmt.Errorf("admission: acquire campaign %q: %w", campaign, err)
		}
		if !ok {
			g.rollbackGlobal(ctx, callID)
			g.metrics.RecordAdmissionRejection(ctx, ScopeCampaign)
			return nil, fmt.Errorf("%w: campaign %q limit %d reached", ErrRejected, campaign, campaignLimit)
		}
		return g.newLease(callID, campaign), nil
	}

	return g.newLease(callID, ""), nil
}

// rollbackGlobal undoes the global acquisition after a campaign failure.
func (g *Gate) rollbackGlobal(ctx context.Context, callID string) {
	if g.cfg.GlobalLimit <= 0 {
		return
	}
	if err := g.store.Release(ctx, globalKey, callID); err != nil {
		slog.Error("admission: rollback of global slot failed", "call_id", callID, "error", err)
	}
}

func (g *Gate) newLease(callID, campaign string) *Lease {
	return &Lease{gate: g, callID: callID, campaign: campaign}
}

// Lease represents held admission slots for one call.
type Lease struct {
	gate     *Gate
	callID   string
	campaign string

	releaseOnce sync.Once
}

// keys returns the semaphore keys this lease holds, campaign first so that
// Release frees in reverse acquisition order.
func (l *Lease) keys() []string {
	var keys []string
	if l.campaign != "" {
		keys = append(keys, campaignKeyPrefix+l.campaign)
	}
	if l.gate.cfg.GlobalLimit > 0 {
		keys = append(keys, globalKey)
	}
	return keys
}

// Refresh extends the TTL on every held slot.
func (l *Lease) Refresh(ctx context.Context) error {
	ttl := l.gate.cfg.TTL()
	var errs []error
	for _, key := range l.keys() {
		if err := l.gate.store.Refresh(ctx, key, l.callID, ttl); err != nil {
			errs = append(errs, fmt.Errorf("admission: refresh %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// KeepAlive refreshes the lease at a third of the TTL until ctx is
// cancelled. Run it in its own goroutine for the lifetime of the call.
func (l *Lease) KeepAlive(ctx context.Context) {
	interval := l.gate.cfg.TTL() / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Refresh(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("admission: lease refresh failed", "call_id", l.callID, "error", err)
			}
		}
	}
}

// Release frees all held slots. Safe to call multiple times; only the first
// call touches the store.
func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.releaseOnce.Do(func() {
		var errs []error
		for _, key := range l.keys() {
			if e := l.gate.store.Release(ctx, key, l.callID); e != nil {
				errs = append(errs, fmt.Errorf("admission: release %s: %w", key, e))
			}
		}
		err = errors.Join(errs...)
	})
	return err
}
