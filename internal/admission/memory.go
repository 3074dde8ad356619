package admission

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process [Store] for tests and single-node
// deployments. Slots live in a per-key map from holder to expiry; expired
// entries are pruned lazily on access.
type MemoryStore struct {
	mu    sync.Mutex
	slots map[string]map[string]time.Time

	// now is swappable for TTL tests.
	now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty [MemoryStore].
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slots: make(map[string]map[string]time.Time),
		now:   time.Now,
	}
}

// prune drops expired holders at key. Caller holds s.mu.
func (s *MemoryStore) prune(key string) {
	now := s.now()
	for holder, expiry := range s.slots[key] {
		if !expiry.After(now) {
			delete(s.slots[key], holder)
		}
	}
	if len(s.slots[key]) == 0 {
		delete(s.slots, key)
	}
}

// Acquire implements [Store].
func (s *MemoryStore) Acquire(_ context.Context, key string, limit int, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prune(key)
	held := s.slots[key]
	if _, ok := held[holder]; !ok && len(held) >= limit {
		return false, nil
	}
	if held == nil {
		held = make(map[string]time.Time)
		s.slots[key] = held
	}
	held[holder] = s.now().Add(ttl)
	return true, nil
}

// Refresh implements [Store].
func (s *MemoryStore) Refresh(_ context.Context, key, holder string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prune(key)
	held, ok := s.slots[key]
	if !ok {
		return fmt.Errorf("slot %s/%s not held", key, holder)
	}
	if _, ok := held[holder]; !ok {
		return fmt.Errorf("slot %s/%s not held", key, holder)
	}
	held[holder] = s.now().Add(ttl)
	return nil
}

// Release implements [Store].
func (s *MemoryStore) Release(_ context.Context, key, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if held, ok := s.slots[key]; ok {
		delete(held, holder)
		if len(held) == 0 {
			delete(s.slots, key)
		}
	}
	return nil
}

// Held implements [Store].
func (s *MemoryStore) Held(_ context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prune(key)
	return len(s.slots[key]), nil
}
