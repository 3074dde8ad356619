package webhook

import (
	"context"
	"fmt"
	"sync"
)

// memoryQueueCapacity bounds the in-process queue. A full queue fails
// enqueues rather than blocking the timeline publisher.
const memoryQueueCapacity = 4096

// MemoryQueue is an in-process [Queue] for tests and single-node
// deployments.
type MemoryQueue struct {
	ch chan Delivery
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty [MemoryQueue].
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{ch: make(chan Delivery, memoryQueueCapacity)}
}

// Enqueue implements [Queue].
func (q *MemoryQueue) Enqueue(_ context.Context, d Delivery) error {
	select {
	case q.ch <- d:
		return nil
	default:
		return fmt.Errorf("webhook: queue full (%d)", memoryQueueCapacity)
	}
}

// Dequeue implements [Queue].
func (q *MemoryQueue) Dequeue(ctx context.Context) (Delivery, error) {
	select {
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	case d := <-q.ch:
		return d, nil
	}
}

// Len implements [Queue].
func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	return len(q.ch), nil
}

// MemoryDeadLetters is an in-process [DeadLetters] implementation.
type MemoryDeadLetters struct {
	mu   sync.Mutex
	dead []Delivery
}

var _ DeadLetters = (*MemoryDeadLetters)(nil)

// NewMemoryDeadLetters creates an empty [MemoryDeadLetters].
func NewMemoryDeadLetters() *MemoryDeadLetters {
	return &MemoryDeadLetters{}
}

// Push implements [DeadLetters].
func (m *MemoryDeadLetters) Push(_ context.Context, d Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead = append(m.dead, d)
	return nil
}

// List implements [DeadLetters].
func (m *MemoryDeadLetters) List(_ context.Context, limit int) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.dead)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Delivery, n)
	copy(out, m.dead[:n])
	return out, nil
}

// Take implements [DeadLetters].
func (m *MemoryDeadLetters) Take(_ context.Context, id string) (Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.dead {
		if d.ID == id {
			m.dead = append(m.dead[:i], m.dead[i+1:]...)
			return d, nil
		}
	}
	return Delivery{}, fmt.Errorf("%w: %q", ErrDeliveryNotFound, id)
}

// Purge implements [DeadLetters].
func (m *MemoryDeadLetters) Purge(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.dead)
	m.dead = nil
	return n, nil
}
