package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout.
const (
	redisQueueKey = "webhook:queue"
	redisDeadKey  = "webhook:dlq"
)

// dequeuePollInterval bounds each blocking pop so Dequeue notices context
// cancellation promptly.
const dequeuePollInterval = 2 * time.Second

// RedisQueue implements [Queue] on a Redis list so deliveries survive
// process restarts and can be drained by any node.
type RedisQueue struct {
	client redis.UniversalClient
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue creates a [RedisQueue] on the given client.
func NewRedisQueue(client redis.UniversalClient) *RedisQueue {
	return &RedisQueue{client: client}
}

// Enqueue implements [Queue].
func (q *RedisQueue) Enqueue(ctx context.Context, d Delivery) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("webhook: marshal delivery: %w", err)
	}
	if err := q.client.LPush(ctx, redisQueueKey, raw).Err(); err != nil {
		return fmt.Errorf("webhook: lpush: %w", err)
	}
	return nil
}

// Dequeue implements [Queue].
func (q *RedisQueue) Dequeue(ctx context.Context) (Delivery, error) {
	for {
		res, err := q.client.BRPop(ctx, dequeuePollInterval, redisQueueKey).Result()
		switch {
		case errors.Is(err, redis.Nil):
			if ctx.Err() != nil {
				return Delivery{}, ctx.Err()
			}
			continue
		case err != nil:
			return Delivery{}, fmt.Errorf("webhook: brpop: %w", err)
		}

		// BRPop returns [key, value].
		var d Delivery
		if err := json.Unmarshal([]byte(res[1]), &d); err != nil {
			return Delivery{}, fmt.Errorf("webhook: unmarshal delivery: %w", err)
		}
		return d, nil
	}
}

// Len implements [Queue].
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, redisQueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("webhook: llen: %w", err)
	}
	return int(n), nil
}

// RedisDeadLetters implements [DeadLetters] on a Redis list.
type RedisDeadLetters struct {
	client redis.UniversalClient
}

var _ DeadLetters = (*RedisDeadLetters)(nil)

// NewRedisDeadLetters creates a [RedisDeadLetters] on the given client.
func NewRedisDeadLetters(client redis.UniversalClient) *RedisDeadLetters {
	return &RedisDeadLetters{client: client}
}

// Push implements [DeadLetters].
func (m *RedisDeadLetters) Push(ctx context.Context, d Delivery) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("webhook: marshal dead letter: %w", err)
	}
	if err := m.client.RPush(ctx, redisDeadKey, raw).Err(); err != nil {
		return fmt.Errorf("webhook: rpush dlq: %w", err)
	}
	return nil
}

// List implements [DeadLetters].
func (m *RedisDeadLetters) List(ctx context.Context, limit int) ([]Delivery, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raws, err := m.client.LRange(ctx, redisDeadKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("webhook: lrange dlq: %w", err)
	}
	out := make([]Delivery, 0, len(raws))
	for _, raw := range raws {
		var d Delivery
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("webhook: unmarshal dead letter: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}

// Take implements [DeadLetters].
func (m *RedisDeadLetters) Take(ctx context.Context, id string) (Delivery, error) {
	raws, err := m.client.LRange(ctx, redisDeadKey, 0, -1).Result()
	if err != nil {
		return Delivery{}, fmt.Errorf("webhook: lrange dlq: %w", err)
	}
	for _, raw := range raws {
		var d Delivery
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			continue
		}
		if d.ID != id {
			continue
		}
		if err := m.client.LRem(ctx, redisDeadKey, 1, raw).Err(); err != nil {
			return Delivery{}, fmt.Errorf("webhook: lrem dlq: %w", err)
		}
		return d, nil
	}
	return Delivery{}, fmt.Errorf("%w: %q", ErrDeliveryNotFound, id)
}

// Purge implements [DeadLetters].
func (m *RedisDeadLetters) Purge(ctx context.Context) (int, error) {
	n, err := m.client.LLen(ctx, redisDeadKey).Result()
	if err != nil {
		return 0, fmt.Errorf("webhook: llen dlq: %w", err)
	}
	if err := m.client.Del(ctx, redisDeadKey).Err(); err != nil {
		return 0, fmt.Errorf("webhook: del dlq: %w", err)
	}
	return int(n), nil
}
