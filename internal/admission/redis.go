package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements [Store] on a Redis sorted set per semaphore key.
// Each member is a holder ID scored by its expiry in unix milliseconds, so
// expired slots drop out of the count without a background reaper. The
// check-count-then-add sequence runs as a Lua script to stay atomic across
// concurrent gateways.
type RedisStore struct {
	client redis.UniversalClient
}

var _ Store = (*RedisStore)(nil)

// acquireScript reclaims expired slots, checks the live count against the
// limit, and adds the holder. Re-acquiring by the same holder refreshes its
// expiry without consuming a second slot.
//
// KEYS[1] semaphore key
// ARGV[1] now (unix ms), ARGV[2] expiry (unix ms), ARGV[3] limit, ARGV[4] holder
var acquireScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZSCORE', KEYS[1], ARGV[4]) == false and
   redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[3]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[4])
return 1
`)

// refreshScript bumps the holder's expiry only when the slot still exists.
//
// KEYS[1] semaphore key
// ARGV[1] expiry (unix ms), ARGV[2] holder
var refreshScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[2]) == false then
  return 0
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[1], ARGV[2])
return 1
`)

// NewRedisStore creates a [RedisStore] on the given client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Acquire implements [Store].
func (s *RedisStore) Acquire(ctx context.Context, key string, limit int, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := acquireScript.Run(ctx, s.client, []string{key},
		now.UnixMilli(),
		now.Add(ttl).UnixMilli(),
		limit,
		holder,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis acquire: %w", err)
	}
	return res == 1, nil
}

// Refresh implements [Store].
func (s *RedisStore) Refresh(ctx context.Context, key, holder string, ttl time.Duration) error {
	res, err := refreshScript.Run(ctx, s.client, []string{key},
		time.Now().Add(ttl).UnixMilli(),
		holder,
	).Int()
	if err != nil {
		return fmt.Errorf("redis refresh: %w", err)
	}
	if res != 1 {
		return fmt.Errorf("slot %s/%s not held", key, holder)
	}
	return nil
}

// Release implements [Store].
func (s *RedisStore) Release(ctx context.Context, key, holder string) error {
	if err := s.client.ZRem(ctx, key, holder).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

// Held implements [Store].
func (s *RedisStore) Held(ctx context.Context, key string) (int, error) {
	now := time.Now().UnixMilli()
	if err := s.client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprint(now)).Err(); err != nil {
		return 0, fmt.Errorf("redis held: %w", err)
	}
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis held: %w", err)
	}
	return int(n), nil
}
