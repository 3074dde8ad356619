package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// streamKeyPrefix namespaces per-call streams in Redis.
const streamKeyPrefix = "timeline:"

// defaultStreamTTL keeps finished call timelines around long enough for
// post-call consumers without growing Redis unboundedly.
const defaultStreamTTL = 24 * time.Hour

// RedisStore implements [Store] on one Redis stream per call. Stream IDs are
// assigned by Redis and are strictly increasing by construction.
type RedisStore struct {
	client    redis.UniversalClient
	streamTTL time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a [RedisStore] on the given client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, streamTTL: defaultStreamTTL}
}

// Append implements [Store].
func (s *RedisStore) Append(ctx context.Context, e Event) (string, error) {
	if e.CallID == "" {
		return "", fmt.Errorf("timeline: event has no call ID")
	}

	key := streamKeyPrefix + e.CallID
	values := map[string]any{
		"kind": e.Kind,
		"ts":   e.Timestamp.UnixMilli(),
	}
	if len(e.Data) > 0 {
		values["data"] = string(e.Data)
	}

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("timeline: xadd %s: %w", key, err)
	}

	// Sliding expiry so abandoned streams are eventually reclaimed.
	if s.streamTTL > 0 {
		if err := s.client.Expire(ctx, key, s.streamTTL).Err(); err != nil {
			return "", fmt.Errorf("timeline: expire %s: %w", key, err)
		}
	}
	return id, nil
}

// Range implements [Store].
func (s *RedisStore) Range(ctx context.Context, callID, afterID string, limit int) ([]Event, error) {
	key := streamKeyPrefix + callID
	start := "-"
	if afterID != "" {
		// Exclusive lower bound.
		start = "(" + afterID
	}

	var (
		msgs []redis.XMessage
		err  error
	)
	if limit > 0 {
		msgs, err = s.client.XRangeN(ctx, key, start, "+", int64(limit)).Result()
	} else {
		msgs, err = s.client.XRange(ctx, key, start, "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("timeline: xrange %s: %w", key, err)
	}

	events := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		events = append(events, eventFromMessage(callID, m))
	}
	return events, nil
}

// eventFromMessage converts one stream entry back into an [Event]. Fields
// written by other tooling are ignored.
func eventFromMessage(callID string, m redis.XMessage) Event {
	e := Event{ID: m.ID, CallID: callID}
	if kind, ok := m.Values["kind"].(string); ok {
		e.Kind = kind
	}
	if raw, ok := m.Values["ts"].(string); ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			e.Timestamp = time.UnixMilli(ms)
		}
	}
	if data, ok := m.Values["data"].(string); ok && data != "" {
		e.Data = json.RawMessage(data)
	}
	return e
}
