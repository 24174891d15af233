package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/keystonehq/keystone-go/keystone"
)

// redisEventsKey is the sorted set holding event documents, scored by
// their timestamp in epoch seconds.
const redisEventsKey = "keystone:events"

// RedisBackend stores raw events in a Redis sorted set. Identical
// documents collapse in the set, so re-submitting an event is
// harmless.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects a client and verifies the server.
func NewRedisBackend(ctx context.Context, addr string) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &RedisBackend{client: client}, nil
}

// NewRedisBackendWithClient wraps an existing client.
func NewRedisBackendWithClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

// PersistEvent durably writes one event.
func (b *RedisBackend) PersistEvent(ctx context.Context, e *keystone.Event) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return err
	}
	err = b.client.ZAdd(ctx, redisEventsKey, redis.Z{
		Score:  epochSeconds(e.Timestamp),
		Member: doc,
	}).Err()
	if err != nil {
		return fmt.Errorf("persist event %s: %w", e.ID, err)
	}
	return nil
}

// PersistEvents writes a batch in one command.
func (b *RedisBackend) PersistEvents(ctx context.Context, events []*keystone.Event) error {
	if len(events) == 0 {
		return nil
	}
	members := make([]redis.Z, 0, len(events))
	for _, e := range events {
		doc, err := json.Marshal(e)
		if err != nil {
			return err
		}
		members = append(members, redis.Z{Score: epochSeconds(e.Timestamp), Member: doc})
	}
	if err := b.client.ZAdd(ctx, redisEventsKey, members...).Err(); err != nil {
		return fmt.Errorf("persist event batch: %w", err)
	}
	return nil
}

// LoadEvents returns the events whose timestamps lie within the
// interval inclusive, sorted ascending by score.
func (b *RedisBackend) LoadEvents(ctx context.Context, interval keystone.Interval, status keystone.BackendStatusFunc) ([]*keystone.Event, error) {
	docs, err := b.client.ZRangeByScore(ctx, redisEventsKey, &redis.ZRangeBy{
		Min: formatScore(epochSeconds(interval.Start)),
		Max: formatScore(epochSeconds(interval.End)),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range events %s: %w", interval, err)
	}
	if status != nil {
		status(keystone.BackendStatus{Kind: keystone.BackendFetchedRecords, Count: len(docs)})
	}

	events := make([]*keystone.Event, 0, len(docs))
	for i, doc := range docs {
		var e keystone.Event
		if err := json.Unmarshal([]byte(doc), &e); err != nil {
			return nil, fmt.Errorf("decode event record: %w", err)
		}
		events = append(events, &e)
		if status != nil {
			status(keystone.BackendStatus{
				Kind:     keystone.BackendProcessingRecords,
				Progress: float64(i+1) / float64(len(docs)),
			})
		}
	}
	if status != nil {
		status(keystone.BackendStatus{Kind: keystone.BackendReady})
	}
	return events, nil
}

// LoadAllEvents returns the entire store.
func (b *RedisBackend) LoadAllEvents(ctx context.Context, status keystone.BackendStatusFunc) ([]*keystone.Event, error) {
	return b.LoadEvents(ctx, keystone.AllTime(), status)
}

// Close closes the client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}
