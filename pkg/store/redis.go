package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore provides namespace-scoped Redis operations for the durable store.
// All keys and channels are automatically namespaced.
// The store is thread-safe and can be used concurrently from multiple goroutines.
type RedisStore struct {
	rdb       *redis.Client
	namespace string
}

// NewRedisStore creates a new store for the specified namespace.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - namespace: deployment identifier (must not be empty)
//
// Returns an error if namespace is empty.
func NewRedisStore(redisOpts *redis.Options, namespace string) (*RedisStore, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}

	return &RedisStore{
		rdb:       redis.NewClient(redisOpts),
		namespace: namespace,
	}, nil
}

// RedisClient exposes the underlying client for diagnostics.
func (s *RedisStore) RedisClient() *redis.Client {
	return s.rdb
}

// Namespace returns the namespace this store is scoped to.
func (s *RedisStore) Namespace() string {
	return s.namespace
}

// Close closes the Redis connection. Implements io.Closer.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// Ping verifies Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Get retrieves a record by logical key.
// Returns ErrNotFound (wrapped) if the key doesn't exist.
func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	hashData, err := s.rdb.HGetAll(ctx, physicalKey(s.namespace, key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from Redis: %w", key, err)
	}

	// HGetAll returns an empty map for non-existent keys
	if len(hashData) == 0 {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}

	rec, err := HashToRecord(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize %s: %w", key, err)
	}
	rec.Key = key

	return rec, nil
}

// Put replaces a single record and publishes a change event.
func (s *RedisStore) Put(ctx context.Context, rec *Record) error {
	return s.PutMany(ctx, rec)
}

// PutMany replaces all records in one MULTI/EXEC transaction, together with
// their change events. Readers see either none or all of the new records.
func (s *RedisStore) PutMany(ctx context.Context, recs ...*Record) error {
	if len(recs) == 0 {
		return nil
	}

	events := make([][]byte, 0, len(recs))
	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("invalid record: %w", err)
		}
		eventJSON, err := json.Marshal(eventFor(rec))
		if err != nil {
			return fmt.Errorf("failed to marshal change event: %w", err)
		}
		events = append(events, eventJSON)
	}

	channel := ChangesChannel(s.namespace)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, rec := range recs {
			key := physicalKey(s.namespace, rec.Key)
			// Full replacement: drop stale fields before writing the new hash
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, RecordToHash(rec))
		}
		for _, eventJSON := range events {
			pipe.Publish(ctx, channel, eventJSON)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write records to Redis: %w", err)
	}

	return nil
}

// Delete removes keys and publishes a deletion event for each.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	channel := ChangesChannel(s.namespace)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Del(ctx, physicalKey(s.namespace, key))
			eventJSON, err := json.Marshal(ChangeEvent{Key: key, Deleted: true})
			if err != nil {
				return fmt.Errorf("failed to marshal change event: %w", err)
			}
			pipe.Publish(ctx, channel, eventJSON)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete records from Redis: %w", err)
	}

	return nil
}

// Keys lists logical keys with the given prefix.
// Uses SCAN to iterate without blocking the server.
func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	nsPrefix := keyPrefix(s.namespace)
	pattern := escapeGlob(nsPrefix+prefix) + "*"

	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), nsPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}

	sort.Strings(keys)
	return keys, nil
}

// Subscribe subscribes to change events for keys starting with prefix.
// Caller must call subscription.Close() when done.
// Context cancellation also stops the subscription.
//
// The subscription is confirmed with Redis before returning, so writes made
// after Subscribe returns are delivered. Events are delivered on a buffered
// channel (size 32); Redis Pub/Sub is at-most-once.
func (s *RedisStore) Subscribe(ctx context.Context, prefix string) (*Subscription, error) {
	pubsub := s.rdb.Subscribe(ctx, ChangesChannel(s.namespace))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to changes: %w", err)
	}

	eventsChan := make(chan ChangeEvent, 32)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal change event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				if !strings.HasPrefix(event.Key, prefix) {
					continue
				}

				select {
				case eventsChan <- event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// escapeGlob escapes Redis glob metacharacters in s.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
