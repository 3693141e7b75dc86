package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when no record exists for a key.
var ErrNotFound = errors.New("record not found")

// Record is a single durable value. Records are immutable once written;
// an update is a whole-record replacement.
type Record struct {
	Key         string          `json:"key"`              // Logical key (e.g. "cache.orders.pending")
	Payload     json.RawMessage `json:"payload"`          // JSON-encoded domain value
	WrittenAtMs int64           `json:"written_at_ms"`    // Unix milliseconds of the write
	Origin      string          `json:"origin,omitempty"` // Writer identity (session instance id), optional
}

// NewRecord marshals v into a record for key stamped with now.
func NewRecord(key string, v any, now time.Time, origin string) (*Record, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload for %s: %w", key, err)
	}
	return &Record{
		Key:         key,
		Payload:     payload,
		WrittenAtMs: now.UnixMilli(),
		Origin:      origin,
	}, nil
}

// Validate checks the record can be stored.
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("record is nil")
	}
	if r.Key == "" {
		return fmt.Errorf("key is required")
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("payload is required for key %s", r.Key)
	}
	if !json.Valid(r.Payload) {
		return fmt.Errorf("payload for key %s is not valid JSON", r.Key)
	}
	if r.WrittenAtMs <= 0 {
		return fmt.Errorf("written_at_ms must be positive for key %s", r.Key)
	}
	return nil
}

// Decode unmarshals the payload into v.
func (r *Record) Decode(v any) error {
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", r.Key, err)
	}
	return nil
}

// WrittenAt returns the write timestamp.
func (r *Record) WrittenAt() time.Time {
	return time.UnixMilli(r.WrittenAtMs)
}

// ChangeEvent describes a write or delete of a logical key.
type ChangeEvent struct {
	Key         string `json:"key"`
	WrittenAtMs int64  `json:"written_at_ms,omitempty"`
	Origin      string `json:"origin,omitempty"`
	Deleted     bool   `json:"deleted,omitempty"`
}

// Store is the durable key/value contract. Implementations are safe for
// concurrent use.
type Store interface {
	// Get returns the record for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Record, error)
	// Put replaces the record stored under rec.Key.
	Put(ctx context.Context, rec *Record) error
	// PutMany replaces several records atomically.
	PutMany(ctx context.Context, recs ...*Record) error
	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
	// Keys lists logical keys starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Subscribe delivers change events for keys starting with prefix.
	Subscribe(ctx context.Context, prefix string) (*Subscription, error)
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// Subscription represents an active change-event subscription.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	events <-chan ChangeEvent
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of change events.
// The channel is closed when the subscription is closed or the context is cancelled.
func (s *Subscription) Events() <-chan ChangeEvent {
	return s.events
}

// Errors returns the channel of non-fatal subscription errors.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// IsNotFound reports whether err means the key does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, redis.Nil)
}

// PutJSON marshals v and stores it under key.
func PutJSON(ctx context.Context, s Store, key string, v any, now time.Time, origin string) (*Record, error) {
	rec, err := NewRecord(key, v, now, origin)
	if err != nil {
		return nil, err
	}
	if err := s.Put(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetJSON loads key and decodes its payload into v.
// Returns ErrNotFound (wrapped) if the key does not exist.
func GetJSON(ctx context.Context, s Store, key string, v any) (*Record, error) {
	rec, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := rec.Decode(v); err != nil {
		return nil, err
	}
	return rec, nil
}

func eventFor(rec *Record) ChangeEvent {
	return ChangeEvent{Key: rec.Key, WrittenAtMs: rec.WrittenAtMs, Origin: rec.Origin}
}
