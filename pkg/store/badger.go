package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig holds configuration for an embedded BadgerDB store.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence). Useful for testing.
	InMemory bool

	// SyncWrites flushes every commit to disk before returning.
	SyncWrites bool

	// GCInterval is how often to run value log garbage collection. 0 disables it.
	GCInterval time.Duration
}

// DefaultBadgerConfig returns production defaults for path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:       path,
		SyncWrites: true,
		GCInterval: 5 * time.Minute,
	}
}

// InMemoryBadgerConfig returns a configuration for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts the standard logger to BadgerDB's Logger interface.
// Only warnings and errors are forwarded.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	log.Printf("[Store] badger error: "+strings.TrimSuffix(format, "\n"), args...)
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	log.Printf("[Store] badger warning: "+strings.TrimSuffix(format, "\n"), args...)
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}

// BadgerStore is an embedded, restart-durable Store. A Badger directory is
// locked to one process, so change events are delivered to subscribers within
// that process only.
type BadgerStore struct {
	db        *badger.DB
	namespace string

	mu     sync.Mutex
	subs   map[int]*badgerSub
	nextID int

	// done is closed by Close; GC and subscription goroutines exit on it.
	done   chan struct{}
	subsWG sync.WaitGroup
	once   sync.Once
}

type badgerSub struct {
	prefix string
	events chan ChangeEvent
	errors chan error
}

// OpenBadgerStore opens (creating if needed) a BadgerDB store.
func OpenBadgerStore(cfg BadgerConfig, namespace string) (*BadgerStore, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &BadgerStore{
		db:        db,
		namespace: namespace,
		subs:      make(map[int]*badgerSub),
		done:      make(chan struct{}),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		go s.runGC(cfg.GCInterval)
	}
	return s, nil
}

func (s *BadgerStore) runGC(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			// RunValueLogGC returns ErrNoRewrite when there is nothing to collect
			for s.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

// Namespace returns the namespace this store is scoped to.
func (s *BadgerStore) Namespace() string {
	return s.namespace
}

// Close stops background GC, ends subscriptions and closes the database.
func (s *BadgerStore) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		for id, sub := range s.subs {
			close(sub.events)
			close(sub.errors)
			delete(s.subs, id)
		}
		s.mu.Unlock()
		s.subsWG.Wait()
		err = s.db.Close()
	})
	return err
}

// Ping reports an error once the database has been closed.
func (s *BadgerStore) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return fmt.Errorf("badger database is closed")
	}
	return ctx.Err()
}

// Get retrieves a record by logical key.
func (s *BadgerStore) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(physicalKey(s.namespace, key)))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from badger: %w", key, err)
	}
	rec.Key = key
	return &rec, nil
}

// Put replaces a single record.
func (s *BadgerStore) Put(ctx context.Context, rec *Record) error {
	return s.PutMany(ctx, rec)
}

// PutMany replaces all records in one Badger transaction.
func (s *BadgerStore) PutMany(ctx context.Context, recs ...*Record) error {
	if len(recs) == 0 {
		return nil
	}
	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("invalid record: %w", err)
		}
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, rec := range recs {
			val, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to marshal %s: %w", rec.Key, err)
			}
			if err := txn.Set([]byte(physicalKey(s.namespace, rec.Key)), val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write records to badger: %w", err)
	}

	for _, rec := range recs {
		s.publish(eventFor(rec))
	}
	return nil
}

// Delete removes keys.
func (s *BadgerStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete([]byte(physicalKey(s.namespace, key))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete records from badger: %w", err)
	}
	for _, key := range keys {
		s.publish(ChangeEvent{Key: key, Deleted: true})
	}
	return nil
}

// Keys lists logical keys with the given prefix, sorted.
func (s *BadgerStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	nsPrefix := keyPrefix(s.namespace)
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(nsPrefix + prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, strings.TrimPrefix(string(it.Item().KeyCopy(nil)), nsPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Subscribe delivers change events for keys starting with prefix.
// Events are dropped (and reported on Errors) when the subscriber falls
// more than 32 events behind.
func (s *BadgerStore) Subscribe(ctx context.Context, prefix string) (*Subscription, error) {
	if s.db.IsClosed() {
		return nil, fmt.Errorf("badger database is closed")
	}

	sub := &badgerSub{
		prefix: prefix,
		events: make(chan ChangeEvent, 32),
		errors: make(chan error, 10),
	}

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return nil, fmt.Errorf("badger store is closed")
	default:
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.subsWG.Add(1)
	s.mu.Unlock()

	subCtx, cancelFunc := context.WithCancel(ctx)
	remove := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			close(sub.events)
			close(sub.errors)
			delete(s.subs, id)
		}
	}
	go func() {
		defer s.subsWG.Done()
		select {
		case <-subCtx.Done():
		case <-s.done:
		}
		remove()
	}()

	return &Subscription{
		events: sub.events,
		errors: sub.errors,
		cancel: cancelFunc,
	}, nil
}

func (s *BadgerStore) publish(event ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if !strings.HasPrefix(event.Key, sub.prefix) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			select {
			case sub.errors <- fmt.Errorf("subscriber lagging, dropped change event for %s", event.Key):
			default:
			}
		}
	}
}
