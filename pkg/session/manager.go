// Package session keeps each station's order queue intact across navigation
// and visibility changes, and across client session instances sharing one
// durable store.
//
// Every successful queue fetch is recorded under the station's live key.
// Before a view goes away, Snapshot writes the live key and a backup key in
// one transaction. Restore returns the newer of the two that holds orders.
package session

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/fruithappens/coffeecue/pkg/orders"
	"github.com/fruithappens/coffeecue/pkg/store"
	"github.com/google/uuid"
	"github.com/juju/clock"
)

// DefaultBackupGrace is how long a backup survives after a Restore reads it.
const DefaultBackupGrace = time.Minute

const pruneTimeout = 5 * time.Second

// Config configures a Manager.
type Config struct {
	BackupGrace time.Duration // Default: 1m
	Clock       clock.Clock   // Default: wall clock
	InstanceID  string        // Default: random uuid
}

// Manager tracks mounted station views for one client session instance.
// Safe for concurrent use.
type Manager struct {
	kv         store.Store
	clock      clock.Clock
	instanceID string
	grace      time.Duration

	mu      sync.Mutex
	mounted map[orders.ID]bool
	prunes  map[orders.ID]clock.Timer
	closed  bool
}

// New creates a session manager.
func New(kv store.Store, cfg Config) *Manager {
	if cfg.BackupGrace <= 0 {
		cfg.BackupGrace = DefaultBackupGrace
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	return &Manager{
		kv:         kv,
		clock:      cfg.Clock,
		instanceID: cfg.InstanceID,
		grace:      cfg.BackupGrace,
		mounted:    make(map[orders.ID]bool),
		prunes:     make(map[orders.ID]clock.Timer),
	}
}

// InstanceID returns the id stamped on this instance's writes.
func (m *Manager) InstanceID() string {
	return m.instanceID
}

// Mount marks a station view as showing.
func (m *Manager) Mount(stationID orders.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mounted[stationID] = true
}

// Unmount marks a station view as gone. Later Updates for it are discarded.
func (m *Manager) Unmount(stationID orders.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mounted, stationID)
}

// IsMounted reports whether the station view is showing.
func (m *Manager) IsMounted(stationID orders.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted[stationID]
}

// Update records a freshly fetched queue under the station's live key.
// Returns false, and writes nothing, when the station's view has unmounted
// since the fetch began.
func (m *Manager) Update(ctx context.Context, snap orders.Snapshot) (bool, error) {
	if !m.IsMounted(snap.StationID) {
		log.Printf("[Session] Discarding queue update for unmounted station %s", snap.StationID)
		return false, nil
	}
	if snap.TakenAtMs == 0 {
		snap.TakenAtMs = m.clock.Now().UnixMilli()
	}
	if _, err := store.PutJSON(ctx, m.kv, store.SnapshotKey(string(snap.StationID)), snap, m.clock.Now(), m.instanceID); err != nil {
		return false, fmt.Errorf("failed to record queue for station %s: %w", snap.StationID, err)
	}
	return true, nil
}

// Snapshot writes the station's current queue to both its live and backup
// keys in one transaction. A station with nothing recorded is left alone.
func (m *Manager) Snapshot(ctx context.Context, stationID orders.ID) error {
	var snap orders.Snapshot
	if _, err := store.GetJSON(ctx, m.kv, store.SnapshotKey(string(stationID)), &snap); err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to read queue for station %s: %w", stationID, err)
	}
	return m.write(ctx, snap)
}

// SnapshotOf writes snap to both keys of its station in one transaction.
func (m *Manager) SnapshotOf(ctx context.Context, snap orders.Snapshot) error {
	if snap.TakenAtMs == 0 {
		snap.TakenAtMs = m.clock.Now().UnixMilli()
	}
	return m.write(ctx, snap)
}

func (m *Manager) write(ctx context.Context, snap orders.Snapshot) error {
	id := string(snap.StationID)
	now := m.clock.Now()

	live, err := store.NewRecord(store.SnapshotKey(id), snap, now, m.instanceID)
	if err != nil {
		return err
	}
	backup, err := store.NewRecord(store.SnapshotBackupKey(id), snap, now, m.instanceID)
	if err != nil {
		return err
	}
	if err := m.kv.PutMany(ctx, live, backup); err != nil {
		return fmt.Errorf("failed to snapshot station %s: %w", id, err)
	}

	log.Printf("[Session] Snapshot of station %s: %d pending, %d in progress, %d completed",
		id, len(snap.Pending), len(snap.InProgress), len(snap.Completed))
	return nil
}

// candidate is one stored copy of a station's queue.
type candidate struct {
	key  string
	rec  *store.Record
	snap orders.Snapshot
}

// Restore returns the station's queue: the most recently written of the
// live and backup copies that holds at least one order. Returns nil when
// neither does. A backup read here is pruned after the grace period unless
// a newer backup replaces it.
func (m *Manager) Restore(ctx context.Context, stationID orders.ID) (*orders.Snapshot, error) {
	id := string(stationID)

	var candidates []candidate
	var backupRec *store.Record
	for _, key := range []string{store.SnapshotKey(id), store.SnapshotBackupKey(id)} {
		rec, err := m.kv.Get(ctx, key)
		if err != nil {
			if store.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("failed to restore station %s: %w", id, err)
		}
		var snap orders.Snapshot
		if err := rec.Decode(&snap); err != nil {
			log.Printf("[Session] Ignoring unreadable %s: %v", key, err)
			continue
		}
		if key == store.SnapshotBackupKey(id) {
			backupRec = rec
		}
		candidates = append(candidates, candidate{key: key, rec: rec, snap: snap})
	}

	if backupRec != nil {
		m.schedulePrune(stationID, backupRec.WrittenAtMs)
	}

	// Newest first; the live copy wins a tie
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].rec.WrittenAtMs > candidates[j].rec.WrittenAtMs
	})
	for _, c := range candidates {
		if c.snap.IsEmpty() {
			continue
		}
		snap := c.snap
		if c.key != store.SnapshotKey(id) {
			// Promote the backup so the live key survives its pruning
			if _, err := store.PutJSON(ctx, m.kv, store.SnapshotKey(id), snap, m.clock.Now(), m.instanceID); err != nil {
				log.Printf("[Session] Failed to promote backup of station %s: %v", id, err)
			}
		}
		log.Printf("[Session] Restored station %s from %s (%d orders)", id, c.key, snap.Len())
		return &snap, nil
	}
	return nil, nil
}

// schedulePrune deletes the station's backup after the grace period if it
// is still the one written at writtenAtMs.
func (m *Manager) schedulePrune(stationID orders.ID, writtenAtMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if t, ok := m.prunes[stationID]; ok {
		t.Stop()
	}
	m.prunes[stationID] = m.clock.AfterFunc(m.grace, func() {
		m.prune(stationID, writtenAtMs)
	})
}

func (m *Manager) prune(stationID orders.ID, writtenAtMs int64) {
	ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
	defer cancel()

	key := store.SnapshotBackupKey(string(stationID))
	rec, err := m.kv.Get(ctx, key)
	if err != nil {
		if !store.IsNotFound(err) {
			log.Printf("[Session] Failed to check backup of station %s: %v", stationID, err)
		}
		return
	}
	if rec.WrittenAtMs != writtenAtMs {
		return
	}
	if err := m.kv.Delete(ctx, key); err != nil {
		log.Printf("[Session] Failed to prune backup of station %s: %v", stationID, err)
		return
	}
	log.Printf("[Session] Pruned backup of station %s", stationID)
}

// Watch streams the ids of stations whose live queue another instance
// changed. The channel closes when ctx is done.
func (m *Manager) Watch(ctx context.Context) (<-chan orders.ID, error) {
	sub, err := m.kv.Subscribe(ctx, store.PrefixSession)
	if err != nil {
		return nil, fmt.Errorf("failed to watch sessions: %w", err)
	}

	out := make(chan orders.ID, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.Events():
				if !ok {
					return
				}
				if event.Origin == m.instanceID || event.Deleted {
					continue
				}
				id, ok := store.StationFromSnapshotKey(event.Key)
				if !ok || event.Key != store.SnapshotKey(id) {
					continue
				}
				select {
				case out <- orders.ID(id):
				case <-ctx.Done():
					return
				}
			case err, ok := <-sub.Errors():
				if !ok {
					return
				}
				log.Printf("[Session] Change subscription error: %v", err)
			}
		}
	}()
	return out, nil
}

// Stations lists the station ids with a stored live or backup queue.
func (m *Manager) Stations(ctx context.Context) ([]orders.ID, error) {
	keys, err := m.kv.Keys(ctx, store.PrefixSession)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var ids []orders.ID
	for _, key := range keys {
		id, ok := store.StationFromSnapshotKey(key)
		if ok && !seen[id] {
			seen[id] = true
			ids = append(ids, orders.ID(id))
		}
	}
	return ids, nil
}

// Close stops pending backup prunes.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, t := range m.prunes {
		t.Stop()
		delete(m.prunes, id)
	}
	return nil
}

