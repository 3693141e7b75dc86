package orders

import (
	"context"
	"fmt"
	"log"

	"github.com/fruithappens/coffeecue/pkg/apiclient"
	"github.com/fruithappens/coffeecue/pkg/store"
	"github.com/google/uuid"
)

// OutboxEntry is a transition made while offline, waiting to be sent.
type OutboxEntry struct {
	ID         string `json:"id"`
	Action     Action `json:"action"`
	OrderIDs   []ID   `json:"order_ids"`
	Batch      bool   `json:"batch,omitempty"`
	QueuedAtMs int64  `json:"queued_at_ms"`
}

// ReplayResult summarizes one outbox replay.
type ReplayResult struct {
	Sent      int
	Dropped   int // rejected by the API
	Remaining int // left for the next replay
}

// Outbox returns the queued transitions, oldest first.
func (s *Service) Outbox(ctx context.Context) ([]OutboxEntry, error) {
	var entries []OutboxEntry
	if _, err := store.GetJSON(ctx, s.kv, store.KeyOrdersOutbox, &entries); err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}
	return entries, nil
}

// queueOffline applies the transition to the cached lists and queues it.
func (s *Service) queueOffline(ctx context.Context, action Action, ids []ID, batch bool) (TransitionResult, error) {
	if err := s.applyLocal(ctx, action, ids); err != nil {
		return TransitionResult{}, fmt.Errorf("failed to apply %s offline: %w", action, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.Outbox(ctx)
	if err != nil {
		return TransitionResult{}, err
	}
	entries = append(entries, OutboxEntry{
		ID:         uuid.NewString(),
		Action:     action,
		OrderIDs:   ids,
		Batch:      batch,
		QueuedAtMs: s.now().UnixMilli(),
	})
	if _, err := store.PutJSON(ctx, s.kv, store.KeyOrdersOutbox, entries, s.now(), s.origin); err != nil {
		return TransitionResult{}, fmt.Errorf("failed to queue %s: %w", action, err)
	}

	log.Printf("[Orders] Queued %s of %d order(s) for replay (%d waiting)", action, len(ids), len(entries))
	return TransitionResult{
		Success: true,
		Queued:  true,
		Message: fmt.Sprintf("%s queued until the connection is restored", action),
	}, nil
}

// ReplayOutbox sends queued transitions in order. Entries the API rejects
// are dropped; the replay stops at the first auth or network failure and
// keeps the rest for later.
func (s *Service) ReplayOutbox(ctx context.Context) (ReplayResult, error) {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()

	entries, err := s.Outbox(ctx)
	if err != nil || len(entries) == 0 {
		return ReplayResult{}, err
	}

	var result ReplayResult
	done := make(map[string]bool, len(entries))
	var stopErr error
	for _, e := range entries {
		res, err := s.send(ctx, e.Action, e.OrderIDs, e.Batch)
		if err != nil && apiclient.IsUnavailable(err) {
			stopErr = err
			break
		}
		done[e.ID] = true
		if err != nil || !res.Success {
			result.Dropped++
			log.Printf("[Orders] Dropped queued %s of %v: %v %s", e.Action, e.OrderIDs, err, res.Message)
			continue
		}
		result.Sent++
	}

	// Entries queued while replaying are kept
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.Outbox(ctx)
	if err != nil {
		return result, err
	}
	remaining := make([]OutboxEntry, 0, len(current))
	for _, e := range current {
		if !done[e.ID] {
			remaining = append(remaining, e)
		}
	}
	result.Remaining = len(remaining)

	if len(remaining) == 0 {
		err = s.kv.Delete(ctx, store.KeyOrdersOutbox)
	} else {
		_, err = store.PutJSON(ctx, s.kv, store.KeyOrdersOutbox, remaining, s.now(), s.origin)
	}
	if err != nil {
		return result, fmt.Errorf("failed to update outbox: %w", err)
	}

	log.Printf("[Orders] Outbox replay: %d sent, %d dropped, %d remaining", result.Sent, result.Dropped, result.Remaining)
	if stopErr != nil {
		return result, fmt.Errorf("outbox replay interrupted: %w", stopErr)
	}
	return result, nil
}
