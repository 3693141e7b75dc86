package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/fruithappens/coffeecue/pkg/apiclient"
	"github.com/fruithappens/coffeecue/pkg/store"
	"github.com/juju/clock"
)

// Caller issues API requests. Satisfied by *apiclient.Client.
type Caller interface {
	Call(ctx context.Context, method, endpoint string, body any) (*apiclient.Response, error)
}

// Cache is the degraded-mode view of the durable cache. Satisfied by
// *degraded.Controller.
type Cache interface {
	ShouldUseCache() bool
	Read(ctx context.Context, key string) (*store.Record, error)
	WriteThrough(ctx context.Context, key string, v any) (*store.Record, error)
	WriteThroughAll(ctx context.Context, values map[string]any) error
}

// Config configures a Service.
type Config struct {
	Clock  clock.Clock // Default: wall clock
	Origin string      // Instance id stamped on outbox writes
}

// Service serves queue reads and transitions, from the API when connected
// and from the cache otherwise.
type Service struct {
	api    Caller
	cache  Cache
	kv     store.Store
	clock  clock.Clock
	origin string

	// mu serializes local cache edits and outbox writes
	mu sync.Mutex
	// replayMu serializes outbox replays
	replayMu sync.Mutex
}

// NewService creates a queue service.
func NewService(api Caller, cache Cache, kv store.Store, cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &Service{
		api:    api,
		cache:  cache,
		kv:     kv,
		clock:  cfg.Clock,
		origin: cfg.Origin,
	}
}

// Pending returns the pending orders.
func (s *Service) Pending(ctx context.Context) ([]Order, error) {
	var list []Order
	if err := s.fetch(ctx, "/orders/pending", store.KeyOrdersPending, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// InProgress returns the orders being made.
func (s *Service) InProgress(ctx context.Context) ([]Order, error) {
	var list []Order
	if err := s.fetch(ctx, "/orders/in-progress", store.KeyOrdersInProgress, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Completed returns the completed orders.
func (s *Service) Completed(ctx context.Context) ([]Order, error) {
	var list []Order
	if err := s.fetch(ctx, "/orders/completed", store.KeyOrdersCompleted, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Stations returns the stations.
func (s *Service) Stations(ctx context.Context) ([]Station, error) {
	var list []Station
	if err := s.fetch(ctx, "/stations", store.KeyStations, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Inventory returns the stock levels.
func (s *Service) Inventory(ctx context.Context) ([]InventoryItem, error) {
	var list []InventoryItem
	if err := s.fetch(ctx, "/inventory", store.KeyInventory, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Queue reads all three lists and returns stationID's snapshot.
func (s *Service) Queue(ctx context.Context, stationID ID) (Snapshot, error) {
	pending, err := s.Pending(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	inProgress, err := s.InProgress(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	completed, err := s.Completed(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return NewSnapshot(stationID, pending, inProgress, completed, s.clock.Now().UnixMilli()), nil
}

// fetch reads endpoint into v. A successful read is written through to key;
// in degraded mode, or when the API is unavailable, v comes from the cache.
// API rejections are returned.
func (s *Service) fetch(ctx context.Context, endpoint, key string, v any) error {
	if !s.cache.ShouldUseCache() {
		resp, err := s.api.Call(ctx, http.MethodGet, endpoint, nil)
		if err == nil {
			if err := resp.Decode(v); err != nil {
				return fmt.Errorf("GET %s: %w", endpoint, err)
			}
			if _, err := s.cache.WriteThrough(ctx, key, v); err != nil {
				log.Printf("[Orders] Failed to cache %s: %v", key, err)
			}
			return nil
		}
		if !apiclient.IsUnavailable(err) {
			return err
		}
		log.Printf("[Orders] GET %s unavailable, serving %s from cache: %v", endpoint, key, err)
	}

	rec, err := s.cache.Read(ctx, key)
	if err != nil {
		return err
	}
	return rec.Decode(v)
}

// Start moves an order from pending to in progress.
func (s *Service) Start(ctx context.Context, id ID) (TransitionResult, error) {
	return s.transition(ctx, ActionStart, []ID{id}, false)
}

// Complete moves an order to completed.
func (s *Service) Complete(ctx context.Context, id ID) (TransitionResult, error) {
	return s.transition(ctx, ActionComplete, []ID{id}, false)
}

// Batch applies action to several orders in one request.
func (s *Service) Batch(ctx context.Context, ids []ID, action Action) (TransitionResult, error) {
	return s.transition(ctx, action, ids, true)
}

func (s *Service) transition(ctx context.Context, action Action, ids []ID, batch bool) (TransitionResult, error) {
	if !action.Valid() {
		return TransitionResult{}, fmt.Errorf("unknown action %q", action)
	}
	if len(ids) == 0 {
		return TransitionResult{}, errors.New("no order ids given")
	}

	if !s.cache.ShouldUseCache() {
		res, err := s.send(ctx, action, ids, batch)
		if err == nil {
			if res.Success {
				if err := s.applyLocal(ctx, action, ids); err != nil {
					log.Printf("[Orders] Failed to mirror %s into cache: %v", action, err)
				}
			}
			return res, nil
		}
		// Mutations are never resent after a network failure; the outbox
		// replays them once the API is reachable again
		if !apiclient.IsNetwork(err) {
			var rerr *apiclient.RequestError
			if errors.As(err, &rerr) {
				return TransitionResult{Success: false, Message: rerr.Message}, err
			}
			return TransitionResult{}, err
		}
	}

	return s.queueOffline(ctx, action, ids, batch)
}

// send issues the transition request once.
func (s *Service) send(ctx context.Context, action Action, ids []ID, batch bool) (TransitionResult, error) {
	var (
		endpoint string
		body     any
	)
	if batch {
		endpoint = "/orders/batch"
		body = batchRequest{OrderIDs: ids, Action: action}
	} else {
		endpoint = fmt.Sprintf("/orders/%s/%s", url.PathEscape(string(ids[0])), action)
	}

	resp, err := s.api.Call(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return TransitionResult{}, err
	}

	res := TransitionResult{Success: true}
	if len(resp.Body) > 0 {
		if err := resp.Decode(&res); err != nil {
			return TransitionResult{}, fmt.Errorf("POST %s: %w", endpoint, err)
		}
	}
	return res, nil
}

type batchRequest struct {
	OrderIDs []ID   `json:"order_ids"`
	Action   Action `json:"action"`
}

// applyLocal moves ids between the cached lists and writes all three back
// in one transaction.
func (s *Service) applyLocal(ctx context.Context, action Action, ids []ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lists := map[string][]Order{}
	for _, key := range []string{store.KeyOrdersPending, store.KeyOrdersInProgress, store.KeyOrdersCompleted} {
		rec, err := s.cache.Read(ctx, key)
		if err != nil {
			return err
		}
		var list []Order
		if err := rec.Decode(&list); err != nil {
			return err
		}
		lists[key] = list
	}

	from := []string{store.KeyOrdersPending}
	to, status := store.KeyOrdersInProgress, StatusInProgress
	if action == ActionComplete {
		from = []string{store.KeyOrdersInProgress, store.KeyOrdersPending}
		to, status = store.KeyOrdersCompleted, StatusCompleted
	}

	for _, id := range ids {
		for _, key := range from {
			order, rest, ok := take(lists[key], id)
			if !ok {
				continue
			}
			lists[key] = rest
			order.Status = status
			lists[to] = append(lists[to], order)
			break
		}
	}

	values := make(map[string]any, len(lists))
	for key, list := range lists {
		values[key] = list
	}
	return s.cache.WriteThroughAll(ctx, values)
}

func take(list []Order, id ID) (Order, []Order, bool) {
	for i, o := range list {
		if o.ID == id {
			rest := make([]Order, 0, len(list)-1)
			rest = append(rest, list[:i]...)
			rest = append(rest, list[i+1:]...)
			return o, rest, true
		}
	}
	return Order{}, list, false
}

func (s *Service) now() time.Time {
	return s.clock.Now()
}
