// Package degraded decides when the client stops talking to the remote API
// and serves reads from the durable cache instead.
//
// The controller enters degraded mode when consecutive auth failures reach
// the auth threshold, when consecutive network failures reach the network
// threshold, or on a manual toggle. It leaves degraded mode only through an
// explicit Reconnect whose health probe succeeds.
package degraded

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/fruithappens/coffeecue/pkg/store"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

const (
	DefaultAuthThreshold    = 3
	DefaultNetworkThreshold = 3
	DefaultProbeInterval    = 5 * time.Second
)

// Prober checks whether the remote API is reachable again.
type Prober interface {
	Health(ctx context.Context) error
}

// BaselineFunc returns placeholder content for a logical key, used when a
// degraded read finds nothing cached. ok is false for keys without one.
type BaselineFunc func(key string) (v any, ok bool)

// Config configures a Controller.
type Config struct {
	AuthThreshold    int           // Default: 3
	NetworkThreshold int           // Default: 3
	ProbeInterval    time.Duration // Minimum spacing of reconnect probes. Default: 5s
	Baseline         BaselineFunc
	Clock            clock.Clock           // Default: wall clock
	Registerer       prometheus.Registerer // Default: a private registry
	Origin           string                // Instance id stamped on writes. Default: random uuid
}

// Controller is the degraded-mode state machine. Safe for concurrent use.
type Controller struct {
	kv       store.Store
	prober   Prober
	baseline BaselineFunc
	clock    clock.Clock
	origin   string
	limiter  *rate.Limiter
	metrics  *metrics

	mu             sync.Mutex
	state          State
	listeners      []func(Transition)
	reconnectHooks []func(ctx context.Context)

	synthMu sync.Mutex
}

// New creates a controller in connected mode. Call Init to load persisted
// state.
func New(kv store.Store, prober Prober, cfg Config) *Controller {
	if cfg.AuthThreshold <= 0 {
		cfg.AuthThreshold = DefaultAuthThreshold
	}
	if cfg.NetworkThreshold <= 0 {
		cfg.NetworkThreshold = DefaultNetworkThreshold
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	if cfg.Origin == "" {
		cfg.Origin = uuid.NewString()
	}

	c := &Controller{
		kv:       kv,
		prober:   prober,
		baseline: cfg.Baseline,
		clock:    cfg.Clock,
		origin:   cfg.Origin,
		limiter:  rate.NewLimiter(rate.Every(cfg.ProbeInterval), 1),
		metrics:  newMetrics(cfg.Registerer),
		state: State{
			Mode:             ModeConnected,
			AuthThreshold:    cfg.AuthThreshold,
			NetworkThreshold: cfg.NetworkThreshold,
		},
	}
	c.metrics.setMode(ModeConnected)
	return c
}

// Init loads the persisted mode and failure counters.
func (c *Controller) Init(ctx context.Context) error {
	var mr modeRecord
	_, err := store.GetJSON(ctx, c.kv, store.KeyResilienceMode, &mr)
	if err != nil && !store.IsNotFound(err) {
		return fmt.Errorf("failed to load resilience mode: %w", err)
	}

	var cr countRecord
	_, cerr := store.GetJSON(ctx, c.kv, store.KeyResilienceFailureCount, &cr)
	if cerr != nil && !store.IsNotFound(cerr) {
		return fmt.Errorf("failed to load failure counters: %w", cerr)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil && (mr.Mode == ModeConnected || mr.Mode == ModeDegraded) {
		c.state.Mode = mr.Mode
		c.state.Reason = mr.Reason
		c.state.LastTransitionMs = mr.LastTransitionMs
	}
	if cerr == nil {
		c.state.AuthFailures = cr.Auth
		c.state.NetworkFailures = cr.Network
	}
	c.metrics.setMode(c.state.Mode)

	log.Printf("[Resilience] Initialized in %s mode (auth failures %d/%d, network failures %d/%d)",
		c.state.Mode, c.state.AuthFailures, c.state.AuthThreshold,
		c.state.NetworkFailures, c.state.NetworkThreshold)
	return nil
}

// Origin returns the instance id stamped on this controller's writes.
func (c *Controller) Origin() string {
	return c.origin
}

// State returns a copy of the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Mode
}

// ShouldUseCache reports whether reads must be served from the cache.
func (c *Controller) ShouldUseCache() bool {
	return c.Mode() == ModeDegraded
}

// OnTransition registers a listener called after every mode change.
func (c *Controller) OnTransition(fn func(Transition)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// OnReconnect registers a hook run after a successful Reconnect.
func (c *Controller) OnReconnect(fn func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectHooks = append(c.reconnectHooks, fn)
}

// RecordAuthFailure counts a consecutive auth failure and reports whether
// the auth threshold has been reached.
func (c *Controller) RecordAuthFailure(ctx context.Context) bool {
	c.metrics.failures.WithLabelValues("auth").Inc()

	c.mu.Lock()
	c.state.AuthFailures++
	// A response arrived, so the network run is broken
	c.state.NetworkFailures = 0
	tripped := c.state.AuthFailures >= c.state.AuthThreshold
	var tr *Transition
	if tripped {
		tr = c.transitionLocked(ModeDegraded, ReasonAuthFailures)
	}
	c.persistLocked(ctx, tr != nil)
	count := c.state.AuthFailures
	c.mu.Unlock()

	c.logEvent("auth_failure_recorded", map[string]interface{}{
		"auth_failures": count,
		"tripped":       tripped,
	})
	c.emit(tr)
	return tripped
}

// RecordNetworkFailure counts a consecutive network failure. Reaching the
// network threshold enters degraded mode.
func (c *Controller) RecordNetworkFailure(ctx context.Context) {
	c.metrics.failures.WithLabelValues("network").Inc()

	c.mu.Lock()
	c.state.NetworkFailures++
	var tr *Transition
	if c.state.NetworkFailures >= c.state.NetworkThreshold {
		tr = c.transitionLocked(ModeDegraded, ReasonNetworkFailures)
	}
	c.persistLocked(ctx, tr != nil)
	count := c.state.NetworkFailures
	c.mu.Unlock()

	c.logEvent("network_failure_recorded", map[string]interface{}{
		"network_failures": count,
	})
	c.emit(tr)
}

// RecordSuccess resets both failure counters. It never leaves degraded
// mode; only Reconnect does.
func (c *Controller) RecordSuccess(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.AuthFailures == 0 && c.state.NetworkFailures == 0 {
		return
	}
	c.state.AuthFailures = 0
	c.state.NetworkFailures = 0
	c.persistLocked(ctx, false)
}

// RecordRefresh notes a successful credential refresh. Registered as the
// credential refresh hook. The auth counter is left alone: it resets only
// when a request sent with the refreshed credential succeeds, so a run of
// rejections degrades even while refresh keeps working.
func (c *Controller) RecordRefresh(ctx context.Context) {
	c.metrics.refreshes.Inc()

	c.mu.Lock()
	count := c.state.AuthFailures
	c.mu.Unlock()

	c.logEvent("credential_refreshed", map[string]interface{}{
		"auth_failures": count,
	})
}

// SetDegraded enters degraded mode manually. A no-op when already degraded.
func (c *Controller) SetDegraded(ctx context.Context) error {
	c.mu.Lock()
	tr := c.transitionLocked(ModeDegraded, ReasonManual)
	err := c.persistLocked(ctx, tr != nil)
	c.mu.Unlock()

	c.emit(tr)
	return err
}

// Reconnect probes the API and returns to connected mode when the probe
// succeeds. Probes are rate limited; a throttled call returns
// ErrProbeThrottled without probing. A no-op in connected mode.
func (c *Controller) Reconnect(ctx context.Context) error {
	if c.Mode() == ModeConnected {
		return nil
	}
	if !c.limiter.AllowN(c.clock.Now(), 1) {
		c.metrics.probes.WithLabelValues("throttled").Inc()
		return ErrProbeThrottled
	}

	if err := c.prober.Health(ctx); err != nil {
		c.metrics.probes.WithLabelValues("failure").Inc()
		c.logEvent("reconnect_failed", map[string]interface{}{
			"error": err.Error(),
		})
		return fmt.Errorf("reconnect probe failed: %w", err)
	}
	c.metrics.probes.WithLabelValues("success").Inc()

	c.mu.Lock()
	tr := c.transitionLocked(ModeConnected, ReasonReconnect)
	c.state.AuthFailures = 0
	c.state.NetworkFailures = 0
	err := c.persistLocked(ctx, tr != nil)
	hooks := append([]func(context.Context){}, c.reconnectHooks...)
	c.mu.Unlock()

	c.emit(tr)
	if tr != nil {
		for _, hook := range hooks {
			hook(ctx)
		}
	}
	return err
}

// Read returns the cached record for key. On a miss a baseline is
// synthesized, stored and returned, so reading twice returns the same
// record.
func (c *Controller) Read(ctx context.Context, key string) (*store.Record, error) {
	rec, err := c.lookup(ctx, key)
	if !errors.Is(err, errCacheMiss) {
		return rec, err
	}

	c.synthMu.Lock()
	defer c.synthMu.Unlock()

	// Another reader may have synthesized while we waited
	rec, err = c.lookup(ctx, key)
	if !errors.Is(err, errCacheMiss) {
		return rec, err
	}

	if c.baseline == nil {
		return nil, fmt.Errorf("%s: %w", key, ErrNoBaseline)
	}
	v, ok := c.baseline(key)
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNoBaseline)
	}

	rec, err = c.WriteThrough(ctx, key, v)
	if err != nil {
		return nil, fmt.Errorf("failed to store baseline for %s: %w", key, err)
	}
	c.metrics.synthesized.WithLabelValues(key).Inc()
	c.logEvent("baseline_synthesized", map[string]interface{}{
		"key": key,
	})
	return rec, nil
}

func (c *Controller) lookup(ctx context.Context, key string) (*store.Record, error) {
	rec, err := c.kv.Get(ctx, key)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("%s: %w", key, errCacheMiss)
		}
		return nil, fmt.Errorf("failed to read cache: %w", err)
	}
	return rec, nil
}

// WriteThrough stores v as the cached value of key.
func (c *Controller) WriteThrough(ctx context.Context, key string, v any) (*store.Record, error) {
	return store.PutJSON(ctx, c.kv, key, v, c.clock.Now(), c.origin)
}

// WriteThroughAll stores several cached values in one transaction, so readers
// never see one list updated and another stale.
func (c *Controller) WriteThroughAll(ctx context.Context, values map[string]any) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	now := c.clock.Now()
	recs := make([]*store.Record, 0, len(keys))
	for _, key := range keys {
		rec, err := store.NewRecord(key, values[key], now, c.origin)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}
	return c.kv.PutMany(ctx, recs...)
}

// Reset is the administrative reset: it clears every cache.* and
// resilience.* record and returns to connected mode with zero counters.
func (c *Controller) Reset(ctx context.Context) error {
	var keys []string
	for _, prefix := range []string{store.PrefixCache, store.PrefixResilience} {
		k, err := c.kv.Keys(ctx, prefix)
		if err != nil {
			return fmt.Errorf("failed to list %s keys: %w", prefix, err)
		}
		keys = append(keys, k...)
	}
	if err := c.kv.Delete(ctx, keys...); err != nil {
		return err
	}

	c.mu.Lock()
	var tr *Transition
	if c.state.Mode != ModeConnected {
		tr = &Transition{From: c.state.Mode, To: ModeConnected, Reason: ReasonReset, At: c.clock.Now()}
		c.metrics.transitions.WithLabelValues(string(ModeConnected), string(ReasonReset)).Inc()
	}
	c.state.Mode = ModeConnected
	c.state.Reason = ""
	c.state.LastTransitionMs = 0
	c.state.AuthFailures = 0
	c.state.NetworkFailures = 0
	c.metrics.setMode(ModeConnected)
	c.mu.Unlock()

	log.Printf("[Resilience] Administrative reset cleared %d records", len(keys))
	c.emit(tr)
	return nil
}

// Follow applies mode changes written by other instances until ctx is done.
func (c *Controller) Follow(ctx context.Context) error {
	sub, err := c.kv.Subscribe(ctx, store.KeyResilienceMode)
	if err != nil {
		return fmt.Errorf("failed to follow resilience mode: %w", err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if event.Key != store.KeyResilienceMode || event.Origin == c.origin {
				continue
			}
			c.applyRemote(ctx, event)
		case err, ok := <-sub.Errors():
			if !ok {
				return nil
			}
			log.Printf("[Resilience] Change subscription error: %v", err)
		}
	}
}

func (c *Controller) applyRemote(ctx context.Context, event store.ChangeEvent) {
	mode := ModeConnected
	if !event.Deleted {
		var mr modeRecord
		if _, err := store.GetJSON(ctx, c.kv, store.KeyResilienceMode, &mr); err != nil {
			log.Printf("[Resilience] Failed to read remote mode change: %v", err)
			return
		}
		mode = mr.Mode
	}
	if mode != ModeConnected && mode != ModeDegraded {
		return
	}

	c.mu.Lock()
	var tr *Transition
	if c.state.Mode != mode {
		tr = &Transition{From: c.state.Mode, To: mode, Reason: ReasonRemote, At: c.clock.Now()}
		c.state.Mode = mode
		c.state.Reason = ReasonRemote
		c.state.LastTransitionMs = tr.At.UnixMilli()
		c.metrics.setMode(mode)
	}
	c.mu.Unlock()
	c.emit(tr)
}

// transitionLocked moves to mode and returns the transition, or nil when
// already there. Caller holds c.mu.
func (c *Controller) transitionLocked(to Mode, reason Reason) *Transition {
	if c.state.Mode == to {
		return nil
	}
	tr := &Transition{From: c.state.Mode, To: to, Reason: reason, At: c.clock.Now()}
	c.state.Mode = to
	c.state.Reason = reason
	c.state.LastTransitionMs = tr.At.UnixMilli()
	c.metrics.setMode(to)
	c.metrics.transitions.WithLabelValues(string(to), string(reason)).Inc()
	return tr
}

// persistLocked writes the counters, and the mode when withMode is set, in
// one transaction. Failures are logged; the in-memory state stays
// authoritative. Caller holds c.mu.
func (c *Controller) persistLocked(ctx context.Context, withMode bool) error {
	now := c.clock.Now()
	counts, err := store.NewRecord(store.KeyResilienceFailureCount,
		countRecord{Auth: c.state.AuthFailures, Network: c.state.NetworkFailures}, now, c.origin)
	if err != nil {
		return err
	}
	recs := []*store.Record{counts}
	if withMode {
		mode, err := store.NewRecord(store.KeyResilienceMode, modeRecord{
			Mode:             c.state.Mode,
			Reason:           c.state.Reason,
			LastTransitionMs: c.state.LastTransitionMs,
		}, now, c.origin)
		if err != nil {
			return err
		}
		recs = append(recs, mode)
	}
	if err := c.kv.PutMany(ctx, recs...); err != nil {
		log.Printf("[Resilience] Failed to persist state: %v", err)
		return fmt.Errorf("failed to persist resilience state: %w", err)
	}
	return nil
}

func (c *Controller) emit(tr *Transition) {
	if tr == nil {
		return
	}
	c.logEvent("mode_transition", map[string]interface{}{
		"from":   tr.From,
		"to":     tr.To,
		"reason": tr.Reason,
	})

	c.mu.Lock()
	listeners := append([]func(Transition){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(*tr)
	}
}

// logEvent logs a structured event in JSON format
func (c *Controller) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = c.clock.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "resilience"
	data["event_type"] = eventType
	data["instance"] = c.origin

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Resilience] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
