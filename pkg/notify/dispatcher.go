// Package notify tells customers their order is ready.
//
// Strategies are tried strictly one after another in priority order until
// one succeeds, waiting base_delay * attempt before each retry and making at
// most MaxRetries attempts in total. Whatever the outcome, the order is also
// put on the display board in the background.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fruithappens/coffeecue/pkg/orders"
	"github.com/fruithappens/coffeecue/pkg/store"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultMaxRetries     = 3
	DefaultBaseDelay      = time.Second
	DefaultDisplayTimeout = 5 * time.Second
)

// Outcome is the result of one strategy attempt.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// StrategyAttempt records one try of one strategy.
type StrategyAttempt struct {
	Attempt  int     `json:"attempt"`
	Strategy string  `json:"strategy"`
	Outcome  Outcome `json:"outcome"`
	Error    string  `json:"error,omitempty"`
}

// DeliveryAttempt is the full record of one SendReadyNotification call.
type DeliveryAttempt struct {
	OrderID      orders.ID         `json:"order_id"`
	Strategies   []StrategyAttempt `json:"strategies"`
	Attempts     int               `json:"attempts"`
	Success      bool              `json:"success"`
	Method       string            `json:"method,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	StartedAtMs  int64             `json:"started_at_ms"`
	FinishedAtMs int64             `json:"finished_at_ms"`
}

// DisplayFunc shows an order on the display screens. Its errors are logged
// and never affect the delivery result.
type DisplayFunc func(ctx context.Context, order orders.Order, attempt DeliveryAttempt) error

// Config configures a Dispatcher.
type Config struct {
	MaxRetries     int           // Total attempts across the cascade. Default: 3
	BaseDelay      time.Duration // Default: 1s
	DisplayTimeout time.Duration // Default: 5s
	Display        DisplayFunc
	Clock          clock.Clock           // Default: wall clock
	Registerer     prometheus.Registerer // Default: a private registry
	Origin         string
}

// Stats are the running delivery counters.
type Stats struct {
	Total   int `json:"total"`
	Success int `json:"success"`
}

// SuccessRate returns the percentage of successful deliveries, 0 when none
// have been attempted.
func (s Stats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Success) * 100 / float64(s.Total)
}

// Dispatcher runs the notification cascade. Safe for concurrent use.
type Dispatcher struct {
	strategies []Strategy
	kv         store.Store
	cfg        Config
	metrics    *metrics

	mu    sync.Mutex
	stats Stats

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher over strategies, in priority order.
// Each attempt is persisted to kv when it is non-nil.
func NewDispatcher(kv store.Store, strategies []Strategy, cfg Config) *Dispatcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.DisplayTimeout <= 0 {
		cfg.DisplayTimeout = DefaultDisplayTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	return &Dispatcher{
		strategies: strategies,
		kv:         kv,
		cfg:        cfg,
		metrics:    newMetrics(cfg.Registerer),
	}
}

// SendReadyNotification runs the cascade for order and returns its record.
// It never fails; the outcome is in the returned DeliveryAttempt.
func (d *Dispatcher) SendReadyNotification(ctx context.Context, order orders.Order) DeliveryAttempt {
	attempt := DeliveryAttempt{
		OrderID:     order.ID,
		StartedAtMs: d.cfg.Clock.Now().UnixMilli(),
	}

	if len(d.strategies) == 0 {
		attempt.LastError = "no notification strategies configured"
	} else {
		d.cascade(ctx, order, &attempt)
	}
	attempt.FinishedAtMs = d.cfg.Clock.Now().UnixMilli()

	d.record(ctx, attempt)
	d.display(order, attempt)

	if attempt.Success {
		log.Printf("[Notify] Order %s notified via %s after %d attempt(s)", order.ID, attempt.Method, attempt.Attempts)
	} else {
		log.Printf("[Notify] Order %s not notified after %d attempt(s): %s", order.ID, attempt.Attempts, attempt.LastError)
	}
	return attempt
}

func (d *Dispatcher) cascade(ctx context.Context, order orders.Order, attempt *DeliveryAttempt) {
	base := d.cfg.BaseDelay

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			strategy := d.strategies[attempt.Attempts%len(d.strategies)]
			attempt.Attempts++

			res, err := strategy.Send(ctx, order)
			if err == nil && !res.Success {
				msg := res.Message
				if msg == "" {
					msg = "not delivered"
				}
				err = errors.New(msg)
			}
			if err != nil {
				err = fmt.Errorf("%s: %w", strategy.Name(), err)
				attempt.Strategies = append(attempt.Strategies, StrategyAttempt{
					Attempt:  attempt.Attempts,
					Strategy: strategy.Name(),
					Outcome:  OutcomeFailed,
					Error:    err.Error(),
				})
				d.metrics.strategyAttempts.WithLabelValues(strategy.Name(), string(OutcomeFailed)).Inc()
				return err
			}

			attempt.Strategies = append(attempt.Strategies, StrategyAttempt{
				Attempt:  attempt.Attempts,
				Strategy: strategy.Name(),
				Outcome:  OutcomeSucceeded,
			})
			d.metrics.strategyAttempts.WithLabelValues(strategy.Name(), string(OutcomeSucceeded)).Inc()
			attempt.Method = strategy.Name()
			return nil
		},
		NotifyFunc: func(err error, n int) {
			log.Printf("[Notify] Order %s attempt %d failed: %v", order.ID, n, err)
		},
		Attempts: d.cfg.MaxRetries,
		Delay:    base,
		BackoffFunc: func(_ time.Duration, n int) time.Duration {
			return base * time.Duration(n)
		},
		Clock: d.cfg.Clock,
		Stop:  ctx.Done(),
	})
	if err == nil {
		attempt.Success = true
		return
	}

	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		if last := retry.LastError(err); last != nil {
			err = last
		}
	}
	attempt.LastError = err.Error()
}

func (d *Dispatcher) record(ctx context.Context, attempt DeliveryAttempt) {
	d.mu.Lock()
	d.stats.Total++
	if attempt.Success {
		d.stats.Success++
	}
	stats := d.stats
	d.mu.Unlock()

	result := "failure"
	if attempt.Success {
		result = "success"
	}
	d.metrics.deliveries.WithLabelValues(result).Inc()
	d.metrics.successRate.Set(stats.SuccessRate())

	if d.kv == nil {
		return
	}
	key := store.NotifyLastKey(string(attempt.OrderID))
	if _, err := store.PutJSON(ctx, d.kv, key, attempt, d.cfg.Clock.Now(), d.cfg.Origin); err != nil {
		log.Printf("[Notify] Failed to record delivery attempt for order %s: %v", attempt.OrderID, err)
	}
}

// display runs the display side effect in the background. Panics and errors
// are contained and logged.
func (d *Dispatcher) display(order orders.Order, attempt DeliveryAttempt) {
	if d.cfg.Display == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[Notify] Display of order %s panicked: %v", order.ID, r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DisplayTimeout)
		defer cancel()
		if err := d.cfg.Display(ctx, order, attempt); err != nil {
			log.Printf("[Notify] Failed to display order %s: %v", order.ID, err)
		}
	}()
}

// Wait blocks until background display work has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Stats returns the running counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// SuccessRate returns the percentage of successful deliveries.
func (d *Dispatcher) SuccessRate() float64 {
	return d.Stats().SuccessRate()
}

// ResetStats zeroes the running counters.
func (d *Dispatcher) ResetStats() {
	d.mu.Lock()
	d.stats = Stats{}
	d.mu.Unlock()
	d.metrics.successRate.Set(0)
}

// LastAttempt returns the recorded delivery attempt for an order.
func (d *Dispatcher) LastAttempt(ctx context.Context, orderID orders.ID) (*DeliveryAttempt, error) {
	if d.kv == nil {
		return nil, fmt.Errorf("%s: %w", orderID, store.ErrNotFound)
	}
	rec, err := d.kv.Get(ctx, store.NotifyLastKey(string(orderID)))
	if err != nil {
		return nil, err
	}
	var attempt DeliveryAttempt
	if err := json.Unmarshal(rec.Payload, &attempt); err != nil {
		return nil, fmt.Errorf("failed to decode delivery attempt: %w", err)
	}
	return &attempt, nil
}
