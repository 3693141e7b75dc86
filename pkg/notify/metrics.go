package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	// deliveries counts SendReadyNotification calls.
	// Labels: result (success, failure)
	deliveries *prometheus.CounterVec

	// strategyAttempts counts individual strategy tries.
	// Labels: strategy, outcome (succeeded, failed)
	strategyAttempts *prometheus.CounterVec

	// successRate mirrors Stats.SuccessRate.
	successRate prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coffeecue",
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Total ready notifications by final result",
		}, []string{"result"}),
		strategyAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coffeecue",
			Subsystem: "notify",
			Name:      "strategy_attempts_total",
			Help:      "Total notification strategy attempts",
		}, []string{"strategy", "outcome"}),
		successRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "coffeecue",
			Subsystem: "notify",
			Name:      "success_rate_percent",
			Help:      "Percentage of ready notifications delivered since the last stats reset",
		}),
	}
}
