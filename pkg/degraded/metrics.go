package degraded

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	// degraded is 1 while in degraded mode.
	degraded prometheus.Gauge

	// transitions counts mode changes.
	// Labels: to (connected, degraded), reason
	transitions *prometheus.CounterVec

	// failures counts recorded request failures.
	// Labels: kind (auth, network)
	failures *prometheus.CounterVec

	// refreshes counts successful credential refreshes.
	refreshes prometheus.Counter

	// synthesized counts baseline records written on cache misses.
	// Labels: key
	synthesized *prometheus.CounterVec

	// probes counts reconnect probes.
	// Labels: result (success, failure, throttled)
	probes *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		degraded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "coffeecue",
			Subsystem: "resilience",
			Name:      "degraded",
			Help:      "1 while the client serves reads from the durable cache",
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coffeecue",
			Subsystem: "resilience",
			Name:      "transitions_total",
			Help:      "Total resilience mode transitions",
		}, []string{"to", "reason"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coffeecue",
			Subsystem: "resilience",
			Name:      "failures_total",
			Help:      "Total request failures recorded by kind",
		}, []string{"kind"}),
		refreshes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "coffeecue",
			Subsystem: "resilience",
			Name:      "credential_refreshes_total",
			Help:      "Total successful credential refreshes",
		}),
		synthesized: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coffeecue",
			Subsystem: "cache",
			Name:      "baselines_synthesized_total",
			Help:      "Total baseline records synthesized on cache misses",
		}, []string{"key"}),
		probes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coffeecue",
			Subsystem: "resilience",
			Name:      "reconnect_probes_total",
			Help:      "Total reconnect probes by result",
		}, []string{"result"}),
	}
}

func (m *metrics) setMode(mode Mode) {
	if mode == ModeDegraded {
		m.degraded.Set(1)
		return
	}
	m.degraded.Set(0)
}
