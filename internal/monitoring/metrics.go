// Package monitoring tracks operation latency percentiles and exports
// Prometheus collectors for the bridge.
package monitoring

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type sample struct {
	at time.Time
	ms float64
}

// Percentiles summarizes one operation's latency distribution.
type Percentiles struct {
	P50   float64
	P95   float64
	P99   float64
	Count int64
}

// Metrics keeps a rolling per-operation timing buffer (trimmed to the last
// hour by the metrics sweep) and mirrors observations into Prometheus.
type Metrics struct {
	mu      sync.Mutex
	samples map[string][]sample

	registry *prometheus.Registry
	latency  *prometheus.HistogramVec
	counters *prometheus.CounterVec
	gauges   *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		samples:  make(map[string][]sample),
		registry: prometheus.NewRegistry(),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lighthouse",
			Name:      "operation_duration_ms",
			Help:      "Operation latency in milliseconds.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 300, 1000},
		}, []string{"operation"}),
		counters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lighthouse",
			Name:      "events_total",
			Help:      "Counted bridge events by kind.",
		}, []string{"kind"}),
		gauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lighthouse",
			Name:      "state",
			Help:      "Current bridge state gauges.",
		}, []string{"name"}),
	}
	m.registry.MustRegister(m.latency, m.counters, m.gauges)
	return m
}

// Observe records one operation timing.
func (m *Metrics) Observe(operation string, d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0
	m.latency.WithLabelValues(operation).Observe(ms)

	m.mu.Lock()
	m.samples[operation] = append(m.samples[operation], sample{at: time.Now(), ms: ms})
	m.mu.Unlock()
}

// Count bumps a named counter.
func (m *Metrics) Count(kind string) {
	m.counters.WithLabelValues(kind).Inc()
}

// SetGauge records a current-state value.
func (m *Metrics) SetGauge(name string, v float64) {
	m.gauges.WithLabelValues(name).Set(v)
}

// Percentiles computes p50/p95/p99 over the retained window for an operation.
func (m *Metrics) Percentiles(operation string) Percentiles {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := m.samples[operation]
	if len(buf) == 0 {
		return Percentiles{}
	}
	values := make([]float64, len(buf))
	for i, s := range buf {
		values[i] = s.ms
	}
	sort.Float64s(values)
	pick := func(q float64) float64 {
		idx := int(q * float64(len(values)-1))
		return values[idx]
	}
	return Percentiles{
		P50:   pick(0.50),
		P95:   pick(0.95),
		P99:   pick(0.99),
		Count: int64(len(values)),
	}
}

// Trim discards samples older than the retention window.
func (m *Metrics) Trim(retention time.Duration) {
	cutoff := time.Now().Add(-retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	for op, buf := range m.samples {
		keep := buf[:0]
		for _, s := range buf {
			if s.at.After(cutoff) {
				keep = append(keep, s)
			}
		}
		if len(keep) == 0 {
			delete(m.samples, op)
			continue
		}
		m.samples[op] = keep
	}
}

// Handler serves the Prometheus exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
