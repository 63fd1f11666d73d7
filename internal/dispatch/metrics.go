package dispatch

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Message classes.
const (
	ClassImmediate = "immediate"
	ClassProgress  = "progress"
)

// Metrics holds Prometheus metrics for outbound dispatch.
type Metrics struct {
	SentTotal         *prometheus.CounterVec
	DeduplicatedTotal prometheus.Counter
	CoalescedTotal    prometheus.Counter
	FailuresTotal     *prometheus.CounterVec
	CacheSize         prometheus.Gauge
}

// NewMetrics registers dispatch metrics once per process.
//
// Metrics:
//   - taskbridge_dispatch_sent_total{class}
//   - taskbridge_dispatch_deduplicated_total
//   - taskbridge_dispatch_coalesced_total
//   - taskbridge_dispatch_failures_total{class}
//   - taskbridge_dispatch_dedup_records
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			SentTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "taskbridge_dispatch_sent_total",
					Help: "Messages delivered to the chat platform",
				},
				[]string{"class"},
			),
			DeduplicatedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "taskbridge_dispatch_deduplicated_total",
					Help: "Messages suppressed because they were already delivered",
				},
			),
			CoalescedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "taskbridge_dispatch_coalesced_total",
					Help: "Progress messages replaced by a newer one before delivery",
				},
			),
			FailuresTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "taskbridge_dispatch_failures_total",
					Help: "Deliveries the chat platform rejected or that failed in transit",
				},
				[]string{"class"},
			),
			CacheSize: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "taskbridge_dispatch_dedup_records",
					Help: "Current number of dedup records across destinations",
				},
			),
		}
	})
	return globalMetrics
}

func (m *Metrics) RecordSent(class string) {
	if m != nil {
		m.SentTotal.WithLabelValues(class).Inc()
	}
}

func (m *Metrics) RecordFailure(class string) {
	if m != nil {
		m.FailuresTotal.WithLabelValues(class).Inc()
	}
}

func (m *Metrics) RecordDeduplicated() {
	if m != nil {
		m.DeduplicatedTotal.Inc()
	}
}

func (m *Metrics) RecordCoalesced() {
	if m != nil {
		m.CoalescedTotal.Inc()
	}
}

// SetCacheSize updates the dedup record gauge.
func (m *Metrics) SetCacheSize(size int) {
	if m != nil {
		m.CacheSize.Set(float64(size))
	}
}
