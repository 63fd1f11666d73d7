package orchestrator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Task outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeAborted   = "aborted"
	OutcomeReset     = "reset"
	OutcomeShutdown  = "shutdown"
)

// Metrics holds Prometheus metrics for the task loop.
type Metrics struct {
	IterationsTotal prometheus.Counter
	TasksTotal      *prometheus.CounterVec
	ToolEventsTotal prometheus.Counter
	ActiveTasks     prometheus.Gauge
}

// NewMetrics registers the orchestrator metrics once per process.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			IterationsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "taskbridge_iterations_total",
				Help: "Completed evaluator+worker cycles",
			}),
			TasksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "taskbridge_tasks_total",
				Help: "Tasks that ended, by outcome",
			}, []string{"outcome"}),
			ToolEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "taskbridge_tool_events_total",
				Help: "Tool invocations reported by worker turns",
			}),
			ActiveTasks: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "taskbridge_active_tasks",
				Help: "Tasks currently running or awaiting feedback",
			}),
		}
	})
	return globalMetrics
}

func (m *Metrics) iteration() {
	if m != nil {
		m.IterationsTotal.Inc()
	}
}

func (m *Metrics) toolEvents(n int) {
	if m != nil && n > 0 {
		m.ToolEventsTotal.Add(float64(n))
	}
}

func (m *Metrics) started() {
	if m != nil {
		m.ActiveTasks.Inc()
	}
}

func (m *Metrics) ended(outcome string) {
	if m != nil {
		m.TasksTotal.WithLabelValues(outcome).Inc()
		m.ActiveTasks.Dec()
	}
}
