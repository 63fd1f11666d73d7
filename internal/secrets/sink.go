package secrets

import (
	"context"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskbridge/internal/logging"
	"github.com/fyrsmithlabs/taskbridge/internal/orchestrator"
)

var (
	redactedTotal *prometheus.CounterVec
	metricsOnce   sync.Once
)

func redactions() *prometheus.CounterVec {
	metricsOnce.Do(func() {
		redactedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "taskbridge_secrets_redacted_total",
			Help: "Secret spans redacted from outbound events, by rule",
		}, []string{"rule"})
	})
	return redactedTotal
}

// Sink scrubs event text before handing events to next. With a nil
// Scrubber it returns next unchanged.
func Sink(next orchestrator.Sink, s *Scrubber, logger *logging.Logger) orchestrator.Sink {
	if !s.Enabled() {
		return next
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	counter := redactions()
	return orchestrator.SinkFunc(func(ctx context.Context, ev orchestrator.Event) error {
		res := s.Scrub(ev.Text)
		if res.Redacted() {
			ev.Text = res.Text
			ids := make([]string, 0, len(res.ByRule))
			for id, n := range res.ByRule {
				counter.WithLabelValues(id).Add(float64(n))
				ids = append(ids, id)
			}
			sort.Strings(ids)
			logger.Warn(logging.WithTaskID(ctx, ev.TaskID), "redacted secrets from outbound event",
				zap.String("kind", string(ev.Kind)),
				zap.Strings("rules", ids))
		}
		return next.Handle(ctx, ev)
	})
}
