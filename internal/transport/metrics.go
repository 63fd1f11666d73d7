package transport

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskbridge/internal/logging"
)

// Request outcomes.
const (
	outcomeOK      = "ok"
	outcomeError   = "error"
	outcomeTimeout = "timeout"
)

type transportMetrics struct {
	mode     string
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

func newTransportMetrics(meter metric.Meter, mode string, logger *logging.Logger) *transportMetrics {
	ctx := context.Background()
	m := &transportMetrics{mode: mode}

	var err error
	m.requests, err = meter.Int64Counter(
		"taskbridge.transport.requests_total",
		metric.WithDescription("Transport requests by mode and outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn(ctx, "failed to create transport requests counter", zap.Error(err))
	}

	m.duration, err = meter.Float64Histogram(
		"taskbridge.transport.request_duration_seconds",
		metric.WithDescription("Time from SendTask to resolution"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800),
	)
	if err != nil {
		logger.Warn(ctx, "failed to create transport duration histogram", zap.Error(err))
	}
	return m
}

func (m *transportMetrics) record(ctx context.Context, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("mode", m.mode),
		attribute.String("outcome", outcome),
	)
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}
