package http

import (
	"context"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskbridge/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/taskbridge/internal/http"

// Metrics records per-request OpenTelemetry metrics for one echo server.
type Metrics struct {
	server   attribute.KeyValue
	requests metric.Int64Counter
	duration metric.Float64Histogram
	inflight metric.Int64UpDownCounter
}

// NewMetrics creates request metrics tagged with the server name ("ops",
// "callback", "exec"). A nil meter uses the global provider.
func NewMetrics(server string, meter metric.Meter, logger *logging.Logger) *Metrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	ctx := context.Background()
	m := &Metrics{server: attribute.String("server", server)}

	var err error
	if m.requests, err = meter.Int64Counter("taskbridge.http.requests",
		metric.WithDescription("HTTP requests by route, method and status class"),
		metric.WithUnit("{request}"),
	); err != nil {
		logger.Warn(ctx, "failed to create request counter", zap.Error(err))
	}
	if m.duration, err = meter.Float64Histogram("taskbridge.http.request.duration",
		metric.WithDescription("HTTP request latency"),
		metric.WithUnit("s"),
		// Task and callback requests can hold for a whole engine call.
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 5, 30, 120, 600, 1800),
	); err != nil {
		logger.Warn(ctx, "failed to create duration histogram", zap.Error(err))
	}
	if m.inflight, err = meter.Int64UpDownCounter("taskbridge.http.inflight",
		metric.WithDescription("Requests being served"),
		metric.WithUnit("{request}"),
	); err != nil {
		logger.Warn(ctx, "failed to create inflight counter", zap.Error(err))
	}
	return m
}

// Middleware returns echo middleware recording the metrics.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inflight != nil {
				m.inflight.Add(ctx, 1, metric.WithAttributes(m.server))
				defer m.inflight.Add(ctx, -1, metric.WithAttributes(m.server))
			}

			err := next(c)
			if err != nil {
				// Let echo resolve the status before it is recorded.
				c.Error(err)
			}

			attrs := metric.WithAttributes(
				m.server,
				attribute.String("method", c.Request().Method),
				attribute.String("route", routeLabel(c.Path())),
				attribute.String("status_class", statusClass(c.Response().Status)),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			return nil
		}
	}
}

// routeLabel uses echo's route template; unmatched requests share one label.
func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}
