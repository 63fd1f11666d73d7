package transport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fyrsmithlabs/taskbridge/internal/engine"
)

// LocalTransport calls the engine in process.
type LocalTransport struct {
	engine  engine.Engine
	opts    *options
	metrics *transportMetrics
	stopped atomic.Bool
}

// NewLocal creates a LocalTransport.
func NewLocal(eng engine.Engine, opts ...Option) *LocalTransport {
	o := buildOptions(opts)
	return &LocalTransport{
		engine:  eng,
		opts:    o,
		metrics: newTransportMetrics(o.meter, "local", o.logger),
	}
}

// Start is a no-op.
func (t *LocalTransport) Start(context.Context) error {
	t.stopped.Store(false)
	return nil
}

// Stop rejects further requests.
func (t *LocalTransport) Stop(context.Context) error {
	t.stopped.Store(true)
	return nil
}

// SendTask runs the request synchronously, bounded by the configured
// timeout.
func (t *LocalTransport) SendTask(ctx context.Context, req *Request) (*Response, error) {
	if t.stopped.Load() {
		return nil, ErrStopped
	}
	if req == nil || req.Payload == nil {
		return nil, fmt.Errorf("request payload is required")
	}
	if req.RequestID == "" {
		req.RequestID = t.opts.newID()
	}

	ctx, span := t.opts.tracer.Start(ctx, "transport.SendTask",
		trace.WithAttributes(
			attribute.String("transport.mode", "local"),
			attribute.String("request.id", req.RequestID),
			attribute.String("engine.role", string(req.Payload.Role)),
		))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, t.opts.timeout)
	defer cancel()

	start := time.Now()
	res, err := t.engine.Run(callCtx, req.Payload)
	if err != nil {
		outcome := outcomeError
		// callCtx carries both the transport window and the caller's deadline.
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			outcome = outcomeTimeout
			err = fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		t.metrics.record(ctx, outcome, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &Response{RequestID: req.RequestID, Error: err.Error()}, err
	}

	t.metrics.record(ctx, outcomeOK, time.Since(start))
	return &Response{RequestID: req.RequestID, Result: res}, nil
}
