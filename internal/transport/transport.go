// Package transport carries engine calls either in process or across an
// authenticated HTTP request/callback pair between a communication node and
// an execution node.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fyrsmithlabs/taskbridge/internal/config"
	"github.com/fyrsmithlabs/taskbridge/internal/engine"
	"github.com/fyrsmithlabs/taskbridge/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/taskbridge/internal/transport"

// AuthTokenHeader carries the shared token on every cross-node request.
const AuthTokenHeader = "X-Auth-Token"

// Transport errors.
var (
	ErrUnauthorized   = errors.New("invalid auth token")
	ErrMissingToken   = errors.New("missing auth token")
	ErrTimeout        = errors.New("transport timeout: no callback received")
	ErrUnknownRequest = errors.New("unknown request id")
	ErrStopped        = errors.New("transport stopped")
	ErrRemote         = errors.New("remote execution failed")
)

// Transport delivers engine requests and waits for their result.
type Transport interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SendTask(ctx context.Context, req *Request) (*Response, error)
}

// Request is the wire form of an engine call.
type Request struct {
	RequestID   string          `json:"request_id"`
	Payload     *engine.Request `json:"payload"`
	CallbackURL string          `json:"callback_url,omitempty"`
	AuthToken   string          `json:"auth_token,omitempty"`
}

// Response resolves a Request. Exactly one of Result or Error is set.
type Response struct {
	RequestID string         `json:"request_id"`
	Result    *engine.Result `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	AuthToken string         `json:"auth_token,omitempty"`
}

// AckResponse is returned by POST /task.
type AckResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id,omitempty"`
}

type options struct {
	logger  *logging.Logger
	tracer  trace.Tracer
	meter   metric.Meter
	newID   func() string
	timeout time.Duration
}

// Option configures a transport.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracer sets the tracer used for SendTask spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithMeter sets the meter for transport metrics.
func WithMeter(m metric.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}

// WithIDGenerator overrides request id generation.
func WithIDGenerator(gen func() string) Option {
	return func(o *options) {
		if gen != nil {
			o.newID = gen
		}
	}
}

// contextFailure classifies a context error ending a call. Deadline expiry,
// whether from the transport window or the caller, is a timeout.
func contextFailure(err error) (string, error) {
	if errors.Is(err, context.DeadlineExceeded) {
		return outcomeTimeout, fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return outcomeError, err
}

// WithTimeout bounds each SendTask.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func buildOptions(opts []Option) *options {
	o := &options{
		logger:  logging.NewNop(),
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
		newID:   uuid.NewString,
		timeout: 30 * time.Minute,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// New builds the transport selected by cfg.Mode. eng is used only in local
// mode.
func New(cfg config.TransportConfig, eng engine.Engine, opts ...Option) (Transport, error) {
	opts = append([]Option{WithTimeout(cfg.Timeout.Duration())}, opts...)
	switch cfg.Mode {
	case config.TransportLocal, "":
		if eng == nil {
			return nil, fmt.Errorf("local transport requires an engine")
		}
		return NewLocal(eng, opts...), nil
	case config.TransportHTTP:
		return NewHTTP(HTTPConfig{
			ListenAddr:      fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort),
			ExecutionURL:    cfg.ExecutionURL,
			CallbackBaseURL: cfg.CallbackBaseURL,
			AuthToken:       cfg.AuthToken.Value(),
		}, opts...)
	default:
		return nil, fmt.Errorf("unknown transport mode %q", cfg.Mode)
	}
}
