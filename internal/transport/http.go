package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apphttp "github.com/fyrsmithlabs/taskbridge/internal/http"
	"github.com/fyrsmithlabs/taskbridge/internal/logging"
)

// HTTPConfig configures the communication side of the split transport.
type HTTPConfig struct {
	// ListenAddr is where the callback server listens. Empty disables the
	// built-in listener; mount Handler elsewhere instead.
	ListenAddr      string
	ExecutionURL    string
	CallbackBaseURL string
	AuthToken       string
	ShutdownTimeout time.Duration
	Client          *http.Client
}

// waiter resolves exactly once.
type waiter struct {
	ch   chan *Response
	once sync.Once
}

func newWaiter() *waiter {
	return &waiter{ch: make(chan *Response, 1)}
}

func (w *waiter) resolve(resp *Response) bool {
	resolved := false
	w.once.Do(func() {
		w.ch <- resp
		resolved = true
	})
	return resolved
}

// expire marks the waiter resolved without a response.
func (w *waiter) expire() {
	w.once.Do(func() {})
}

// HTTPTransport forwards requests to an execution node and waits for the
// matching callback.
type HTTPTransport struct {
	cfg     HTTPConfig
	opts    *options
	logger  *logging.Logger
	client  *http.Client
	echo    *echo.Echo
	metrics *transportMetrics

	pending sync.Map // requestID -> *waiter

	mu        sync.Mutex
	started   bool
	stopped   chan struct{}
	stopOnce  sync.Once
	cancel    context.CancelFunc
	serveDone chan error
}

// NewHTTP creates an HTTPTransport.
func NewHTTP(cfg HTTPConfig, opts ...Option) (*HTTPTransport, error) {
	if cfg.AuthToken == "" {
		return nil, ErrMissingToken
	}
	if cfg.ExecutionURL == "" {
		return nil, fmt.Errorf("execution url is required")
	}
	if cfg.CallbackBaseURL == "" {
		return nil, fmt.Errorf("callback base url is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	o := buildOptions(opts)
	logger := o.logger.Named("transport")
	t := &HTTPTransport{
		cfg:     cfg,
		opts:    o,
		logger:  logger,
		client:  client,
		echo:    apphttp.NewEcho(logger, apphttp.NewMetrics("callback", o.meter, logger)),
		metrics: newTransportMetrics(o.meter, "http", logger),
		stopped: make(chan struct{}),
	}
	t.echo.POST("/callback", t.handleCallback, TokenAuthMiddleware(cfg.AuthToken))
	return t, nil
}

// Handler serves POST /callback and GET /health.
func (t *HTTPTransport) Handler() http.Handler { return t.echo }

// CallbackURL is the address sent with every request.
func (t *HTTPTransport) CallbackURL() string {
	return strings.TrimRight(t.cfg.CallbackBaseURL, "/") + "/callback"
}

// Start begins serving callbacks.
func (t *HTTPTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil
	}
	select {
	case <-t.stopped:
		return ErrStopped
	default:
	}

	if t.cfg.ListenAddr != "" {
		ln, err := net.Listen("tcp", t.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("callback listener: %w", err)
		}
		serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		t.cancel = cancel
		t.serveDone = make(chan error, 1)
		go func() {
			t.serveDone <- apphttp.ServeListener(serveCtx, t.echo, ln, t.cfg.ShutdownTimeout)
		}()
		t.logger.Info(ctx, "callback server listening", zap.String("addr", ln.Addr().String()))
	}
	t.started = true
	return nil
}

// Stop shuts the callback server down and fails pending requests with
// ErrStopped.
func (t *HTTPTransport) Stop(ctx context.Context) error {
	t.stopOnce.Do(func() { close(t.stopped) })

	t.mu.Lock()
	cancel, done := t.cancel, t.serveDone
	t.cancel, t.serveDone = nil, nil
	t.started = false
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendTask posts the request to the execution node and blocks until the
// callback arrives, the timeout fires, ctx ends or the transport stops.
func (t *HTTPTransport) SendTask(ctx context.Context, req *Request) (*Response, error) {
	select {
	case <-t.stopped:
		return nil, ErrStopped
	default:
	}
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		return nil, fmt.Errorf("%w: not started", ErrStopped)
	}
	if req == nil || req.Payload == nil {
		return nil, fmt.Errorf("request payload is required")
	}

	if req.RequestID == "" {
		req.RequestID = t.opts.newID()
	}
	req.CallbackURL = t.CallbackURL()
	req.AuthToken = t.cfg.AuthToken

	ctx = logging.WithRequestID(ctx, req.RequestID)
	ctx, span := t.opts.tracer.Start(ctx, "transport.SendTask",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("transport.mode", "http"),
			attribute.String("request.id", req.RequestID),
			attribute.String("engine.role", string(req.Payload.Role)),
		))
	defer span.End()

	start := time.Now()
	resp, outcome, err := t.roundTrip(ctx, req)
	t.metrics.record(ctx, outcome, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.logger.Warn(ctx, "transport request failed", zap.String("outcome", outcome), zap.Error(err))
	}
	return resp, err
}

func (t *HTTPTransport) roundTrip(ctx context.Context, req *Request) (*Response, string, error) {
	w := newWaiter()
	t.pending.Store(req.RequestID, w)
	defer t.pending.Delete(req.RequestID)

	if err := t.post(ctx, req); err != nil {
		w.expire()
		return nil, outcomeError, err
	}

	timer := time.NewTimer(t.opts.timeout)
	defer timer.Stop()

	select {
	case resp := <-w.ch:
		if resp.Error != "" {
			return resp, outcomeError, fmt.Errorf("%w: %s", ErrRemote, resp.Error)
		}
		return resp, outcomeOK, nil
	case <-timer.C:
		w.expire()
		return nil, outcomeTimeout, fmt.Errorf("%w after %s (request %s)", ErrTimeout, t.opts.timeout, req.RequestID)
	case <-ctx.Done():
		w.expire()
		outcome, err := contextFailure(ctx.Err())
		return nil, outcome, err
	case <-t.stopped:
		w.expire()
		return nil, outcomeError, ErrStopped
	}
}

func (t *HTTPTransport) post(ctx context.Context, req *Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	url := strings.TrimRight(t.cfg.ExecutionURL, "/") + "/task"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	httpReq.Header.Set(AuthTokenHeader, t.cfg.AuthToken)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post task: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		return fmt.Errorf("execution node rejected request: %w", ErrUnauthorized)
	default:
		return fmt.Errorf("execution node returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
}

func (t *HTTPTransport) handleCallback(c echo.Context) error {
	ctx := c.Request().Context()

	var resp Response
	if err := c.Bind(&resp); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid callback body"})
	}
	if err := checkBodyToken(t.cfg.AuthToken, resp.AuthToken); err != nil {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: err.Error()})
	}
	if resp.RequestID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "request_id is required"})
	}
	resp.AuthToken = ""
	ctx = logging.WithRequestID(ctx, resp.RequestID)

	v, ok := t.pending.Load(resp.RequestID)
	if !ok {
		t.logger.Warn(ctx, "callback ignored", zap.Error(ErrUnknownRequest))
		return c.JSON(http.StatusOK, AckResponse{Status: "ignored", RequestID: resp.RequestID})
	}
	if !v.(*waiter).resolve(&resp) {
		t.logger.Debug(ctx, "duplicate callback ignored")
		return c.JSON(http.StatusOK, AckResponse{Status: "ignored", RequestID: resp.RequestID})
	}
	return c.JSON(http.StatusOK, AckResponse{Status: "ok", RequestID: resp.RequestID})
}
