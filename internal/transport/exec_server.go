package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskbridge/internal/engine"
	apphttp "github.com/fyrsmithlabs/taskbridge/internal/http"
	"github.com/fyrsmithlabs/taskbridge/internal/logging"
)

// ExecutionConfig configures the execution node.
type ExecutionConfig struct {
	ListenAddr      string
	AuthToken       string
	CallbackRetries int
	RetryBackoff    time.Duration
	CallTimeout     time.Duration
	ShutdownTimeout time.Duration
	Client          *http.Client
}

// ExecutionServer accepts tasks over HTTP, runs them on the engine and posts
// the result to the caller's callback URL.
type ExecutionServer struct {
	cfg    ExecutionConfig
	engine engine.Engine
	logger *logging.Logger
	tracer trace.Tracer
	client *http.Client
	echo   *echo.Echo

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewExecutionServer creates the execution node. Only WithLogger and
// WithTracer options apply.
func NewExecutionServer(eng engine.Engine, cfg ExecutionConfig, opts ...Option) (*ExecutionServer, error) {
	if cfg.AuthToken == "" {
		return nil, ErrMissingToken
	}
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	o := buildOptions(opts)
	logger := o.logger.Named("execution")
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &ExecutionServer{
		cfg:     cfg,
		engine:  eng,
		logger:  logger,
		tracer:  o.tracer,
		client:  client,
		echo:    apphttp.NewEcho(logger, apphttp.NewMetrics("exec", nil, logger)),
		baseCtx: baseCtx,
		cancel:  cancel,
	}
	s.echo.POST("/task", s.handleTask, TokenAuthMiddleware(cfg.AuthToken))
	return s, nil
}

// Handler serves POST /task and GET /health.
func (s *ExecutionServer) Handler() http.Handler { return s.echo }

// Run serves until ctx is cancelled, then cancels in-flight work and waits
// for it.
func (s *ExecutionServer) Run(ctx context.Context) error {
	s.logger.Info(ctx, "starting execution server", zap.String("addr", s.cfg.ListenAddr))
	err := apphttp.Serve(ctx, s.echo, s.cfg.ListenAddr, s.cfg.ShutdownTimeout)
	s.Close()
	return err
}

// Close cancels running tasks and waits for their callbacks to finish.
func (s *ExecutionServer) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *ExecutionServer) handleTask(c echo.Context) error {
	var req Request
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if err := checkBodyToken(s.cfg.AuthToken, req.AuthToken); err != nil {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: err.Error()})
	}
	if req.RequestID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "request_id is required"})
	}
	if req.Payload == nil || !req.Payload.Role.Valid() {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "payload with a valid role is required"})
	}
	if err := validateCallbackURL(req.CallbackURL); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	}
	if s.baseCtx.Err() != nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "server shutting down"})
	}

	// The span context travels with the task so callback spans join the
	// caller's trace.
	parent := otel.GetTextMapPropagator().Extract(s.baseCtx, propagation.HeaderCarrier(c.Request().Header))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.process(parent, &req)
	}()

	return c.JSON(http.StatusAccepted, AckResponse{Status: "accepted", RequestID: req.RequestID})
}

func (s *ExecutionServer) process(ctx context.Context, req *Request) {
	ctx = logging.WithRequestID(ctx, req.RequestID)
	ctx, span := s.tracer.Start(ctx, "execution.Process",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("request.id", req.RequestID),
			attribute.String("engine.role", string(req.Payload.Role)),
		))
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	res, err := s.engine.Run(runCtx, req.Payload)
	cancel()

	resp := &Response{RequestID: req.RequestID, AuthToken: s.cfg.AuthToken}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		resp.Error = err.Error()
		s.logger.Warn(ctx, "engine run failed", zap.Error(err))
	} else {
		resp.Result = res
	}

	// Shutdown cancels the run but the caller still gets its callback.
	cbCtx, cbCancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cbCancel()
	if err := s.deliver(cbCtx, req.CallbackURL, resp); err != nil {
		span.RecordError(err)
		s.logger.Error(ctx, "callback delivery failed", zap.String("callback_url", req.CallbackURL), zap.Error(err))
	}
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// deliver posts the callback, retrying network errors and 5xx responses
// with exponential backoff.
func (s *ExecutionServer) deliver(ctx context.Context, callbackURL string, resp *Response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal callback: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= s.cfg.CallbackRetries; attempt++ {
		if attempt > 0 {
			backoff := s.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := s.postCallback(ctx, callbackURL, body)
		if err == nil {
			return nil
		}
		lastErr = err
		var re *retryableError
		if !errors.As(err, &re) {
			return err
		}
		s.logger.Warn(ctx, "callback attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *ExecutionServer) postCallback(ctx context.Context, callbackURL string, body []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create callback request: %w", err)
	}
	httpReq.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	httpReq.Header.Set(AuthTokenHeader, s.cfg.AuthToken)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return &retryableError{err: fmt.Errorf("callback request failed: %w", err)}
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("callback rejected: %w", ErrUnauthorized)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &retryableError{err: fmt.Errorf("callback server error (%d): %s", resp.StatusCode, data)}
	default:
		return fmt.Errorf("callback error (%d): %s", resp.StatusCode, data)
	}
}

func validateCallbackURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("callback_url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("callback_url must be an absolute http(s) url")
	}
	return nil
}
