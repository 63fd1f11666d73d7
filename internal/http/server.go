// Package http provides the echo servers used by taskbridge.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskbridge/internal/logging"
)

// NewEcho returns an echo instance with the standard middleware stack:
// panic recovery, request ids, request logging and, when metrics is set,
// OpenTelemetry HTTP metrics.
func NewEcho(logger *logging.Logger, metrics *Metrics) *echo.Echo {
	if logger == nil {
		logger = logging.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if metrics != nil {
		e.Use(metrics.Middleware())
	}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Debug(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().URL.Path),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	})

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
	})
	return e
}

// Serve runs e on addr until ctx is cancelled, then shuts it down within
// shutdownTimeout.
func Serve(ctx context.Context, e *echo.Echo, addr string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return ServeListener(ctx, e, ln, shutdownTimeout)
}

// ServeListener is Serve on an existing listener.
func ServeListener(ctx context.Context, e *echo.Echo, ln net.Listener, shutdownTimeout time.Duration) error {
	e.Listener = ln

	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server start: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	}
}

// StatusFunc reports service state for GET /api/v1/status.
type StatusFunc func() any

// Config holds the ops server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	Version         string
}

// Server exposes health, Prometheus metrics and a status snapshot.
type Server struct {
	echo   *echo.Echo
	logger *logging.Logger
	config *Config
	status StatusFunc
}

// NewServer creates the ops server.
func NewServer(logger *logging.Logger, cfg *Config, status StatusFunc) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 9191, ShutdownTimeout: 10 * time.Second}
	}

	s := &Server{
		echo:   NewEcho(logger, NewMetrics("ops", nil, logger)),
		logger: logger,
		config: cfg,
		status: status,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
}

func (s *Server) handleStatus(c echo.Context) error {
	resp := StatusResponse{Status: "ok", Version: s.config.Version}
	if s.status != nil {
		resp.State = s.status()
	}
	return c.JSON(http.StatusOK, resp)
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(ctx, "starting ops server", zap.String("addr", addr))
	return Serve(ctx, s.echo, addr, s.config.ShutdownTimeout)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	State   any    `json:"state,omitempty"`
}
