package main

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskbridge/internal/config"
	apphttp "github.com/fyrsmithlabs/taskbridge/internal/http"
	"github.com/fyrsmithlabs/taskbridge/internal/logging"
	"github.com/fyrsmithlabs/taskbridge/internal/telemetry"
)

// runtime holds what every node needs.
type runtime struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
}

// setup loads configuration and initializes logging and telemetry.
func setup(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logCfg, err := logging.ConfigFor(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("invalid logging configuration: %w", err)
	}
	var logger *logging.Logger
	if cfg.Telemetry.Enabled {
		logger, err = logging.NewLogger(logCfg, global.GetLoggerProvider())
	} else {
		logger, err = logging.NewLogger(logCfg, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := tel.Err(); err != nil {
		logger.Warn(ctx, "telemetry degraded", zap.Error(err))
	}
	return &runtime{cfg: cfg, logger: logger, telemetry: tel}, nil
}

func (r *runtime) shutdownTimeout() time.Duration {
	return r.cfg.Server.ShutdownTimeout.Duration()
}

// close flushes telemetry and the logger.
func (r *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout())
	defer cancel()
	if err := r.telemetry.Shutdown(ctx); err != nil {
		r.logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
	}
	_ = r.logger.Sync() // Best-effort sync on shutdown
}

// opsServer builds the health/metrics/status server.
func (r *runtime) opsServer(status apphttp.StatusFunc) (*apphttp.Server, error) {
	return apphttp.NewServer(r.logger, &apphttp.Config{
		Host:            r.cfg.Server.Host,
		Port:            r.cfg.Server.Port,
		ShutdownTimeout: r.shutdownTimeout(),
		Version:         version,
	}, status)
}
