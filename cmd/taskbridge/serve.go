package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/taskbridge/internal/chat"
	"github.com/fyrsmithlabs/taskbridge/internal/config"
	"github.com/fyrsmithlabs/taskbridge/internal/dispatch"
	"github.com/fyrsmithlabs/taskbridge/internal/engine"
	"github.com/fyrsmithlabs/taskbridge/internal/events"
	"github.com/fyrsmithlabs/taskbridge/internal/orchestrator"
	"github.com/fyrsmithlabs/taskbridge/internal/plan"
	"github.com/fyrsmithlabs/taskbridge/internal/router"
	"github.com/fyrsmithlabs/taskbridge/internal/secrets"
	"github.com/fyrsmithlabs/taskbridge/internal/transport"
)

const instrumentationName = "github.com/fyrsmithlabs/taskbridge"

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the communication node",
		Long: `Run the communication node: poll Telegram, route commands, run the task
loop and deliver progress back to the chat.

With transport.mode=local the engine runs in this process. With
transport.mode=http engine calls go to an execution node started with
"taskbridge exec".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()
			return runServe(cmd.Context(), rt)
		},
	}
}

// runServe wires the communication node and blocks until ctx is cancelled.
func runServe(ctx context.Context, rt *runtime) error {
	cfg, logger := rt.cfg, rt.logger
	if !cfg.Telegram.Token.IsSet() {
		return errors.New("telegram.token is required for serve")
	}

	logger.Info(ctx, "starting taskbridge",
		zap.String("version", version),
		zap.String("transport", cfg.Transport.Mode),
		zap.Int("max_iterations", cfg.Orchestrator.MaxIterations))

	tg, err := chat.NewTelegram(cfg.Telegram, logger)
	if err != nil {
		return err
	}

	dispatcher := dispatch.New(tg, dispatch.Config{
		MaxIDs:           cfg.Dispatch.DedupMaxIDs,
		MaxAge:           cfg.Dispatch.DedupMaxAge.Duration(),
		ThrottleInterval: cfg.Dispatch.ThrottleInterval.Duration(),
	},
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(dispatch.NewMetrics()),
		dispatch.WithErrorHook(func(dest, id string, err error) {
			logger.Warn(ctx, "progress flush failed",
				zap.String("chat.id", dest),
				zap.String("message_id", id),
				zap.Error(err))
		}),
	)
	defer func() {
		if err := dispatcher.Close(); err != nil {
			logger.Warn(context.WithoutCancel(ctx), "dispatcher close failed", zap.Error(err))
		}
	}()

	tr, err := newTransport(cfg, rt)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	if err := tr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.shutdownTimeout())
		defer cancel()
		if err := tr.Stop(stopCtx); err != nil {
			logger.Warn(stopCtx, "transport stop failed", zap.Error(err))
		}
	}()

	sinks := []orchestrator.Sink{orchestrator.NotifierSink(dispatcher)}
	if cfg.NATS.Enabled {
		pub, err := events.Connect(cfg.NATS, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		sinks = append(sinks, pub)
		logger.Info(ctx, "publishing events to nats", zap.String("url", cfg.NATS.URL))
	}

	scrubber, err := secrets.New(secrets.Config{
		Enabled:   cfg.Secrets.Enabled,
		Gitleaks:  cfg.Secrets.Gitleaks,
		Redaction: cfg.Secrets.Redaction,
		AllowList: cfg.Secrets.AllowList,
		Rules:     secrets.DefaultRules(),
	})
	if err != nil {
		return fmt.Errorf("failed to build secret scrubber: %w", err)
	}
	sink := secrets.Sink(events.Fanout(sinks...), scrubber, logger)

	bridge, err := orchestrator.NewBridge(tr, plan.NewExtractor(), sink, orchestrator.Config{
		MaxIterations: cfg.Orchestrator.MaxIterations,
		CallTimeout:   cfg.Orchestrator.CallTimeout.Duration(),
	},
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(orchestrator.NewMetrics()),
	)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	defer func() {
		waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.shutdownTimeout())
		defer cancel()
		if err := bridge.Shutdown(waitCtx); err != nil {
			logger.Warn(waitCtx, "orchestrator shutdown incomplete", zap.Error(err))
		}
	}()

	rtr := router.New(bridge, dispatcher, logger)

	ops, err := rt.opsServer(func() any { return bridge.ActiveTasks() })
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ops.Run(gctx) })
	g.Go(func() error { return tg.Poll(gctx, rtr.Handle) })

	err = g.Wait()
	logger.Info(context.WithoutCancel(ctx), "taskbridge stopped")
	return err
}

// newTransport builds the configured transport. Local mode runs the engine
// in this process.
func newTransport(cfg *config.Config, rt *runtime) (transport.Transport, error) {
	var eng engine.Engine
	if cfg.Transport.Mode != config.TransportHTTP {
		eng = newEngine(cfg, rt)
	}
	return transport.New(cfg.Transport, eng,
		transport.WithLogger(rt.logger),
		transport.WithTracer(rt.telemetry.Tracer(instrumentationName)),
		transport.WithMeter(rt.telemetry.Meter(instrumentationName)),
	)
}

func newEngine(cfg *config.Config, rt *runtime) engine.Engine {
	return engine.NewClaudeCode(engine.ClaudeCodeConfig{
		Command:        cfg.Engine.Command,
		WorkDir:        cfg.Engine.WorkDir,
		Model:          cfg.Engine.Model,
		PermissionMode: cfg.Engine.PermissionMode,
	}, rt.logger)
}
