package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/taskbridge/internal/transport"
)

func newExecCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec",
		Short: "Run the execution node",
		Long: `Run the execution node: accept engine calls on POST /task, run them on
the local agent CLI and post each result to the caller's callback URL.

Requires transport.auth_token; the communication node must use the same
token.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()
			return runExec(cmd.Context(), rt)
		},
	}
}

func runExec(ctx context.Context, rt *runtime) error {
	cfg, logger := rt.cfg, rt.logger

	addr := fmt.Sprintf("%s:%d", cfg.Transport.ListenHost, cfg.Transport.ListenPort)
	srv, err := transport.NewExecutionServer(newEngine(cfg, rt), transport.ExecutionConfig{
		ListenAddr:      addr,
		AuthToken:       cfg.Transport.AuthToken.Value(),
		CallbackRetries: cfg.Transport.CallbackRetries,
		CallTimeout:     cfg.Transport.Timeout.Duration(),
		ShutdownTimeout: rt.shutdownTimeout(),
	},
		transport.WithLogger(logger),
		transport.WithTracer(rt.telemetry.Tracer(instrumentationName)),
	)
	if err != nil {
		return fmt.Errorf("failed to create execution server: %w", err)
	}
	defer srv.Close()

	ops, err := rt.opsServer(nil)
	if err != nil {
		return err
	}

	logger.Info(ctx, "starting execution node",
		zap.String("version", version),
		zap.String("addr", addr),
		zap.String("engine", cfg.Engine.Command))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return ops.Run(gctx) })
	return g.Wait()
}
