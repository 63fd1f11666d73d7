// Package logging provides structured logging for taskbridge.
//
// # Overview
//
// The package wraps Zap with:
//   - Custom Trace level (-2, below Debug) for wire payloads
//   - Stdout output and an optional OpenTelemetry bridge
//   - Automatic correlation fields (trace_id, chat.id, task.id, request.id)
//   - Redaction of tokens and credentials by key and by value pattern
//   - Level-aware sampling (errors are never sampled)
//
// # Usage
//
//	cfg, err := logging.ConfigFor("info", "json")
//	logger, err := logging.NewLogger(cfg, nil)
//	defer logger.Sync()
//
//	ctx = logging.WithChatID(ctx, "12345")
//	ctx = logging.WithTaskID(ctx, plan.TaskID)
//	logger.Info(ctx, "iteration finished", zap.Int("iteration", n))
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "task aborted")
//	tl.AssertLogged(t, zapcore.InfoLevel, "task aborted")
package logging
