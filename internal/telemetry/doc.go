// Package telemetry provides OpenTelemetry instrumentation for taskbridge.
//
// Traces and metrics are exported over OTLP/gRPC to a collector. Telemetry
// is disabled by default; enable it with TASKBRIDGE_TELEMETRY_ENABLED=true.
//
//	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version))
//	defer tel.Shutdown(ctx)
//
//	tracer := tel.Tracer("taskbridge/transport")
//	ctx, span := tracer.Start(ctx, "transport.SendTask")
//	defer span.End()
//
// Tests use NewTestTelemetry, which records spans and metrics in memory.
package telemetry
