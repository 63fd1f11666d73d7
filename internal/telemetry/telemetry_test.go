package telemetry

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/taskbridge/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DisabledIsNoop(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.NoError(t, tel.Err())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestConfig_Validate(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	assert.NoError(t, cfg.Validate())

	cfg.Endpoint = "collector.example.com:4317"
	assert.Error(t, cfg.Validate(), "insecure remote endpoint must be rejected")

	cfg.Insecure = false
	assert.NoError(t, cfg.Validate())

	cfg.SampleRate = 2
	assert.Error(t, cfg.Validate())

	cfg.SampleRate = 1
	cfg.Protocol = "udp"
	assert.Error(t, cfg.Validate())
}

func TestTelemetry_ErrAccumulates(t *testing.T) {
	tel := &Telemetry{config: NewDefaultConfig()}
	tel.fail(assert.AnError)
	tel.fail(context.DeadlineExceeded)
	err := tel.Err()
	assert.ErrorIs(t, err, assert.AnError)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var nilTel *Telemetry
	assert.NoError(t, nilTel.Err())
}

func TestExporters_HTTPProtocol(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Protocol = ProtocolHTTP
	cfg.Endpoint = "127.0.0.1:4318"

	ctx := context.Background()
	te, err := newTraceExporter(ctx, cfg)
	require.NoError(t, err)
	assert.NoError(t, te.Shutdown(ctx))

	me, err := newMetricExporter(ctx, cfg)
	require.NoError(t, err)
	assert.NoError(t, me.Shutdown(ctx))
}

func TestFromAppConfig(t *testing.T) {
	cfg := FromAppConfig(config.TelemetryConfig{
		Enabled:     true,
		Endpoint:    "127.0.0.1:4317",
		Protocol:    "http",
		ServiceName: "bridge-a",
		Insecure:    true,
		SampleRate:  0.5,
	}, "1.2.3")

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "bridge-a", cfg.ServiceName)
	assert.Equal(t, ProtocolHTTP, cfg.Protocol)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.Equal(t, 0.5, cfg.SampleRate)
}

func TestTestTelemetry_RecordsSpans(t *testing.T) {
	tt := NewTestTelemetry()
	_, span := tt.Tracer("test").Start(context.Background(), "unit.span")
	span.End()
	tt.AssertSpanExists(t, "unit.span")
}

func TestIsLocalEndpoint(t *testing.T) {
	assert.True(t, isLocalEndpoint("localhost:4317"))
	assert.True(t, isLocalEndpoint("127.0.0.1:4317"))
	assert.True(t, isLocalEndpoint("[::1]:4317"))
	assert.False(t, isLocalEndpoint("otel.internal:4317"))
}
