package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	sserr "github.com/StricklySoft/cell-sts/pkg/errors"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{}, "cell-sts", "test", discard())
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

// OTLP exporters connect lazily, so creation succeeds without a collector.
func TestSetup_EnabledWithoutCollector(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{
		Endpoint:    "127.0.0.1:1",
		Insecure:    true,
		SampleRatio: 1,
	}, "cell-sts", "test", discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, Config{SampleRatio: 0}.Validate())
	assert.NoError(t, Config{SampleRatio: 1}.Validate())
	assert.Equal(t, sserr.CodeValidation, sserr.GetCode(Config{SampleRatio: -0.1}.Validate()))
	assert.Equal(t, sserr.CodeValidation, sserr.GetCode(Config{SampleRatio: 1.5}.Validate()))
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		" warn": slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("chatty")
	assert.Equal(t, sserr.CodeValidation, sserr.GetCode(err))
}

func TestNewLogger_TraceCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo).With("cell", "cellb")

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "decide")
	logger.InfoContext(ctx, "sts: call allowed")
	span.End()

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "cellb", rec["cell"])
	assert.Equal(t, span.SpanContext().TraceID().String(), rec["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), rec["span_id"])

	buf.Reset()
	logger.Debug("dropped")
	logger.Info("no span")
	var plain map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &plain))
	assert.Equal(t, "no span", plain["msg"])
	_, hasTrace := plain["trace_id"]
	assert.False(t, hasTrace)
}
