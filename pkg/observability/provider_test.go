package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewTracerProvider_RecordsSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp, err := NewTracerProvider(context.Background(), TracingConfig{Exporter: exp, ServiceName: "pmd-test"})
	require.NoError(t, err)

	ctx, span := tp.Tracer(TracerName).Start(context.Background(), "launch")
	assert.NotEmpty(t, ExtractTraceID(ctx))
	assert.NotEmpty(t, ExtractSpanID(ctx))
	span.End()

	require.NoError(t, tp.ForceFlush(context.Background()))
	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "launch", spans[0].Name)

	var service string
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	assert.Equal(t, "pmd-test", service)
	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestNewTracerProvider_RequiresEndpoint(t *testing.T) {
	_, err := NewTracerProvider(context.Background(), TracingConfig{})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewLogger_JSONLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, slog.LevelWarn, "json")
	l.Info("dropped")
	l.Warn("kept", "pid", 40)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, float64(40), rec["pid"])
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pmd.log")
	l, closer, err := NewLogger(LoggerConfig{Level: "info", Format: "text", Output: path, MaxSizeMB: 1})
	require.NoError(t, err)
	l.Info("hello")
	require.NoError(t, closer.Close())
	assert.FileExists(t, path)
}
