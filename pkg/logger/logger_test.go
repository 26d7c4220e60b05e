package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func logLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out), "log output must be one JSON object")
	return out
}

func spanContext(t *testing.T, traceHex, spanHex string) context.Context {
	t.Helper()
	traceID, err := trace.TraceIDFromHex(traceHex)
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex(spanHex)
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	return trace.ContextWithSpanContext(context.Background(), sc)
}

func TestNewWithWriter_StampsService(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter("outboxd", "info", &buf).Info("started")

	out := logLine(t, &buf)
	assert.Equal(t, "outboxd", out["service"])
	assert.Equal(t, "started", out["msg"])
}

func TestNewWithWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("gatewayd", "warn", &buf)

	l.Info("dropped")
	assert.Zero(t, buf.Len(), "info is below the warn threshold")

	l.Warn("kept")
	assert.NotZero(t, buf.Len())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"), "case-insensitive")
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""), "unknown means info")
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func TestWithContext_IdentityFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("test", "info", &buf)

	ctx := WithCorrelationID(context.Background(), "req-123")
	ctx = WithUserID(ctx, "user-7")
	ctx = WithTenantID(ctx, "tenant-42")

	WithContext(ctx, l).Info("event published")

	out := logLine(t, &buf)
	assert.Equal(t, "req-123", out["correlation_id"])
	assert.Equal(t, "user-7", out["user_id"])
	assert.Equal(t, "tenant-42", out["tenant_id"])
}

func TestWithContext_EmptyContextAddsNothing(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("test", "info", &buf)

	enriched := WithContext(context.Background(), l)
	assert.Same(t, l, enriched, "no fields means no wrapping")

	enriched.Info("bare")
	out := logLine(t, &buf)
	assert.NotContains(t, out, "correlation_id")
	assert.NotContains(t, out, "trace_id")
	assert.NotContains(t, out, "span_id")
}

func TestWithContext_TraceIdentifiers(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("test", "info", &buf)

	ctx := spanContext(t, "4bf92f3577b34da6a3ce929d0e0e4736", "00f067aa0ba902b7")
	WithContext(ctx, l).Info("traced")

	out := logLine(t, &buf)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", out["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", out["span_id"])
}

func TestWithContext_CombinesIdentityAndTrace(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("test", "info", &buf)

	ctx := spanContext(t, "abcdef1234567890abcdef1234567890", "1234567890abcdef")
	ctx = WithCorrelationID(ctx, "corr-456")

	WithContext(ctx, l).Info("both")

	out := logLine(t, &buf)
	assert.Equal(t, "corr-456", out["correlation_id"])
	assert.Equal(t, "abcdef1234567890abcdef1234567890", out["trace_id"])
	assert.Equal(t, "1234567890abcdef", out["span_id"])
}

func TestContextAccessors_RoundTrip(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "c-1")
	assert.Equal(t, "c-1", CorrelationIDFromContext(ctx))
	assert.Empty(t, CorrelationIDFromContext(context.Background()))

	ctx = WithUserID(ctx, "u-1")
	assert.Equal(t, "u-1", UserIDFromContext(ctx))

	ctx = WithTenantID(ctx, "t-1")
	assert.Equal(t, "t-1", TenantIDFromContext(ctx))
}

func TestFromContext(t *testing.T) {
	l := NewWithWriter("test", "info", &bytes.Buffer{})
	ctx := NewContext(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))

	assert.NotNil(t, FromContext(context.Background()), "falls back to slog.Default")
}
