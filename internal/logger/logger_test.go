package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"

	"github.com/gxo-labs/gxo-runner/internal/logger"
	runerrors "github.com/gxo-labs/gxo-runner/pkg/runner/v1/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &m))
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"Error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, logger.ParseLevel(tc.in))
		})
	}
}

func TestLogger_JSONLevelsAndFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New("info", "json", &buf)

	log.Debugf("hidden %d", 1)
	log.Infof("shown %d", 2)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "INFO", lines[0]["level"])
	assert.Equal(t, "shown 2", lines[0]["msg"])
	assert.False(t, log.IsEnabled(slog.LevelDebug))
	assert.True(t, log.IsEnabled(slog.LevelWarn))
}

func TestLogger_ErrorfStructuredDetails(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New("debug", "json", &buf)

	decodeErr := runerrors.NewDecodeError(7, "not_json", fmt.Errorf("invalid character"))
	log.Errorf("skipping record: %v", decodeErr)
	log.Warnf("launch failed: %v", runerrors.NewLaunchError("ansible-playbook", fmt.Errorf("not found")))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "DecodeError", lines[0]["error_type"])
	assert.Equal(t, float64(7), lines[0]["line"])
	assert.Equal(t, "not_json", lines[0]["reason"])
	assert.Equal(t, "LaunchError", lines[1]["error_type"])
	assert.Equal(t, "ansible-playbook", lines[1]["command"])
}

func TestLogger_WithAddsAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New("info", "json", &buf).With("component", "reader")
	log.Log(slog.LevelInfo, "hello", "line", 3)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "reader", lines[0]["component"])
	assert.Equal(t, float64(3), lines[0]["line"])
}

func TestLogger_LogCtxInjectsTraceIDs(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New("info", "json", &buf)

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	log.LogCtx(ctx, slog.LevelInfo, "traced")
	log.LogCtx(context.Background(), slog.LevelInfo, "untraced")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, traceID.String(), lines[0]["trace_id"])
	assert.Equal(t, spanID.String(), lines[0]["span_id"])
	assert.NotContains(t, lines[1], "trace_id")
}

func TestLogger_UnmappedLevelKeepsSlogName(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New("debug", "json", &buf)

	log.Log(slog.LevelWarn+2, "between warn and error")
	log.Warnf("plain warning")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "WARN+2", lines[0]["level"])
	assert.Equal(t, "WARN", lines[1]["level"])
}
