// Package logger implements the runner's Logger contract on log/slog.
//
// Loggers write "text" or "json" records with uppercase level names and are
// wrapped in an OtelHandler, so records logged with a span in their context
// can be correlated with traces.
package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	runerrors "github.com/gxo-labs/gxo-runner/pkg/runner/v1/errors"
	runlog "github.com/gxo-labs/gxo-runner/pkg/runner/v1/log"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/natefinch/lumberjack.v2"
)

// defaultLevel is used when no level, or an unknown one, is configured.
const defaultLevel = slog.LevelInfo

// ParseLevel converts a case-insensitive level name to a slog.Level.
// "WARNING" is accepted as an alias of "WARN", matching the names the
// automation engine uses for its own verbosity. Unknown names map to INFO.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return defaultLevel
	}
}

// slogLogger implements the public runlog.Logger interface on an embedded
// slog.Logger.
type slogLogger struct {
	*slog.Logger
}

var _ runlog.Logger = (*slogLogger)(nil)

// New returns a Logger writing "text" or "json" records to writer
// (os.Stderr when nil). An empty or unknown format selects text.
// Records logged with a span in their context carry trace_id and span_id.
func New(levelStr, formatStr string, writer io.Writer) runlog.Logger {
	if writer == nil {
		writer = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:       ParseLevel(levelStr),
		ReplaceAttr: replaceLevelAttribute,
	}

	var base slog.Handler
	if strings.EqualFold(formatStr, "json") {
		base = slog.NewJSONHandler(writer, opts)
	} else {
		base = slog.NewTextHandler(writer, opts)
	}
	return &slogLogger{Logger: slog.New(NewOtelHandler(base))}
}

// NewDefault returns a text logger on stderr.
func NewDefault(levelStr string) runlog.Logger {
	return New(levelStr, "text", os.Stderr)
}

// NewNop returns a Logger that discards everything.
func NewNop() runlog.Logger {
	return New("ERROR", "text", io.Discard)
}

// RotatingFile opens a size-rotated log file that keeps maxBackups
// compressed predecessors. The caller closes it.
func RotatingFile(path string, maxSizeMB, maxBackups int) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}
}

// levelNames maps slog levels to the uppercase names written in records.
var levelNames = map[slog.Level]string{
	slog.LevelDebug: "DEBUG",
	slog.LevelInfo:  "INFO",
	slog.LevelWarn:  "WARN",
	slog.LevelError: "ERROR",
}

// replaceLevelAttribute renders the level attribute with levelNames.
// Levels outside the map, such as slog.LevelWarn+2, keep slog's own
// rendering ("WARN+2").
func replaceLevelAttribute(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	level, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	name, exists := levelNames[level]
	if !exists {
		name = level.String()
	}
	a.Value = slog.StringValue(name)
	return a
}

// logf formats and logs only when level is enabled.
func (l *slogLogger) logf(level slog.Level, format string, args ...interface{}) {
	ctx := context.Background()
	if !l.Logger.Enabled(ctx, level) {
		return
	}
	l.Logger.Log(ctx, level, fmt.Sprintf(format, args...), errorAttrs(args)...)
}

// Debugf logs a formatted message at DEBUG.
func (l *slogLogger) Debugf(format string, args ...interface{}) { l.logf(slog.LevelDebug, format, args...) }

// Infof logs a formatted message at INFO.
func (l *slogLogger) Infof(format string, args ...interface{}) { l.logf(slog.LevelInfo, format, args...) }

// Warnf logs a formatted message at WARN.
func (l *slogLogger) Warnf(format string, args ...interface{}) { l.logf(slog.LevelWarn, format, args...) }

// Errorf logs at ERROR. A trailing error argument is also rendered as
// structured attributes, with the details of known runner error types.
func (l *slogLogger) Errorf(format string, args ...interface{}) {
	l.logf(slog.LevelError, format, args...)
}

// errorAttrs extracts structured attributes from a trailing error argument.
// Every error yields an "error" attribute. Decode, launch, profiler and
// serialization errors add an "error_type" and their identifying fields.
func errorAttrs(args []interface{}) []any {
	if len(args) == 0 {
		return nil
	}
	err, ok := args[len(args)-1].(error)
	if !ok || err == nil {
		return nil
	}

	var (
		de *runerrors.DecodeError
		le *runerrors.LaunchError
		pe *runerrors.ProfilerUnavailableError
		se *runerrors.SerializationError
	)
	attrs := []any{slog.String("error", err.Error())}
	switch {
	case errors.As(err, &de):
		attrs = append(attrs, slog.String("error_type", "DecodeError"),
			slog.Int("line", de.Line), slog.String("reason", de.Reason))
	case errors.As(err, &le):
		attrs = append(attrs, slog.String("error_type", "LaunchError"),
			slog.String("command", le.Command))
	case errors.As(err, &pe):
		attrs = append(attrs, slog.String("error_type", "ProfilerUnavailableError"),
			slog.String("backend", pe.Backend))
	case errors.As(err, &se):
		attrs = append(attrs, slog.String("error_type", "SerializationError"),
			slog.String("event", se.EventType), slog.String("uuid", se.UUID))
	}
	return attrs
}

// Log logs msg at level with explicit key-value pairs.
func (l *slogLogger) Log(level slog.Level, msg string, args ...interface{}) {
	l.Logger.Log(context.Background(), level, msg, args...)
}

// LogCtx logs with ctx so the OtelHandler can attach trace and span IDs.
func (l *slogLogger) LogCtx(ctx context.Context, level slog.Level, msg string, args ...interface{}) {
	l.Logger.Log(ctx, level, msg, args...)
}

// With returns a Logger that adds args to every record. The controller uses
// it to tag a run's records with run_ident.
func (l *slogLogger) With(args ...interface{}) runlog.Logger {
	return &slogLogger{Logger: l.Logger.With(args...)}
}

// IsEnabled reports whether records at level are written.
func (l *slogLogger) IsEnabled(level slog.Level) bool {
	return l.Logger.Enabled(context.Background(), level)
}

// OtelHandler is slog middleware that injects OpenTelemetry trace_id and
// span_id attributes into a record when the context passed to the logger
// carries a valid span context. Records logged without a context, or
// outside a span, pass through unchanged.
type OtelHandler struct {
	// next receives every record after enrichment.
	next slog.Handler
}

// NewOtelHandler wraps next.
func NewOtelHandler(next slog.Handler) *OtelHandler {
	return &OtelHandler{next: next}
}

// Enabled forwards the level check to the wrapped handler.
func (h *OtelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle adds the span identifiers found in ctx, if any, and forwards the
// record to the wrapped handler.
func (h *OtelHandler) Handle(ctx context.Context, record slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		record.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.next.Handle(ctx, record)
}

// WithAttrs returns an OtelHandler wrapping next.WithAttrs(attrs), so
// derived loggers keep trace correlation.
func (h *OtelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewOtelHandler(h.next.WithAttrs(attrs))
}

// WithGroup returns an OtelHandler wrapping next.WithGroup(name).
func (h *OtelHandler) WithGroup(name string) slog.Handler {
	return NewOtelHandler(h.next.WithGroup(name))
}
