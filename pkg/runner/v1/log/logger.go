// Package log defines the logging contract shared by every runner component.
package log

import (
	"context"
	"log/slog"
)

// Logger is the structured logger handed to the reader, normalizer, profiler
// and controller. Implementations must be safe for concurrent use because the
// profiler's sampling loops log from their own goroutines.
type Logger interface {
	// Debugf, Infof, Warnf and Errorf log a formatted message in the manner of fmt.Sprintf.
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	// Errorf logs at ERROR. When the last argument is an error, implementations
	// should attach it (and any runner error details) as structured attributes.
	Errorf(format string, args ...interface{})

	// Log logs a message with explicit key-value attributes.
	Log(level slog.Level, msg string, args ...interface{})
	// LogCtx is Log with a context, so trace and span IDs can be attached.
	LogCtx(ctx context.Context, level slog.Level, msg string, args ...interface{})

	// With returns a Logger that adds the given attributes to every entry.
	With(args ...interface{}) Logger
	// IsEnabled reports whether entries at level would be written.
	IsEnabled(level slog.Level) bool
}
