package tracing

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// TracerProvider supplies tracers for run and profiler spans.
type TracerProvider interface {
	// GetTracer returns a Tracer with the given instrumentation name.
	GetTracer(name string, opts ...trace.TracerOption) trace.Tracer
	// Shutdown flushes buffered spans. It is a no-op for NoOp providers.
	Shutdown(ctx context.Context) error
}
