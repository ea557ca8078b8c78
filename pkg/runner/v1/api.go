package v1

import (
	"context"

	runerrors "github.com/gxo-labs/gxo-runner/pkg/runner/v1/errors"
	"github.com/gxo-labs/gxo-runner/pkg/runner/v1/lifecycle"
	"github.com/gxo-labs/gxo-runner/pkg/runner/v1/metrics"
	"github.com/gxo-labs/gxo-runner/pkg/runner/v1/tracing"
)

// ControllerV1 defines the public interface of the run controller.
type ControllerV1 interface {
	// Run launches the automation engine described by cfg and returns once
	// it has terminated and its output has been fully drained.
	Run(ctx context.Context, cfg RunConfig) (*Result, error)
	// Start validates cfg and launches the run in the background. The
	// handle's event stream can be followed while the run is live.
	Start(ctx context.Context, cfg RunConfig) (RunHandle, error)

	// MetricsRegistryProvider returns the underlying metrics provider.
	MetricsRegistryProvider() metrics.RegistryProvider
	// TracerProvider returns the underlying tracing provider.
	TracerProvider() tracing.TracerProvider

	// Setter methods for configuring controller components programmatically.
	SetLifecycleBus(bus lifecycle.Bus) error
	SetMetricsRegistryProvider(provider metrics.RegistryProvider) error
	SetTracerProvider(provider tracing.TracerProvider) error
	SetRedactedKeywords(keywords []string) error
	SetStderrTail(bytes int) error
}

// ControllerOption configures a controller at creation.
type ControllerOption func(ControllerV1) error

// WithLifecycleBus provides a custom lifecycle bus.
func WithLifecycleBus(bus lifecycle.Bus) ControllerOption {
	return func(c ControllerV1) error {
		if bus == nil {
			return runerrors.NewConfigError("lifecycle bus cannot be nil", nil)
		}
		return c.SetLifecycleBus(bus)
	}
}

// WithMetricsRegistryProvider provides a custom metrics provider.
func WithMetricsRegistryProvider(provider metrics.RegistryProvider) ControllerOption {
	return func(c ControllerV1) error {
		if provider == nil {
			return runerrors.NewConfigError("metrics registry provider cannot be nil", nil)
		}
		return c.SetMetricsRegistryProvider(provider)
	}
}

// WithTracerProvider provides a custom tracing provider.
func WithTracerProvider(provider tracing.TracerProvider) ControllerOption {
	return func(c ControllerV1) error {
		if provider == nil {
			return runerrors.NewConfigError("tracer provider cannot be nil", nil)
		}
		return c.SetTracerProvider(provider)
	}
}

// WithRedactedKeywords replaces the keywords used to mask environment values
// in the config snapshot and in traced errors.
func WithRedactedKeywords(keywords []string) ControllerOption {
	return func(c ControllerV1) error {
		return c.SetRedactedKeywords(keywords)
	}
}

// WithStderrTail bounds how many trailing bytes of stderr the Result keeps.
func WithStderrTail(bytes int) ControllerOption {
	return func(c ControllerV1) error {
		if bytes < 0 {
			return runerrors.NewConfigError("stderr tail must not be negative", nil)
		}
		return c.SetStderrTail(bytes)
	}
}
