// Package runner implements the run controller: it launches the automation
// engine, drains its event stream into the event store and runs the
// resource profiler alongside it.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gxo-labs/gxo-runner/internal/command"
	"github.com/gxo-labs/gxo-runner/internal/config"
	intLifecycle "github.com/gxo-labs/gxo-runner/internal/lifecycle"
	intMetrics "github.com/gxo-labs/gxo-runner/internal/metrics"
	"github.com/gxo-labs/gxo-runner/internal/normalize"
	"github.com/gxo-labs/gxo-runner/internal/profiler"
	"github.com/gxo-labs/gxo-runner/internal/record"
	"github.com/gxo-labs/gxo-runner/internal/store"
	intTracing "github.com/gxo-labs/gxo-runner/internal/tracing"
	runnerv1 "github.com/gxo-labs/gxo-runner/pkg/runner/v1"
	runerrors "github.com/gxo-labs/gxo-runner/pkg/runner/v1/errors"
	"github.com/gxo-labs/gxo-runner/pkg/runner/v1/lifecycle"
	runlog "github.com/gxo-labs/gxo-runner/pkg/runner/v1/log"
	"github.com/gxo-labs/gxo-runner/pkg/runner/v1/metrics"
	"github.com/gxo-labs/gxo-runner/pkg/runner/v1/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultStderrTail is how many trailing bytes of stderr a Result keeps.
const DefaultStderrTail = 64 << 10

// Controller runs automation engine subprocesses. One Controller may run
// several configurations concurrently; each Run owns its own store,
// normalizer and profiler.
type Controller struct {
	log             runlog.Logger
	bus             lifecycle.Bus
	metricsProvider metrics.RegistryProvider
	tracerProvider  tracing.TracerProvider

	mu                    sync.RWMutex
	redactedKeywords      map[string]struct{}
	redactedKeywordsSlice []string
	stderrTail            int

	activeRuns     prometheus.Gauge
	serializeFails prometheus.Counter
}

var _ runnerv1.ControllerV1 = (*Controller)(nil)

// NewController returns a Controller with NoOp lifecycle and tracing
// defaults and a private Prometheus registry.
func NewController(log runlog.Logger, opts ...runnerv1.ControllerOption) (*Controller, error) {
	if log == nil {
		return nil, runerrors.NewConfigError("logger cannot be nil", nil)
	}
	c := &Controller{
		log:        log.With("component", "Controller"),
		stderrTail: DefaultStderrTail,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, runerrors.NewConfigError(fmt.Sprintf("failed to apply controller option: %v", err), err)
		}
	}

	if c.bus == nil {
		c.log.Debugf("No lifecycle bus provided, using default NoOp bus.")
		c.bus = intLifecycle.NewNoOpBus()
	}
	if c.metricsProvider == nil {
		c.log.Debugf("No metrics provider provided, using default Prometheus provider.")
		c.metricsProvider = intMetrics.NewPrometheusRegistryProvider()
	}
	if c.tracerProvider == nil {
		c.log.Debugf("No tracer provider provided, using default NoOp provider.")
		c.tracerProvider = intTracing.NewNoOpProvider()
	}
	if c.redactedKeywords == nil {
		_ = c.SetRedactedKeywords(intTracing.DefaultRedactedKeywords)
	}

	c.initMetrics()
	return c, nil
}

func (c *Controller) initMetrics() {
	reg := c.metricsProvider.Registry()
	if reg == nil {
		c.log.Errorf("Metrics provider returned a nil registry, cannot initialize metrics.")
		return
	}
	c.activeRuns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gxo_runner_active_runs",
		Help: "Number of automation subprocesses currently running.",
	})
	c.serializeFails = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gxo_runner_serialization_failures_total",
		Help: "Total number of normalized events that could not be encoded.",
	})
	for _, col := range []prometheus.Collector{c.activeRuns, c.serializeFails} {
		if err := reg.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				c.log.Debugf("Controller metric collector already registered, reusing it.")
				continue
			}
			c.log.Warnf("Failed to register controller metric collector: %v", err)
		}
	}
}

// MetricsRegistryProvider returns the metrics provider.
func (c *Controller) MetricsRegistryProvider() metrics.RegistryProvider { return c.metricsProvider }

// TracerProvider returns the tracing provider.
func (c *Controller) TracerProvider() tracing.TracerProvider { return c.tracerProvider }

func (c *Controller) SetLifecycleBus(bus lifecycle.Bus) error {
	if bus == nil {
		return runerrors.NewConfigError("lifecycle bus cannot be nil", nil)
	}
	c.bus = bus
	return nil
}

func (c *Controller) SetMetricsRegistryProvider(provider metrics.RegistryProvider) error {
	if provider == nil {
		return runerrors.NewConfigError("metrics registry provider cannot be nil", nil)
	}
	c.metricsProvider = provider
	return nil
}

func (c *Controller) SetTracerProvider(provider tracing.TracerProvider) error {
	if provider == nil {
		return runerrors.NewConfigError("tracer provider cannot be nil", nil)
	}
	c.tracerProvider = provider
	return nil
}

// SetRedactedKeywords replaces the redaction keywords. An empty list
// disables redaction.
func (c *Controller) SetRedactedKeywords(keywords []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.redactedKeywordsSlice = append([]string(nil), keywords...)
	c.redactedKeywords = intTracing.KeywordSet(keywords)
	return nil
}

func (c *Controller) SetStderrTail(bytes int) error {
	if bytes < 0 {
		return runerrors.NewConfigError("stderr tail must not be negative", nil)
	}
	c.mu.Lock()
	c.stderrTail = bytes
	c.mu.Unlock()
	return nil
}

func (c *Controller) keywords() map[string]struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.redactedKeywords
}

// Handle is a run started by Controller.Start.
type Handle struct {
	ident  string
	store  *store.Store
	done   chan struct{}
	result *runnerv1.Result
	err    error
}

var _ runnerv1.RunHandle = (*Handle)(nil)

func (h *Handle) Ident() string                { return h.ident }
func (h *Handle) Events() runnerv1.EventStream { return h.store }
func (h *Handle) Done() <-chan struct{}        { return h.done }

// Wait blocks until the run has terminated and its store is closed.
func (h *Handle) Wait() (*runnerv1.Result, error) {
	<-h.done
	return h.result, h.err
}

// Run executes one configuration to completion. The returned Result is
// non-nil once the configuration has been validated, including on launch
// failure and cancellation; its event store stays readable afterwards.
func (c *Controller) Run(ctx context.Context, cfg runnerv1.RunConfig) (*runnerv1.Result, error) {
	h, err := c.Start(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return h.Wait()
}

// Start validates cfg and executes it on a new goroutine. Only
// configuration problems are returned here; everything after validation is
// reported by Wait.
func (c *Controller) Start(ctx context.Context, cfg runnerv1.RunConfig) (runnerv1.RunHandle, error) {
	if cfg.Ident == "" {
		cfg.Ident = uuid.NewString()
	}
	if cfg.PrivateDataDir != "" {
		abs, err := filepath.Abs(cfg.PrivateDataDir)
		if err != nil {
			return nil, runerrors.NewConfigError(fmt.Sprintf("cannot resolve private data dir '%s'", cfg.PrivateDataDir), err)
		}
		cfg.PrivateDataDir = abs
	}
	cfg.ApplyDefaults()
	if out := cfg.Profiling.OutputDir; out != "" && !filepath.IsAbs(out) {
		abs, err := filepath.Abs(out)
		if err != nil {
			return nil, runerrors.NewConfigError(fmt.Sprintf("cannot resolve profiling output dir '%s'", out), err)
		}
		cfg.Profiling.OutputDir = abs
	}
	if err := config.Validate(&cfg); err != nil {
		c.log.Errorf("Invalid run configuration: %v", err)
		return nil, err
	}

	h := &Handle{ident: cfg.Ident, store: store.New(), done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.result, h.err = c.execute(ctx, cfg, h.store)
	}()
	return h, nil
}

// execute runs a validated configuration. The store is closed before it
// returns.
func (c *Controller) execute(ctx context.Context, cfg runnerv1.RunConfig, st *store.Store) (result *runnerv1.Result, finalErr error) {
	tracer := c.tracerProvider.GetTracer(intTracing.TracerName)
	ctx, span := tracer.Start(ctx, "runner.run", oteltrace.WithAttributes(attribute.String("runner.ident", cfg.Ident)))
	defer span.End()
	keywords := c.keywords()
	log := c.log.With("run_ident", cfg.Ident)

	startTime := time.Now()
	result = &runnerv1.Result{
		Ident:          cfg.Ident,
		PrivateDataDir: cfg.PrivateDataDir,
		ExitCode:       -1,
		Events:         st,
		StartTime:      startTime,
		Config: runnerv1.ConfigSnapshot{
			Ident:          cfg.Ident,
			PrivateDataDir: cfg.PrivateDataDir,
			Profiling:      cfg.Profiling,
			Compat:         cfg.Compat,
		},
	}
	finish := func(status runnerv1.Status, exitCode int) {
		result.Status = status
		result.ExitCode = exitCode
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(startTime)
	}
	defer func() {
		st.Close()
		span.SetAttributes(
			attribute.String("runner.status", string(result.Status)),
			attribute.Int("runner.exit_code", result.ExitCode),
			attribute.Int("runner.events", st.Len()),
			attribute.Int64("runner.duration_ms", result.Duration.Milliseconds()),
		)
		if finalErr != nil {
			intTracing.RecordErrorWithContext(span, finalErr, keywords)
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}()

	ws, err := prepareWorkspace(cfg)
	if err != nil {
		log.Errorf("Failed to prepare private data dir: %v", err)
		finish(runnerv1.StatusError, -1)
		return result, err
	}
	result.Config.Command = ws.argv

	prof, profSpan := c.createProfiler(ctx, tracer, cfg, result, log)

	baseEnv := os.Environ()
	env, err := ComposeEnv(baseEnv, cfg, prof != nil)
	if err != nil {
		c.stopProfiler(prof, profSpan, log)
		finish(runnerv1.StatusError, -1)
		return result, runerrors.NewConfigError("cannot compose subprocess environment", err)
	}
	result.Config.Env = intTracing.RedactStringMap(env, keywords)

	artifact := c.openArtifact(cfg, ws, log)
	if artifact != nil {
		defer artifact.Close()
	}

	c.mu.RLock()
	tail := c.stderrTail
	c.mu.RUnlock()
	procSpec := command.Spec{
		Path:           ws.argv[0],
		Args:           ws.argv[1:],
		Dir:            ws.workDir,
		Env:            EnvList(env),
		StderrTail:     tail,
		TerminateGrace: cfg.TerminateGrace,
	}
	if prof != nil {
		procSpec.CgroupDir = prof.LaunchDir()
	}
	proc, err := command.Start(ctx, procSpec)
	if err != nil {
		launchErr := runerrors.NewLaunchError(strings.Join(ws.argv, " "), err)
		log.Errorf("Failed to launch automation engine: %v", launchErr)
		c.stopProfiler(prof, profSpan, log)
		finish(runnerv1.StatusError, -1)
		c.bus.Emit(lifecycle.NewSignal(lifecycle.LaunchFailed, cfg.Ident, map[string]interface{}{
			"status":   string(runnerv1.StatusError),
			"duration": result.Duration,
			"command":  launchErr.Command,
		}))
		return result, launchErr
	}
	log.Infof("Started '%s' (pid %d)", proc.CommandLine(), proc.Pid())
	c.bus.Emit(lifecycle.NewSignal(lifecycle.RunStarted, cfg.Ident, map[string]interface{}{
		"pid":     proc.Pid(),
		"command": proc.CommandLine(),
	}))
	if c.activeRuns != nil {
		c.activeRuns.Inc()
		defer c.activeRuns.Dec()
	}

	if prof != nil {
		prof = c.startProfiling(ctx, cfg, prof, profSpan, proc, result, baseEnv, keywords, log)
	}

	var samples normalize.SampleSource
	if prof != nil {
		samples = prof
	}
	drainErr := c.drain(ctx, cfg, proc.Stdout, artifact, samples, st, log)

	exitCode, waitErr := proc.Wait()
	result.Stderr = proc.Stderr()
	if prof != nil {
		if err := prof.Stop(); err != nil {
			log.Warnf("Profiler did not shut down cleanly: %v", err)
		}
	}

	var status runnerv1.Status
	switch {
	case ctx.Err() != nil:
		status = runnerv1.StatusCanceled
		finalErr = fmt.Errorf("run '%s' canceled: %w", cfg.Ident, ctx.Err())
	case waitErr != nil:
		status = runnerv1.StatusError
		finalErr = waitErr
	case exitCode == 0:
		status = runnerv1.StatusSuccessful
	default:
		status = runnerv1.StatusFailed
	}
	finish(status, exitCode)
	finalErr = errors.Join(finalErr, drainErr)

	log.Infof("Run finished: status=%s exit_code=%d events=%d", status, exitCode, st.Len())
	c.bus.Emit(lifecycle.NewSignal(lifecycle.RunFinished, cfg.Ident, map[string]interface{}{
		"status":    string(status),
		"exit_code": exitCode,
		"duration":  result.Duration,
		"events":    st.Len(),
	}))
	return result, finalErr
}

// createProfiler sets up profiling when enabled. A failure is recorded on
// the result and the run continues unprofiled. The returned span is ended
// by Attach/Start or by stopProfiler.
func (c *Controller) createProfiler(ctx context.Context, tracer oteltrace.Tracer, cfg runnerv1.RunConfig, result *runnerv1.Result, log runlog.Logger) (*profiler.Profiler, oteltrace.Span) {
	if !cfg.Profiling.Enabled {
		return nil, nil
	}
	_, span := tracer.Start(ctx, "profiler.start", oteltrace.WithAttributes(
		attribute.String("profiler.backend", cfg.Profiling.Backend),
		attribute.String("profiler.group", cfg.Profiling.GroupName(cfg.Ident)),
	))
	prof, err := profiler.New(cfg.Profiling, cfg.Ident, log, c.bus)
	if err == nil {
		return prof, span
	}

	result.ProfilingErr = err
	intTracing.RecordErrorWithContext(span, err, c.keywords())
	span.End()
	if runerrors.IsProfilerUnavailable(err) {
		log.Warnf("Resource profiling unavailable, running without it: %v", err)
		c.bus.Emit(lifecycle.NewSignal(lifecycle.ProfilerUnavailable, cfg.Ident, map[string]interface{}{
			"backend": cfg.Profiling.Backend,
			"reason":  err.Error(),
		}))
	} else {
		log.Errorf("Cannot set up resource profiling, running without it: %v", err)
	}
	return nil, nil
}

// launched is the part of a started process that profiling needs.
type launched interface {
	Pid() int
	InCgroup() bool
}

// startProfiling places proc in the profiling group, unless it was created
// inside it, and starts sampling. When that fails the profiler is stopped,
// the run continues unprofiled and nil is returned. The subprocess keeps the
// profiling variables it was started with; the snapshot drops them.
func (c *Controller) startProfiling(ctx context.Context, cfg runnerv1.RunConfig, prof *profiler.Profiler, span oteltrace.Span, proc launched, result *runnerv1.Result, baseEnv []string, keywords map[string]struct{}, log runlog.Logger) *profiler.Profiler {
	var err error
	if !proc.InCgroup() {
		err = prof.Attach(proc.Pid())
	}
	if err == nil {
		prof.Start(ctx)
		span.SetStatus(codes.Ok, "")
		span.End()
		result.Config.GroupPath = prof.GroupPath()
		return prof
	}

	log.Warnf("Cannot attach process to profiling group, profiling disabled for this run: %v", err)
	result.ProfilingErr = err
	intTracing.RecordErrorWithContext(span, err, keywords)
	c.bus.Emit(lifecycle.NewSignal(lifecycle.ProfilerUnavailable, cfg.Ident, map[string]interface{}{
		"backend": cfg.Profiling.Backend,
		"reason":  err.Error(),
	}))
	c.stopProfiler(prof, span, log)
	if plain, err := ComposeEnv(baseEnv, cfg, false); err == nil {
		result.Config.Env = intTracing.RedactStringMap(plain, keywords)
	}
	return nil
}

func (c *Controller) stopProfiler(prof *profiler.Profiler, span oteltrace.Span, log runlog.Logger) {
	if prof == nil {
		return
	}
	if err := prof.Stop(); err != nil {
		log.Warnf("Profiler did not shut down cleanly: %v", err)
	}
	if span != nil {
		span.End()
	}
}

// openArtifact returns the rotating raw stdout artifact, or nil when
// disabled.
func (c *Controller) openArtifact(cfg runnerv1.RunConfig, ws *workspace, log runlog.Logger) io.WriteCloser {
	if !cfg.Artifacts.Stdout {
		return nil
	}
	path := filepath.Join(ws.artifactDir, "stdout")
	log.Debugf("Writing raw stdout to '%s'", path)
	return &artifactWriter{
		w: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.Artifacts.MaxSizeMB,
			MaxBackups: cfg.Artifacts.MaxBackups,
			Compress:   cfg.Artifacts.Compress,
		},
		onError: func(err error) {
			log.Errorf("Raw stdout artifact disabled after write failure: %v", err)
			c.bus.Emit(lifecycle.NewSignal(lifecycle.EventWarning, cfg.Ident, map[string]interface{}{
				"artifact": path,
				"message":  err.Error(),
			}))
		},
	}
}

// artifactWriter never fails a write. The first error is reported through
// onError and every later write is dropped, so the event stream is not
// affected by the artifact.
type artifactWriter struct {
	w       io.WriteCloser
	failed  bool
	onError func(error)
}

func (a *artifactWriter) Write(b []byte) (int, error) {
	if a.failed {
		return len(b), nil
	}
	if _, err := a.w.Write(b); err != nil {
		a.failed = true
		a.onError(err)
	}
	return len(b), nil
}

func (a *artifactWriter) Close() error { return a.w.Close() }

// drain moves records from stdout through the normalizer into the store
// until EOF. If it stops early the rest of the pipe goes to the artifact, or
// is discarded, so the subprocess never blocks on a full pipe. Skipped serialization failures are
// returned together once the stream ends.
func (c *Controller) drain(ctx context.Context, cfg runnerv1.RunConfig, pipe io.Reader, artifact io.Writer, samples normalize.SampleSource, st *store.Store, log runlog.Logger) error {
	stdout, sink := pipe, io.Writer(io.Discard)
	if artifact != nil {
		stdout, sink = io.TeeReader(pipe, artifact), artifact
	}

	opts := normalize.Options{
		Compat: cfg.Compat,
		OnWarning: func(ev runnerv1.Event, msg string) {
			log.Warnf("Event %s (%s): %s", ev.UUID(), ev.Type(), msg)
			c.bus.Emit(lifecycle.NewSignal(lifecycle.EventWarning, cfg.Ident, map[string]interface{}{
				"event":   ev.Type(),
				"message": msg,
			}))
		},
	}
	opts.Samples = samples
	norm, err := normalize.New(cfg.Ident, opts)
	if err != nil {
		_, _ = io.Copy(sink, pipe)
		return err
	}

	var serErrs []error
	reader := record.NewReader(stdout, log, c.bus,
		record.WithMaxLineBytes(cfg.MaxLineBytes),
		record.WithRunIdent(cfg.Ident),
	)
	readErr := reader.Run(ctx, func(rec record.Record) error {
		ev, raw, err := norm.Normalize(rec)
		if err != nil {
			var serr *runerrors.SerializationError
			if errors.As(err, &serr) {
				log.Errorf("Dropping event that could not be encoded: %v", err)
				if c.serializeFails != nil {
					c.serializeFails.Inc()
				}
				serErrs = append(serErrs, err)
				return nil
			}
			log.Debugf("Skipping output line %d: %v", rec.Line, err)
			c.bus.Emit(lifecycle.NewSignal(lifecycle.RecordDecodeFailed, cfg.Ident, map[string]interface{}{
				"line":   rec.Line,
				"reason": "schema",
			}))
			return nil
		}
		if err := st.Append(ev, raw); err != nil {
			return err
		}
		c.bus.Emit(lifecycle.NewSignal(lifecycle.EventStored, cfg.Ident, map[string]interface{}{
			"event": ev.Type(),
		}))
		return nil
	})
	if readErr != nil {
		if ctx.Err() == nil {
			log.Errorf("Event stream ended early: %v", readErr)
		}
		_, _ = io.Copy(sink, pipe)
	}
	log.Debugf("Drained %d lines: %d events, %d decode failures", reader.Lines(), norm.Count(), reader.DecodeFailures())

	if readErr != nil && !errors.Is(readErr, ctx.Err()) {
		serErrs = append(serErrs, readErr)
	}
	return errors.Join(serErrs...)
}
