// Package profiler samples CPU, memory and process count of a run's
// confinement group on fixed intervals, one goroutine per metric kind.
package profiler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	runner "github.com/gxo-labs/gxo-runner/pkg/runner/v1"
	runerrors "github.com/gxo-labs/gxo-runner/pkg/runner/v1/errors"
	"github.com/gxo-labs/gxo-runner/pkg/runner/v1/lifecycle"
	runlog "github.com/gxo-labs/gxo-runner/pkg/runner/v1/log"
)

// Option configures a Profiler.
type Option func(*Profiler)

// WithGroup supplies the group instead of opening the configured backend.
func WithGroup(g Group) Option {
	return func(p *Profiler) { p.group = g }
}

// WithClock replaces time.Now for sample timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Profiler) { p.now = now }
}

// Profiler owns a group and its sample series for the lifetime of one run.
type Profiler struct {
	cfg   runner.ProfilingConfig
	ident string
	log   runlog.Logger
	bus   lifecycle.Bus
	group Group
	now   func() time.Time

	series map[runner.MetricKind]*Series

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup

	stopOnce sync.Once
	stopErr  error
}

// New validates cfg, opens the backend group and creates the output
// directory with one series file per kind. A missing backend yields a
// *errors.ProfilerUnavailableError.
func New(cfg runner.ProfilingConfig, ident string, log runlog.Logger, bus lifecycle.Bus, opts ...Option) (*Profiler, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	p := &Profiler{
		cfg:    cfg,
		ident:  ident,
		log:    log.With("component", "Profiler"),
		bus:    bus,
		now:    time.Now,
		series: make(map[runner.MetricKind]*Series, len(runner.MetricKinds)),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.group == nil {
		g, err := openGroup(cfg, ident, p.log)
		if err != nil {
			return nil, err
		}
		p.group = g
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		_ = p.group.Close()
		return nil, runerrors.NewConfigError("cannot create profiling output directory", err)
	}
	for _, kind := range runner.MetricKinds {
		s, err := newSeries(kind, SeriesPath(cfg.OutputDir, kind))
		if err != nil {
			p.closeSeries()
			_ = p.group.Close()
			return nil, runerrors.NewConfigError("cannot create profiling series", err)
		}
		p.series[kind] = s
	}
	return p, nil
}

func validate(cfg runner.ProfilingConfig) error {
	if cfg.OutputDir == "" {
		return runerrors.NewValidationError("profiling output directory is required", nil)
	}
	if !filepath.IsAbs(cfg.OutputDir) {
		return runerrors.NewValidationError("profiling output directory must be absolute: "+cfg.OutputDir, nil)
	}
	intervals := map[string]float64{
		"cpu_poll_interval":    cfg.CPUPollInterval,
		"memory_poll_interval": cfg.MemoryPollInterval,
		"pid_poll_interval":    cfg.PIDPollInterval,
	}
	for name, v := range intervals {
		if v <= 0 {
			return runerrors.NewValidationError(fmt.Sprintf("%s must be positive, got %v", name, v), nil)
		}
	}
	return nil
}

// SeriesPath is the file holding the samples of kind.
func SeriesPath(outputDir string, kind runner.MetricKind) string {
	return filepath.Join(outputDir, string(kind)+".json")
}

// GroupPath identifies the confinement group.
func (p *Profiler) GroupPath() string { return p.group.Path() }

// Attach moves pid into the group.
func (p *Profiler) Attach(pid int) error { return p.group.Attach(pid) }

// LaunchDir returns the cgroup directory a process can be started in, or ""
// when the backend can only attach running processes.
func (p *Profiler) LaunchDir() string {
	if l, ok := p.group.(launcher); ok {
		return l.LaunchDir()
	}
	return ""
}

// Start launches the sampling loops. Each loop samples immediately and then
// on its kind's interval until ctx is done or Stop is called.
func (p *Profiler) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	for _, kind := range runner.MetricKinds {
		p.wg.Add(1)
		go p.sampleLoop(ctx, kind, p.cfg.Interval(kind))
	}
	p.bus.Emit(lifecycle.NewSignal(lifecycle.ProfilerStarted, p.ident, map[string]interface{}{
		"group": p.group.Path(),
	}))
}

func (p *Profiler) sampleLoop(ctx context.Context, kind runner.MetricKind, interval time.Duration) {
	defer p.wg.Done()
	p.sample(kind)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sample(kind)
		}
	}
}

func (p *Profiler) sample(kind runner.MetricKind) {
	value, err := p.group.Read(kind)
	if err != nil {
		p.log.Debugf("Skipping %s sample: %v", kind, err)
		return
	}
	s := runner.Sample{
		Timestamp: runner.EpochSeconds(p.now()),
		Kind:      kind,
		Value:     value,
		Units:     kind.Units(),
		Group:     p.group.Path(),
	}
	if err := p.series[kind].Append(s); err != nil {
		p.log.Warnf("Recording %s sample: %v", kind, err)
	}
	p.bus.Emit(lifecycle.NewSignal(lifecycle.SampleRecorded, p.ident, map[string]interface{}{
		"kind": string(kind),
	}))
}

// Stop cancels the sampling loops, waits for them, closes the series files
// and releases the group. It is safe to call more than once and before
// Start.
func (p *Profiler) Stop() error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		if p.cancel != nil {
			p.cancel()
		}
		p.mu.Unlock()
		p.wg.Wait()

		errs := []error{p.closeSeries()}
		if err := p.group.Close(); err != nil {
			errs = append(errs, err)
		}
		p.stopErr = errors.Join(errs...)
		p.bus.Emit(lifecycle.NewSignal(lifecycle.ProfilerStopped, p.ident, map[string]interface{}{
			"group": p.group.Path(),
		}))
	})
	return p.stopErr
}

func (p *Profiler) closeSeries() error {
	var errs []error
	for _, s := range p.series {
		if err := s.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Window implements the normalizer's sample source.
func (p *Profiler) Window(kind runner.MetricKind, from, to time.Time) []runner.Sample {
	s, ok := p.series[kind]
	if !ok {
		return nil
	}
	return s.Window(from, to)
}

// Samples returns the full series of kind.
func (p *Profiler) Samples(kind runner.MetricKind) []runner.Sample {
	s, ok := p.series[kind]
	if !ok {
		return nil
	}
	return s.Samples()
}
