package runner

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	intLifecycle "github.com/gxo-labs/gxo-runner/internal/lifecycle"
	"github.com/gxo-labs/gxo-runner/internal/logger"
	"github.com/gxo-labs/gxo-runner/internal/profiler"
	"github.com/gxo-labs/gxo-runner/internal/store"
	runnerv1 "github.com/gxo-labs/gxo-runner/pkg/runner/v1"
	runerrors "github.com/gxo-labs/gxo-runner/pkg/runner/v1/errors"
	"github.com/gxo-labs/gxo-runner/pkg/runner/v1/lifecycle"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

// nanSamples serves a sample that cannot be encoded as JSON.
type nanSamples struct{}

func (nanSamples) Window(kind runnerv1.MetricKind, _, _ time.Time) []runnerv1.Sample {
	return []runnerv1.Sample{{
		Timestamp: runnerv1.EpochSeconds(time.Now()),
		Kind:      kind,
		Value:     math.NaN(),
		Units:     kind.Units(),
	}}
}

func TestDrain_SerializationFailuresAreReturned(t *testing.T) {
	bus := intLifecycle.NewRecordingBus()
	c, err := NewController(logger.NewNop(), runnerv1.WithLifecycleBus(bus))
	require.NoError(t, err)
	cfg := runnerv1.RunConfig{Ident: "run-drain"}
	cfg.ApplyDefaults()

	stdout := strings.Join([]string{
		`{"event":"playbook_on_start"}`,
		`{"event":"runner_on_ok","event_data":{"host":"localhost"}}`,
		`{"event":"verbose","stdout":"done"}`,
	}, "\n") + "\n"
	st := store.New()
	drainErr := c.drain(context.Background(), cfg, strings.NewReader(stdout), nil, nanSamples{}, st, logger.NewNop())

	var serr *runerrors.SerializationError
	require.True(t, errors.As(drainErr, &serr), "got %v", drainErr)
	assert.Equal(t, runnerv1.EventRunnerOnOK, serr.EventType)
	assert.Equal(t, 2, st.Len(), "the stream continues past the failed event")
	assert.Equal(t, 2, bus.Count(lifecycle.EventStored))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.serializeFails))
}

// fakeProcess is a started process as seen by startProfiling.
type fakeProcess struct {
	pid      int
	inCgroup bool
}

func (p fakeProcess) Pid() int       { return p.pid }
func (p fakeProcess) InCgroup() bool { return p.inCgroup }

func profilingConfig(t *testing.T) runnerv1.RunConfig {
	t.Helper()
	cfg := runnerv1.RunConfig{
		Ident:          "run-attach",
		PrivateDataDir: t.TempDir(),
		Profiling:      runnerv1.ProfilingConfig{Enabled: true, Backend: runnerv1.BackendProcTree},
	}
	cfg.ApplyDefaults()
	return cfg
}

func newTestProfiler(t *testing.T, cfg runnerv1.RunConfig, bus lifecycle.Bus) *profiler.Profiler {
	t.Helper()
	prof, err := profiler.New(cfg.Profiling, cfg.Ident, logger.NewNop(), bus)
	if errors.Is(err, runerrors.ErrProfilerUnavailable) {
		t.Skipf("proctree backend unavailable: %v", err)
	}
	require.NoError(t, err)
	return prof
}

func TestStartProfiling_AttachFailureDisablesProfiling(t *testing.T) {
	bus := intLifecycle.NewRecordingBus()
	c, err := NewController(logger.NewNop(), runnerv1.WithLifecycleBus(bus))
	require.NoError(t, err)
	cfg := profilingConfig(t)
	prof := newTestProfiler(t, cfg, bus)

	base := []string{"PATH=/usr/bin"}
	profiled, err := ComposeEnv(base, cfg, true)
	require.NoError(t, err)
	result := &runnerv1.Result{Config: runnerv1.ConfigSnapshot{Env: profiled}}
	_, span := noop.NewTracerProvider().Tracer("test").Start(context.Background(), "profiler.start")

	got := c.startProfiling(context.Background(), cfg, prof, span, fakeProcess{pid: 1 << 30}, result, base, c.keywords(), logger.NewNop())

	assert.Nil(t, got)
	assert.Error(t, result.ProfilingErr)
	assert.Empty(t, result.Config.GroupPath)
	assert.NotContains(t, result.Config.Env, EnvCgroupControlGroup)
	assert.NotContains(t, result.Config.Env[EnvCallbacksEnabled], runnerv1.PerfRecapCallback)
	assert.Equal(t, "1", result.Config.Env[EnvUnbuffered])
	assert.Equal(t, 1, bus.Count(lifecycle.ProfilerUnavailable))
}

func TestStartProfiling_SkipsAttachForProcessStartedInGroup(t *testing.T) {
	bus := intLifecycle.NewRecordingBus()
	c, err := NewController(logger.NewNop(), runnerv1.WithLifecycleBus(bus))
	require.NoError(t, err)
	cfg := profilingConfig(t)
	prof := newTestProfiler(t, cfg, bus)

	result := &runnerv1.Result{}
	_, span := noop.NewTracerProvider().Tracer("test").Start(context.Background(), "profiler.start")

	got := c.startProfiling(context.Background(), cfg, prof, span, fakeProcess{pid: 1 << 30, inCgroup: true}, result, nil, c.keywords(), logger.NewNop())
	require.NotNil(t, got)
	defer func() { assert.NoError(t, got.Stop()) }()

	assert.NoError(t, result.ProfilingErr)
	assert.Equal(t, prof.GroupPath(), result.Config.GroupPath)
	assert.Equal(t, 1, bus.Count(lifecycle.ProfilerStarted))
}
