package normalize_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/gxo-labs/gxo-runner/internal/normalize"
	"github.com/gxo-labs/gxo-runner/internal/record"
	runner "github.com/gxo-labs/gxo-runner/pkg/runner/v1"
	runerrors "github.com/gxo-labs/gxo-runner/pkg/runner/v1/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(sec float64) time.Time {
	return base.Add(time.Duration(sec * float64(time.Second)))
}

// rec builds a record the way the reader would.
func rec(t *testing.T, line int, arrived time.Time, raw string) record.Record {
	t.Helper()
	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &fields))
	return record.Record{Line: line, Fields: fields, Raw: []byte(raw), ArrivedAt: arrived}
}

// fakeSamples holds fixed series and serves windows the way the profiler does.
type fakeSamples struct {
	series map[runner.MetricKind][]runner.Sample
	calls  int
}

func (f *fakeSamples) Window(kind runner.MetricKind, from, to time.Time) []runner.Sample {
	f.calls++
	var out []runner.Sample
	var before *runner.Sample
	for i, s := range f.series[kind] {
		ts := s.Time()
		switch {
		case ts.Before(from):
			before = &f.series[kind][i]
		case !ts.After(to):
			out = append(out, s)
		}
	}
	if before != nil {
		out = append([]runner.Sample{*before}, out...)
	}
	return out
}

func series(kind runner.MetricKind, secs ...float64) []runner.Sample {
	out := make([]runner.Sample, len(secs))
	for i, s := range secs {
		out[i] = runner.Sample{Timestamp: runner.EpochSeconds(at(s)), Kind: kind, Value: float64(i), Units: kind.Units()}
	}
	return out
}

func seqUUIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("00000000-0000-4000-8000-%012d", n)
	}
}

func TestNormalize_AddsDerivedMetadata(t *testing.T) {
	n, err := normalize.New("run-1", normalize.Options{NewUUID: seqUUIDs()})
	require.NoError(t, err)

	ev, raw, err := n.Normalize(rec(t, 1, at(0), `{"event":"playbook_on_start","event_data":{"playbook":"p.yml"}}`))
	require.NoError(t, err)

	assert.Equal(t, "playbook_on_start", ev.Type())
	assert.Equal(t, "00000000-0000-4000-8000-000000000001", ev.UUID())
	assert.Len(t, ev.UUID(), 36)
	c, ok := ev.Counter()
	require.True(t, ok)
	assert.Equal(t, int64(1), c)
	assert.Equal(t, at(0).Format(time.RFC3339Nano), ev[runner.KeyCreated])
	assert.Equal(t, "run-1", ev[runner.KeyRunnerIdent])
	assert.NotContains(t, ev, runner.KeyUpstreamUUID)
	assert.NotContains(t, ev, runner.KeyProfilingData)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "p.yml", decoded["event_data"].(map[string]interface{})["playbook"])
}

func TestNormalize_PreservesPresentFields(t *testing.T) {
	n, err := normalize.New("run-1", normalize.Options{})
	require.NoError(t, err)

	raw := `{"event":"runner_on_ok","uuid":"6b5c0a36-8f9a-4a63-8b4b-1f5b1f2c0d11","counter":42,` +
		`"created":"2020-01-01T00:00:00","stdout":"ok: [localhost]","event_data":{"host":"localhost"}}`
	in := rec(t, 3, at(1), raw)
	ev, _, err := n.Normalize(in)
	require.NoError(t, err)

	assert.Equal(t, "6b5c0a36-8f9a-4a63-8b4b-1f5b1f2c0d11", ev.UUID())
	c, _ := ev.Counter()
	assert.Equal(t, int64(42), c)
	assert.Equal(t, "2020-01-01T00:00:00", ev[runner.KeyCreated])
	s, ok := ev.Stdout()
	assert.True(t, ok)
	assert.Equal(t, "ok: [localhost]", s)

	ev["event_data"].(map[string]interface{})["host"] = "mutated"
	assert.Equal(t, "localhost", in.Fields["event_data"].(map[string]interface{})["host"], "record fields must not be shared")
}

func TestNormalize_ReplacesBadAndDuplicateUUIDs(t *testing.T) {
	n, err := normalize.New("run-1", normalize.Options{NewUUID: seqUUIDs()})
	require.NoError(t, err)

	good := "6b5c0a36-8f9a-4a63-8b4b-1f5b1f2c0d11"
	first, _, err := n.Normalize(rec(t, 1, at(0), `{"event":"a","uuid":"`+good+`"}`))
	require.NoError(t, err)
	dup, _, err := n.Normalize(rec(t, 2, at(1), `{"event":"b","uuid":"`+good+`"}`))
	require.NoError(t, err)
	short, _, err := n.Normalize(rec(t, 3, at(2), `{"event":"c","uuid":"abc"}`))
	require.NoError(t, err)

	assert.Equal(t, good, first.UUID())
	assert.NotEqual(t, good, dup.UUID())
	assert.Equal(t, good, dup[runner.KeyUpstreamUUID])
	assert.Len(t, short.UUID(), 36)
	assert.Equal(t, "abc", short[runner.KeyUpstreamUUID])
	assert.NotEqual(t, dup.UUID(), short.UUID())
}

func TestNormalize_LineWindow(t *testing.T) {
	n, err := normalize.New("run-1", normalize.Options{})
	require.NoError(t, err)

	e1, _, _ := n.Normalize(rec(t, 1, at(0), `{"event":"a","stdout":"one\ntwo"}`))
	e2, _, _ := n.Normalize(rec(t, 2, at(1), `{"event":"b"}`))
	e3, _, _ := n.Normalize(rec(t, 3, at(2), `{"event":"c","stdout":"three\n"}`))

	assert.Equal(t, int64(0), e1[runner.KeyStartLine])
	assert.Equal(t, int64(2), e1[runner.KeyEndLine])
	assert.Equal(t, int64(2), e2[runner.KeyStartLine])
	assert.Equal(t, int64(2), e2[runner.KeyEndLine])
	assert.Equal(t, int64(2), e3[runner.KeyStartLine])
	assert.Equal(t, int64(3), e3[runner.KeyEndLine])
}

func TestNormalize_SchemaViolation(t *testing.T) {
	n, err := normalize.New("run-1", normalize.Options{})
	require.NoError(t, err)

	_, _, err = n.Normalize(rec(t, 1, at(0), `{"event":"a","event_data":"not-a-map"}`))
	var ve *runerrors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Error(), "event_data")
	assert.Equal(t, int64(0), n.Count(), "rejected records take no counter slot")
}

func TestNormalize_ProfilingJoin(t *testing.T) {
	src := &fakeSamples{series: map[runner.MetricKind][]runner.Sample{
		runner.MetricCPU:    series(runner.MetricCPU, 0, 1, 2, 3, 4),
		runner.MetricMemory: series(runner.MetricMemory, 0.5, 2.5),
		runner.MetricPIDs:   series(runner.MetricPIDs, 0),
	}}
	n, err := normalize.New("run-1", normalize.Options{Samples: src})
	require.NoError(t, err)

	_, _, err = n.Normalize(rec(t, 1, at(0.1), `{"event":"playbook_on_start"}`))
	require.NoError(t, err)
	taskStart, _, err := n.Normalize(rec(t, 2, at(1.5), `{"event":"playbook_on_task_start","event_data":{"task_uuid":"t1"}}`))
	require.NoError(t, err)
	assert.NotContains(t, taskStart, runner.KeyProfilingData)

	ok, _, err := n.Normalize(rec(t, 3, at(3.5), `{"event":"runner_on_ok","stdout":"ok","event_data":{"task_uuid":"t1","host":"localhost"}}`))
	require.NoError(t, err)

	pd := ok.ProfilingData()
	require.NotNil(t, pd)
	cpu := pd["cpu"].([]interface{})
	// The sample at 1s was in effect when the task started at 1.5s.
	require.Len(t, cpu, 3)
	assert.InDelta(t, runner.EpochSeconds(at(1)), cpu[0].(map[string]interface{})["timestamp"], 1e-6)
	assert.InDelta(t, runner.EpochSeconds(at(3)), cpu[2].(map[string]interface{})["timestamp"], 1e-6)
	assert.Len(t, pd["memory"].([]interface{}), 2)
	assert.Len(t, pd["pids"].([]interface{}), 1)
	assert.Equal(t, "%", cpu[0].(map[string]interface{})["units"])
}

func TestNormalize_UnencodableSampleIsSerializationError(t *testing.T) {
	bad := series(runner.MetricCPU, 0)
	bad[0].Value = math.NaN()
	src := &fakeSamples{series: map[runner.MetricKind][]runner.Sample{runner.MetricCPU: bad}}
	n, err := normalize.New("run-1", normalize.Options{Samples: src})
	require.NoError(t, err)

	_, _, err = n.Normalize(rec(t, 1, at(1), `{"event":"runner_on_ok","event_data":{"host":"localhost"}}`))
	var serr *runerrors.SerializationError
	require.True(t, errors.As(err, &serr), "got %v", err)
	assert.Equal(t, runner.EventRunnerOnOK, serr.EventType)
}

func TestNormalize_ProfilingJoinUsesRunnerOnStart(t *testing.T) {
	src := &fakeSamples{series: map[runner.MetricKind][]runner.Sample{
		runner.MetricCPU: series(runner.MetricCPU, 0, 1, 2, 3, 4, 5),
	}}
	n, err := normalize.New("run-1", normalize.Options{Samples: src, Compat: runner.Compat{RunnerOnStart: true}})
	require.NoError(t, err)

	steps := []struct {
		at  float64
		raw string
	}{
		{0.5, `{"event":"playbook_on_task_start","event_data":{"task_uuid":"t1"}}`},
		{2.5, `{"event":"runner_on_start","event_data":{"task_uuid":"t1","host":"h1"}}`},
	}
	for i, s := range steps {
		_, _, err := n.Normalize(rec(t, i+1, at(s.at), s.raw))
		require.NoError(t, err)
	}
	ok, _, err := n.Normalize(rec(t, 3, at(4.5), `{"event":"runner_on_ok","event_data":{"task_uuid":"t1","host":"h1"}}`))
	require.NoError(t, err)

	cpu := ok.ProfilingData()["cpu"].([]interface{})
	require.Len(t, cpu, 3, "window opens at runner_on_start, not the task start")
	assert.InDelta(t, runner.EpochSeconds(at(2)), cpu[0].(map[string]interface{})["timestamp"], 1e-6)
	assert.NotContains(t, ok.ProfilingData(), "memory")
}

func TestNormalize_NoSamplesMeansNoProfilingKey(t *testing.T) {
	src := &fakeSamples{series: map[runner.MetricKind][]runner.Sample{}}
	n, err := normalize.New("run-1", normalize.Options{Samples: src})
	require.NoError(t, err)

	ev, raw, err := n.Normalize(rec(t, 1, at(1), `{"event":"runner_on_ok","event_data":{"task_uuid":"t"}}`))
	require.NoError(t, err)
	assert.NotContains(t, ev, runner.KeyProfilingData)
	assert.NotContains(t, string(raw), "profiling_data")
	assert.Equal(t, 3, src.calls)
}

func TestNormalize_NonCompletionEventsAreNotJoined(t *testing.T) {
	src := &fakeSamples{series: map[runner.MetricKind][]runner.Sample{runner.MetricCPU: series(runner.MetricCPU, 0)}}
	n, err := normalize.New("run-1", normalize.Options{Samples: src})
	require.NoError(t, err)

	for _, typ := range []string{"playbook_on_start", "runner_on_skipped", "playbook_on_stats"} {
		ev, _, err := n.Normalize(rec(t, 1, at(1), `{"event":"`+typ+`"}`))
		require.NoError(t, err)
		assert.NotContains(t, ev, runner.KeyProfilingData, typ)
	}
	assert.Zero(t, src.calls)
	assert.True(t, normalize.IsCompletionEvent("runner_item_on_failed"))
	assert.False(t, normalize.IsCompletionEvent("runner_on_unreachable"))
}

func TestNormalize_StatsSummaryWarning(t *testing.T) {
	var warnings []string
	opts := normalize.Options{
		Compat:    runner.Compat{StatsSummaryFields: true},
		OnWarning: func(_ runner.Event, msg string) { warnings = append(warnings, msg) },
	}
	n, err := normalize.New("run-1", opts)
	require.NoError(t, err)

	full := `{"event":"playbook_on_stats","event_data":{"changed":{},"dark":{},"failures":{},"ignored":{},"ok":{"localhost":1},"rescued":{},"skipped":{}}}`
	ev, _, err := n.Normalize(rec(t, 1, at(0), full))
	require.NoError(t, err)
	assert.Empty(t, warnings)
	count, ok := ev.StatsCount("ok", "localhost")
	require.True(t, ok)
	assert.Equal(t, int64(1), count)

	_, _, err = n.Normalize(rec(t, 2, at(1), `{"event":"playbook_on_stats","event_data":{"ok":{}}}`))
	require.NoError(t, err, "missing summary fields do not reject the event")
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "changed, dark, failures, ignored, rescued, skipped")
}
