// Package normalize turns decoded records into the events kept by the
// event store: identifiers, derived metadata and correlated profiling data.
package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gxo-labs/gxo-runner/internal/record"
	runner "github.com/gxo-labs/gxo-runner/pkg/runner/v1"
	runerrors "github.com/gxo-labs/gxo-runner/pkg/runner/v1/errors"
)

// SampleSource serves profiling samples by time window. The resource
// profiler implements it.
type SampleSource interface {
	// Window returns the samples of kind taken in [from, to], preceded by
	// the last sample taken before from, in time order.
	Window(kind runner.MetricKind, from, to time.Time) []runner.Sample
}

// Options configures a Normalizer.
type Options struct {
	Compat runner.Compat
	// Samples enables the profiling join when non-nil.
	Samples SampleSource
	// OnWarning receives events that are stored despite failing a
	// compatibility check.
	OnWarning func(ev runner.Event, msg string)
	// NewUUID replaces uuid.NewString.
	NewUUID func() string
}

// completionEvents represent a finished unit of work on one host.
var completionEvents = map[string]struct{}{
	runner.EventRunnerOnOK:         {},
	runner.EventRunnerOnFailed:     {},
	runner.EventRunnerItemOnOK:     {},
	runner.EventRunnerItemOnFailed: {},
}

// IsCompletionEvent reports whether events of type typ receive profiling data.
func IsCompletionEvent(typ string) bool {
	_, ok := completionEvents[typ]
	return ok
}

// Normalizer enriches records in arrival order. It is not safe for
// concurrent use; the run's drain loop is its only caller.
type Normalizer struct {
	ident string
	opts  Options

	counter     int64
	lineCursor  int64
	seen        map[string]struct{}
	taskStarts  map[string]time.Time
	lastArrival time.Time
}

// New returns a Normalizer for the run identified by ident.
func New(ident string, opts Options) (*Normalizer, error) {
	if _, err := loadSchema(); err != nil {
		return nil, err
	}
	if opts.NewUUID == nil {
		opts.NewUUID = uuid.NewString
	}
	return &Normalizer{
		ident:      ident,
		opts:       opts,
		seen:       make(map[string]struct{}),
		taskStarts: make(map[string]time.Time),
	}, nil
}

// Normalize validates rec, adds derived metadata and, for completion events,
// profiling data, then encodes the result. Existing keys are never altered,
// except that an unusable upstream uuid is moved to upstream_uuid.
// A *errors.ValidationError means the record should be skipped; a
// *errors.SerializationError signals a defect.
func (n *Normalizer) Normalize(rec record.Record) (runner.Event, json.RawMessage, error) {
	if err := ValidateRaw(rec.Raw); err != nil {
		return nil, nil, err
	}

	ev := runner.Event(rec.Fields).Clone()
	n.counter++
	arrived := rec.ArrivedAt.UTC()

	n.assignUUID(ev)
	setDefault(ev, runner.KeyCounter, n.counter)
	setDefault(ev, runner.KeyCreated, arrived.Format(time.RFC3339Nano))
	setDefault(ev, runner.KeyRunnerIdent, n.ident)
	n.assignLines(ev)

	n.trackTaskStart(ev, rec.ArrivedAt)
	if n.opts.Samples != nil && IsCompletionEvent(ev.Type()) {
		if _, present := ev[runner.KeyProfilingData]; !present {
			if data := n.profilingData(ev, rec.ArrivedAt); data != nil {
				ev[runner.KeyProfilingData] = data
			}
		}
	}
	n.lastArrival = rec.ArrivedAt

	if n.opts.Compat.StatsSummaryFields && ev.Type() == runner.EventPlaybookOnStats {
		if missing := ev.MissingStatsFields(); len(missing) > 0 && n.opts.OnWarning != nil {
			n.opts.OnWarning(ev, fmt.Sprintf("playbook_on_stats is missing summary fields: %s", strings.Join(missing, ", ")))
		}
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, nil, runerrors.NewSerializationError(ev.Type(), ev.UUID(), err)
	}
	return ev, raw, nil
}

// Count reports how many events have been normalized.
func (n *Normalizer) Count() int64 { return n.counter }

func setDefault(ev runner.Event, key string, value interface{}) {
	if _, ok := ev[key]; !ok {
		ev[key] = value
	}
}

// assignUUID keeps a well-formed, unseen upstream uuid. Otherwise a fresh one
// is generated and any upstream value is preserved under upstream_uuid.
func (n *Normalizer) assignUUID(ev runner.Event) {
	upstream, present := ev[runner.KeyUUID]
	if s, ok := upstream.(string); ok && isCanonicalUUID(s) {
		if _, dup := n.seen[s]; !dup {
			n.seen[s] = struct{}{}
			return
		}
	}
	id := n.opts.NewUUID()
	for {
		if _, dup := n.seen[id]; !dup {
			break
		}
		id = n.opts.NewUUID()
	}
	n.seen[id] = struct{}{}
	if present {
		setDefault(ev, runner.KeyUpstreamUUID, upstream)
	}
	ev[runner.KeyUUID] = id
}

func isCanonicalUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// assignLines records the event's window in the cumulative stdout line count.
func (n *Normalizer) assignLines(ev runner.Event) {
	lines := int64(0)
	if s, ok := ev.Stdout(); ok && s != "" {
		lines = int64(strings.Count(strings.TrimSuffix(s, "\n"), "\n") + 1)
	}
	setDefault(ev, runner.KeyStartLine, n.lineCursor)
	setDefault(ev, runner.KeyEndLine, n.lineCursor+lines)
	n.lineCursor += lines
}

func taskKey(taskUUID, host string) string {
	if host == "" {
		return taskUUID
	}
	return taskUUID + "|" + host
}

func (n *Normalizer) trackTaskStart(ev runner.Event, arrived time.Time) {
	task := ev.DataString("task_uuid")
	if task == "" {
		return
	}
	switch ev.Type() {
	case runner.EventPlaybookOnTaskStart:
		n.taskStarts[taskKey(task, "")] = arrived
	case runner.EventRunnerOnStart:
		if n.opts.Compat.RunnerOnStart {
			n.taskStarts[taskKey(task, ev.DataString("host"))] = arrived
		}
	}
}

// windowStart picks where the work reported by a completion event began.
func (n *Normalizer) windowStart(ev runner.Event, arrived time.Time) time.Time {
	task := ev.DataString("task_uuid")
	if task != "" {
		if n.opts.Compat.RunnerOnStart {
			key := taskKey(task, ev.DataString("host"))
			if t, ok := n.taskStarts[key]; ok {
				if ev.Type() == runner.EventRunnerOnOK || ev.Type() == runner.EventRunnerOnFailed {
					delete(n.taskStarts, key)
				}
				return t
			}
		}
		if t, ok := n.taskStarts[taskKey(task, "")]; ok {
			return t
		}
	}
	if !n.lastArrival.IsZero() {
		return n.lastArrival
	}
	return arrived
}

func (n *Normalizer) profilingData(ev runner.Event, arrived time.Time) map[string]interface{} {
	from := n.windowStart(ev, arrived)
	data := make(map[string]interface{}, len(runner.MetricKinds))
	for _, kind := range runner.MetricKinds {
		samples := n.opts.Samples.Window(kind, from, arrived)
		if len(samples) == 0 {
			continue
		}
		series := make([]interface{}, len(samples))
		for i, s := range samples {
			series[i] = s.AsMap()
		}
		data[string(kind)] = series
	}
	if len(data) == 0 {
		return nil
	}
	return data
}
