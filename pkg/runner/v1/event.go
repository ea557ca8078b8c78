package v1

import (
	"encoding/json"
	"math"
	"strconv"
)

// Event is one record of an automation run. It is an open mapping so that
// event-type specific payloads stay opaque; only JSON-native values
// (maps, slices, strings, json.Number, float64, bool, nil) are ever stored.
type Event map[string]interface{}

// Documented event keys.
const (
	KeyEvent         = "event"
	KeyUUID          = "uuid"
	KeyStdout        = "stdout"
	KeyEventData     = "event_data"
	KeyProfilingData = "profiling_data"
	KeyCounter       = "counter"
	KeyCreated       = "created"
	KeyRunnerIdent   = "runner_ident"
	KeyStartLine     = "start_line"
	KeyEndLine       = "end_line"
	KeyUpstreamUUID  = "upstream_uuid"
)

// Event type tags emitted by the automation engine.
const (
	EventPlaybookOnStart     = "playbook_on_start"
	EventPlaybookOnPlayStart = "playbook_on_play_start"
	EventPlaybookOnTaskStart = "playbook_on_task_start"
	EventPlaybookOnStats     = "playbook_on_stats"
	EventRunnerOnStart       = "runner_on_start"
	EventRunnerOnOK          = "runner_on_ok"
	EventRunnerOnFailed      = "runner_on_failed"
	EventRunnerOnSkipped     = "runner_on_skipped"
	EventRunnerOnUnreachable = "runner_on_unreachable"
	EventRunnerItemOnOK      = "runner_item_on_ok"
	EventRunnerItemOnFailed  = "runner_item_on_failed"
)

// StatsSummaryFields are the per-host counters a playbook_on_stats event
// carries in its event_data.
var StatsSummaryFields = []string{"changed", "dark", "failures", "ignored", "ok", "rescued", "skipped"}

// Type returns the event-type tag, or "" when absent.
func (e Event) Type() string {
	s, _ := e[KeyEvent].(string)
	return s
}

// UUID returns the event identifier, or "" when absent.
func (e Event) UUID() string {
	s, _ := e[KeyUUID].(string)
	return s
}

// Stdout returns the human-readable rendering and whether the key is present.
func (e Event) Stdout() (string, bool) {
	s, ok := e[KeyStdout].(string)
	return s, ok
}

// EventData returns the structured payload, or nil.
func (e Event) EventData() map[string]interface{} {
	m, _ := e[KeyEventData].(map[string]interface{})
	return m
}

// ProfilingData returns the correlated profiling series, or nil.
func (e Event) ProfilingData() map[string]interface{} {
	m, _ := e[KeyProfilingData].(map[string]interface{})
	return m
}

// Counter returns the 1-based arrival index assigned to the event.
func (e Event) Counter() (int64, bool) {
	return toInt64(e[KeyCounter])
}

// DataString returns a string field of event_data, or "".
func (e Event) DataString(key string) string {
	s, _ := e.EventData()[key].(string)
	return s
}

// StatsCount returns the count credited to host under a summary field of a
// playbook_on_stats event, e.g. StatsCount("ok", "localhost").
func (e Event) StatsCount(field, host string) (int64, bool) {
	perHost, ok := e.EventData()[field].(map[string]interface{})
	if !ok {
		return 0, false
	}
	return toInt64(perHost[host])
}

// MissingStatsFields lists the summary fields absent from event_data.
func (e Event) MissingStatsFields() []string {
	data := e.EventData()
	var missing []string
	for _, f := range StatsSummaryFields {
		if _, ok := data[f]; !ok {
			missing = append(missing, f)
		}
	}
	return missing
}

// Clone returns a deep copy. Readers of the event store always receive
// clones, so stored events stay immutable.
func (e Event) Clone() Event {
	if e == nil {
		return nil
	}
	return Event(cloneMap(e))
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	cpy := make(map[string]interface{}, len(m))
	for k, v := range m {
		cpy[k] = cloneValue(v)
	}
	return cpy
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMap(t)
	case Event:
		return Event(cloneMap(t))
	case []interface{}:
		cpy := make([]interface{}, len(t))
		for i, item := range t {
			cpy[i] = cloneValue(item)
		}
		return cpy
	default:
		// Strings, json.Number, numbers, bools and nil are immutable.
		return v
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := strconv.ParseFloat(string(n), 64)
		if err != nil || f != math.Trunc(f) {
			return 0, false
		}
		return int64(f), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}
