// Package lifecycle carries run lifecycle signals (launch, decode failures,
// profiler state, termination) to observers such as the metrics listener.
// It is telemetry only: the automation event stream itself lives in the
// event store and never travels over this bus.
package lifecycle

import "time"

// SignalType names a lifecycle occurrence.
type SignalType string

const (
	RunStarted          SignalType = "RunStarted"
	RunFinished         SignalType = "RunFinished"
	LaunchFailed        SignalType = "LaunchFailed"
	EventStored         SignalType = "EventStored"
	RecordDecodeFailed  SignalType = "RecordDecodeFailed"
	EventWarning        SignalType = "EventWarning"
	ProfilerStarted     SignalType = "ProfilerStarted"
	ProfilerStopped     SignalType = "ProfilerStopped"
	ProfilerUnavailable SignalType = "ProfilerUnavailable"
	SampleRecorded      SignalType = "SampleRecorded"
)

// Signal is one lifecycle notification.
type Signal struct {
	Type      SignalType `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	// RunIdent identifies the run that produced the signal.
	RunIdent string `json:"run_ident,omitempty"`
	// Payload holds signal-specific details, e.g. "event" for EventStored,
	// "kind" for SampleRecorded, "status" and "exit_code" for RunFinished.
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Bus publishes lifecycle signals. Emit must not block the caller; the drain
// loop and sampling loops call it on their hot paths.
type Bus interface {
	Emit(signal Signal)
}

// NewSignal stamps a signal with the current time.
func NewSignal(typ SignalType, runIdent string, payload map[string]interface{}) Signal {
	return Signal{Type: typ, Timestamp: time.Now(), RunIdent: runIdent, Payload: payload}
}
