package v1

import (
	"context"
	"iter"
	"time"
)

// Status is the terminal state of a run.
type Status string

const (
	StatusSuccessful Status = "successful"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
	StatusError      Status = "error"
)

// EventStream is the read side of a run's event store. It remains usable
// after the subprocess has exited.
type EventStream interface {
	// All yields (index, event) in arrival order. It is lazy and may be
	// re-iterated; a pass started during the run observes events appended
	// before it reaches the end.
	All() iter.Seq2[int, Event]
	// Follow yields every stored event and then blocks for new ones until
	// the run terminates or ctx is done.
	Follow(ctx context.Context) iter.Seq[Event]
	// Snapshot returns a copy of the events stored so far.
	Snapshot() []Event
	Len() int
	At(i int) (Event, bool)
	// Done is closed once the run has terminated and no more events will
	// be appended.
	Done() <-chan struct{}
	// MarshalJSON encodes the collection as a single JSON array.
	MarshalJSON() ([]byte, error)
}

// ConfigSnapshot is the effective configuration of a run, including the
// environment handed to the subprocess.
type ConfigSnapshot struct {
	Ident          string            `json:"ident"`
	PrivateDataDir string            `json:"private_data_dir"`
	Command        []string          `json:"command"`
	Env            map[string]string `json:"env"`
	Profiling      ProfilingConfig   `json:"profiling"`
	Compat         Compat            `json:"compat"`
	// GroupPath is the absolute confinement group path, when profiling.
	GroupPath string `json:"group_path,omitempty"`
}

// Result describes one run. It outlives the subprocess.
type Result struct {
	Ident          string         `json:"ident"`
	PrivateDataDir string         `json:"private_data_dir"`
	Status         Status         `json:"status"`
	ExitCode       int            `json:"exit_code"`
	Events         EventStream    `json:"events"`
	Config         ConfigSnapshot `json:"config"`
	// ProfilingErr records why profiling was not performed. The run itself
	// is unaffected by it.
	ProfilingErr error `json:"-"`
	// Stderr is a bounded tail of the subprocess's standard error.
	Stderr    string        `json:"stderr,omitempty"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
}

// RunHandle is a run in progress.
type RunHandle interface {
	Ident() string
	// Events is readable immediately and keeps growing until Done.
	Events() EventStream
	// Done is closed when the run has terminated.
	Done() <-chan struct{}
	// Wait blocks until the run terminates. It returns a non-nil Result
	// whose error, if any, is the run's failure: a launch error, a
	// cancellation, or a serialization defect.
	Wait() (*Result, error)
}
