// Package store holds a run's events: append-only, single writer, any
// number of lock-free readers.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sync"
	"sync/atomic"

	runner "github.com/gxo-labs/gxo-runner/pkg/runner/v1"
	runerrors "github.com/gxo-labs/gxo-runner/pkg/runner/v1/errors"
)

// ErrClosed is returned by Append once the run has terminated.
var ErrClosed = errors.New("event store is closed")

type entry struct {
	ev  runner.Event
	raw json.RawMessage
}

// Store is the event collection of one run. Readers see a consistent prefix
// of the arrival order and always receive deep copies, so stored events are
// never mutated.
type Store struct {
	// writeMu serializes appends; readers never take it.
	writeMu sync.Mutex
	entries atomic.Pointer[[]entry]
	// wake is closed and replaced on every append to release followers.
	wake atomic.Pointer[chan struct{}]

	done      chan struct{}
	closeOnce sync.Once
}

// New returns an empty, open store.
func New() *Store {
	s := &Store{done: make(chan struct{})}
	empty := make([]entry, 0, 64)
	s.entries.Store(&empty)
	wake := make(chan struct{})
	s.wake.Store(&wake)
	return s
}

// Append stores ev with its encoding. raw may be nil, in which case ev is
// encoded here. The store takes ownership of ev.
func (s *Store) Append(ev runner.Event, raw json.RawMessage) error {
	if raw == nil {
		var err error
		if raw, err = json.Marshal(ev); err != nil {
			return runerrors.NewSerializationError(ev.Type(), ev.UUID(), err)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	// Readers only index below the length they loaded, so growing in place
	// past that length is invisible to them.
	next := append(*s.entries.Load(), entry{ev: ev, raw: raw})
	s.entries.Store(&next)

	fresh := make(chan struct{})
	old := s.wake.Swap(&fresh)
	close(*old)
	return nil
}

// Close marks the run as terminated. Followers drain and stop.
func (s *Store) Close() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
}

// Done is closed by Close.
func (s *Store) Done() <-chan struct{} { return s.done }

func (s *Store) load() []entry { return *s.entries.Load() }

// Len reports how many events are stored.
func (s *Store) Len() int { return len(s.load()) }

// At returns a copy of the i-th event.
func (s *Store) At(i int) (runner.Event, bool) {
	entries := s.load()
	if i < 0 || i >= len(entries) {
		return nil, false
	}
	return entries[i].ev.Clone(), true
}

// All yields events in arrival order. Each pass is independent, and a pass
// in progress picks up events appended before it reaches the end.
func (s *Store) All() iter.Seq2[int, runner.Event] {
	return func(yield func(int, runner.Event) bool) {
		for i := 0; ; i++ {
			entries := s.load()
			if i >= len(entries) {
				return
			}
			if !yield(i, entries[i].ev.Clone()) {
				return
			}
		}
	}
}

// Snapshot returns copies of the events stored so far.
func (s *Store) Snapshot() []runner.Event {
	entries := s.load()
	out := make([]runner.Event, len(entries))
	for i, e := range entries {
		out[i] = e.ev.Clone()
	}
	return out
}

// Follow yields every stored event, then waits for new ones until the store
// is closed and drained or ctx is done.
func (s *Store) Follow(ctx context.Context) iter.Seq[runner.Event] {
	return func(yield func(runner.Event) bool) {
		for i := 0; ; {
			// Load the wake channel before the entries so an append
			// between the two loads still releases the wait below.
			wake := *s.wake.Load()
			entries := s.load()
			for ; i < len(entries); i++ {
				if !yield(entries[i].ev.Clone()) {
					return
				}
			}
			select {
			case <-wake:
			case <-s.done:
				if i >= s.Len() {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

// MarshalJSON encodes the events stored so far as one JSON array, reusing
// each event's stored encoding.
func (s *Store) MarshalJSON() ([]byte, error) {
	entries := s.load()
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, e := range entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(e.raw)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

var _ runner.EventStream = (*Store)(nil)
