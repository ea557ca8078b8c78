package lifecycle

import (
	"sync"

	"github.com/gxo-labs/gxo-runner/pkg/runner/v1/lifecycle"
)

// RecordingBus keeps every signal in memory for later inspection.
type RecordingBus struct {
	mu      sync.Mutex
	signals []lifecycle.Signal
}

func NewRecordingBus() *RecordingBus {
	return &RecordingBus{}
}

func (b *RecordingBus) Emit(signal lifecycle.Signal) {
	b.mu.Lock()
	b.signals = append(b.signals, signal)
	b.mu.Unlock()
}

// Signals returns a copy of the recorded signals.
func (b *RecordingBus) Signals() []lifecycle.Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]lifecycle.Signal(nil), b.signals...)
}

// Count returns how many signals of typ were recorded.
func (b *RecordingBus) Count(typ lifecycle.SignalType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.signals {
		if s.Type == typ {
			n++
		}
	}
	return n
}

var _ lifecycle.Bus = (*RecordingBus)(nil)
