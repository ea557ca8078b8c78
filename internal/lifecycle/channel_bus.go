// Package lifecycle provides in-process implementations of the lifecycle
// bus and the listeners that consume it.
package lifecycle

import (
	"sync"
	"sync/atomic"

	"github.com/gxo-labs/gxo-runner/pkg/runner/v1/lifecycle"
	runlog "github.com/gxo-labs/gxo-runner/pkg/runner/v1/log"
)

const defaultBufferSize = 256

// ChannelBus delivers signals over a buffered channel. Emit never blocks:
// when the buffer is full the signal is dropped and counted.
type ChannelBus struct {
	channel   chan lifecycle.Signal
	log       runlog.Logger
	dropped   atomic.Uint64
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewChannelBus creates a bus with the given buffer size (256 when not
// positive). Panics on a nil logger.
func NewChannelBus(bufferSize int, log runlog.Logger) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if log == nil {
		panic("ChannelBus requires a non-nil logger")
	}
	return &ChannelBus{
		channel: make(chan lifecycle.Signal, bufferSize),
		log:     log.With("component", "ChannelBus"),
	}
}

// Emit publishes signal without blocking. Signals emitted after Close are
// discarded.
func (c *ChannelBus) Emit(signal lifecycle.Signal) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.channel <- signal:
	default:
		c.dropped.Add(1)
		c.log.Warnf("Lifecycle buffer full, dropping signal '%s'", signal.Type)
	}
}

// Signals returns the receive side for listeners.
func (c *ChannelBus) Signals() <-chan lifecycle.Signal {
	return c.channel
}

// Dropped reports how many signals were discarded because the buffer was full.
func (c *ChannelBus) Dropped() uint64 {
	return c.dropped.Load()
}

// Close closes the channel so listeners drain and exit. Safe to call twice.
func (c *ChannelBus) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.channel)
		c.mu.Unlock()
	})
}

var _ lifecycle.Bus = (*ChannelBus)(nil)
