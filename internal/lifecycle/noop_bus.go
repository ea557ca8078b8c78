package lifecycle

import "github.com/gxo-labs/gxo-runner/pkg/runner/v1/lifecycle"

// NoOpBus discards every signal. It is the controller's default bus.
type NoOpBus struct{}

func NewNoOpBus() lifecycle.Bus {
	return &NoOpBus{}
}

func (n *NoOpBus) Emit(lifecycle.Signal) {}

var _ lifecycle.Bus = (*NoOpBus)(nil)
