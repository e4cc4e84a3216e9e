package native

import (
	"sync/atomic"

	"github.com/tensorfleet/gradsync/pkg/core"
)

// SignalEvent is a manually triggered ready event, standing in for a
// device completion event.
type SignalEvent struct {
	ready atomic.Bool
}

var _ core.ReadyEvent = (*SignalEvent)(nil)

func NewSignalEvent() *SignalEvent {
	return &SignalEvent{}
}

// Signal marks the producer as finished.
func (e *SignalEvent) Signal() {
	e.ready.Store(true)
}

func (e *SignalEvent) Ready() bool {
	return e.ready.Load()
}
