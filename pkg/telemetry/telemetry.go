// Package telemetry carries pipeline lifecycle events to pluggable
// sinks for external introspection.
package telemetry

import (
	"time"

	"k8s.io/klog/v2"

	"github.com/tensorfleet/gradsync/pkg/core"
)

// EventType classifies a pipeline lifecycle event.
type EventType int

const (
	// EventSubmitted fires when a task is accepted into the registry.
	EventSubmitted EventType = iota
	// EventAdmitted fires when a task's ready gate opens and it is
	// handed to its first stage.
	EventAdmitted
	// EventStageEntered fires each time a task enters a stage queue.
	EventStageEntered
	// EventCompleted fires when the terminal status is delivered.
	EventCompleted
)

func (t EventType) String() string {
	switch t {
	case EventSubmitted:
		return "submitted"
	case EventAdmitted:
		return "admitted"
	case EventStageEntered:
		return "stage_entered"
	case EventCompleted:
		return "completed"
	}
	return "invalid"
}

// Event is one pipeline lifecycle observation. Stage is meaningful
// for stage_entered events, Status for completed ones.
type Event struct {
	Type     EventType
	Time     time.Time
	Tensor   string
	Version  int
	Priority int
	Stage    core.QueueType
	Status   core.Status
}

// Sink consumes events. Implementations must not block: they run on
// pipeline goroutines.
type Sink interface {
	HandleEvent(Event)
}

// MultiSink fans each event out to every member sink in order.
type MultiSink []Sink

func (m MultiSink) HandleEvent(e Event) {
	for _, s := range m {
		s.HandleEvent(e)
	}
}

// LogSink writes events to klog at verbosity 4.
type LogSink struct{}

var _ Sink = LogSink{}

func (LogSink) HandleEvent(e Event) {
	log := klog.Background()
	switch e.Type {
	case EventStageEntered:
		log.V(4).Info("pipeline event", "type", e.Type.String(), "tensor", e.Tensor, "version", e.Version, "stage", e.Stage.String())
	case EventCompleted:
		log.V(4).Info("pipeline event", "type", e.Type.String(), "tensor", e.Tensor, "version", e.Version, "status", e.Status.String())
	default:
		log.V(4).Info("pipeline event", "type", e.Type.String(), "tensor", e.Tensor, "version", e.Version, "priority", e.Priority)
	}
}
