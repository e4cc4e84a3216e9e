package pipeline

import (
	"sync"

	"github.com/tensorfleet/gradsync/pkg/core"
)

// task wraps a table entry with the pipeline's own bookkeeping: the
// stage sequence derived at submission, the cursor into it, and the
// arrival sequence used to break priority ties.
type task struct {
	entry  *core.TensorTableEntry
	stages []core.QueueType
	pos    int
	seq    uint64
}

// ranStage reports whether the task has already passed through the
// given stage.
func (ta *task) ranStage(qt core.QueueType) bool {
	for _, s := range ta.stages[:ta.pos] {
		if s == qt {
			return true
		}
	}
	return false
}

// EntryState is a point-in-time view of an in-flight entry, safe to
// read while the pipeline is working on it.
type EntryState struct {
	Name     string
	Version  int
	Priority int
	Device   int
	Request  core.RequestType
	LastOp   core.QueueType
}

// TensorTable tracks the in-flight task per tensor name: at most one
// at a time. Versions are assigned at insertion and keep increasing
// per name for the table's whole lifetime, across removals.
type TensorTable struct {
	mu       sync.Mutex
	tasks    map[string]*task
	versions map[string]int
	seq      uint64
}

func NewTensorTable() *TensorTable {
	return &TensorTable{
		tasks:    make(map[string]*task),
		versions: make(map[string]int),
	}
}

// Insert registers the entry, assigning its version and arrival
// sequence. A name that already has an in-flight task is rejected
// with PRECONDITION_ERROR and the table is left untouched.
func (t *TensorTable) Insert(e *core.TensorTableEntry, stages []core.QueueType) (*task, core.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.tasks[e.Name]; exists {
		return nil, core.PreconditionError("tensor %q already has a task in flight", e.Name)
	}
	t.versions[e.Name]++
	e.Version = t.versions[e.Name]
	t.seq++
	ta := &task{entry: e, stages: stages, seq: t.seq}
	t.tasks[e.Name] = ta
	return ta, core.OK()
}

// Lookup returns a snapshot of the named entry's state.
func (t *TensorTable) Lookup(name string) (EntryState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ta, ok := t.tasks[name]
	if !ok {
		return EntryState{}, false
	}
	e := ta.entry
	return EntryState{
		Name:     e.Name,
		Version:  e.Version,
		Priority: e.Priority,
		Device:   e.Device,
		Request:  e.Request,
		LastOp:   e.LastOp,
	}, true
}

// Len returns the number of in-flight tasks.
func (t *TensorTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}

// noteStage records the stage the task is entering. Serialized with
// Lookup so state snapshots never tear.
func (t *TensorTable) noteStage(ta *task, qt core.QueueType) {
	t.mu.Lock()
	ta.entry.LastOp = qt
	t.mu.Unlock()
}

// Finish removes the task and delivers its terminal status. The
// removal happens first, so the callback never observes its own
// entry still registered and may resubmit the name immediately; the
// resubmitted entry gets the next version. The callback runs outside
// the table lock.
func (t *TensorTable) Finish(ta *task, s core.Status) {
	t.mu.Lock()
	delete(t.tasks, ta.entry.Name)
	t.mu.Unlock()
	ta.entry.Completion.Deliver(s)
}
