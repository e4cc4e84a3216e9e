package core

import (
	"fmt"
	"sync/atomic"
)

// StatusCallback receives the terminal outcome of a task.
type StatusCallback func(Status)

// Completion wraps a StatusCallback and enforces exactly-once
// delivery of a terminal status. Delivering twice, or delivering
// IN_PROGRESS, is a bug in the caller and panics.
type Completion struct {
	name  string
	cb    StatusCallback
	fired atomic.Bool
}

// NewCompletion builds a completion for the named task. cb may be
// nil when the submitter does not care about the outcome; delivery
// bookkeeping still applies.
func NewCompletion(name string, cb StatusCallback) *Completion {
	return &Completion{name: name, cb: cb}
}

// Deliver invokes the callback with a terminal status. The callback
// runs on the delivering goroutine.
func (c *Completion) Deliver(s Status) {
	if s.InProgress() {
		panic(fmt.Sprintf("completion for %q: IN_PROGRESS is not a terminal status", c.name))
	}
	if !c.fired.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("completion for %q delivered twice", c.name))
	}
	if c.cb != nil {
		c.cb(s)
	}
}

// Delivered reports whether the terminal status has been delivered.
func (c *Completion) Delivered() bool { return c.fired.Load() }

// TensorTableEntry is the record of one in-flight synchronization
// task. The submitting adapter fills it in; the pipeline owns it from
// acceptance until the terminal callback fires, after which no field
// is mutated again.
type TensorTableEntry struct {
	// Name is the tensor's registry key. At most one in-flight entry
	// may hold a given name.
	Name string

	// Key is the primary transport key. Keys and Lens describe the
	// per-key payload partitioning; when Keys is empty the entry is
	// single-key and Keys/Lens default to Key and the tensor size.
	Key  uint64
	Keys []uint64
	Lens []int

	// Context supplies allocation and framework identity.
	Context OpContext

	// Tensor is the input payload. Output receives the synchronized
	// result and must be allocated before submission for any flow
	// that pulls.
	Tensor Tensor
	Output Tensor

	// Request selects the synchronization flavor and, with the
	// element type, determines the transport command code.
	Request RequestType

	// Priority orders dispatch within a stage: higher runs first.
	Priority int

	// Version is assigned by the table at acceptance and increases
	// monotonically per name across the entry's whole lifetime there.
	Version int

	// RootRank designates distribution flows: when non-negative,
	// only the root rank pushes and every other rank adopts the
	// root's bytes. Negative means aggregation: every rank pushes.
	RootRank int

	// ReadyEvent gates admission; nil admits immediately.
	ReadyEvent ReadyEvent

	// Device is the ordinal of the device owning Tensor, or
	// CPUDeviceID for host memory.
	Device int

	// Completion delivers the terminal status exactly once.
	Completion *Completion

	// CPUBuff is the host staging area for device-resident entries.
	// Left nil, the pipeline allocates it through Context on first
	// need.
	CPUBuff []byte

	// LastOp records the pipeline stage the entry most recently
	// entered. Meaningful once the entry is admitted.
	LastOp QueueType
}

// OnCPU reports whether the entry's tensor lives in host memory.
func (e *TensorTableEntry) OnCPU() bool { return e.Device == CPUDeviceID }
