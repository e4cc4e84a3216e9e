package native

import (
	"context"
	"sync"

	"github.com/tensorfleet/gradsync/pkg/core"
	"github.com/tensorfleet/gradsync/pkg/pipeline"
	"github.com/tensorfleet/gradsync/pkg/reduce"
)

// Replica is one local device copy of a tensor: the input it
// produced and the output buffer awaiting the synchronized result.
// The entry's own Tensor/Output pair is the primary replica and is
// not registered here.
type Replica struct {
	Input  *Tensor
	Output *Tensor
}

// DeviceOps implements the pipeline's device operations with host
// memory standing in for accelerator memory.
type DeviceOps struct {
	mu       sync.Mutex
	replicas map[string][]Replica
}

var _ pipeline.DeviceOps = (*DeviceOps)(nil)

func NewDeviceOps() *DeviceOps {
	return &DeviceOps{replicas: make(map[string][]Replica)}
}

// RegisterReplicas records the non-primary device copies of a named
// tensor, replacing any previous registration.
func (d *DeviceOps) RegisterReplicas(name string, reps ...Replica) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replicas[name] = reps
}

func (d *DeviceOps) replicasFor(name string) []Replica {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.replicas[name]
}

// Reduce combines the primary tensor with every registered replica
// input into the entry's staging buffer.
func (d *DeviceOps) Reduce(ctx context.Context, e *core.TensorTableEntry) core.Status {
	need := len(e.Tensor.Data())
	if len(e.CPUBuff) < need {
		return core.PreconditionError("staging buffer holds %d bytes, tensor %q needs %d", len(e.CPUBuff), e.Name, need)
	}
	dst := e.CPUBuff[:need]
	copy(dst, e.Tensor.Data())
	for i, r := range d.replicasFor(e.Name) {
		if err := reduce.Sum(e.Tensor.DType(), dst, r.Input.Data()); err != nil {
			return core.PreconditionError("combining replica %d of %q: %v", i, e.Name, err)
		}
	}
	return core.OK()
}

// CopyToHost stages the primary tensor's bytes.
func (d *DeviceOps) CopyToHost(ctx context.Context, e *core.TensorTableEntry) core.Status {
	need := len(e.Tensor.Data())
	if len(e.CPUBuff) < need {
		return core.PreconditionError("staging buffer holds %d bytes, tensor %q needs %d", len(e.CPUBuff), e.Name, need)
	}
	copy(e.CPUBuff[:need], e.Tensor.Data())
	return core.OK()
}

// CopyFromHost writes the staged synchronized bytes into the primary
// output.
func (d *DeviceOps) CopyFromHost(ctx context.Context, e *core.TensorTableEntry) core.Status {
	if e.Output == nil {
		return core.PreconditionError("tensor %q has no output", e.Name)
	}
	need := len(e.Output.Data())
	if len(e.CPUBuff) < need {
		return core.PreconditionError("staging buffer holds %d bytes, output of %q needs %d", len(e.CPUBuff), e.Name, need)
	}
	copy(e.Output.Data(), e.CPUBuff[:need])
	return core.OK()
}

// Broadcast fans the staged synchronized bytes out to every
// registered replica output.
func (d *DeviceOps) Broadcast(ctx context.Context, e *core.TensorTableEntry) core.Status {
	for i, r := range d.replicasFor(e.Name) {
		if r.Output == nil {
			return core.PreconditionError("replica %d of %q has no output", i, e.Name)
		}
		need := len(r.Output.Data())
		if len(e.CPUBuff) < need {
			return core.PreconditionError("staging buffer holds %d bytes, replica %d of %q needs %d", len(e.CPUBuff), i, e.Name, need)
		}
		copy(r.Output.Data(), e.CPUBuff[:need])
	}
	return core.OK()
}
