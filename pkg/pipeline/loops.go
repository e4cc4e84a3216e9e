package pipeline

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/tensorfleet/gradsync/pkg/core"
)

// stageWorker drains one stage queue until the pipeline closes.
func (p *Pipeline) stageWorker(ctx context.Context, q *ScheduledQueue) error {
	for {
		ta, ok := q.Dequeue()
		if !ok {
			return nil
		}
		p.runStage(ctx, q.qt, ta)
	}
}

func (p *Pipeline) runStage(ctx context.Context, qt core.QueueType, ta *task) {
	klog.FromContext(ctx).V(5).Info("running stage", "stage", qt.String(), "tensor", ta.entry.Name, "version", ta.entry.Version)
	switch qt {
	case core.QueueReduce:
		p.runReduce(ctx, ta)
	case core.QueuePush:
		p.runPush(ctx, ta)
	case core.QueuePull:
		p.runPull(ctx, ta)
	case core.QueueBroadcast:
		p.runBroadcast(ctx, ta)
	}
}

func (p *Pipeline) deviceOps(e *core.TensorTableEntry) (DeviceOps, core.Status) {
	if e.Context == nil {
		return nil, core.PreconditionError("device tensor %q has no op context", e.Name)
	}
	ops, ok := p.cfg.DeviceOps[e.Context.Framework()]
	if !ok {
		return nil, core.PreconditionError("no device ops registered for framework %s", e.Context.Framework())
	}
	return ops, core.OK()
}

func sumLens(lens []int) int {
	n := 0
	for _, l := range lens {
		n += l
	}
	return n
}

// ensureStaging provides the host staging buffer for a device entry,
// sized for both the input payload and the pulled bytes. A buffer
// supplied by the adapter is kept; otherwise one is allocated
// through the entry's context.
func (p *Pipeline) ensureStaging(e *core.TensorTableEntry) core.Status {
	need := int(e.Tensor.Size())
	if n := sumLens(e.Lens); n > need {
		need = n
	}
	if e.CPUBuff != nil {
		if len(e.CPUBuff) < need {
			return core.PreconditionError("staging buffer of %q holds %d bytes, need %d", e.Name, len(e.CPUBuff), need)
		}
		return core.OK()
	}
	buf, st := e.Context.AllocatePersistent(int64(need))
	if !st.OK() {
		return st
	}
	data := buf.AccessData(e.Context)
	if len(data) < need {
		return core.PreconditionError("staging buffer of %q came back %d bytes, need %d", e.Name, len(data), need)
	}
	e.CPUBuff = data
	return core.OK()
}

// pushPayload returns the bytes this worker pushes for the entry.
// Host tensors push their payload directly; device tensors push the
// staged bytes, staging them now unless an earlier stage already
// did.
func (p *Pipeline) pushPayload(ctx context.Context, e *core.TensorTableEntry, staged bool) ([]byte, core.Status) {
	if e.OnCPU() {
		return e.Tensor.Data(), core.OK()
	}
	if st := p.ensureStaging(e); !st.OK() {
		return nil, st
	}
	if !staged {
		ops, st := p.deviceOps(e)
		if !st.OK() {
			return nil, st
		}
		if st := ops.CopyToHost(ctx, e); !st.OK() {
			return nil, st
		}
	}
	return e.CPUBuff[:e.Tensor.Size()], core.OK()
}

// transportStatus maps a transport error onto a terminal status,
// keeping classifications that survived the wire.
func transportStatus(op, name string, err error) core.Status {
	st := core.StatusFromError(err)
	if st.Type() == core.StatusUnknownError {
		return core.UnknownError("%s %q: %v", op, name, err)
	}
	return st
}

// runReduce pre-combines local device replicas into the staging
// buffer. Host entries have a single local copy and pass through.
func (p *Pipeline) runReduce(ctx context.Context, ta *task) {
	e := ta.entry
	if !e.OnCPU() {
		ops, st := p.deviceOps(e)
		if !st.OK() {
			p.finish(ctx, ta, st)
			return
		}
		if st := p.ensureStaging(e); !st.OK() {
			p.finish(ctx, ta, st)
			return
		}
		if st := ops.Reduce(ctx, e); !st.OK() {
			p.finish(ctx, ta, st)
			return
		}
	}
	p.advance(ctx, ta)
}

// runPush sends this worker's bytes. For distribution entries
// (RootRank >= 0) only the root pushes; other ranks move straight
// on to PULL and adopt the root's bytes there.
func (p *Pipeline) runPush(ctx context.Context, ta *task) {
	e := ta.entry
	if e.RootRank >= 0 && e.RootRank != p.cfg.Rank {
		p.advance(ctx, ta)
		return
	}
	payload, st := p.pushPayload(ctx, e, ta.ranStage(core.QueueReduce))
	if !st.OK() {
		p.finish(ctx, ta, st)
		return
	}
	cmd := core.GetCommandType(e.Request, e.Tensor.DType())
	p.cfg.Transport.Push(ctx, e.Keys, payload, e.Lens, cmd, func(err error) {
		if err != nil {
			p.finish(ctx, ta, transportStatus("pushing", e.Name, err))
			return
		}
		p.advance(ctx, ta)
	})
}

// runPull fetches the committed aggregate into the output (host
// entries) or the staging buffer (device entries, which then copy
// down to their primary output).
func (p *Pipeline) runPull(ctx context.Context, ta *task) {
	e := ta.entry
	need := sumLens(e.Lens)

	var dst []byte
	if e.OnCPU() {
		out := e.Output.Data()
		if len(out) < need {
			p.finish(ctx, ta, core.PreconditionError("output of %q holds %d bytes, pull needs %d", e.Name, len(out), need))
			return
		}
		dst = out[:need]
	} else {
		if st := p.ensureStaging(e); !st.OK() {
			p.finish(ctx, ta, st)
			return
		}
		dst = e.CPUBuff[:need]
	}

	cmd := core.GetCommandType(e.Request, e.Tensor.DType())
	p.cfg.Transport.Pull(ctx, e.Keys, dst, e.Lens, cmd, func(err error) {
		if err != nil {
			p.finish(ctx, ta, transportStatus("pulling", e.Name, err))
			return
		}
		if !e.OnCPU() {
			ops, st := p.deviceOps(e)
			if !st.OK() {
				p.finish(ctx, ta, st)
				return
			}
			if st := ops.CopyFromHost(ctx, e); !st.OK() {
				p.finish(ctx, ta, st)
				return
			}
		}
		p.advance(ctx, ta)
	})
}

// runBroadcast fans the synchronized bytes out to the remaining
// local replicas.
func (p *Pipeline) runBroadcast(ctx context.Context, ta *task) {
	e := ta.entry
	if !e.OnCPU() {
		ops, st := p.deviceOps(e)
		if !st.OK() {
			p.finish(ctx, ta, st)
			return
		}
		if st := ops.Broadcast(ctx, e); !st.OK() {
			p.finish(ctx, ta, st)
			return
		}
	}
	p.advance(ctx, ta)
}

// InitTensor synchronously seeds the server-side value for a tensor
// before its first synchronization round. Only the seeding rank
// pushes: the entry's RootRank when non-negative, rank 0 otherwise;
// on every other rank the call is a no-op. May be called before
// Start.
func (p *Pipeline) InitTensor(ctx context.Context, e *core.TensorTableEntry) core.Status {
	if e == nil || e.Tensor == nil {
		return core.InvalidArgument("init entry has no payload")
	}
	if e.Name == "" {
		return core.InvalidArgument("init entry has no name")
	}
	if !e.Tensor.DType().Valid() {
		return core.InvalidArgument("tensor %q has unknown element type %d", e.Name, int(e.Tensor.DType()))
	}
	if st := normalizeKeys(e); !st.OK() {
		return st
	}

	seeder := 0
	if e.RootRank >= 0 {
		seeder = e.RootRank
	}
	if p.cfg.Rank != seeder {
		return core.OK()
	}

	payload, st := p.pushPayload(ctx, e, false)
	if !st.OK() {
		return st
	}
	cmd := core.GetCommandType(e.Request, e.Tensor.DType())

	errs := make(chan error, 1)
	p.cfg.Transport.Push(ctx, e.Keys, payload, e.Lens, cmd, func(err error) { errs <- err })
	select {
	case err := <-errs:
		if err != nil {
			return transportStatus("initializing", e.Name, err)
		}
		return core.OK()
	case <-ctx.Done():
		return core.Aborted("initializing %q: %v", e.Name, ctx.Err())
	}
}
