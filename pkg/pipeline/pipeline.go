package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/unixpickle/essentials"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/tensorfleet/gradsync/pkg/core"
	"github.com/tensorfleet/gradsync/pkg/telemetry"
	"github.com/tensorfleet/gradsync/pkg/transport"
)

// Config configures a worker pipeline.
type Config struct {
	// Rank is this worker's rank in the push group.
	Rank int

	// LocalDevices is the number of local device replicas feeding
	// each tensor. With one device the REDUCE and BROADCAST stages
	// are skipped. Defaults to 1.
	LocalDevices int

	// Transport connects to the aggregating server. Required; the
	// pipeline does not close it.
	Transport transport.Client

	// DeviceOps supplies device-side logic per framework. Required
	// for device-resident entries of that framework.
	DeviceOps map[core.Framework]DeviceOps

	// Telemetry receives lifecycle events. Optional.
	Telemetry telemetry.Sink

	// QueueWorkers is the number of goroutines dispatching each
	// stage queue. Defaults to 1, which preserves strict dispatch
	// order within a stage.
	QueueWorkers int

	// PollInterval is the admission poller's re-check period for
	// entries whose ready event has not fired. Defaults to 100µs.
	PollInterval time.Duration
}

// Pipeline is the worker-side synchronization runtime. Submitted
// entries wait for their ready event, then traverse their stage
// sequence; the terminal status arrives through the entry's
// completion callback.
type Pipeline struct {
	cfg Config
	id  string

	table  *TensorTable
	keys   *KeyRegistry
	queues [core.QueueCount]*ScheduledQueue

	pendingMu sync.Mutex
	pending   []*task
	closed    bool

	inflight sync.WaitGroup

	started atomic.Bool
	group   *errgroup.Group
	cancel  context.CancelFunc
}

// New validates the config and builds a stopped pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("building pipeline: transport is required")
	}
	if cfg.LocalDevices <= 0 {
		cfg.LocalDevices = 1
	}
	if cfg.QueueWorkers <= 0 {
		cfg.QueueWorkers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Microsecond
	}
	p := &Pipeline{
		cfg:   cfg,
		id:    uuid.NewString(),
		table: NewTensorTable(),
		keys:  NewKeyRegistry(),
	}
	for i := range p.queues {
		p.queues[i] = newScheduledQueue(core.QueueType(i))
	}
	return p, nil
}

// Rank returns the worker rank.
func (p *Pipeline) Rank() int { return p.cfg.Rank }

// ID returns the unique id of this pipeline instance.
func (p *Pipeline) ID() string { return p.id }

// DeclareTensor assigns (or returns) the transport key for a tensor
// name. Workers declaring tensors in the same order agree on keys.
func (p *Pipeline) DeclareTensor(name string) uint64 {
	return p.keys.Declare(name)
}

// KeyFor returns the declared transport key for a name.
func (p *Pipeline) KeyFor(name string) (uint64, bool) {
	return p.keys.Lookup(name)
}

// Lookup returns a snapshot of the named in-flight entry.
func (p *Pipeline) Lookup(name string) (EntryState, bool) {
	return p.table.Lookup(name)
}

// InFlight returns the number of registered tasks.
func (p *Pipeline) InFlight() int {
	return p.table.Len()
}

// Start launches the admission poller and the stage workers. The
// context is the parent of all pipeline work; cancelling it fails
// in-flight transport calls, but the loops run until Close.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline already started")
	}
	log := klog.FromContext(ctx)

	ctx, p.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	p.group = g

	g.Go(func() error { return p.admissionLoop(gctx) })
	for i := range p.queues {
		q := p.queues[i]
		for w := 0; w < p.cfg.QueueWorkers; w++ {
			g.Go(func() error { return p.stageWorker(gctx, q) })
		}
	}

	log.Info("pipeline started", "rank", p.cfg.Rank, "id", p.id, "localDevices", p.cfg.LocalDevices)
	return nil
}

// Submit registers an entry and returns without waiting for
// progress. A rejected entry has its completion delivered with the
// returned failure status before Submit returns and never enters the
// registry. An accepted entry returns OK and completes through its
// callback.
func (p *Pipeline) Submit(e *core.TensorTableEntry) core.Status {
	if e == nil {
		return core.InvalidArgument("nil entry")
	}
	if e.Completion == nil {
		e.Completion = core.NewCompletion(e.Name, nil)
	}

	if st := p.validate(e); !st.OK() {
		e.Completion.Deliver(st)
		return st
	}
	stages := StageSequence(e.Request, p.cfg.LocalDevices)

	p.pendingMu.Lock()
	if p.closed {
		p.pendingMu.Unlock()
		st := core.Aborted("pipeline is shutting down")
		e.Completion.Deliver(st)
		return st
	}
	ta, st := p.table.Insert(e, stages)
	if !st.OK() {
		p.pendingMu.Unlock()
		e.Completion.Deliver(st)
		return st
	}
	p.inflight.Add(1)
	p.pending = append(p.pending, ta)
	p.pendingMu.Unlock()

	p.emit(telemetry.EventSubmitted, ta, 0, core.Status{})
	return core.OK()
}

func (p *Pipeline) validate(e *core.TensorTableEntry) core.Status {
	if !p.started.Load() {
		return core.PreconditionError("pipeline not started")
	}
	if e.Name == "" {
		return core.InvalidArgument("entry has no name")
	}
	if e.Tensor == nil {
		return core.InvalidArgument("tensor %q has no input payload", e.Name)
	}
	if !e.Tensor.DType().Valid() {
		return core.InvalidArgument("tensor %q has unknown element type %d", e.Name, int(e.Tensor.DType()))
	}
	stages := StageSequence(e.Request, p.cfg.LocalDevices)
	if len(stages) == 0 {
		return core.InvalidArgument("tensor %q has unknown request type %d", e.Name, int(e.Request))
	}
	if st := normalizeKeys(e); !st.OK() {
		return st
	}
	if e.Output == nil {
		return core.InvalidArgument("tensor %q has no output tensor", e.Name)
	}
	if e.OnCPU() {
		return core.OK()
	}
	if e.Context == nil {
		return core.PreconditionError("device tensor %q has no op context", e.Name)
	}
	if _, ok := p.cfg.DeviceOps[e.Context.Framework()]; !ok {
		return core.PreconditionError("no device ops registered for framework %s", e.Context.Framework())
	}
	return core.OK()
}

// normalizeKeys defaults single-key entries and checks the key/len
// partitioning against the payload.
func normalizeKeys(e *core.TensorTableEntry) core.Status {
	if len(e.Keys) == 0 {
		e.Keys = []uint64{e.Key}
		e.Lens = []int{int(e.Tensor.Size())}
		return core.OK()
	}
	if len(e.Keys) != len(e.Lens) {
		return core.InvalidArgument("tensor %q has %d keys but %d lens", e.Name, len(e.Keys), len(e.Lens))
	}
	sum := 0
	for i, l := range e.Lens {
		if l < 0 {
			return core.InvalidArgument("tensor %q has negative length for key %d", e.Name, e.Keys[i])
		}
		sum += l
	}
	if sum != int(e.Tensor.Size()) {
		return core.InvalidArgument("tensor %q lens sum to %d but payload is %d bytes", e.Name, sum, e.Tensor.Size())
	}
	return core.OK()
}

// admissionLoop polls pending entries and hands ready ones to their
// first stage. Entries with a nil ready event admit on the first
// scan.
func (p *Pipeline) admissionLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		var admit []*task
		p.pendingMu.Lock()
		if p.closed {
			p.pendingMu.Unlock()
			return nil
		}
		for i := 0; i < len(p.pending); {
			ta := p.pending[i]
			if ev := ta.entry.ReadyEvent; ev == nil || ev.Ready() {
				admit = append(admit, ta)
				essentials.UnorderedDelete(&p.pending, i)
				continue
			}
			i++
		}
		p.pendingMu.Unlock()

		sort.Slice(admit, func(i, j int) bool { return admit[i].seq < admit[j].seq })
		for _, ta := range admit {
			p.emit(telemetry.EventAdmitted, ta, 0, core.Status{})
			p.dispatch(ta)
		}
	}
}

// dispatch enqueues the task for the stage its cursor points at.
func (p *Pipeline) dispatch(ta *task) {
	qt := ta.stages[ta.pos]
	p.table.noteStage(ta, qt)
	p.emit(telemetry.EventStageEntered, ta, qt, core.Status{})
	p.queues[qt].Enqueue(ta)
}

// advance moves the task to its next stage, finishing it with OK
// after the last one.
func (p *Pipeline) advance(ctx context.Context, ta *task) {
	ta.pos++
	if ta.pos >= len(ta.stages) {
		p.finish(ctx, ta, core.OK())
		return
	}
	p.dispatch(ta)
}

// finish removes the task from the registry and delivers its
// terminal status.
func (p *Pipeline) finish(ctx context.Context, ta *task, st core.Status) {
	p.table.Finish(ta, st)
	p.emit(telemetry.EventCompleted, ta, 0, st)
	if !st.OK() {
		klog.FromContext(ctx).Error(st.Err(), "synchronization failed", "tensor", ta.entry.Name, "version", ta.entry.Version)
	}
	p.inflight.Done()
}

func (p *Pipeline) emit(t telemetry.EventType, ta *task, qt core.QueueType, st core.Status) {
	if p.cfg.Telemetry == nil {
		return
	}
	p.cfg.Telemetry.HandleEvent(telemetry.Event{
		Type:     t,
		Time:     time.Now(),
		Tensor:   ta.entry.Name,
		Version:  ta.entry.Version,
		Priority: ta.entry.Priority,
		Stage:    qt,
		Status:   st,
	})
}

// Close stops admission, aborts entries still waiting on their ready
// event, drains admitted work to completion, and stops the loops.
func (p *Pipeline) Close() error {
	p.pendingMu.Lock()
	alreadyClosed := p.closed
	p.closed = true
	aborted := p.pending
	p.pending = nil
	p.pendingMu.Unlock()

	if !alreadyClosed {
		for _, ta := range aborted {
			p.finish(context.Background(), ta, core.Aborted("pipeline is shutting down"))
		}
	}

	p.inflight.Wait()
	for _, q := range p.queues {
		q.Close()
	}
	if p.started.Load() {
		p.cancel()
		if err := p.group.Wait(); err != nil {
			return fmt.Errorf("stopping pipeline: %w", err)
		}
	}
	return nil
}
