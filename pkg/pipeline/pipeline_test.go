package pipeline_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tensorfleet/gradsync/pkg/core"
	"github.com/tensorfleet/gradsync/pkg/native"
	"github.com/tensorfleet/gradsync/pkg/pipeline"
	"github.com/tensorfleet/gradsync/pkg/server"
	"github.com/tensorfleet/gradsync/pkg/transport"
)

func startPipeline(t *testing.T, cfg pipeline.Config) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(cfg)
	if err != nil {
		t.Fatalf("failed to build pipeline: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("failed to start pipeline: %v", err)
	}
	t.Cleanup(func() {
		if err := p.Close(); err != nil {
			t.Errorf("failed to close pipeline: %v", err)
		}
	})
	return p
}

func startLoopbackPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	srv := server.New(server.Config{NumWorkers: 1})
	return startPipeline(t, pipeline.Config{Transport: transport.NewLoopback(srv, 0)})
}

func cpuEntry(p *pipeline.Pipeline, name string, vals []float32, priority int, cb core.StatusCallback) *core.TensorTableEntry {
	in := native.FromFloat32(vals...)
	out, err := native.NewTensor(core.Float32, in.Shape())
	if err != nil {
		panic(err)
	}
	return &core.TensorTableEntry{
		Name:       name,
		Key:        p.DeclareTensor(name),
		Tensor:     in,
		Output:     out,
		Request:    core.DefaultPushPull,
		Priority:   priority,
		RootRank:   -1,
		Device:     core.CPUDeviceID,
		Completion: core.NewCompletion(name, cb),
	}
}

func waitStatus(t *testing.T, ch <-chan core.Status) core.Status {
	t.Helper()
	select {
	case st := <-ch:
		return st
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a terminal status")
		return core.Status{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func equalFloat32(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDefaultPushPullCompletes(t *testing.T) {
	p := startLoopbackPipeline(t)

	done := make(chan core.Status, 1)
	e := cpuEntry(p, "grad1", []float32{1.5, 2.5}, 5, func(st core.Status) { done <- st })
	if st := p.Submit(e); !st.OK() {
		t.Fatalf("failed to submit: %s", st)
	}

	if st := waitStatus(t, done); !st.OK() {
		t.Fatalf("terminal status = %s, want OK", st)
	}
	if e.LastOp != core.QueuePull {
		t.Errorf("final LastOp = %s, want %s", e.LastOp, core.QueuePull)
	}
	if _, ok := p.Lookup("grad1"); ok {
		t.Error("entry still registered after completion")
	}
	if n := p.InFlight(); n != 0 {
		t.Errorf("InFlight = %d after completion, want 0", n)
	}
	got := e.Output.(*native.Tensor).Float32Values()
	if !equalFloat32(got, []float32{1.5, 2.5}) {
		t.Errorf("output = %v, want the pushed values %v", got, []float32{1.5, 2.5})
	}
}

func TestAggregationAcrossWorkers(t *testing.T) {
	srv := server.New(server.Config{NumWorkers: 2})
	p0 := startPipeline(t, pipeline.Config{Rank: 0, Transport: transport.NewLoopback(srv, 0)})
	p1 := startPipeline(t, pipeline.Config{Rank: 1, Transport: transport.NewLoopback(srv, 1)})

	// Seed the key from the designated rank before the first full
	// round; on rank 1 the call is a no-op.
	for _, p := range []*pipeline.Pipeline{p0, p1} {
		seed, err := native.NewTensor(core.Float32, core.ShapeOf(2))
		if err != nil {
			t.Fatalf("failed to build seed tensor: %v", err)
		}
		init := &core.TensorTableEntry{
			Name:     "grad0",
			Key:      p.DeclareTensor("grad0"),
			Tensor:   seed,
			RootRank: -1,
			Device:   core.CPUDeviceID,
		}
		if st := p.InitTensor(context.Background(), init); !st.OK() {
			t.Fatalf("failed to init tensor on rank %d: %s", p.Rank(), st)
		}
	}

	done0 := make(chan core.Status, 1)
	done1 := make(chan core.Status, 1)
	e0 := cpuEntry(p0, "grad0", []float32{1, 2}, 0, func(st core.Status) { done0 <- st })
	e1 := cpuEntry(p1, "grad0", []float32{10, 20}, 0, func(st core.Status) { done1 <- st })

	if st := p0.Submit(e0); !st.OK() {
		t.Fatalf("failed to submit on rank 0: %s", st)
	}
	if st := p1.Submit(e1); !st.OK() {
		t.Fatalf("failed to submit on rank 1: %s", st)
	}

	if st := waitStatus(t, done0); !st.OK() {
		t.Fatalf("rank 0 terminal status = %s, want OK", st)
	}
	if st := waitStatus(t, done1); !st.OK() {
		t.Fatalf("rank 1 terminal status = %s, want OK", st)
	}

	want := []float32{11, 22}
	for rank, e := range []*core.TensorTableEntry{e0, e1} {
		got := e.Output.(*native.Tensor).Float32Values()
		if !equalFloat32(got, want) {
			t.Errorf("rank %d pulled %v, want the aggregate %v", rank, got, want)
		}
	}
}

func TestDuplicateInFlightRejectedAndCloseAborts(t *testing.T) {
	srv := server.New(server.Config{NumWorkers: 1})
	p, err := pipeline.New(pipeline.Config{Transport: transport.NewLoopback(srv, 0)})
	if err != nil {
		t.Fatalf("failed to build pipeline: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("failed to start pipeline: %v", err)
	}

	gate := native.NewSignalEvent()
	done := make(chan core.Status, 1)
	first := cpuEntry(p, "grad0", []float32{1}, 0, func(st core.Status) { done <- st })
	first.ReadyEvent = gate
	if st := p.Submit(first); !st.OK() {
		t.Fatalf("failed to submit first entry: %s", st)
	}

	var dupStatus core.Status
	dup := cpuEntry(p, "grad0", []float32{2}, 0, func(st core.Status) { dupStatus = st })
	st := p.Submit(dup)
	if st.Type() != core.StatusPreconditionError {
		t.Fatalf("duplicate submit status = %s, want PRECONDITION_ERROR", st)
	}
	if dupStatus.Type() != core.StatusPreconditionError {
		t.Fatalf("duplicate callback status = %s, want PRECONDITION_ERROR delivered before Submit returned", dupStatus)
	}
	if n := p.InFlight(); n != 1 {
		t.Fatalf("InFlight = %d, want 1", n)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("failed to close pipeline: %v", err)
	}
	if st := waitStatus(t, done); st.Type() != core.StatusAborted {
		t.Errorf("terminal status of never-ready entry = %s, want ABORTED", st)
	}

	var lateStatus core.Status
	late := cpuEntry(p, "grad9", []float32{3}, 0, func(st core.Status) { lateStatus = st })
	if st := p.Submit(late); st.Type() != core.StatusAborted {
		t.Errorf("submit after close status = %s, want ABORTED", st)
	} else if lateStatus.Type() != core.StatusAborted {
		t.Errorf("callback after close status = %s, want ABORTED", lateStatus)
	}
}

// gatedTransport records push order and blocks the push of one key
// until released, so entries can pile up behind it in the queue.
type gatedTransport struct {
	mu      sync.Mutex
	pushed  []uint64
	blockOn uint64
	release chan struct{}
}

func (g *gatedTransport) Push(ctx context.Context, keys []uint64, vals []byte, lens []int, cmd int, done func(error)) {
	g.mu.Lock()
	g.pushed = append(g.pushed, keys...)
	block := len(keys) == 1 && keys[0] == g.blockOn
	g.mu.Unlock()
	if block {
		<-g.release
	}
	done(nil)
}

func (g *gatedTransport) Pull(ctx context.Context, keys []uint64, dst []byte, lens []int, cmd int, done func(error)) {
	done(nil)
}

func (g *gatedTransport) Close() error { return nil }

func (g *gatedTransport) pushOrder() []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]uint64(nil), g.pushed...)
}

func TestPriorityOrdersDispatchWithinStage(t *testing.T) {
	gate := &gatedTransport{release: make(chan struct{})}
	p := startPipeline(t, pipeline.Config{Transport: gate})

	blockerDone := make(chan core.Status, 1)
	blocker := cpuEntry(p, "blocker", []float32{0}, 100, func(st core.Status) { blockerDone <- st })
	gate.blockOn = blocker.Key
	if st := p.Submit(blocker); !st.OK() {
		t.Fatalf("failed to submit blocker: %s", st)
	}
	waitFor(t, "blocker to reach PUSH", func() bool {
		state, ok := p.Lookup("blocker")
		return ok && state.LastOp == core.QueuePush
	})

	doneB := make(chan core.Status, 1)
	doneC := make(chan core.Status, 1)
	low := cpuEntry(p, "gradB", []float32{1}, 1, func(st core.Status) { doneB <- st })
	high := cpuEntry(p, "gradC", []float32{2}, 5, func(st core.Status) { doneC <- st })
	if st := p.Submit(low); !st.OK() {
		t.Fatalf("failed to submit low-priority entry: %s", st)
	}
	if st := p.Submit(high); !st.OK() {
		t.Fatalf("failed to submit high-priority entry: %s", st)
	}

	waitFor(t, "both entries to be queued at PUSH", func() bool {
		b, okB := p.Lookup("gradB")
		c, okC := p.Lookup("gradC")
		return okB && okC && b.LastOp == core.QueuePush && c.LastOp == core.QueuePush
	})
	time.Sleep(10 * time.Millisecond)
	close(gate.release)

	for _, ch := range []chan core.Status{blockerDone, doneC, doneB} {
		if st := waitStatus(t, ch); !st.OK() {
			t.Fatalf("terminal status = %s, want OK", st)
		}
	}

	want := []uint64{blocker.Key, high.Key, low.Key}
	got := gate.pushOrder()
	if len(got) != len(want) {
		t.Fatalf("pushed keys %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("push order %v, want higher priority first %v", got, want)
		}
	}
}

func TestReadyEventGatesAdmission(t *testing.T) {
	p := startLoopbackPipeline(t)

	ev := native.NewSignalEvent()
	done := make(chan core.Status, 1)
	e := cpuEntry(p, "grad0", []float32{4}, 0, func(st core.Status) { done <- st })
	e.ReadyEvent = ev
	if st := p.Submit(e); !st.OK() {
		t.Fatalf("failed to submit: %s", st)
	}

	time.Sleep(30 * time.Millisecond)
	state, ok := p.Lookup("grad0")
	if !ok {
		t.Fatal("entry left the registry while its ready event was unset")
	}
	if state.LastOp != core.QueueReduce {
		t.Fatalf("entry entered stage %s before its ready event fired", state.LastOp)
	}

	ev.Signal()
	if st := waitStatus(t, done); !st.OK() {
		t.Fatalf("terminal status = %s, want OK", st)
	}
	if e.LastOp != core.QueuePull {
		t.Errorf("final LastOp = %s, want %s", e.LastOp, core.QueuePull)
	}
}

func TestRootDistributionBroadcast(t *testing.T) {
	srv := server.New(server.Config{NumWorkers: 2})
	rootVals := []float32{3, 1, 4, 1}

	type worker struct {
		p       *pipeline.Pipeline
		entry   *core.TensorTableEntry
		replica native.Replica
		done    chan core.Status
	}
	workers := make([]*worker, 2)

	for rank := range workers {
		opctx := native.NewContext(core.Float32)
		ops := native.NewDeviceOps()
		p := startPipeline(t, pipeline.Config{
			Rank:         rank,
			LocalDevices: 2,
			Transport:    transport.NewLoopback(srv, rank),
			DeviceOps:    map[core.Framework]pipeline.DeviceOps{core.FrameworkNative: ops},
		})

		vals := make([]float32, len(rootVals))
		if rank == 0 {
			copy(vals, rootVals)
		}
		in := native.FromFloat32(vals...)
		out, err := native.NewTensor(core.Float32, in.Shape())
		if err != nil {
			t.Fatalf("failed to build output tensor: %v", err)
		}
		repIn, err := native.NewTensor(core.Float32, in.Shape())
		if err != nil {
			t.Fatalf("failed to build replica input: %v", err)
		}
		repOut, err := native.NewTensor(core.Float32, in.Shape())
		if err != nil {
			t.Fatalf("failed to build replica output: %v", err)
		}
		rep := native.Replica{Input: repIn, Output: repOut}
		ops.RegisterReplicas("params", rep)

		done := make(chan core.Status, 1)
		e := &core.TensorTableEntry{
			Name:       "params",
			Key:        p.DeclareTensor("params"),
			Context:    opctx,
			Tensor:     in,
			Output:     out,
			Request:    core.RowSparsePushPull,
			RootRank:   0,
			Device:     0,
			Completion: core.NewCompletion("params", func(st core.Status) { done <- st }),
		}
		workers[rank] = &worker{p: p, entry: e, replica: rep, done: done}
	}

	for rank, w := range workers {
		if st := w.p.Submit(w.entry); !st.OK() {
			t.Fatalf("failed to submit on rank %d: %s", rank, st)
		}
	}
	for rank, w := range workers {
		if st := waitStatus(t, w.done); !st.OK() {
			t.Fatalf("rank %d terminal status = %s, want OK", rank, st)
		}
		if w.entry.LastOp != core.QueueBroadcast {
			t.Errorf("rank %d final LastOp = %s, want %s", rank, w.entry.LastOp, core.QueueBroadcast)
		}
	}

	for rank, w := range workers {
		if got := w.entry.Output.(*native.Tensor).Float32Values(); !equalFloat32(got, rootVals) {
			t.Errorf("rank %d output = %v, want the root's values %v", rank, got, rootVals)
		}
		if got := w.replica.Output.Float32Values(); !equalFloat32(got, rootVals) {
			t.Errorf("rank %d replica output = %v, want the root's values %v", rank, got, rootVals)
		}
	}
}

func TestVersionsAcrossResubmission(t *testing.T) {
	p := startLoopbackPipeline(t)

	var versions []int
	for i := 0; i < 2; i++ {
		done := make(chan core.Status, 1)
		e := cpuEntry(p, "grad0", []float32{float32(i)}, 0, func(st core.Status) { done <- st })
		if st := p.Submit(e); !st.OK() {
			t.Fatalf("failed to submit round %d: %s", i, st)
		}
		if st := waitStatus(t, done); !st.OK() {
			t.Fatalf("round %d terminal status = %s, want OK", i, st)
		}
		versions = append(versions, e.Version)
	}
	if versions[0] != 1 || versions[1] != 2 {
		t.Errorf("versions across resubmission = %v, want [1 2]", versions)
	}
}

func TestSubmitValidation(t *testing.T) {
	stopped, err := pipeline.New(pipeline.Config{Transport: &gatedTransport{}})
	if err != nil {
		t.Fatalf("failed to build pipeline: %v", err)
	}
	if st := stopped.Submit(cpuEntry(stopped, "grad0", []float32{1}, 0, nil)); st.Type() != core.StatusPreconditionError {
		t.Errorf("submit before start status = %s, want PRECONDITION_ERROR", st)
	}

	p := startPipeline(t, pipeline.Config{Transport: &gatedTransport{release: make(chan struct{})}})

	valid := func() *core.TensorTableEntry {
		e := cpuEntry(p, "grad0", []float32{1, 2}, 0, nil)
		e.Completion = nil
		return e
	}

	grid := []struct {
		name   string
		mutate func(*core.TensorTableEntry)
		want   core.StatusType
	}{
		{"no name", func(e *core.TensorTableEntry) { e.Name = "" }, core.StatusInvalidArgument},
		{"no input", func(e *core.TensorTableEntry) { e.Tensor = nil }, core.StatusInvalidArgument},
		{"no output", func(e *core.TensorTableEntry) { e.Output = nil }, core.StatusInvalidArgument},
		{"unknown request", func(e *core.TensorTableEntry) { e.Request = core.RequestType(42) }, core.StatusInvalidArgument},
		{"keys lens mismatch", func(e *core.TensorTableEntry) {
			e.Keys = []uint64{1, 2}
			e.Lens = []int{8}
		}, core.StatusInvalidArgument},
		{"negative len", func(e *core.TensorTableEntry) {
			e.Keys = []uint64{1, 2}
			e.Lens = []int{12, -4}
		}, core.StatusInvalidArgument},
		{"lens sum mismatch", func(e *core.TensorTableEntry) {
			e.Keys = []uint64{1, 2}
			e.Lens = []int{4, 8}
		}, core.StatusInvalidArgument},
		{"device entry without context", func(e *core.TensorTableEntry) { e.Device = 0 }, core.StatusPreconditionError},
		{"device entry without ops", func(e *core.TensorTableEntry) {
			e.Device = 0
			e.Context = native.NewContext(core.Float32)
		}, core.StatusPreconditionError},
	}
	for _, g := range grid {
		e := valid()
		g.mutate(e)
		var delivered core.Status
		e.Completion = core.NewCompletion(e.Name, func(st core.Status) { delivered = st })
		st := p.Submit(e)
		if st.Type() != g.want {
			t.Errorf("%s: submit status = %s, want %v", g.name, st, g.want)
			continue
		}
		if delivered.Type() != g.want {
			t.Errorf("%s: callback status = %s, want it delivered before Submit returned", g.name, delivered)
		}
		if _, ok := p.Lookup("grad0"); ok {
			t.Errorf("%s: rejected entry entered the registry", g.name)
		}
	}
}
