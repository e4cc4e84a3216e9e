package native

import (
	"testing"

	"github.com/tensorfleet/gradsync/pkg/core"
)

func TestNewTensorAllocatesZeroed(t *testing.T) {
	tn, err := NewTensor(core.Float32, core.ShapeOf(2, 3))
	if err != nil {
		t.Fatalf("failed to allocate tensor: %v", err)
	}
	if tn.DType() != core.Float32 {
		t.Errorf("dtype = %s, want %s", tn.DType(), core.Float32)
	}
	if !tn.Shape().Equal(core.ShapeOf(2, 3)) {
		t.Errorf("shape = %s, want [2, 3]", tn.Shape())
	}
	if tn.Size() != 24 {
		t.Errorf("size = %d, want 24", tn.Size())
	}
	for i, b := range tn.Data() {
		if b != 0 {
			t.Fatalf("byte %d = %d, want zeroed storage", i, b)
		}
	}
}

func TestNewTensorRejectsNegativeDim(t *testing.T) {
	_, err := NewTensor(core.Float32, core.ShapeOf(2, -1))
	if err == nil {
		t.Fatal("negative dimension was accepted")
	}
	if st := core.StatusFromError(err); st.Type() != core.StatusPreconditionError {
		t.Errorf("status = %s, want PRECONDITION_ERROR", st)
	}
}

func TestNewTensorRejectsUnknownDType(t *testing.T) {
	_, err := NewTensor(core.DataType(99), core.ShapeOf(2))
	if err == nil {
		t.Fatal("unknown element type was accepted")
	}
	if st := core.StatusFromError(err); st.Type() != core.StatusInvalidArgument {
		t.Errorf("status = %s, want INVALID_ARGUMENT", st)
	}
}

func TestFromFloat32RoundTrip(t *testing.T) {
	vals := []float32{1.5, -2.25, 0, 3e7}
	tn := FromFloat32(vals...)
	if tn.Size() != int64(4*len(vals)) {
		t.Fatalf("size = %d, want %d", tn.Size(), 4*len(vals))
	}
	got := tn.Float32Values()
	for i := range vals {
		if got[i] != vals[i] {
			t.Errorf("value %d = %v, want %v", i, got[i], vals[i])
		}
	}
}

func TestContextAllocateOutput(t *testing.T) {
	c := NewContext(core.Int32)
	out, st := c.AllocateOutput(core.ShapeOf(4))
	if !st.OK() {
		t.Fatalf("failed to allocate output: %s", st)
	}
	if out.DType() != core.Int32 || out.Size() != 16 {
		t.Errorf("allocated %s of %d bytes, want INT32 of 16", out.DType(), out.Size())
	}

	if _, st := c.AllocateOutput(core.ShapeOf(-3)); st.Type() != core.StatusPreconditionError {
		t.Errorf("negative dimension status = %s, want PRECONDITION_ERROR", st)
	}
}

func TestContextAllocatePersistent(t *testing.T) {
	c := NewContext(core.Float32)
	buf, st := c.AllocatePersistent(16)
	if !st.OK() {
		t.Fatalf("failed to allocate buffer: %s", st)
	}
	if got := len(buf.AccessData(c)); got != 16 {
		t.Errorf("buffer holds %d bytes, want 16", got)
	}

	if _, st := c.AllocatePersistent(-1); st.Type() != core.StatusPreconditionError {
		t.Errorf("negative size status = %s, want PRECONDITION_ERROR", st)
	}
}

func TestSignalEvent(t *testing.T) {
	ev := NewSignalEvent()
	if ev.Ready() {
		t.Fatal("event reports ready before being signalled")
	}
	ev.Signal()
	if !ev.Ready() {
		t.Fatal("event reports not ready after being signalled")
	}
}
