// Package native is the pure-Go reference implementation of the
// framework adapter surfaces: host-memory tensors, allocation
// contexts, ready events and device operations. It backs tests,
// benchmarks and single-process runs; accelerator frameworks supply
// their own implementations of the same interfaces.
package native

import (
	"encoding/binary"
	"math"

	"github.com/tensorfleet/gradsync/pkg/core"
)

// Tensor is a host-memory tensor with little-endian element storage.
type Tensor struct {
	dtype core.DataType
	shape core.TensorShape
	data  []byte
}

var _ core.Tensor = (*Tensor)(nil)

func newTensor(dtype core.DataType, shape core.TensorShape) (*Tensor, core.Status) {
	if !dtype.Valid() {
		return nil, core.InvalidArgument("unknown element type %d", int(dtype))
	}
	for i := 0; i < shape.Dims(); i++ {
		if shape.DimSize(i) < 0 {
			return nil, core.PreconditionError("dimension %d of shape %s is negative", i, shape)
		}
	}
	n := shape.NumElements() * int64(dtype.Size())
	return &Tensor{dtype: dtype, shape: shape, data: make([]byte, n)}, core.OK()
}

// NewTensor allocates a zeroed tensor. Negative dimensions are
// rejected with PRECONDITION_ERROR.
func NewTensor(dtype core.DataType, shape core.TensorShape) (*Tensor, error) {
	t, st := newTensor(dtype, shape)
	return t, st.Err()
}

// FromFloat32 builds a rank-1 float32 tensor holding the given
// values.
func FromFloat32(vals ...float32) *Tensor {
	t := &Tensor{
		dtype: core.Float32,
		shape: core.ShapeOf(int64(len(vals))),
		data:  make([]byte, 4*len(vals)),
	}
	for i, v := range vals {
		binary.LittleEndian.PutUint32(t.data[4*i:], math.Float32bits(v))
	}
	return t
}

// Float32Values decodes the payload as float32 elements.
func (t *Tensor) Float32Values() []float32 {
	out := make([]float32, len(t.data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.data[4*i:]))
	}
	return out
}

func (t *Tensor) DType() core.DataType     { return t.dtype }
func (t *Tensor) Shape() core.TensorShape  { return t.shape }
func (t *Tensor) Data() []byte             { return t.data }
func (t *Tensor) Size() int64              { return int64(len(t.data)) }
