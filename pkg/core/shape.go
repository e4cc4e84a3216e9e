package core

import (
	"fmt"
	"strings"
)

// TensorShape is an ordered list of dimension sizes. Shapes compare
// structurally with Equal; the struct itself is not comparable.
type TensorShape struct {
	dims []int64
}

// ShapeOf builds a shape from the given dimensions. No dimensions
// means a scalar.
func ShapeOf(dims ...int64) TensorShape {
	s := TensorShape{}
	s.dims = append(s.dims, dims...)
	return s
}

// AddDim appends one dimension.
func (s *TensorShape) AddDim(d int64) {
	s.dims = append(s.dims, d)
}

// AppendShape appends all of other's dimensions.
func (s *TensorShape) AppendShape(other TensorShape) {
	s.dims = append(s.dims, other.dims...)
}

// Dims returns the number of dimensions.
func (s TensorShape) Dims() int { return len(s.dims) }

// DimSize returns the size of dimension i.
func (s TensorShape) DimSize(i int) int64 { return s.dims[i] }

// NumElements returns the product of the dimensions. A scalar has
// one element. The product is not validated; shapes with negative
// dimensions are rejected by allocators, not here.
func (s TensorShape) NumElements() int64 {
	n := int64(1)
	for _, d := range s.dims {
		n *= d
	}
	return n
}

// Equal reports structural equality: same rank, same size per
// dimension.
func (s TensorShape) Equal(other TensorShape) bool {
	if len(s.dims) != len(other.dims) {
		return false
	}
	for i, d := range s.dims {
		if other.dims[i] != d {
			return false
		}
	}
	return true
}

func (s TensorShape) String() string {
	parts := make([]string, len(s.dims))
	for i, d := range s.dims {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
