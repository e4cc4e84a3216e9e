package core

import "testing"

func TestShapeNumElements(t *testing.T) {
	cases := []struct {
		shape TensorShape
		want  int64
	}{
		{ShapeOf(), 1},
		{ShapeOf(4), 4},
		{ShapeOf(2, 3), 6},
		{ShapeOf(2, 0, 5), 0},
	}
	for _, c := range cases {
		if got := c.shape.NumElements(); got != c.want {
			t.Errorf("%v.NumElements() = %d, want %d", c.shape, got, c.want)
		}
	}
}

func TestShapeEqual(t *testing.T) {
	a := ShapeOf(2, 3)
	b := ShapeOf(2, 3)
	if !a.Equal(b) {
		t.Errorf("%v should equal %v", a, b)
	}
	if a.Equal(ShapeOf(3, 2)) {
		t.Error("shapes with permuted dims compare equal")
	}
	if a.Equal(ShapeOf(6)) {
		t.Error("shapes with different rank compare equal")
	}
	if !ShapeOf().Equal(ShapeOf()) {
		t.Error("scalar shapes do not compare equal")
	}
}

func TestShapeBuild(t *testing.T) {
	var s TensorShape
	s.AddDim(4)
	s.AddDim(5)
	s.AppendShape(ShapeOf(6))
	if s.Dims() != 3 {
		t.Fatalf("Dims() = %d, want 3", s.Dims())
	}
	if s.DimSize(1) != 5 {
		t.Errorf("DimSize(1) = %d, want 5", s.DimSize(1))
	}
	if s.String() != "[4, 5, 6]" {
		t.Errorf("String() = %q", s.String())
	}
}
