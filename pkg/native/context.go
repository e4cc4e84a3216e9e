package native

import "github.com/tensorfleet/gradsync/pkg/core"

// Context is the native allocation context. The element type of
// output allocations is fixed at construction, mirroring how a
// framework's operation context knows the dtype of the op it serves.
type Context struct {
	dtype core.DataType
}

var _ core.OpContext = (*Context)(nil)

func NewContext(dtype core.DataType) *Context {
	return &Context{dtype: dtype}
}

func (c *Context) AllocatePersistent(size int64) (core.PersistentBuffer, core.Status) {
	if size < 0 {
		return nil, core.PreconditionError("allocation size %d is negative", size)
	}
	return &hostBuffer{data: make([]byte, size)}, core.OK()
}

func (c *Context) AllocateOutput(shape core.TensorShape) (core.Tensor, core.Status) {
	t, st := newTensor(c.dtype, shape)
	if !st.OK() {
		return nil, st
	}
	return t, core.OK()
}

func (c *Context) Framework() core.Framework { return core.FrameworkNative }

type hostBuffer struct {
	data []byte
}

var _ core.PersistentBuffer = (*hostBuffer)(nil)

func (b *hostBuffer) AccessData(ctx core.OpContext) []byte { return b.data }
