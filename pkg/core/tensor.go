package core

// Tensor is a view over framework-owned tensor memory. The runtime
// moves and combines bytes through this interface without knowing how
// the owning framework laid them out.
type Tensor interface {
	DType() DataType
	Shape() TensorShape

	// Data exposes the raw bytes. For device-resident tensors the
	// returned slice is whatever the framework adapter chooses to
	// surface; the pipeline only touches it through DeviceOps.
	Data() []byte

	// Size returns the payload size in bytes.
	Size() int64
}

// PersistentBuffer is framework-allocated memory that outlives a
// single operation, used for host-side staging of device tensors.
type PersistentBuffer interface {
	// AccessData returns the buffer's bytes for the given context.
	AccessData(ctx OpContext) []byte
}

// OpContext is the per-operation allocation surface a framework
// adapter supplies with each submitted task.
type OpContext interface {
	// AllocatePersistent obtains a staging buffer of size bytes.
	AllocatePersistent(size int64) (PersistentBuffer, Status)

	// AllocateOutput obtains an output tensor of the given shape.
	// Malformed shapes yield PRECONDITION_ERROR.
	AllocateOutput(shape TensorShape) (Tensor, Status)

	// Framework names the adapter this context belongs to, which
	// selects the device operations used on its entries.
	Framework() Framework
}

// ReadyEvent reports, without blocking, whether the device-side
// producer of a tensor has finished writing it. A nil ReadyEvent on
// an entry means the tensor is ready immediately.
type ReadyEvent interface {
	Ready() bool
}
