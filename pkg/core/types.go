// Package core defines the shared vocabulary of the gradient
// synchronization runtime: element types, pipeline stages, task
// records and their terminal statuses. The numeric values of
// DataType and QueueType are part of the wire contract with the
// parameter-server transport and must never be renumbered.
package core

// DataType identifies the element type of a tensor payload.
type DataType int

const (
	Float32 DataType = 0
	Float64 DataType = 1
	Float16 DataType = 2
	Uint8   DataType = 3
	Int32   DataType = 4
	Int8    DataType = 5
	Int64   DataType = 6
)

// Size returns the width of one element in bytes, or 0 for an
// unknown type.
func (d DataType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	case Float16:
		return 2
	case Uint8, Int8:
		return 1
	}
	return 0
}

// Valid reports whether d is one of the defined element types.
func (d DataType) Valid() bool {
	return d.Size() != 0
}

func (d DataType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Float16:
		return "float16"
	case Uint8:
		return "uint8"
	case Int32:
		return "int32"
	case Int8:
		return "int8"
	case Int64:
		return "int64"
	}
	return "invalid"
}

// QueueType identifies one stage of the synchronization pipeline.
type QueueType int

const (
	QueueReduce    QueueType = 0
	QueuePush      QueueType = 1
	QueuePull      QueueType = 2
	QueueBroadcast QueueType = 3

	// QueueCount is the number of pipeline stages.
	QueueCount = 4
)

func (q QueueType) String() string {
	switch q {
	case QueueReduce:
		return "REDUCE"
	case QueuePush:
		return "PUSH"
	case QueuePull:
		return "PULL"
	case QueueBroadcast:
		return "BROADCAST"
	}
	return "invalid"
}

// RequestType distinguishes the synchronization flavors a task can
// request. It is encoded into the transport command code together
// with the element type.
type RequestType int

const (
	DefaultPushPull RequestType = iota
	RowSparsePushPull
	CompressedPushPull
)

func (r RequestType) String() string {
	switch r {
	case DefaultPushPull:
		return "default"
	case RowSparsePushPull:
		return "row_sparse"
	case CompressedPushPull:
		return "compressed"
	}
	return "invalid"
}

// Framework identifies the host training framework an entry's
// context and buffers belong to.
type Framework int

const (
	FrameworkNative Framework = iota
	FrameworkTensorFlow
	FrameworkPyTorch
	FrameworkMXNet
)

func (f Framework) String() string {
	switch f {
	case FrameworkNative:
		return "native"
	case FrameworkTensorFlow:
		return "tensorflow"
	case FrameworkPyTorch:
		return "pytorch"
	case FrameworkMXNet:
		return "mxnet"
	}
	return "invalid"
}

// CPUDeviceID is the device ordinal of host memory. Non-negative
// ordinals name device-resident (accelerator) memory.
const CPUDeviceID = -1
