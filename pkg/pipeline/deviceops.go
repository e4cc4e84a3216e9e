package pipeline

import (
	"context"

	"github.com/tensorfleet/gradsync/pkg/core"
)

// DeviceOps is the device-side logic a framework adapter plugs into
// the pipeline. The pipeline invokes these at stage boundaries for
// entries whose tensors are device-resident; host-resident entries
// bypass them entirely.
type DeviceOps interface {
	// Reduce combines the entry's local device replicas into its
	// host staging buffer.
	Reduce(ctx context.Context, e *core.TensorTableEntry) core.Status

	// CopyToHost stages the entry's input tensor into CPUBuff.
	CopyToHost(ctx context.Context, e *core.TensorTableEntry) core.Status

	// CopyFromHost writes the staged synchronized bytes to the
	// entry's output tensor.
	CopyFromHost(ctx context.Context, e *core.TensorTableEntry) core.Status

	// Broadcast fans the staged synchronized bytes out to the
	// entry's non-primary device replicas.
	Broadcast(ctx context.Context, e *core.TensorTableEntry) core.Status
}
