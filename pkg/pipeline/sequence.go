// Package pipeline implements the worker-side synchronization
// runtime: an asynchronous task registry feeding a fixed pipeline of
// stage queues (REDUCE, PUSH, PULL, BROADCAST). Tasks are admitted
// once their producer signals readiness, traverse the stage sequence
// their request flavor prescribes, and deliver a terminal status
// through their completion callback.
package pipeline

import "github.com/tensorfleet/gradsync/pkg/core"

// stageTable lists, per request flavor, the full stage sequence on a
// multi-device worker.
var stageTable = map[core.RequestType][]core.QueueType{
	core.DefaultPushPull:    {core.QueuePush, core.QueuePull},
	core.RowSparsePushPull:  {core.QueueReduce, core.QueuePush, core.QueuePull, core.QueueBroadcast},
	core.CompressedPushPull: {core.QueueReduce, core.QueuePush, core.QueuePull, core.QueueBroadcast},
}

// StageSequence returns the ordered stages an entry of the given
// request flavor traverses on a worker with localDevices local
// replicas. With a single device there is nothing to pre-combine or
// fan out, so REDUCE and BROADCAST drop from the sequence. The
// returned slice is the caller's to keep.
func StageSequence(r core.RequestType, localDevices int) []core.QueueType {
	base, ok := stageTable[r]
	if !ok {
		return nil
	}
	out := make([]core.QueueType, 0, len(base))
	for _, qt := range base {
		if localDevices <= 1 && (qt == core.QueueReduce || qt == core.QueueBroadcast) {
			continue
		}
		out = append(out, qt)
	}
	return out
}
