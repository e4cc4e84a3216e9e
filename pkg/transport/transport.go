// Package transport carries tensor payloads between pipeline workers
// and the aggregating server, keyed by the registry's transport keys.
package transport

import "context"

// Client is the worker-side handle to the key/value transport. The
// worker rank is bound at construction.
//
// Both calls are asynchronous: done fires exactly once, on an
// arbitrary goroutine, when the server has acknowledged. For pushes
// the acknowledgement is the synchronization barrier: it arrives
// only once the merge round the push joined has committed. For pulls
// the acknowledged bytes are the committed aggregate, written into
// dst partitioned by lens.
type Client interface {
	Push(ctx context.Context, keys []uint64, vals []byte, lens []int, cmd int, done func(error))
	Pull(ctx context.Context, keys []uint64, dst []byte, lens []int, cmd int, done func(error))
	Close() error
}
