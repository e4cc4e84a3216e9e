package pipeline

import (
	"sort"
	"sync"

	"github.com/unixpickle/essentials"

	"github.com/tensorfleet/gradsync/pkg/core"
)

// ScheduledQueue holds the tasks pending for one pipeline stage,
// ordered by priority (higher first) and, within a priority, by
// submission order.
type ScheduledQueue struct {
	qt core.QueueType

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*task
	closed  bool
}

func newScheduledQueue(qt core.QueueType) *ScheduledQueue {
	q := &ScheduledQueue{qt: qt}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// taskBefore reports whether a dispatches ahead of b.
func taskBefore(a, b *task) bool {
	if a.entry.Priority != b.entry.Priority {
		return a.entry.Priority > b.entry.Priority
	}
	return a.seq < b.seq
}

// Enqueue inserts the task at its dispatch position.
func (q *ScheduledQueue) Enqueue(ta *task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		panic("enqueue on a closed queue")
	}
	idx := sort.Search(len(q.pending), func(i int) bool {
		return taskBefore(ta, q.pending[i])
	})
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = ta
	q.cond.Signal()
}

// Dequeue blocks until a task is available or the queue is closed
// and drained, in which case it returns false.
func (q *ScheduledQueue) Dequeue() (*task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.pending) == 0 {
		return nil, false
	}
	ta := q.pending[0]
	essentials.OrderedDelete(&q.pending, 0)
	return ta, true
}

// Len returns the number of pending tasks.
func (q *ScheduledQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close releases blocked Dequeues once the queue drains.
func (q *ScheduledQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
