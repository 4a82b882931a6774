package browser

import (
	"slices"
	"sync"
)

// job is one unit of work for the dispatch goroutine.
type job struct {
	name string
	// droppable jobs may be evicted to make room
	droppable bool
	run       func()
}

// jobQueue is a FIFO whose limit applies to droppable jobs. When it is full
// the oldest droppable job is evicted; other jobs are always accepted, so a
// response or an incoming message is never lost while the sandbox is open.
type jobQueue struct {
	mu    sync.Mutex
	items []job
	limit int
	ready chan struct{}
}

func newJobQueue(limit int) *jobQueue {
	return &jobQueue{limit: limit, ready: make(chan struct{}, 1)}
}

// push appends j. It reports the job that was dropped to stay within the
// limit, which may be j itself.
func (q *jobQueue) push(j job) (dropped job, ok bool) {
	q.mu.Lock()
	if len(q.items) >= q.limit {
		if i := slices.IndexFunc(q.items, func(j job) bool { return j.droppable }); i >= 0 {
			dropped, ok = q.items[i], true
			q.items = slices.Delete(q.items, i, i+1)
		} else if j.droppable {
			q.mu.Unlock()
			return j, true
		}
	}
	q.items = append(q.items, j)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped, ok
}

func (q *jobQueue) pop() (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return job{}, false
	}
	j := q.items[0]
	q.items[0] = job{}
	q.items = q.items[1:]
	return j, true
}
