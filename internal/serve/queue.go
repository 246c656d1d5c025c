package serve

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"github.com/pilottgo/pilott/internal/task"
)

// ErrQueueFull is returned when the queue is at capacity and the new task
// does not outrank the lowest-priority queued task.
var ErrQueueFull = errors.New("task queue is full")

// boundedQueue is a FIFO with priority-aware overflow handling. Dispatch
// order is strictly arrival order; priority matters only when a push hits
// capacity, where the lowest-priority occupant may be evicted for a
// higher-priority arrival. A min-heap keyed by (priority rank, arrival seq)
// tracks the eviction candidate so overflow stays O(log n).
type boundedQueue struct {
	mu       sync.Mutex
	capacity int
	seq      uint64
	fifo     []*queueItem // arrival order; removed items stay as tombstones
	evict    evictHeap    // live items only
	live     int
	signal   chan struct{}
}

type queueItem struct {
	task    *task.Task
	seq     uint64
	removed bool
	heapIdx int
}

func newBoundedQueue(capacity int) *boundedQueue {
	return &boundedQueue{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Push enqueues the task. At capacity: if the new task outranks the
// lowest-priority occupant, that occupant is evicted and returned; otherwise
// ErrQueueFull.
func (q *boundedQueue) Push(t *task.Task) (evicted *task.Task, err error) {
	q.mu.Lock()
	if q.live >= q.capacity {
		victim := q.lowestLocked()
		if victim == nil || !t.Priority().Outranks(victim.task.Priority()) {
			q.mu.Unlock()
			return nil, ErrQueueFull
		}
		victim.removed = true
		heap.Remove(&q.evict, victim.heapIdx)
		q.live--
		evicted = victim.task
	}

	q.seq++
	it := &queueItem{task: t, seq: q.seq}
	q.fifo = append(q.fifo, it)
	heap.Push(&q.evict, it)
	q.live++
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return evicted, nil
}

// Pop blocks until a task is available or the context is done. Tasks come
// out in arrival order.
func (q *boundedQueue) Pop(ctx context.Context) (*task.Task, error) {
	for {
		q.mu.Lock()
		for len(q.fifo) > 0 {
			it := q.fifo[0]
			q.fifo = q.fifo[1:]
			if it.removed {
				continue
			}
			heap.Remove(&q.evict, it.heapIdx)
			q.live--
			q.mu.Unlock()
			return it.task, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// Remove drops a queued task by id. Returns false if the id is not queued.
func (q *boundedQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.fifo {
		if !it.removed && it.task.ID() == id {
			it.removed = true
			heap.Remove(&q.evict, it.heapIdx)
			q.live--
			return true
		}
	}
	return false
}

// Len reports the number of queued tasks.
func (q *boundedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.live
}

// lowestLocked returns the eviction candidate: the lowest-priority live item,
// newest arrival among equals so longer-waiting tasks are preserved.
func (q *boundedQueue) lowestLocked() *queueItem {
	if q.evict.Len() == 0 {
		return nil
	}
	return q.evict[0]
}

// evictHeap orders items by ascending priority rank, then by descending
// arrival sequence.
type evictHeap []*queueItem

func (h evictHeap) Len() int { return len(h) }

func (h evictHeap) Less(i, j int) bool {
	ri, rj := h[i].task.Priority().Rank(), h[j].task.Priority().Rank()
	if ri != rj {
		return ri < rj
	}
	return h[i].seq > h[j].seq
}

func (h evictHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *evictHeap) Push(x any) {
	it := x.(*queueItem)
	it.heapIdx = len(*h)
	*h = append(*h, it)
}

func (h *evictHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
