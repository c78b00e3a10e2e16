// Package taskqueue provides the bounded priority queue holding pending tasks.
// Tasks dequeue in priority order with FIFO ordering among equal priorities.
package taskqueue

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/jfelden/adjutant/internal/log"
	"github.com/jfelden/adjutant/internal/runtime/task"
)

// DefaultCapacity is the default maximum number of pending tasks.
const DefaultCapacity = 100

// ErrNotFound is returned when a targeted task ID is not in the queue.
var ErrNotFound = errors.New("task not in queue")

// item is a heap entry. The ordering key is (priority, seq): seq is a
// monotonically increasing enqueue counter giving FIFO among equals.
type item struct {
	task       *task.Task
	priority   task.Priority
	seq        uint64
	enqueuedAt time.Time
	index      int // heap index, maintained by heap.Interface
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Pending    int
	Enqueued   uint64
	Dequeued   uint64
	Dropped    uint64
	AvgWait    time.Duration
	OldestAge  time.Duration
	ByPriority map[task.Priority]int
}

// Queue is a thread-safe bounded priority queue.
// All mutations are serialized by a single mutex around the heap and the
// id index, restoring the heap invariant before the mutex is released.
type Queue struct {
	mu       sync.Mutex
	heap     itemHeap
	byID     map[string]*item
	capacity int
	seq      uint64

	enqueued uint64
	dequeued uint64
	dropped  uint64

	// waitWindow is a bounded ring of observed queue wait times.
	waitWindow [64]time.Duration
	waitCount  int
	waitNext   int
}

// New creates a queue with the given capacity.
// If capacity is <= 0, DefaultCapacity (100) is used.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		heap:     make(itemHeap, 0),
		byID:     make(map[string]*item),
		capacity: capacity,
	}
}

// Enqueue admits a task, optionally overriding its embedded priority.
// Returns false if the queue is at capacity (the task is dropped; not an
// error, the caller decides how to react).
func (q *Queue) Enqueue(t *task.Task, override *task.Priority) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) >= q.capacity {
		q.dropped++
		log.Warn(log.CatQueue, "Queue at capacity, task dropped", "taskID", t.ID, "capacity", q.capacity)
		return false
	}

	prio := t.Priority
	if override != nil {
		prio = *override
	}

	it := &item{
		task:       t,
		priority:   prio,
		seq:        q.seq,
		enqueuedAt: time.Now(),
	}
	q.seq++
	heap.Push(&q.heap, it)
	q.byID[t.ID] = it
	q.enqueued++
	return true
}

// Dequeue removes and returns the highest-priority task.
// Among tasks of equal priority the earliest enqueued wins.
// Returns (nil, false) if the queue is empty.
func (q *Queue) Dequeue() (*task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil, false
	}

	it := heap.Pop(&q.heap).(*item)
	delete(q.byID, it.task.ID)
	q.dequeued++
	q.observeWait(time.Since(it.enqueuedAt))
	return it.task, true
}

// Peek returns the highest-priority task without removing it.
func (q *Queue) Peek() (*task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil, false
	}
	return q.heap[0].task, true
}

// Remove deletes a task from the queue by ID.
// Returns ErrNotFound if the task is not pending.
func (q *Queue) Remove(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[taskID]
	if !ok {
		return ErrNotFound
	}
	heap.Remove(&q.heap, it.index)
	delete(q.byID, taskID)
	return nil
}

// Reprioritize changes a pending task's priority and restores heap order.
// Uses an in-place heap fix-up rather than rebuilding the whole heap.
// Returns ErrNotFound if the task is not pending.
func (q *Queue) Reprioritize(taskID string, p task.Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[taskID]
	if !ok {
		return ErrNotFound
	}
	it.priority = p
	heap.Fix(&q.heap, it.index)
	return nil
}

// ByPriority returns the pending tasks currently held at priority p,
// in enqueue order.
func (q *Queue) ByPriority(p task.Priority) []*task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*item
	for _, it := range q.heap {
		if it.priority == p {
			out = append(out, it)
		}
	}
	// Heap order is not enqueue order; sort by seq.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].seq > out[j].seq; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	tasks := make([]*task.Task, len(out))
	for i, it := range out {
		tasks[i] = it.task
	}
	return tasks
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Contains reports whether a task is pending.
func (q *Queue) Contains(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[taskID]
	return ok
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Pending:    len(q.heap),
		Enqueued:   q.enqueued,
		Dequeued:   q.dequeued,
		Dropped:    q.dropped,
		ByPriority: make(map[task.Priority]int),
	}
	var oldest time.Time
	for _, it := range q.heap {
		s.ByPriority[it.priority]++
		if oldest.IsZero() || it.enqueuedAt.Before(oldest) {
			oldest = it.enqueuedAt
		}
	}
	if !oldest.IsZero() {
		s.OldestAge = time.Since(oldest)
	}
	if q.waitCount > 0 {
		var sum time.Duration
		for i := 0; i < q.waitCount; i++ {
			sum += q.waitWindow[i]
		}
		s.AvgWait = sum / time.Duration(q.waitCount)
	}
	return s
}

// observeWait records a dequeue wait time in the bounded window.
// Caller must hold q.mu.
func (q *Queue) observeWait(d time.Duration) {
	q.waitWindow[q.waitNext] = d
	q.waitNext = (q.waitNext + 1) % len(q.waitWindow)
	if q.waitCount < len(q.waitWindow) {
		q.waitCount++
	}
}
