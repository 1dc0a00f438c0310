package cluster

import (
	"container/heap"
	"sort"
	"sync"
	"time"
)

// PendingTask is a diagnostic view of a queued or executing task.
type PendingTask struct {
	InsertOrder int64         `json:"insert_order"`
	Priority    Priority      `json:"priority"`
	Source      string        `json:"source"`
	InsertedAt  time.Time     `json:"inserted_at"`
	TimeInQueue time.Duration `json:"time_in_queue"`
	Executing   bool          `json:"executing"`
}

type queuedTask struct {
	insertOrder int64
	priority    Priority
	source      string
	insertedAt  time.Time
	task        UpdateTask
	index       int
}

func (t *queuedTask) pending(now time.Time, executing bool) PendingTask {
	return PendingTask{
		InsertOrder: t.insertOrder,
		Priority:    t.priority,
		Source:      t.source,
		InsertedAt:  t.insertedAt,
		TimeInQueue: now.Sub(t.insertedAt),
		Executing:   executing,
	}
}

func (t *queuedTask) before(other *queuedTask) bool {
	if t.priority != other.priority {
		return t.priority.sooner(other.priority)
	}
	return t.insertOrder < other.insertOrder
}

// taskHeap implements heap.Interface ordered by priority, then insertion.
type taskHeap []*queuedTask

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].before(h[j]) }

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*queuedTask)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// taskQueue is a multi-producer, single-consumer priority queue. wake has
// capacity one so producers never block; the consumer drains until empty
// after every wake-up.
type taskQueue struct {
	mu        sync.Mutex
	heap      taskHeap
	seq       int64
	closed    bool
	executing *queuedTask
	wake      chan struct{}
	now       func() time.Time
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		wake: make(chan struct{}, 1),
		now:  time.Now,
	}
}

func (q *taskQueue) push(source string, priority Priority, task UpdateTask) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrServiceClosed
	}
	q.seq++
	heap.Push(&q.heap, &queuedTask{
		insertOrder: q.seq,
		priority:    priority,
		source:      source,
		insertedAt:  q.now(),
		task:        task,
	})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// next pops the most urgent task and marks it executing. It returns nil when
// the queue is empty.
func (q *taskQueue) next() *queuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	t := heap.Pop(&q.heap).(*queuedTask)
	q.executing = t
	return t
}

func (q *taskQueue) done() {
	q.mu.Lock()
	q.executing = nil
	q.mu.Unlock()
}

// close rejects further pushes and returns whatever was still queued, in
// execution order.
func (q *taskQueue) close() []*queuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	drained := make([]*queuedTask, 0, len(q.heap))
	for len(q.heap) > 0 {
		drained = append(drained, heap.Pop(&q.heap).(*queuedTask))
	}
	return drained
}

// pending snapshots the executing task followed by the queued ones in the
// order they will run.
func (q *taskQueue) pending() []PendingTask {
	q.mu.Lock()
	queued := make([]*queuedTask, len(q.heap))
	copy(queued, q.heap)
	executing := q.executing
	q.mu.Unlock()

	sort.Slice(queued, func(i, j int) bool { return queued[i].before(queued[j]) })

	now := q.now()
	out := make([]PendingTask, 0, len(queued)+1)
	if executing != nil {
		out = append(out, executing.pending(now, true))
	}
	for _, t := range queued {
		out = append(out, t.pending(now, false))
	}
	return out
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
