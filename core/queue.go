package core

import (
	"container/heap"
	"sync"
)

const (
	defaultQueueCap     = 16
	compactMinCap       = 64 // Don't compact if capacity is less than this
	compactShrinkFactor = 4  // Trigger compaction when len < cap/4
)

// TaskItem is a task together with its scheduling attributes.
type TaskItem struct {
	ID      TaskID
	Name    string
	Task    Task
	QoS     QoSClass
	Barrier bool
	Seq     uint64

	// OnCancel is called instead of Task when the item is dropped before it
	// started (hard stop or queue close).
	OnCancel func(err error)

	entry *queueEntry
}

func (item TaskItem) cancel(err error) {
	if item.OnCancel != nil {
		item.OnCancel(err)
	}
}

// TaskQueue defines the interface for different queue implementations
type TaskQueue interface {
	Push(item TaskItem)
	Pop() (TaskItem, bool)
	PopUpTo(max int) []TaskItem
	Peek() (TaskItem, bool)
	Len() int
	IsEmpty() bool
	MaybeCompact()
	Drain() []TaskItem // Remove and return all items
	Clear()            // Clear all tasks from the queue
}

// =============================================================================
// FIFOTaskQueue: Submission-ordered queue used inside every WorkQueue
// =============================================================================

type FIFOTaskQueue struct {
	mu    sync.Mutex
	tasks []TaskItem
}

func NewFIFOTaskQueue() *FIFOTaskQueue {
	return &FIFOTaskQueue{
		tasks: make([]TaskItem, 0, defaultQueueCap),
	}
}

func (q *FIFOTaskQueue) Push(item TaskItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, item)
}

func (q *FIFOTaskQueue) Pop() (TaskItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return TaskItem{}, false
	}

	item := q.tasks[0]
	// Zero out the element in the underlying array to prevent memory leak
	q.tasks[0] = TaskItem{}
	q.tasks = q.tasks[1:]
	q.maybeCompactLocked()

	return item, true
}

func (q *FIFOTaskQueue) PopUpTo(max int) []TaskItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.tasks)
	if n == 0 || max <= 0 {
		return nil
	}

	if n <= max {
		batch := make([]TaskItem, n)
		copy(batch, q.tasks)
		q.tasks = make([]TaskItem, 0, defaultQueueCap)
		return batch
	}

	batch := make([]TaskItem, max)
	copy(batch, q.tasks[:max])

	// Zero out the elements in the underlying array to prevent memory leak
	for i := range max {
		q.tasks[i] = TaskItem{}
	}

	q.tasks = q.tasks[max:]
	q.maybeCompactLocked()

	return batch
}

func (q *FIFOTaskQueue) Peek() (TaskItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return TaskItem{}, false
	}
	return q.tasks[0], true
}

func (q *FIFOTaskQueue) MaybeCompact() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maybeCompactLocked()
}

func (q *FIFOTaskQueue) maybeCompactLocked() {
	n := len(q.tasks)
	c := cap(q.tasks)

	if c < compactMinCap {
		return
	}
	if n == 0 {
		q.tasks = make([]TaskItem, 0, defaultQueueCap)
		return
	}
	if n*compactShrinkFactor >= c {
		return
	}

	newCap := max(max(c/2, defaultQueueCap), n)

	newSlice := make([]TaskItem, n, newCap)
	copy(newSlice, q.tasks)
	q.tasks = newSlice
}

func (q *FIFOTaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *FIFOTaskQueue) IsEmpty() bool {
	return q.Len() == 0
}

// Drain removes every task and returns them in FIFO order.
func (q *FIFOTaskQueue) Drain() []TaskItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.tasks
	q.tasks = make([]TaskItem, 0, defaultQueueCap)
	return out
}

// Clear removes all tasks from the queue and releases references
func (q *FIFOTaskQueue) Clear() {
	q.Drain()
}

// =============================================================================
// PriorityTaskQueue: Min-Heap based queue with Stability (FIFO for same QoS)
// =============================================================================

type priorityItem struct {
	TaskItem
	sequence uint64 // For stability
	index    int    // For heap
}

// priorityHeap implements heap.Interface
type priorityHeap []*priorityItem

func (h priorityHeap) Len() int { return len(h) }

// Less implements priority logic: higher QoS first, then small sequence first (FIFO)
func (h priorityHeap) Less(i, j int) bool {
	if h[i].QoS != h[j].QoS {
		return h[i].QoS > h[j].QoS
	}
	return h[i].sequence < h[j].sequence
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	n := len(*h)
	item := x.(*priorityItem)
	item.index = n
	*h = append(*h, item)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // Avoid memory leak
	item.index = -1
	*h = old[0 : n-1]
	return item
}

type PriorityTaskQueue struct {
	mu           sync.Mutex
	pq           priorityHeap
	nextSequence uint64
}

func NewPriorityTaskQueue() *PriorityTaskQueue {
	return &PriorityTaskQueue{
		pq: make(priorityHeap, 0, defaultQueueCap),
	}
}

func (q *PriorityTaskQueue) Push(item TaskItem) {
	q.mu.Lock()
	defer q.mu.Unlock()

	heap.Push(&q.pq, &priorityItem{
		TaskItem: item,
		sequence: q.nextSequence,
	})
	q.nextSequence++
}

func (q *PriorityTaskQueue) Pop() (TaskItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pq) == 0 {
		return TaskItem{}, false
	}

	item := heap.Pop(&q.pq).(*priorityItem)
	return item.TaskItem, true
}

func (q *PriorityTaskQueue) PopUpTo(max int) []TaskItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := min(len(q.pq), max)
	if count <= 0 {
		return nil
	}

	batch := make([]TaskItem, count)
	for i := 0; i < count; i++ {
		batch[i] = heap.Pop(&q.pq).(*priorityItem).TaskItem
	}
	return batch
}

func (q *PriorityTaskQueue) Peek() (TaskItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pq) == 0 {
		return TaskItem{}, false
	}
	// Index 0 is the highest QoS because Less puts it at the top
	return q.pq[0].TaskItem, true
}

func (q *PriorityTaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pq)
}

func (q *PriorityTaskQueue) IsEmpty() bool {
	return q.Len() == 0
}

// MaybeCompact is a no-op; the heap is rebuilt by Drain when it empties.
func (q *PriorityTaskQueue) MaybeCompact() {}

// Drain removes every task and returns them in pop order.
func (q *PriorityTaskQueue) Drain() []TaskItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]TaskItem, 0, len(q.pq))
	for len(q.pq) > 0 {
		out = append(out, heap.Pop(&q.pq).(*priorityItem).TaskItem)
	}
	q.pq = make(priorityHeap, 0, defaultQueueCap)
	q.nextSequence = 0
	return out
}

// Clear removes all tasks from the queue and releases references
func (q *PriorityTaskQueue) Clear() {
	q.Drain()
}
