package core

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacobsa/timeutil"
)

// DelayTarget receives a delayed task once its deadline passes.
type DelayTarget interface {
	Submit(task Task) error
	Label() string
}

// DelayedState is the lifecycle of a DelayedTask.
type DelayedState int32

const (
	DelayedPending DelayedState = iota
	DelayedFired
	DelayedCancelled
	// DelayedDropped: the deadline passed but the target refused the task.
	DelayedDropped
)

func (s DelayedState) String() string {
	switch s {
	case DelayedPending:
		return "pending"
	case DelayedFired:
		return "fired"
	case DelayedCancelled:
		return "cancelled"
	case DelayedDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// DelayedTask represents a task scheduled for the future. It is also the
// cancel handle returned to callers.
type DelayedTask struct {
	runAt  time.Time
	task   Task
	target DelayTarget
	state  atomic.Int32
	done   chan struct{}
	owner  *DelayManager
	index  int // for heap interface, guarded by owner.mu

	// Set before the state becomes DelayedDropped.
	dropErr error
}

// RunAt returns the deadline.
func (t *DelayedTask) RunAt() time.Time { return t.runAt }

// State returns the current lifecycle state.
func (t *DelayedTask) State() DelayedState { return DelayedState(t.state.Load()) }

// Done is closed once the task was handed over, dropped or cancelled.
func (t *DelayedTask) Done() <-chan struct{} { return t.done }

// Err returns why the target refused the task, or nil unless the state is
// DelayedDropped.
func (t *DelayedTask) Err() error {
	if t.State() != DelayedDropped {
		return nil
	}
	return t.dropErr
}

// Cancel prevents the enqueue if the deadline has not passed yet. It returns
// ErrAlreadyFired once the task is being or was handed to its queue. A task
// its queue refused never runs, so cancelling it, like cancelling twice, is
// not an error.
func (t *DelayedTask) Cancel() error {
	if t.state.CompareAndSwap(int32(DelayedPending), int32(DelayedCancelled)) {
		close(t.done)
		if t.owner != nil {
			t.owner.remove(t)
		}
		return nil
	}
	if t.State() == DelayedFired {
		return ErrAlreadyFired
	}
	return nil
}

// claim moves a pending task to DelayedFired ahead of the handover.
func (t *DelayedTask) claim() bool {
	return t.state.CompareAndSwap(int32(DelayedPending), int32(DelayedFired))
}

// settle records the handover result and releases Done waiters.
func (t *DelayedTask) settle(err error) {
	if err != nil {
		t.dropErr = err
		t.state.Store(int32(DelayedDropped))
	}
	close(t.done)
}

// DelayedTaskHeap implements heap.Interface
type DelayedTaskHeap []*DelayedTask

func (h DelayedTaskHeap) Len() int           { return len(h) }
func (h DelayedTaskHeap) Less(i, j int) bool { return h[i].runAt.Before(h[j].runAt) }
func (h DelayedTaskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *DelayedTaskHeap) Push(x any) {
	n := len(*h)
	item := x.(*DelayedTask)
	item.index = n
	*h = append(*h, item)
}

func (h *DelayedTaskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.index = -1
	*h = old[0 : n-1]
	return item
}

func (h *DelayedTaskHeap) Peek() *DelayedTask {
	if len(*h) == 0 {
		return nil
	}
	return (*h)[0]
}

// idleWait is how long the loop sleeps when nothing is scheduled.
const idleWait = 1000 * time.Hour

type DelayManager struct {
	pq     DelayedTaskHeap
	mu     sync.Mutex
	clock  timeutil.Clock
	logger Logger
	wakeup chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	loopWG sync.WaitGroup
}

// NewDelayManager starts the timer loop. Deadlines are computed from clock;
// the loop itself sleeps on real timers, so a simulated clock needs wake()
// after it is advanced.
func NewDelayManager(clock timeutil.Clock, logger Logger) *DelayManager {
	if clock == nil {
		clock = timeutil.RealClock()
	}
	if logger == nil {
		logger = NewNoOpLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	dm := &DelayManager{
		pq:     make(DelayedTaskHeap, 0),
		clock:  clock,
		logger: logger,
		wakeup: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	heap.Init(&dm.pq)
	dm.loopWG.Add(1)
	go dm.loop()
	return dm
}

func (dm *DelayManager) AddDelayedTask(task Task, delay time.Duration, target DelayTarget) *DelayedTask {
	item := &DelayedTask{
		runAt:  dm.clock.Now().Add(delay),
		task:   task,
		target: target,
		done:   make(chan struct{}),
		owner:  dm,
	}

	dm.mu.Lock()
	if dm.ctx.Err() != nil {
		dm.mu.Unlock()
		item.state.Store(int32(DelayedCancelled))
		close(item.done)
		return item
	}
	heap.Push(&dm.pq, item)
	first := item.index == 0
	dm.mu.Unlock()

	if first {
		dm.wake()
	}
	return item
}

func (dm *DelayManager) wake() {
	select {
	case dm.wakeup <- struct{}{}:
	default:
	}
}

func (dm *DelayManager) remove(t *DelayedTask) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if t.index >= 0 && t.index < len(dm.pq) && dm.pq[t.index] == t {
		heap.Remove(&dm.pq, t.index)
	}
}

func (dm *DelayManager) loop() {
	defer dm.loopWG.Done()

	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		wait, ok := dm.calculateNextRun()
		if !ok {
			wait = idleWait
		}
		if wait <= 0 {
			dm.processExpiredTasks()
			continue
		}

		timer.Reset(wait)

		select {
		case <-dm.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			dm.processExpiredTasks()
		case <-dm.wakeup:
			// New head or clock moved, need to recalculate
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
	}
}

// calculateNextRun returns how long until the earliest deadline. ok is false
// when nothing is scheduled.
func (dm *DelayManager) calculateNextRun() (time.Duration, bool) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	item := dm.pq.Peek()
	if item == nil {
		return 0, false
	}
	return item.runAt.Sub(dm.clock.Now()), true
}

// processExpiredTasks hands every task whose deadline passed to its target.
func (dm *DelayManager) processExpiredTasks() {
	dm.mu.Lock()

	now := dm.clock.Now()
	var expired []*DelayedTask

	for dm.pq.Len() > 0 {
		item := dm.pq.Peek()
		if item.runAt.After(now) {
			break
		}
		heap.Pop(&dm.pq)
		expired = append(expired, item)
	}

	dm.mu.Unlock()

	// Submit outside the lock
	for _, item := range expired {
		if !item.claim() {
			continue
		}
		err := item.target.Submit(item.task)
		if err != nil {
			dm.logger.Warn("delayed task dropped",
				F("queue", item.target.Label()),
				F("error", err))
		}
		item.settle(err)
	}
}

// Stop ends the loop and cancels every pending delayed task.
func (dm *DelayManager) Stop() {
	dm.mu.Lock()
	dm.cancel()
	pending := dm.pq
	for _, item := range pending {
		item.index = -1
	}
	dm.pq = make(DelayedTaskHeap, 0)
	heap.Init(&dm.pq)
	dm.mu.Unlock()

	for _, item := range pending {
		if item.state.CompareAndSwap(int32(DelayedPending), int32(DelayedCancelled)) {
			close(item.done)
		}
	}
	dm.loopWG.Wait()
}

func (dm *DelayManager) TaskCount() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return len(dm.pq)
}
