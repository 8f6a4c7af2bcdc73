package core

import (
	"context"
	"fmt"
	"time"

	"github.com/jacobsa/syncutil"
)

type groupNotify struct {
	queue *WorkQueue
	task  Task
}

// TaskGroup tracks completion of a dynamic set of tasks, possibly spread
// over several queues.
//
// Every Enter must be matched by exactly one Leave. Each registered notify
// is submitted once, the next time the pending count drops to zero; a notify
// registered while nothing is pending is submitted immediately.
type TaskGroup struct {
	mu syncutil.InvariantMutex

	// INVARIANT: pending >= 0
	//
	// GUARDED_BY(mu)
	pending int

	// INVARIANT: pending == 0 => len(notifies) == 0
	//
	// GUARDED_BY(mu)
	notifies []groupNotify

	// Closed while pending == 0. Replaced on every 0 -> 1 transition.
	//
	// GUARDED_BY(mu)
	zero chan struct{}
}

// NewTaskGroup creates an empty group.
func NewTaskGroup() *TaskGroup {
	g := &TaskGroup{zero: make(chan struct{})}
	close(g.zero)
	g.mu = syncutil.NewInvariantMutex(g.checkInvariants)
	return g
}

func (g *TaskGroup) checkInvariants() {
	if g.pending < 0 {
		panic(fmt.Sprintf("negative pending count %d", g.pending))
	}
	if g.pending == 0 && len(g.notifies) != 0 {
		panic(fmt.Sprintf("%d notifies held by an empty group", len(g.notifies)))
	}
	select {
	case <-g.zero:
		if g.pending != 0 {
			panic("zero channel closed while tasks are pending")
		}
	default:
		if g.pending == 0 {
			panic("zero channel open while nothing is pending")
		}
	}
}

// Enter records one more outstanding task.
func (g *TaskGroup) Enter() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending == 0 {
		g.zero = make(chan struct{})
	}
	g.pending++
}

// Leave records that one outstanding task finished. It panics when called
// more times than Enter, like sync.WaitGroup.
func (g *TaskGroup) Leave() {
	g.mu.Lock()
	if g.pending == 0 {
		g.mu.Unlock()
		panic("dispatch: TaskGroup.Leave called without matching Enter")
	}

	g.pending--
	var fire []groupNotify
	if g.pending == 0 {
		close(g.zero)
		fire = g.notifies
		g.notifies = nil
	}
	g.mu.Unlock()

	for _, n := range fire {
		n.submit()
	}
}

// Submit enters the group and runs task on queue, leaving once it returned
// (or was dropped without running). A failed submission leaves immediately.
func (g *TaskGroup) Submit(queue *WorkQueue, task Task) error {
	if task == nil {
		return ErrNilTask
	}

	g.Enter()
	err := queue.enqueue(submitRequest{
		task:       task,
		onComplete: func(*PanicError) { g.Leave() },
		onCancel:   func(error) { g.Leave() },
	})
	if err != nil {
		g.Leave()
	}
	return err
}

// Notify submits task onto queue once every outstanding task left. A nil
// queue or task is refused here rather than when the group empties.
func (g *TaskGroup) Notify(queue *WorkQueue, task Task) error {
	if task == nil {
		return ErrNilTask
	}
	if queue == nil {
		return fmt.Errorf("%w: group notify needs a queue", ErrInvalidConfig)
	}
	n := groupNotify{queue: queue, task: task}

	g.mu.Lock()
	if g.pending > 0 {
		g.notifies = append(g.notifies, n)
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	n.submit()
	return nil
}

func (n groupNotify) submit() {
	err := n.queue.enqueue(submitRequest{task: n.task, internal: true})
	if err != nil {
		n.queue.sched.GetLogger().Warn("group notify dropped",
			F("queue", n.queue.Label()),
			F("error", err))
	}
}

// Wait blocks until nothing is pending or timeout elapsed, and reports
// whether the group emptied. A timeout <= 0 waits forever.
func (g *TaskGroup) Wait(timeout time.Duration) bool {
	zero := g.zeroChan()

	if timeout <= 0 {
		<-zero
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-zero:
		return true
	case <-timer.C:
		return false
	}
}

// WaitContext is Wait bounded by ctx instead of a timeout.
func (g *TaskGroup) WaitContext(ctx context.Context) error {
	select {
	case <-g.zeroChan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of tasks entered and not yet left.
func (g *TaskGroup) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

func (g *TaskGroup) zeroChan() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.zero
}
