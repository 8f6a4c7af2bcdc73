package core

import (
	"context"
	"runtime/debug"
	"sync"
)

// SingleThreadExecutor runs every item it receives on one dedicated
// goroutine, in arrival order. It backs the main queue: tasks on it always
// share the same goroutine, unlike pool-backed serial queues whose tasks may
// hop between workers.
type SingleThreadExecutor struct {
	name  string
	sched *TaskScheduler

	mu     sync.Mutex
	closed bool // GUARDED_BY(mu)
	queue  *FIFOTaskQueue
	signal chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewSingleThreadExecutor starts the dedicated goroutine. It stops when
// sched hard-stops; items still queued then are cancelled.
func NewSingleThreadExecutor(name string, sched *TaskScheduler) *SingleThreadExecutor {
	ctx, cancel := context.WithCancel(context.Background())
	e := &SingleThreadExecutor{
		name:    name,
		sched:   sched,
		queue:   NewFIFOTaskQueue(),
		signal:  make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}

	go e.runLoop()
	sched.OnShutdown(e.Stop)
	return e
}

// Name returns the name given at construction.
func (e *SingleThreadExecutor) Name() string { return e.name }

// PostItem queues item for the dedicated goroutine.
func (e *SingleThreadExecutor) PostItem(item TaskItem) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrSchedulerShutdown
	}
	e.queue.Push(item)
	e.mu.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
	return nil
}

func (e *SingleThreadExecutor) runLoop() {
	defer close(e.stopped)
	ctx := WithWorkerID(e.ctx, -1)

	for {
		if item, ok := e.queue.Pop(); ok {
			e.run(ctx, item)
			continue
		}

		select {
		case <-e.signal:
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *SingleThreadExecutor) run(ctx context.Context, item TaskItem) {
	e.sched.OnTaskStart()
	defer e.sched.OnTaskEnd()
	defer func() {
		if r := recover(); r != nil {
			e.sched.GetPanicHandler().HandlePanic(ctx, e.name, -1, r, debug.Stack())
		}
	}()
	item.Task(ctx)
}

// Stop refuses new items, cancels queued ones and ends the goroutine after
// its current item. It does not wait; use Stopped for that.
func (e *SingleThreadExecutor) Stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	dropped := e.queue.Drain()
	e.mu.Unlock()

	for _, item := range dropped {
		item.cancel(ErrSchedulerShutdown)
	}
	e.cancel()
}

// Stopped is closed once the dedicated goroutine exited.
func (e *SingleThreadExecutor) Stopped() <-chan struct{} { return e.stopped }

// QueuedTaskCount returns the number of items waiting for the goroutine.
func (e *SingleThreadExecutor) QueuedTaskCount() int { return e.queue.Len() }
