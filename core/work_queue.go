package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/jacobsa/syncutil"
)

// QueueOption customises a WorkQueue at construction.
type QueueOption func(*queueOptions)

type queueOptions struct {
	width    int
	executor Executor
	global   bool
}

// WithWidth caps how many tasks of a concurrent queue run at once.
// Zero leaves the queue bounded only by the pool.
func WithWidth(n int) QueueOption {
	return func(o *queueOptions) { o.width = n }
}

// WithExecutor runs the queue's tasks on e instead of the pool workers.
func WithExecutor(e Executor) QueueOption {
	return func(o *queueOptions) { o.executor = e }
}

// AsGlobal marks a root queue. Barriers submitted to it run as plain tasks.
func AsGlobal() QueueOption {
	return func(o *queueOptions) { o.global = true }
}

// queueEntry is one submission together with whoever is waiting on it.
type queueEntry struct {
	item       TaskItem
	task       Task
	caller     *execFrame
	done       chan error
	onComplete func(perr *PanicError)
	onCancel   func(err error)

	// GUARDED_BY(queue.mu)
	dispatched bool
}

func (e *queueEntry) notifyCancel(err error) {
	if e.done != nil {
		e.done <- err
	}
	if e.onCancel != nil {
		e.onCancel(err)
	}
}

type submitRequest struct {
	task       Task
	name       string
	barrier    bool
	wait       bool
	internal   bool
	caller     *execFrame
	done       chan error
	onComplete func(perr *PanicError)
	onCancel   func(err error)
}

// WorkQueue is a labelled queue of tasks layered over a shared pool.
//
// A Serial queue runs one task at a time in submission order. A Concurrent
// queue starts tasks in submission order and lets them overlap; a barrier
// waits for everything submitted before it, runs alone, then lets later
// tasks through.
type WorkQueue struct {
	label      string
	discipline Discipline
	qos        QoSClass
	width      int
	global     bool

	sched *TaskScheduler
	exec  Executor

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	pending *FIFOTaskQueue

	// GUARDED_BY(mu)
	nextSeq uint64

	// Tasks handed to the executor and not yet completed.
	//
	// INVARIANT: running >= 0
	// INVARIANT: discipline == Serial => running <= 1
	// INVARIANT: barrierRunning => running == 1
	// INVARIANT: width > 0 => running <= width
	//
	// GUARDED_BY(mu)
	running int

	// GUARDED_BY(mu)
	barrierRunning bool

	// Barriers submitted and not yet completed, running one included.
	//
	// INVARIANT: pendingBarriers >= 0
	//
	// GUARDED_BY(mu)
	pendingBarriers int

	// GUARDED_BY(mu)
	closed bool

	// GUARDED_BY(mu)
	onClose []func()

	submitted atomic.Uint64
	rejected  atomic.Int64
	runs      *runLog
}

// NewWorkQueue creates a queue whose tasks run on pool.
func NewWorkQueue(label string, discipline Discipline, qos QoSClass, pool ThreadPool, opts ...QueueOption) (*WorkQueue, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: queue %q has no pool", ErrInvalidConfig, label)
	}
	return newWorkQueue(label, discipline, qos, pool.Scheduler(), pool, opts...)
}

func newWorkQueue(label string, discipline Discipline, qos QoSClass, sched *TaskScheduler, exec Executor, opts ...QueueOption) (*WorkQueue, error) {
	var o queueOptions
	for _, opt := range opts {
		opt(&o)
	}

	switch {
	case label == "":
		return nil, fmt.Errorf("%w: queue label must not be empty", ErrInvalidConfig)
	case discipline != Serial && discipline != Concurrent:
		return nil, fmt.Errorf("%w: queue %q: %v", ErrInvalidConfig, label, discipline)
	case !qos.Valid():
		return nil, fmt.Errorf("%w: queue %q: %v", ErrInvalidConfig, label, qos)
	case o.width < 0:
		return nil, fmt.Errorf("%w: queue %q: negative width %d", ErrInvalidConfig, label, o.width)
	}
	if o.executor != nil {
		exec = o.executor
	}

	q := &WorkQueue{
		label:      label,
		discipline: discipline,
		qos:        qos,
		width:      o.width,
		global:     o.global,
		sched:      sched,
		exec:       exec,
		pending:    NewFIFOTaskQueue(),
		runs:       newRunLog(sched.Config().HistoryCapacity),
	}
	q.mu = syncutil.NewInvariantMutex(q.checkInvariants)
	return q, nil
}

func (q *WorkQueue) checkInvariants() {
	if q.running < 0 {
		panic(fmt.Sprintf("queue %q: negative running count %d", q.label, q.running))
	}
	if q.discipline == Serial && q.running > 1 {
		panic(fmt.Sprintf("serial queue %q running %d tasks", q.label, q.running))
	}
	if q.barrierRunning && q.running != 1 {
		panic(fmt.Sprintf("queue %q: barrier running alongside %d tasks", q.label, q.running-1))
	}
	if q.width > 0 && q.running > q.width {
		panic(fmt.Sprintf("queue %q: running %d exceeds width %d", q.label, q.running, q.width))
	}
	if q.pendingBarriers < 0 {
		panic(fmt.Sprintf("queue %q: negative barrier count %d", q.label, q.pendingBarriers))
	}
}

// =============================================================================
// Submission
// =============================================================================

// Submit appends task and returns without waiting for it.
func (q *WorkQueue) Submit(task Task) error {
	return q.enqueue(submitRequest{task: task})
}

// SubmitNamed is Submit with an explicit name for execution history.
func (q *WorkQueue) SubmitNamed(name string, task Task) error {
	return q.enqueue(submitRequest{task: task, name: name})
}

// SubmitAndWait appends task and blocks until it completed.
//
// It fails with ErrReentrantWait, without enqueuing, when the wait could
// never finish because ctx belongs to a task this queue must complete first.
// If ctx ends before the task completed, ctx.Err() is returned and the task
// still runs later. A task cancelled by a hard stop yields
// ErrSchedulerShutdown; a panicking task yields a *PanicError.
func (q *WorkQueue) SubmitAndWait(ctx context.Context, task Task) error {
	return q.submitAndWait(ctx, task, false)
}

// SubmitBarrier appends a barrier: on a concurrent queue it starts after
// every earlier task completed and runs alone.
func (q *WorkQueue) SubmitBarrier(task Task) error {
	return q.enqueue(submitRequest{task: task, barrier: true})
}

// SubmitBarrierAndWait is SubmitBarrier followed by waiting like SubmitAndWait.
func (q *WorkQueue) SubmitBarrierAndWait(ctx context.Context, task Task) error {
	return q.submitAndWait(ctx, task, true)
}

// SubmitAfter schedules task onto q once delay elapsed.
func (q *WorkQueue) SubmitAfter(delay time.Duration, task Task) (*DelayedTask, error) {
	if task == nil {
		return nil, ErrNilTask
	}
	dt, err := q.sched.PostDelayed(task, delay, q)
	if err != nil {
		q.reject(err)
		return nil, fmt.Errorf("queue %q: %w", q.label, err)
	}
	return dt, nil
}

func (q *WorkQueue) submitAndWait(ctx context.Context, task Task, barrier bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan error, 1)
	err := q.enqueue(submitRequest{
		task:    task,
		barrier: barrier,
		wait:    true,
		caller:  frameFrom(ctx),
		done:    done,
	})
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *WorkQueue) enqueue(req submitRequest) error {
	if req.task == nil {
		return ErrNilTask
	}

	if err := q.sched.Admit(req.internal); err != nil {
		q.reject(err)
		return fmt.Errorf("queue %q: %w", q.label, err)
	}

	barrier := req.barrier && q.discipline == Concurrent && !q.global
	e := &queueEntry{
		item: TaskItem{
			ID:      GenerateTaskID(),
			Name:    taskName(req.task, req.name),
			QoS:     q.qos,
			Barrier: barrier,
		},
		task:       req.task,
		caller:     req.caller,
		done:       req.done,
		onComplete: req.onComplete,
		onCancel:   req.onCancel,
	}
	e.item.Task = func(ctx context.Context) { q.execute(ctx, e) }
	e.item.OnCancel = func(err error) { q.cancelEntry(e, err) }
	e.item.entry = e

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.sched.Release(1)
		q.reject(ErrQueueClosed)
		return fmt.Errorf("queue %q: %w", q.label, ErrQueueClosed)
	}
	if req.wait && q.wouldDeadlockLocked(req.caller, barrier) {
		q.mu.Unlock()
		q.sched.Release(1)
		q.reject(ErrReentrantWait)
		return fmt.Errorf("queue %q: %w", q.label, ErrReentrantWait)
	}

	e.item.Seq = q.nextSeq
	q.nextSeq++
	if barrier {
		q.pendingBarriers++
	}
	q.pending.Push(e.item)
	ready := q.scheduleLocked()
	depth := q.pending.Len()
	q.mu.Unlock()

	q.submitted.Add(1)
	q.sched.GetMetrics().RecordQueueDepth(q.label, depth)
	q.dispatch(ready)
	return nil
}

// wouldDeadlockLocked walks the chain of tasks blocked in synchronous waits
// behind caller. Waiting is hopeless if one of them runs on q and q cannot
// start the new task until that one returns, or if the blocked tasks hold
// every slot of a width-limited queue.
func (q *WorkQueue) wouldDeadlockLocked(caller *execFrame, barrier bool) bool {
	held := 0
	for f := caller; f != nil; f = f.parent {
		if f.queue != q {
			continue
		}
		if q.discipline == Serial || f.barrier || barrier || q.pendingBarriers > 0 {
			return true
		}
		held++
	}
	return q.width > 0 && held >= q.width
}

// scheduleLocked moves every item that may start now out of pending and
// returns them for dispatch. Items are marked dispatched before mu is
// released.
func (q *WorkQueue) scheduleLocked() []TaskItem {
	var ready []TaskItem
	for !q.barrierRunning {
		head, ok := q.pending.Peek()
		if !ok {
			break
		}
		if head.Barrier {
			if q.running > 0 {
				break
			}
			q.pending.Pop()
			q.barrierRunning = true
			q.running = 1
			ready = append(ready, head)
			break
		}
		if q.discipline == Serial && q.running > 0 {
			break
		}
		if q.width > 0 && q.running >= q.width {
			break
		}
		q.pending.Pop()
		q.running++
		ready = append(ready, head)
	}
	for _, item := range ready {
		item.entry.dispatched = true
	}
	return ready
}

func (q *WorkQueue) dispatch(ready []TaskItem) {
	for _, item := range ready {
		if err := q.exec.PostItem(item); err != nil {
			item.cancel(err)
		}
	}
}

// execute runs one entry on a worker and releases its slot.
func (q *WorkQueue) execute(workerCtx context.Context, e *queueEntry) {
	frame := &execFrame{queue: q, barrier: e.item.Barrier, parent: e.caller}
	ctx := withFrame(workerCtx, frame)

	clock := q.sched.GetClock()
	metrics := q.sched.GetMetrics()
	startedAt := clock.Now()

	var perr *PanicError
	func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				perr = &PanicError{Queue: q.label, Value: r, Stack: stack}
				metrics.RecordTaskPanic(q.label, r)
				if e.done == nil {
					q.sched.GetPanicHandler().HandlePanic(ctx, q.label, WorkerID(workerCtx), r, stack)
				}
			}
		}()
		e.task(ctx)
	}()

	finishedAt := clock.Now()
	duration := finishedAt.Sub(startedAt)
	q.runs.record(TaskExecutionRecord{
		TaskID:     e.item.ID,
		Name:       e.item.Name,
		QueueLabel: q.label,
		Discipline: q.discipline,
		QoS:        q.qos,
		Seq:        e.item.Seq,
		Barrier:    e.item.Barrier,
		WorkerID:   WorkerID(workerCtx),
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Duration:   duration,
		Panicked:   perr != nil,
	})
	metrics.RecordTaskDuration(q.label, q.qos, duration)

	if e.onComplete != nil {
		e.onComplete(perr)
	}
	if e.done != nil {
		if perr != nil {
			e.done <- perr
		} else {
			e.done <- nil
		}
	}

	q.complete(e)
	q.sched.Release(1)
}

func (q *WorkQueue) complete(e *queueEntry) {
	q.mu.Lock()
	q.running--
	if e.item.Barrier {
		q.barrierRunning = false
		q.pendingBarriers--
	}
	ready := q.scheduleLocked()
	q.mu.Unlock()

	q.dispatch(ready)
}

// cancelEntry drops e without running it. A dispatched entry gives back its
// slot, and everything still pending behind it is dropped with the same
// error since the executor refused work.
func (q *WorkQueue) cancelEntry(e *queueEntry, err error) {
	var dropped []TaskItem

	q.mu.Lock()
	if e.dispatched {
		q.running--
		if e.item.Barrier {
			q.barrierRunning = false
			q.pendingBarriers--
		}
		dropped = q.drainLocked()
	}
	q.mu.Unlock()

	e.notifyCancel(err)
	q.sched.Release(1)

	for _, item := range dropped {
		item.cancel(err)
	}
}

func (q *WorkQueue) drainLocked() []TaskItem {
	dropped := q.pending.Drain()
	for _, item := range dropped {
		if item.Barrier {
			q.pendingBarriers--
		}
	}
	return dropped
}

// Close refuses further submissions and drops every task that has not
// started; their waiters get ErrQueueClosed. Running tasks finish.
func (q *WorkQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := q.drainLocked()
	hooks := q.onClose
	q.onClose = nil
	q.mu.Unlock()

	for _, item := range dropped {
		item.cancel(ErrQueueClosed)
	}
	for _, hook := range hooks {
		hook()
	}
}

// OnClose registers fn to run once when the queue is closed.
func (q *WorkQueue) OnClose(fn func()) {
	q.mu.Lock()
	if !q.closed {
		q.onClose = append(q.onClose, fn)
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()
	fn()
}

func (q *WorkQueue) reject(err error) {
	q.rejected.Add(1)
	q.sched.rejected(q.label, rejectReason(err))
}

func rejectReason(err error) string {
	switch err {
	case ErrQueueClosed:
		return "closed"
	case ErrReentrantWait:
		return "reentrant"
	default:
		return "shutdown"
	}
}

// =============================================================================
// Introspection
// =============================================================================

func (q *WorkQueue) Label() string          { return q.label }
func (q *WorkQueue) Discipline() Discipline { return q.discipline }
func (q *WorkQueue) QoS() QoSClass          { return q.qos }
func (q *WorkQueue) Width() int             { return q.width }
func (q *WorkQueue) IsGlobal() bool         { return q.global }

// Scheduler returns the scheduler that admits work for this queue.
func (q *WorkQueue) Scheduler() *TaskScheduler { return q.sched }

// IsCurrent reports whether ctx belongs to a task running on q.
func (q *WorkQueue) IsCurrent(ctx context.Context) bool {
	return GetCurrentQueue(ctx) == q
}

// IsClosed reports whether Close was called.
func (q *WorkQueue) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Stats returns a snapshot of the queue state.
func (q *WorkQueue) Stats() QueueStats {
	q.mu.Lock()
	stats := QueueStats{
		Label:          q.label,
		Discipline:     q.discipline,
		QoS:            q.qos,
		Pending:        q.pending.Len(),
		Running:        q.running,
		Closed:         q.closed,
		BarrierRunning: q.barrierRunning,
	}
	waitingBarriers := q.pendingBarriers
	if q.barrierRunning {
		waitingBarriers--
	}
	stats.BarrierPending = waitingBarriers > 0
	q.mu.Unlock()

	stats.Submitted = q.submitted.Load()
	stats.Rejected = q.rejected.Load()
	completed, panicked, last, ok := q.runs.totals()
	stats.Completed = completed
	stats.Panicked = panicked
	if ok {
		stats.LastTaskName = last.Name
		stats.LastTaskAt = last.FinishedAt
	}
	return stats
}

// RecentTasks returns up to limit execution records, newest first.
func (q *WorkQueue) RecentTasks(limit int) []TaskExecutionRecord {
	return q.runs.newest(limit)
}
