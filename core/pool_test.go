package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"testing"
	"time"
)

// testThreadPool is a fixed-size ThreadPool over a TaskScheduler, enough to
// drive WorkQueues in package tests.
type testThreadPool struct {
	sched   *TaskScheduler
	workers int

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

func newTestThreadPool(t *testing.T, workers int) *testThreadPool {
	t.Helper()
	return newTestThreadPoolWithConfig(t, &SchedulerConfig{
		MinWorkers: workers,
		MaxWorkers: workers,
		Logger:     NewNoOpLogger(),
	})
}

func newTestThreadPoolWithConfig(t *testing.T, cfg *SchedulerConfig) *testThreadPool {
	t.Helper()
	sched, err := NewTaskScheduler(cfg)
	if err != nil {
		t.Fatalf("NewTaskScheduler() error = %v", err)
	}
	tp := &testThreadPool{sched: sched, workers: sched.Config().MinWorkers}
	tp.Start(context.Background())
	t.Cleanup(tp.Stop)
	return tp
}

func (tp *testThreadPool) Start(ctx context.Context) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.running {
		return
	}
	tp.ctx, tp.cancel = context.WithCancel(ctx)
	tp.running = true
	for i := range tp.workers {
		tp.wg.Add(1)
		go tp.worker(i + 1)
	}
}

func (tp *testThreadPool) worker(id int) {
	defer tp.wg.Done()
	ctx := WithWorkerID(tp.ctx, id)
	for {
		item, ok := tp.sched.GetWork(ctx.Done(), nil)
		if !ok {
			return
		}
		tp.sched.OnTaskStart()
		func() {
			defer tp.sched.OnTaskEnd()
			defer func() {
				if r := recover(); r != nil {
					tp.sched.GetPanicHandler().HandlePanic(ctx, "test-pool", id, r, debug.Stack())
				}
			}()
			item.Task(ctx)
		}()
	}
}

func (tp *testThreadPool) Stop() {
	tp.sched.Shutdown()
	tp.mu.Lock()
	if tp.cancel != nil {
		tp.cancel()
	}
	tp.running = false
	tp.mu.Unlock()
	tp.wg.Wait()
}

func (tp *testThreadPool) StopGraceful(timeout time.Duration) error {
	err := tp.sched.ShutdownGraceful(timeout)
	tp.Stop()
	return err
}

func (tp *testThreadPool) PostItem(item TaskItem) error { return tp.sched.PostItem(item) }
func (tp *testThreadPool) PostInternal(task Task, qos QoSClass) error {
	return tp.sched.PostInternal(task, qos)
}
func (tp *testThreadPool) Scheduler() *TaskScheduler { return tp.sched }
func (tp *testThreadPool) ID() string                { return "test-pool" }
func (tp *testThreadPool) IsRunning() bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.running
}
func (tp *testThreadPool) WorkerCount() int      { return tp.workers }
func (tp *testThreadPool) QueuedTaskCount() int  { return tp.sched.QueuedTaskCount() }
func (tp *testThreadPool) ActiveTaskCount() int  { return tp.sched.ActiveTaskCount() }
func (tp *testThreadPool) DelayedTaskCount() int { return tp.sched.DelayedTaskCount() }

var _ ThreadPool = (*testThreadPool)(nil)

func newTestQueue(t *testing.T, pool ThreadPool, label string, discipline Discipline, opts ...QueueOption) *WorkQueue {
	t.Helper()
	q, err := NewWorkQueue(label, discipline, QoSDefault, pool, opts...)
	if err != nil {
		t.Fatalf("NewWorkQueue(%q) error = %v", label, err)
	}
	return q
}

// waitFor polls cond until it holds or timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %v waiting for %s", timeout, what)
		}
		time.Sleep(time.Millisecond)
	}
}

// recordingPanicHandler collects the panics it is given.
type recordingPanicHandler struct {
	mu     sync.Mutex
	queues []string
	values []any
}

func (h *recordingPanicHandler) HandlePanic(ctx context.Context, queueLabel string, workerID int, panicInfo any, stackTrace []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queues = append(h.queues, queueLabel)
	h.values = append(h.values, panicInfo)
}

func (h *recordingPanicHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.values)
}

// recordingMetrics collects rejection reasons and panic counts.
type recordingMetrics struct {
	NilMetrics
	mu       sync.Mutex
	rejected []string
	panics   int
	depths   []int
}

func (m *recordingMetrics) RecordTaskRejected(queueLabel string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected = append(m.rejected, fmt.Sprintf("%s:%s", queueLabel, reason))
}

func (m *recordingMetrics) RecordTaskPanic(queueLabel string, panicInfo any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panics++
}

func (m *recordingMetrics) RecordQueueDepth(queueLabel string, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depths = append(m.depths, depth)
}

func (m *recordingMetrics) snapshot() ([]string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.rejected...), m.panics
}
