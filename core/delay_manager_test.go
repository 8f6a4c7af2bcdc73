package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
)

// recordingTarget collects the tasks a DelayManager hands over.
type recordingTarget struct {
	mu    sync.Mutex
	tasks []Task
	err   error
}

func (r *recordingTarget) Submit(task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.tasks = append(r.tasks, task)
	return nil
}

func (r *recordingTarget) Label() string { return "target" }

func (r *recordingTarget) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// runAll runs every task received so far in arrival order.
func (r *recordingTarget) runAll() {
	r.mu.Lock()
	tasks := r.tasks
	r.tasks = nil
	r.mu.Unlock()
	for _, task := range tasks {
		task(context.Background())
	}
}

func newSimulatedDelayManager(t *testing.T) (*DelayManager, *timeutil.SimulatedClock) {
	t.Helper()
	clock := &timeutil.SimulatedClock{}
	clock.SetTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	dm := NewDelayManager(clock, NewNoOpLogger())
	t.Cleanup(dm.Stop)
	return dm, clock
}

// advance moves the simulated clock and lets the loop notice.
func advance(dm *DelayManager, clock *timeutil.SimulatedClock, d time.Duration) {
	clock.AdvanceTime(d)
	dm.wake()
}

// TestDelayManager_FiresInDeadlineOrder verifies deadlines drive the handover
// Given: Three tasks with delays 30ms, 10ms and 20ms on a simulated clock
// When: The clock advances past each deadline
// Then: Tasks are handed over only once due, earliest deadline first
func TestDelayManager_FiresInDeadlineOrder(t *testing.T) {
	dm, clock := newSimulatedDelayManager(t)
	target := &recordingTarget{}

	var order []string
	record := func(name string) Task {
		return func(ctx context.Context) { order = append(order, name) }
	}
	dm.AddDelayedTask(record("30ms"), 30*time.Millisecond, target)
	dm.AddDelayedTask(record("10ms"), 10*time.Millisecond, target)
	dm.AddDelayedTask(record("20ms"), 20*time.Millisecond, target)

	if got := dm.TaskCount(); got != 3 {
		t.Fatalf("TaskCount() = %d, want 3", got)
	}

	advance(dm, clock, 15*time.Millisecond)
	waitFor(t, testTimeout, "first handover", func() bool { return target.count() == 1 })
	target.runAll()

	advance(dm, clock, 20*time.Millisecond)
	waitFor(t, testTimeout, "remaining handovers", func() bool { return target.count() == 2 })
	target.runAll()

	want := []string{"10ms", "20ms", "30ms"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
	if got := dm.TaskCount(); got != 0 {
		t.Errorf("TaskCount() = %d, want 0", got)
	}
}

// TestDelayedTask_Cancel verifies the cancel handle
// Main test items:
// 1. Cancel before the deadline returns nil and the task is never handed over
// 2. Cancelling twice is not an error
// 3. Cancel after the handover returns ErrAlreadyFired
func TestDelayedTask_Cancel(t *testing.T) {
	dm, clock := newSimulatedDelayManager(t)
	target := &recordingTarget{}

	cancelled := dm.AddDelayedTask(func(ctx context.Context) {}, 150*time.Millisecond, target)
	fired := dm.AddDelayedTask(func(ctx context.Context) {}, 30*time.Millisecond, target)

	advance(dm, clock, 50*time.Millisecond)
	waitFor(t, testTimeout, "short task to fire", func() bool { return fired.State() == DelayedFired })

	if err := cancelled.Cancel(); err != nil {
		t.Errorf("Cancel() before deadline = %v, want nil", err)
	}
	if err := cancelled.Cancel(); err != nil {
		t.Errorf("second Cancel() = %v, want nil", err)
	}
	if cancelled.State() != DelayedCancelled {
		t.Errorf("State() = %v, want cancelled", cancelled.State())
	}
	select {
	case <-cancelled.Done():
	default:
		t.Error("Done() not closed after Cancel")
	}

	if err := fired.Cancel(); !errors.Is(err, ErrAlreadyFired) {
		t.Errorf("Cancel() after fire = %v, want %v", err, ErrAlreadyFired)
	}

	advance(dm, clock, 200*time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	if got := target.count(); got != 1 {
		t.Errorf("handed over %d tasks, want 1", got)
	}
	if got := dm.TaskCount(); got != 0 {
		t.Errorf("TaskCount() = %d, want 0", got)
	}
}

// TestDelayManager_Stop verifies pending tasks are discarded on Stop
func TestDelayManager_Stop(t *testing.T) {
	dm, _ := newSimulatedDelayManager(t)
	target := &recordingTarget{}

	pending := dm.AddDelayedTask(func(ctx context.Context) {}, time.Hour, target)
	dm.Stop()

	if pending.State() != DelayedCancelled {
		t.Errorf("pending State() after Stop = %v, want cancelled", pending.State())
	}
	late := dm.AddDelayedTask(func(ctx context.Context) {}, time.Millisecond, target)
	if late.State() != DelayedCancelled {
		t.Errorf("State() of task added after Stop = %v, want cancelled", late.State())
	}
	if dm.TaskCount() != 0 || target.count() != 0 {
		t.Errorf("TaskCount() = %d, handed over %d, want 0 and 0", dm.TaskCount(), target.count())
	}
}

// TestDelayManager_TargetRefuses verifies a refused handover is dropped
// without stopping the loop
func TestDelayManager_TargetRefuses(t *testing.T) {
	dm, clock := newSimulatedDelayManager(t)
	refusing := &recordingTarget{err: ErrQueueClosed}
	accepting := &recordingTarget{}

	dropped := dm.AddDelayedTask(func(ctx context.Context) {}, 10*time.Millisecond, refusing)
	handed := dm.AddDelayedTask(func(ctx context.Context) {}, 20*time.Millisecond, accepting)

	advance(dm, clock, 25*time.Millisecond)
	waitFor(t, testTimeout, "accepting target", func() bool { return accepting.count() == 1 })

	<-dropped.Done()
	if dropped.State() != DelayedDropped {
		t.Errorf("refused task state = %v, want %v", dropped.State(), DelayedDropped)
	}
	if !errors.Is(dropped.Err(), ErrQueueClosed) {
		t.Errorf("refused task Err() = %v, want %v", dropped.Err(), ErrQueueClosed)
	}
	if err := dropped.Cancel(); err != nil {
		t.Errorf("Cancel() on refused task = %v, want nil", err)
	}

	<-handed.Done()
	if handed.State() != DelayedFired || handed.Err() != nil {
		t.Errorf("accepted task state = %v, Err() = %v", handed.State(), handed.Err())
	}
	if err := handed.Cancel(); !errors.Is(err, ErrAlreadyFired) {
		t.Errorf("Cancel() on accepted task = %v, want %v", err, ErrAlreadyFired)
	}
}

// TestWorkQueue_SubmitAfterOntoClosedQueue verifies a delayed task whose queue
// closed before the deadline reports the refusal instead of a handover
// Given: A task scheduled 20ms out on a queue that is then closed
// When: The deadline passes
// Then: The handle is dropped with ErrQueueClosed and the task never runs
func TestWorkQueue_SubmitAfterOntoClosedQueue(t *testing.T) {
	pool := newTestThreadPool(t, 1)
	q := newTestQueue(t, pool, "delayed.closing", Serial)

	var ran atomic.Bool
	handle, err := q.SubmitAfter(20*time.Millisecond, func(ctx context.Context) { ran.Store(true) })
	if err != nil {
		t.Fatal(err)
	}
	q.Close()

	select {
	case <-handle.Done():
	case <-time.After(testTimeout):
		t.Fatal("delayed task never settled")
	}
	if handle.State() != DelayedDropped {
		t.Errorf("State() = %v, want %v", handle.State(), DelayedDropped)
	}
	if !errors.Is(handle.Err(), ErrQueueClosed) {
		t.Errorf("Err() = %v, want %v", handle.Err(), ErrQueueClosed)
	}
	if err := handle.Cancel(); err != nil {
		t.Errorf("Cancel() = %v, want nil", err)
	}
	if ran.Load() {
		t.Error("task ran on a closed queue")
	}
}

// TestWorkQueue_SubmitAfterCancel verifies cancelling a 100ms delayed task
// before and after its deadline
// Main test items:
// 1. Cancel at 50ms returns nil and the task never runs
// 2. Cancel at 150ms returns ErrAlreadyFired and the task has already run
func TestWorkQueue_SubmitAfterCancel(t *testing.T) {
	t.Run("cancel at 50ms", func(t *testing.T) {
		pool := newTestThreadPool(t, 2)
		q := newTestQueue(t, pool, "delayed.early", Serial)

		var ran atomic.Bool
		handle, err := q.SubmitAfter(100*time.Millisecond, func(ctx context.Context) { ran.Store(true) })
		if err != nil {
			t.Fatal(err)
		}
		if got := pool.DelayedTaskCount(); got != 1 {
			t.Errorf("DelayedTaskCount() = %d, want 1", got)
		}

		time.Sleep(50 * time.Millisecond)
		if err := handle.Cancel(); err != nil {
			t.Errorf("Cancel() at 50ms = %v, want nil", err)
		}

		time.Sleep(100 * time.Millisecond)
		if ran.Load() {
			t.Error("cancelled task ran")
		}
		if handle.State() != DelayedCancelled {
			t.Errorf("State() = %v, want %v", handle.State(), DelayedCancelled)
		}
	})

	t.Run("cancel at 150ms", func(t *testing.T) {
		pool := newTestThreadPool(t, 2)
		q := newTestQueue(t, pool, "delayed.late", Serial)

		var ran atomic.Bool
		handle, err := q.SubmitAfter(100*time.Millisecond, func(ctx context.Context) { ran.Store(true) })
		if err != nil {
			t.Fatal(err)
		}

		time.Sleep(150 * time.Millisecond)
		if err := handle.Cancel(); !errors.Is(err, ErrAlreadyFired) {
			t.Errorf("Cancel() at 150ms = %v, want %v", err, ErrAlreadyFired)
		}
		// The task was handed over by 150ms; a marker behind it proves it ran.
		if err := q.SubmitAndWait(context.Background(), func(context.Context) {}); err != nil {
			t.Fatal(err)
		}
		if !ran.Load() {
			t.Error("task did not run by 150ms")
		}
	})
}

// TestWorkQueue_SubmitAfterRunsOnTarget verifies the label seen by a delayed task
func TestWorkQueue_SubmitAfterRunsOnTarget(t *testing.T) {
	pool := newTestThreadPool(t, 2)
	q := newTestQueue(t, pool, "later", Serial)

	labels := make(chan string, 1)
	start := time.Now()
	if _, err := q.SubmitAfter(20*time.Millisecond, func(ctx context.Context) {
		label, _ := CurrentQueueLabel(ctx)
		labels <- label
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case label := <-labels:
		if label != "later" {
			t.Errorf("delayed task ran on %q, want later", label)
		}
		if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
			t.Errorf("delayed task ran after %v, want >= 20ms", elapsed)
		}
	case <-time.After(testTimeout):
		t.Fatal("delayed task never ran")
	}
}
