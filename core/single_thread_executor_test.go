package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newMainExecutor(t *testing.T) (*SingleThreadExecutor, *TaskScheduler) {
	t.Helper()
	sched, err := NewTaskScheduler(&SchedulerConfig{MinWorkers: 1, MaxWorkers: 1, Logger: NewNoOpLogger()})
	if err != nil {
		t.Fatal(err)
	}
	e := NewSingleThreadExecutor("main", sched)
	t.Cleanup(sched.Shutdown)
	return e, sched
}

// TestSingleThreadExecutor_OrderAndAffinity verifies items run in arrival
// order on one goroutine
func TestSingleThreadExecutor_OrderAndAffinity(t *testing.T) {
	e, _ := newMainExecutor(t)
	if e.Name() != "main" {
		t.Errorf("Name() = %q, want main", e.Name())
	}

	var (
		mu    sync.Mutex
		order []int
	)
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		if err := e.PostItem(TaskItem{Task: func(ctx context.Context) {
			defer wg.Done()
			if id := WorkerID(ctx); id != -1 {
				t.Errorf("WorkerID() = %d, want -1", id)
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}}); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
}

// TestSingleThreadExecutor_MainQueue verifies a serial WorkQueue on the
// executor keeps every task on the same goroutine
func TestSingleThreadExecutor_MainQueue(t *testing.T) {
	pool := newTestThreadPool(t, 4)
	e := NewSingleThreadExecutor("main", pool.Scheduler())
	main := newTestQueue(t, pool, "main", Serial, WithExecutor(e))

	// Every task sees the executor's ctx, which carries worker id -1.
	for range 10 {
		err := main.SubmitAndWait(context.Background(), func(ctx context.Context) {
			if id := WorkerID(ctx); id != -1 {
				t.Errorf("WorkerID() = %d, want -1", id)
			}
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

// TestSingleThreadExecutor_Stop verifies Stop cancels queued items
// Main test items:
// 1. Items queued behind a running one are cancelled with ErrSchedulerShutdown
// 2. PostItem after Stop fails
// 3. Stopped closes after the running item returns
func TestSingleThreadExecutor_Stop(t *testing.T) {
	e, _ := newMainExecutor(t)

	started := make(chan struct{})
	release := make(chan struct{})
	if err := e.PostItem(TaskItem{Task: func(ctx context.Context) {
		close(started)
		<-release
	}}); err != nil {
		t.Fatal(err)
	}
	<-started

	cancelled := make(chan error, 1)
	if err := e.PostItem(TaskItem{
		Task:     func(ctx context.Context) { t.Error("queued item ran after Stop") },
		OnCancel: func(err error) { cancelled <- err },
	}); err != nil {
		t.Fatal(err)
	}
	if got := e.QueuedTaskCount(); got != 1 {
		t.Errorf("QueuedTaskCount() = %d, want 1", got)
	}

	e.Stop()
	if err := <-cancelled; !errors.Is(err, ErrSchedulerShutdown) {
		t.Errorf("OnCancel got %v, want %v", err, ErrSchedulerShutdown)
	}
	if err := e.PostItem(TaskItem{Task: func(ctx context.Context) {}}); !errors.Is(err, ErrSchedulerShutdown) {
		t.Errorf("PostItem after Stop = %v, want %v", err, ErrSchedulerShutdown)
	}

	close(release)
	select {
	case <-e.Stopped():
	case <-time.After(testTimeout):
		t.Fatal("executor goroutine did not exit")
	}
}

// TestSingleThreadExecutor_StopsWithScheduler verifies a hard stop ends the goroutine
func TestSingleThreadExecutor_StopsWithScheduler(t *testing.T) {
	e, sched := newMainExecutor(t)
	sched.Shutdown()

	select {
	case <-e.Stopped():
	case <-time.After(testTimeout):
		t.Fatal("executor goroutine did not exit after Shutdown")
	}
}

// TestSingleThreadExecutor_Panic verifies a panic is reported and the loop survives
func TestSingleThreadExecutor_Panic(t *testing.T) {
	handler := &recordingPanicHandler{}
	sched, err := NewTaskScheduler(&SchedulerConfig{MinWorkers: 1, MaxWorkers: 1, PanicHandler: handler, Logger: NewNoOpLogger()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sched.Shutdown)
	e := NewSingleThreadExecutor("main", sched)

	done := make(chan struct{})
	_ = e.PostItem(TaskItem{Task: func(ctx context.Context) { panic("main boom") }})
	_ = e.PostItem(TaskItem{Task: func(ctx context.Context) { close(done) }})

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("loop did not survive the panic")
	}
	if handler.count() != 1 {
		t.Errorf("panic handler count = %d, want 1", handler.count())
	}
}
