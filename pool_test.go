package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Swind/go-dispatch/core"
)

// Ensure GoroutineThreadPool fully implements ThreadPool interface
var _ core.ThreadPool = (*GoroutineThreadPool)(nil)

const testTimeout = 2 * time.Second

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestPool(t *testing.T, cfg *core.SchedulerConfig) *GoroutineThreadPool {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = core.NewNoOpLogger()
	}
	pool, err := NewGoroutineThreadPool("test-pool", cfg)
	if err != nil {
		t.Fatalf("NewGoroutineThreadPool() error = %v", err)
	}
	t.Cleanup(pool.Stop)
	return pool
}

func TestGoroutineThreadPool_Lifecycle(t *testing.T) {
	pool := newTestPool(t, &core.SchedulerConfig{MinWorkers: 2, MaxWorkers: 2})

	if pool.ID() != "test-pool" {
		t.Errorf("expected ID 'test-pool', got %s", pool.ID())
	}
	if pool.IsRunning() {
		t.Error("pool should not be running initially")
	}

	pool.Start(context.Background())
	if !pool.IsRunning() {
		t.Error("pool should be running after Start()")
	}
	if pool.WorkerCount() != 2 {
		t.Errorf("expected 2 workers, got %d", pool.WorkerCount())
	}

	pool.Stop()
	if pool.IsRunning() {
		t.Error("pool should not be running after Stop()")
	}
	if pool.WorkerCount() != 0 {
		t.Errorf("expected 0 workers after Stop(), got %d", pool.WorkerCount())
	}
	if err := pool.PostInternal(func(ctx context.Context) {}, core.QoSDefault); !errors.Is(err, core.ErrSchedulerShutdown) {
		t.Errorf("PostInternal after Stop = %v, want %v", err, core.ErrSchedulerShutdown)
	}
}

func TestGoroutineThreadPool_InvalidConfig(t *testing.T) {
	_, err := NewGoroutineThreadPool("bad", &core.SchedulerConfig{MinWorkers: 4, MaxWorkers: 2})
	if !errors.Is(err, core.ErrInvalidConfig) {
		t.Errorf("NewGoroutineThreadPool() error = %v, want %v", err, core.ErrInvalidConfig)
	}
}

// TestGoroutineThreadPool_GrowAndRetire verifies the min/max/idle policy
// Main test items:
// 1. Blocked workers cause the pool to grow up to MaxWorkers
// 2. The pool never exceeds MaxWorkers
// 3. Idle workers above MinWorkers retire after IdleTimeout
func TestGoroutineThreadPool_GrowAndRetire(t *testing.T) {
	pool := newTestPool(t, &core.SchedulerConfig{
		MinWorkers:  1,
		MaxWorkers:  4,
		IdleTimeout: 20 * time.Millisecond,
	})
	pool.Start(context.Background())

	release := make(chan struct{})
	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		if err := pool.PostInternal(func(ctx context.Context) {
			defer wg.Done()
			<-release
		}, core.QoSDefault); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, "4 active tasks", func() bool { return pool.ActiveTaskCount() == 4 })
	if got := pool.WorkerCount(); got != 4 {
		t.Errorf("WorkerCount() = %d, want 4", got)
	}
	if got := pool.QueuedTaskCount(); got != 2 {
		t.Errorf("QueuedTaskCount() = %d, want 2", got)
	}

	close(release)
	wg.Wait()

	waitFor(t, "retire to MinWorkers", func() bool { return pool.WorkerCount() == 1 })

	// A retired pool still grows again on demand.
	done := make(chan struct{})
	if err := pool.PostInternal(func(ctx context.Context) { close(done) }, core.QoSDefault); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("task did not run after retirement")
	}
}

func TestGoroutineThreadPool_Stats(t *testing.T) {
	pool := newTestPool(t, &core.SchedulerConfig{MinWorkers: 2, MaxWorkers: 3})
	pool.Start(context.Background())

	waitFor(t, "idle workers", func() bool { return pool.IdleWorkerCount() == 2 })
	stats := pool.Stats()
	if stats.ID != "test-pool" || stats.Workers != 2 || stats.MinWorkers != 2 || stats.MaxWorkers != 3 {
		t.Errorf("Stats() = %+v", stats)
	}
	if !stats.Running || stats.State != "running" {
		t.Errorf("Stats() running = %v, state = %s", stats.Running, stats.State)
	}
	if got := pool.String(); got != "GoroutineThreadPool(test-pool, workers=2/3)" {
		t.Errorf("String() = %q", got)
	}
}

// TestGoroutineThreadPool_PanicRecovery verifies a panicking internal task
// does not take down its worker
func TestGoroutineThreadPool_PanicRecovery(t *testing.T) {
	handler := &countingPanicHandler{}
	pool := newTestPool(t, &core.SchedulerConfig{MinWorkers: 1, MaxWorkers: 1, PanicHandler: handler})
	pool.Start(context.Background())

	_ = pool.PostInternal(func(ctx context.Context) { panic("boom") }, core.QoSDefault)
	done := make(chan struct{})
	_ = pool.PostInternal(func(ctx context.Context) { close(done) }, core.QoSDefault)

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("worker did not survive the panic")
	}
	if got := handler.count(); got != 1 {
		t.Errorf("panic count = %d, want 1", got)
	}
}

// TestGoroutineThreadPool_StopGraceful verifies admitted work finishes before the stop
func TestGoroutineThreadPool_StopGraceful(t *testing.T) {
	pool := newTestPool(t, &core.SchedulerConfig{MinWorkers: 2, MaxWorkers: 2})
	pool.Start(context.Background())

	q, err := core.NewWorkQueue("graceful", core.Serial, core.QoSDefault, pool)
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	ran := 0
	for range 5 {
		_ = q.Submit(func(ctx context.Context) {
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}

	if err := pool.StopGraceful(testTimeout); err != nil {
		t.Fatalf("StopGraceful() = %v", err)
	}
	if ran != 5 {
		t.Errorf("ran = %d, want 5", ran)
	}
	if pool.IsRunning() {
		t.Error("pool still running after StopGraceful")
	}
}

type countingPanicHandler struct {
	mu sync.Mutex
	n  int
}

func (h *countingPanicHandler) HandlePanic(ctx context.Context, queueLabel string, workerID int, panicInfo any, stackTrace []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.n++
}

func (h *countingPanicHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}
