package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Swind/go-dispatch/core"
)

// GoroutineThreadPool manages the worker goroutines shared by every queue.
// MinWorkers start eagerly; more are spawned while all workers are busy, up
// to MaxWorkers; workers above the minimum exit after IdleTimeout without
// work.
type GoroutineThreadPool struct {
	id          string
	scheduler   *core.TaskScheduler
	minWorkers  int
	maxWorkers  int
	idleTimeout time.Duration
	logger      core.Logger

	// One unit per live worker.
	slots *semaphore.Weighted

	workers      atomic.Int32
	idle         atomic.Int32
	nextWorkerID atomic.Int32

	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	runningMu sync.RWMutex
}

// NewGoroutineThreadPool creates a pool from config. A nil config uses
// core.DefaultSchedulerConfig. The pool does not run tasks until Start.
func NewGoroutineThreadPool(id string, config *core.SchedulerConfig) (*GoroutineThreadPool, error) {
	scheduler, err := core.NewTaskScheduler(config)
	if err != nil {
		return nil, err
	}
	cfg := scheduler.Config()

	tg := &GoroutineThreadPool{
		id:          id,
		scheduler:   scheduler,
		minWorkers:  cfg.MinWorkers,
		maxWorkers:  cfg.MaxWorkers,
		idleTimeout: cfg.IdleTimeout,
		logger:      cfg.Logger,
		slots:       semaphore.NewWeighted(int64(cfg.MaxWorkers)),
	}
	scheduler.SetPostHook(tg.maybeGrow)
	return tg, nil
}

// Start starts MinWorkers worker goroutines
func (tg *GoroutineThreadPool) Start(ctx context.Context) {
	tg.runningMu.Lock()
	defer tg.runningMu.Unlock()

	if tg.running {
		return // Already running
	}

	tg.ctx, tg.cancel = context.WithCancel(ctx)
	tg.running = true

	for i := 0; i < tg.minWorkers; i++ {
		if !tg.slots.TryAcquire(1) {
			break
		}
		tg.spawnLocked()
	}

	tg.logger.Debug("thread pool started",
		core.F("pool", tg.id),
		core.F("min_workers", tg.minWorkers),
		core.F("max_workers", tg.maxWorkers))
}

// spawnLocked starts one worker. The caller holds a slot and runningMu.
func (tg *GoroutineThreadPool) spawnLocked() {
	id := int(tg.nextWorkerID.Add(1))
	tg.workers.Add(1)
	tg.wg.Add(1)
	go tg.workerLoop(id, tg.ctx)
}

// maybeGrow adds a worker when more items are ready than workers wait.
func (tg *GoroutineThreadPool) maybeGrow() {
	if int(tg.idle.Load()) >= tg.scheduler.QueuedTaskCount() {
		return
	}

	tg.runningMu.RLock()
	defer tg.runningMu.RUnlock()
	if !tg.running || tg.ctx.Err() != nil {
		return
	}
	if !tg.slots.TryAcquire(1) {
		return // At MaxWorkers
	}
	tg.spawnLocked()
}

// Stop hard-stops the pool: queued tasks are cancelled, running tasks finish,
// then all workers are joined.
func (tg *GoroutineThreadPool) Stop() {
	// Always shutdown scheduler to release queued tasks and delayed tasks
	// even if pool was never started
	tg.scheduler.Shutdown()

	tg.runningMu.Lock()
	if !tg.running {
		tg.runningMu.Unlock()
		return
	}
	tg.cancel()
	tg.runningMu.Unlock()

	tg.Join()

	tg.runningMu.Lock()
	tg.running = false
	tg.runningMu.Unlock()
}

// StopGraceful refuses new submissions, waits for everything already
// admitted to complete, then joins the workers. On timeout it falls back to
// Stop and returns an error.
func (tg *GoroutineThreadPool) StopGraceful(timeout time.Duration) error {
	tg.runningMu.RLock()
	running := tg.running
	tg.runningMu.RUnlock()

	if !running {
		tg.scheduler.Shutdown()
		return nil
	}

	err := tg.scheduler.ShutdownGraceful(timeout)

	tg.runningMu.Lock()
	tg.cancel()
	tg.runningMu.Unlock()

	tg.Join()

	tg.runningMu.Lock()
	tg.running = false
	tg.runningMu.Unlock()

	if err != nil {
		tg.logger.Warn("graceful stop timed out", core.F("pool", tg.id), core.F("error", err))
	}
	return err
}

// ID returns the ID of the thread pool
func (tg *GoroutineThreadPool) ID() string {
	return tg.id
}

// IsRunning returns whether the thread pool is running
func (tg *GoroutineThreadPool) IsRunning() bool {
	tg.runningMu.RLock()
	defer tg.runningMu.RUnlock()
	return tg.running
}

// workerLoop is the main loop for each worker
func (tg *GoroutineThreadPool) workerLoop(id int, ctx context.Context) {
	defer tg.wg.Done()
	defer tg.slots.Release(1)

	ctx = core.WithWorkerID(ctx, id)
	stopCh := ctx.Done()

	for {
		var (
			timer  *time.Timer
			idleCh <-chan time.Time
		)
		if tg.idleTimeout > 0 {
			timer = time.NewTimer(tg.idleTimeout)
			idleCh = timer.C
		}

		tg.idle.Add(1)
		item, ok := tg.scheduler.GetWork(stopCh, idleCh)
		tg.idle.Add(-1)
		if timer != nil {
			timer.Stop()
		}

		if !ok {
			if ctx.Err() != nil {
				tg.workers.Add(-1)
				return
			}
			if tg.tryRetire() {
				tg.logger.Debug("idle worker retired", core.F("pool", tg.id), core.F("worker", id))
				return
			}
			continue
		}

		tg.runItem(ctx, id, item)
	}
}

// tryRetire gives up one worker above MinWorkers. A worker that finds work
// queued after stepping down takes its place back.
func (tg *GoroutineThreadPool) tryRetire() bool {
	for {
		n := tg.workers.Load()
		if int(n) <= tg.minWorkers {
			return false
		}
		if !tg.workers.CompareAndSwap(n, n-1) {
			continue
		}
		if tg.scheduler.QueuedTaskCount() > 0 {
			tg.workers.Add(1)
			return false
		}
		return true
	}
}

func (tg *GoroutineThreadPool) runItem(ctx context.Context, id int, item core.TaskItem) {
	tg.scheduler.OnTaskStart()
	defer tg.scheduler.OnTaskEnd()
	defer func() {
		if r := recover(); r != nil {
			tg.scheduler.GetPanicHandler().HandlePanic(ctx, tg.id, id, r, debug.Stack())
		}
	}()
	item.Task(ctx)
}

// Join waits for all worker goroutines to finish
func (tg *GoroutineThreadPool) Join() {
	tg.wg.Wait()
}

// PostItem hands a ready item to the workers.
func (tg *GoroutineThreadPool) PostItem(item core.TaskItem) error {
	return tg.scheduler.PostItem(item)
}

// PostInternal runs task on a worker without any queue around it.
func (tg *GoroutineThreadPool) PostInternal(task core.Task, qos core.QoSClass) error {
	return tg.scheduler.PostInternal(task, qos)
}

// Scheduler returns the scheduler feeding the workers.
func (tg *GoroutineThreadPool) Scheduler() *core.TaskScheduler {
	return tg.scheduler
}

// WorkerCount returns the number of live workers
func (tg *GoroutineThreadPool) WorkerCount() int {
	return int(tg.workers.Load())
}

// IdleWorkerCount returns the number of workers waiting for work
func (tg *GoroutineThreadPool) IdleWorkerCount() int {
	return int(tg.idle.Load())
}

func (tg *GoroutineThreadPool) QueuedTaskCount() int {
	return tg.scheduler.QueuedTaskCount()
}

func (tg *GoroutineThreadPool) ActiveTaskCount() int {
	return tg.scheduler.ActiveTaskCount()
}

func (tg *GoroutineThreadPool) DelayedTaskCount() int {
	return tg.scheduler.DelayedTaskCount()
}

// Stats returns a snapshot of the pool state.
func (tg *GoroutineThreadPool) Stats() core.PoolStats {
	return core.PoolStats{
		ID:          tg.id,
		Workers:     tg.WorkerCount(),
		IdleWorkers: tg.IdleWorkerCount(),
		MinWorkers:  tg.minWorkers,
		MaxWorkers:  tg.maxWorkers,
		Queued:      tg.QueuedTaskCount(),
		Active:      tg.ActiveTaskCount(),
		Delayed:     tg.DelayedTaskCount(),
		Outstanding: tg.scheduler.Outstanding(),
		Running:     tg.IsRunning(),
		State:       tg.scheduler.State(),
	}
}

func (tg *GoroutineThreadPool) String() string {
	return fmt.Sprintf("GoroutineThreadPool(%s, workers=%d/%d)", tg.id, tg.WorkerCount(), tg.maxWorkers)
}
