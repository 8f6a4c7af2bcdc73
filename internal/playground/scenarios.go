package playground

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	dispatch "github.com/Swind/go-dispatch"
)

func init() {
	register(Scenario{
		Name:        "qos",
		Description: "Run on the utility root queue, then hop back to the main queue.",
		Run:         runQoS,
	})
	register(Scenario{
		Name:        "dispatch-types",
		Description: "Async, sync and delayed submission from the main queue to a background serial queue.",
		Run:         runDispatchTypes,
	})
	register(Scenario{
		Name:        "deadlock",
		Description: "A sync wait on the caller's own queue is refused; a cross-queue cycle only ends by timeout.",
		Run:         runDeadlock,
	})
	register(Scenario{
		Name:        "thread-safe",
		Description: "Barrier writes and sync reads keep a shared value consistent; a group notifies the main queue.",
		Run:         runThreadSafe,
	})
	register(Scenario{
		Name:        "burst",
		Description: "A rate-limited burst onto a width-limited concurrent queue grows the pool.",
		Run:         runBurst,
	})
}

// =============================================================================
// qos
// =============================================================================

func runQoS(ctx context.Context, d *dispatch.Dispatcher, t *Transcript, opts Options) error {
	done := make(chan struct{})
	main := d.MainQueue()

	err := d.GlobalQueue(dispatch.QoSUtility).Submit(func(ctx context.Context) {
		t.Printf("Now on a pool worker with QoS class: %s", labelOf(ctx))
		err := main.Submit(func(ctx context.Context) {
			t.Printf("And now back to: %s", labelOf(ctx))
			close(done)
		})
		if err != nil {
			t.Printf("hop to %s failed: %v", main.Label(), err)
			close(done)
		}
	})
	if err != nil {
		return err
	}
	return await(ctx, done, opts.Timeout, "main queue hop")
}

// =============================================================================
// dispatch-types
// =============================================================================

func runDispatchTypes(ctx context.Context, d *dispatch.Dispatcher, t *Transcript, opts Options) error {
	worker, closeWorker, err := tempQueue(d, "playground.bckg.worker", dispatch.Serial, dispatch.QoSBackground)
	if err != nil {
		return err
	}
	defer closeWorker()

	main := d.MainQueue()
	delayed := make(chan struct{})
	var stepErr error

	err = main.SubmitAndWait(ctx, func(ctx context.Context) {
		mainLabel := labelOf(ctx)

		t.Printf("1. submitting async from %s", mainLabel)
		stepErr = worker.Submit(func(ctx context.Context) {
			t.Printf("2. running async on %s", labelOf(ctx))
		})
		if stepErr != nil {
			return
		}
		t.Printf("3. now doing something else on %s", mainLabel)

		t.Printf("4. submitting synchronously from %s", mainLabel)
		stepErr = worker.SubmitAndWait(ctx, func(ctx context.Context) {
			t.Printf("5. running sync on %s", labelOf(ctx))
		})
		if stepErr != nil {
			return
		}
		t.Printf("6. now doing something else on %s", mainLabel)

		t.Printf("7. submitting with delay from %s", mainLabel)
		_, stepErr = d.After(opts.Delay, main, func(ctx context.Context) {
			t.Printf("8. running after delay on %s", labelOf(ctx))
			close(delayed)
		})
	})
	if err != nil {
		return err
	}
	if stepErr != nil {
		return stepErr
	}
	return await(ctx, delayed, opts.Delay+opts.Timeout, "delayed step")
}

// =============================================================================
// deadlock
// =============================================================================

func runDeadlock(ctx context.Context, d *dispatch.Dispatcher, t *Transcript, opts Options) error {
	worker, closeWorker, err := tempQueue(d, "playground.deadlock.worker", dispatch.Serial, dispatch.QoSDefault)
	if err != nil {
		return err
	}
	defer closeWorker()

	if err := reentrantWait(ctx, worker, t, opts); err != nil {
		return err
	}
	return crossQueueCycle(ctx, d.MainQueue(), worker, t, opts)
}

// reentrantWait waits on the queue the task itself runs on.
func reentrantWait(ctx context.Context, worker *dispatch.WorkQueue, t *Transcript, opts Options) error {
	result := make(chan error, 1)
	err := worker.Submit(func(ctx context.Context) {
		err := worker.SubmitAndWait(ctx, func(context.Context) {
			t.Printf("deadlocked!!!")
		})
		t.Printf("sync from %s onto itself refused: %v", labelOf(ctx), err)
		result <- err
	})
	if err != nil {
		return err
	}

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()
	select {
	case err := <-result:
		if !errors.Is(err, dispatch.ErrReentrantWait) {
			return fmt.Errorf("reentrant wait returned %v, want %v", err, dispatch.ErrReentrantWait)
		}
		return nil
	case <-timer.C:
		return errors.New("reentrant wait was not refused")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// crossQueueCycle makes a main queue task and a worker task wait on each
// other. The cycle spans two queues and is not refused up front; the main
// side gives up after opts.Timeout, which unblocks the worker side.
func crossQueueCycle(ctx context.Context, main, worker *dispatch.WorkQueue, t *Transcript, opts Options) error {
	workerRunning := make(chan struct{})
	mainRunning := make(chan struct{})
	settled := make(chan struct{})
	mainErr := make(chan error, 1)

	err := worker.Submit(func(ctx context.Context) {
		close(workerRunning)
		<-mainRunning
		err := main.SubmitAndWait(ctx, func(ctx context.Context) {
			t.Printf("sync onto %s only ran once the other side gave up", labelOf(ctx))
		})
		if err != nil {
			t.Printf("sync from %s onto %s failed: %v", labelOf(ctx), main.Label(), err)
		}
	})
	if err != nil {
		return err
	}

	err = main.Submit(func(ctx context.Context) {
		close(mainRunning)
		<-workerRunning

		waitCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
		err := worker.SubmitAndWait(waitCtx, func(ctx context.Context) {
			t.Printf("supposedly running sync on %s ...or perhaps not???", labelOf(ctx))
			close(settled)
		})
		t.Printf("%s gave up waiting on %s: %v", labelOf(ctx), worker.Label(), err)
		mainErr <- err
	})
	if err != nil {
		return err
	}

	if err := await(ctx, settled, 3*opts.Timeout, "deadlocked tasks to settle"); err != nil {
		return err
	}
	if err := <-mainErr; !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("cross-queue wait returned %v, want %v", err, context.DeadlineExceeded)
	}
	return nil
}

// =============================================================================
// thread-safe
// =============================================================================

// Shape is the value shared between tasks in thread-safe.
type Shape struct {
	Name    string
	Species string
}

func (s Shape) String() string { return s.Name + " the " + s.Species }

const readsPerReader = 25

func runThreadSafe(ctx context.Context, d *dispatch.Dispatcher, t *Transcript, opts Options) error {
	worker, closeWorker, err := tempQueue(d, "playground.worker", dispatch.Concurrent, dispatch.QoSDefault)
	if err != nil {
		return err
	}
	defer closeWorker()

	syncQueue, closeSync, err := tempQueue(d, "playground.shapeshifter.sync", dispatch.Concurrent, dispatch.QoSUserInitiated)
	if err != nil {
		return err
	}
	defer closeSync()

	initial := Shape{Name: "Tyke", Species: "Puppy"}
	shapes := []Shape{{"Tom", "Cat"}, {"Spike", "Bulldog"}, {"Jerry", "Mouse"}}
	known := map[Shape]bool{initial: true}
	for _, s := range shapes {
		known[s] = true
	}

	shifter, err := dispatch.NewGuarded(syncQueue, initial)
	if err != nil {
		return err
	}
	info, err := shifter.Load(ctx)
	if err != nil {
		return err
	}
	t.Printf("%s", info)

	group := d.CreateGroup()
	for _, s := range shapes {
		err := group.Submit(worker, func(ctx context.Context) {
			if err := shifter.Store(s); err != nil {
				t.Printf("shift to %s failed: %v", s, err)
				return
			}
			current, err := shifter.Load(ctx)
			if err != nil {
				t.Printf("read failed: %v", err)
				return
			}
			t.Printf("Current shape: %s", current)
		})
		if err != nil {
			return err
		}
	}

	// Readers outside any queue race the writers above.
	g, gctx := errgroup.WithContext(ctx)
	for range opts.Readers {
		g.Go(func() error {
			for range readsPerReader {
				s, err := shifter.Load(gctx)
				if err != nil {
					return err
				}
				if !known[s] {
					return fmt.Errorf("torn read: %+v", s)
				}
			}
			return nil
		})
	}

	latest := make(chan struct{})
	err = group.Notify(d.MainQueue(), func(ctx context.Context) {
		s, err := shifter.Load(ctx)
		if err != nil {
			t.Printf("final read failed: %v", err)
		} else {
			t.Printf("Latest shape: %s (on %s)", s, labelOf(ctx))
		}
		close(latest)
	})
	if err != nil {
		return err
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return await(ctx, latest, opts.Timeout, "group notify")
}

// =============================================================================
// burst
// =============================================================================

func runBurst(ctx context.Context, d *dispatch.Dispatcher, t *Transcript, opts Options) error {
	q, closeQueue, err := tempQueue(d, "playground.burst", dispatch.Concurrent, dispatch.QoSUtility,
		dispatch.WithWidth(opts.BurstWidth))
	if err != nil {
		return err
	}
	defer closeQueue()

	pool := d.Pool()
	before := pool.Stats()
	limiter := rate.NewLimiter(rate.Limit(opts.BurstRate), opts.BurstWidth)
	group := d.CreateGroup()

	var running, peak, peakWorkers atomic.Int32
	raise := func(v *atomic.Int32, n int32) {
		for {
			cur := v.Load()
			if n <= cur || v.CompareAndSwap(cur, n) {
				return
			}
		}
	}

	for i := range opts.BurstTasks {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		err := group.Submit(q, func(context.Context) {
			raise(&peak, running.Add(1))
			raise(&peakWorkers, int32(pool.WorkerCount()))
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
		})
		if err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
	}

	if !group.Wait(opts.Timeout) {
		return fmt.Errorf("burst did not finish within %v, %d tasks pending", opts.Timeout, group.Pending())
	}

	stats := q.Stats()
	t.Printf("submitted %d tasks at %.0f/s onto %s", stats.Submitted, opts.BurstRate, q.Label())
	t.Printf("peak concurrency %d with width %d", peak.Load(), opts.BurstWidth)
	t.Printf("workers: %d before, %d at peak, max %d", before.Workers, peakWorkers.Load(), before.MaxWorkers)
	for _, rec := range q.RecentTasks(3) {
		t.Printf("recent: seq=%d worker=%d took %v", rec.Seq, rec.WorkerID, rec.Duration.Round(time.Millisecond))
	}

	if int(peak.Load()) > opts.BurstWidth {
		return fmt.Errorf("peak concurrency %d exceeds width %d", peak.Load(), opts.BurstWidth)
	}
	return nil
}
