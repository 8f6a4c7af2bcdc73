package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Swind/go-dispatch/core"
)

const (
	// MainQueueLabel is the label of the queue bound to the main goroutine.
	MainQueueLabel = "dispatch.main"

	globalQueuePrefix = "dispatch.root."
)

// GlobalQueueLabel returns the label of the root queue for qos.
func GlobalQueueLabel(qos core.QoSClass) string {
	return globalQueuePrefix + qos.String()
}

// Dispatcher owns a pool together with the queues layered on it: the main
// queue, one concurrent root queue per QoS class, and every queue created
// through CreateQueue. Labels are unique among its live queues.
type Dispatcher struct {
	pool     *GoroutineThreadPool
	mainExec *core.SingleThreadExecutor
	main     *core.WorkQueue
	globals  map[core.QoSClass]*core.WorkQueue
	logger   core.Logger

	mu     sync.Mutex
	queues map[string]*core.WorkQueue // GUARDED_BY(mu)
}

// New creates and starts a Dispatcher. A nil config uses
// core.DefaultSchedulerConfig.
func New(config *core.SchedulerConfig) (*Dispatcher, error) {
	pool, err := NewGoroutineThreadPool("dispatch-pool", config)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		pool:    pool,
		globals: make(map[core.QoSClass]*core.WorkQueue),
		logger:  pool.Scheduler().GetLogger(),
		queues:  make(map[string]*core.WorkQueue),
	}

	d.mainExec = core.NewSingleThreadExecutor(MainQueueLabel, pool.Scheduler())
	d.main, err = core.NewWorkQueue(MainQueueLabel, core.Serial, core.QoSUserInitiated, pool,
		core.WithExecutor(d.mainExec))
	if err != nil {
		pool.Stop()
		return nil, err
	}
	d.queues[MainQueueLabel] = d.main

	for _, qos := range core.AllQoSClasses() {
		q, err := core.NewWorkQueue(GlobalQueueLabel(qos), core.Concurrent, qos, pool, core.AsGlobal())
		if err != nil {
			pool.Stop()
			return nil, err
		}
		d.globals[qos] = q
		d.queues[q.Label()] = q
	}

	pool.Start(context.Background())
	return d, nil
}

// CreateQueue creates a queue on the shared pool. It fails with
// core.ErrDuplicateLabel while another live queue uses label.
func (d *Dispatcher) CreateQueue(label string, discipline core.Discipline, qos core.QoSClass, opts ...core.QueueOption) (*core.WorkQueue, error) {
	q, err := core.NewWorkQueue(label, discipline, qos, d.pool, opts...)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if _, exists := d.queues[label]; exists {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", core.ErrDuplicateLabel, label)
	}
	d.queues[label] = q
	d.mu.Unlock()

	q.OnClose(func() { d.unregister(label, q) })

	d.logger.Debug("queue created",
		core.F("queue", label),
		core.F("discipline", discipline.String()),
		core.F("qos", qos.String()))
	return q, nil
}

func (d *Dispatcher) unregister(label string, q *core.WorkQueue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queues[label] == q {
		delete(d.queues, label)
	}
}

// Queue looks up a live queue by label.
func (d *Dispatcher) Queue(label string) (*core.WorkQueue, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[label]
	return q, ok
}

// QueueStats returns a snapshot of every live queue, sorted by label.
func (d *Dispatcher) QueueStats() []core.QueueStats {
	d.mu.Lock()
	queues := make([]*core.WorkQueue, 0, len(d.queues))
	for _, q := range d.queues {
		queues = append(queues, q)
	}
	d.mu.Unlock()

	stats := make([]core.QueueStats, 0, len(queues))
	for _, q := range queues {
		stats = append(stats, q.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Label < stats[j].Label })
	return stats
}

// GlobalQueue returns the concurrent root queue for qos. Unknown classes map
// to QoSDefault.
func (d *Dispatcher) GlobalQueue(qos core.QoSClass) *core.WorkQueue {
	if q, ok := d.globals[qos]; ok {
		return q
	}
	return d.globals[core.QoSDefault]
}

// MainQueue returns the serial queue whose tasks all run on one dedicated
// goroutine.
func (d *Dispatcher) MainQueue() *core.WorkQueue {
	return d.main
}

// CreateGroup returns an empty TaskGroup.
func (d *Dispatcher) CreateGroup() *core.TaskGroup {
	return core.NewTaskGroup()
}

// After submits task onto q once delay elapsed.
func (d *Dispatcher) After(delay time.Duration, q *core.WorkQueue, task core.Task) (*core.DelayedTask, error) {
	return q.SubmitAfter(delay, task)
}

// Pool returns the shared worker pool.
func (d *Dispatcher) Pool() *GoroutineThreadPool {
	return d.pool
}

// Shutdown hard-stops: queued tasks are cancelled, running tasks finish.
// It joins the workers, so it must not be called from a task.
func (d *Dispatcher) Shutdown() {
	d.pool.Stop()
	<-d.mainExec.Stopped()
}

// ShutdownGraceful drains all admitted work before stopping. On timeout the
// remaining work is cancelled and an error returned.
func (d *Dispatcher) ShutdownGraceful(timeout time.Duration) error {
	err := d.pool.StopGraceful(timeout)
	<-d.mainExec.Stopped()
	return err
}

// =============================================================================
// Process-wide Dispatcher (initialised on first use)
// =============================================================================

var (
	globalDispatcher *Dispatcher
	globalMu         sync.Mutex
)

// Init creates the process-wide Dispatcher from config. It is a no-op when
// one already exists.
func Init(config *core.SchedulerConfig) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalDispatcher != nil {
		return nil // Already initialized
	}

	d, err := New(config)
	if err != nil {
		return err
	}
	globalDispatcher = d
	return nil
}

// Default returns the process-wide Dispatcher, creating it with the default
// config on first use.
func Default() *Dispatcher {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalDispatcher == nil {
		d, err := New(nil)
		if err != nil {
			panic(fmt.Sprintf("dispatch: default config rejected: %v", err))
		}
		globalDispatcher = d
	}
	return globalDispatcher
}

// Shutdown hard-stops the process-wide Dispatcher. The next use creates a
// fresh one.
func Shutdown() {
	globalMu.Lock()
	d := globalDispatcher
	globalDispatcher = nil
	globalMu.Unlock()

	if d != nil {
		d.Shutdown()
	}
}

// ShutdownGraceful drains and stops the process-wide Dispatcher.
func ShutdownGraceful(timeout time.Duration) error {
	globalMu.Lock()
	d := globalDispatcher
	globalDispatcher = nil
	globalMu.Unlock()

	if d == nil {
		return nil
	}
	return d.ShutdownGraceful(timeout)
}

// CreateQueue creates a queue on the process-wide Dispatcher.
func CreateQueue(label string, discipline Discipline, qos QoSClass, opts ...QueueOption) (*WorkQueue, error) {
	return Default().CreateQueue(label, discipline, qos, opts...)
}

// GlobalQueue returns a root queue of the process-wide Dispatcher.
func GlobalQueue(qos QoSClass) *WorkQueue {
	return Default().GlobalQueue(qos)
}

// MainQueue returns the main queue of the process-wide Dispatcher.
func MainQueue() *WorkQueue {
	return Default().MainQueue()
}

// CreateGroup returns an empty TaskGroup.
func CreateGroup() *TaskGroup {
	return core.NewTaskGroup()
}

// After submits task onto q once delay elapsed.
func After(delay time.Duration, q *WorkQueue, task Task) (*DelayedTask, error) {
	return q.SubmitAfter(delay, task)
}

// CurrentQueueLabel returns the label of the queue running the task that
// owns ctx.
func CurrentQueueLabel(ctx context.Context) (string, bool) {
	return core.CurrentQueueLabel(ctx)
}
