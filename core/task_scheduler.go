package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacobsa/timeutil"
)

type schedulerState int32

const (
	stateRunning schedulerState = iota
	stateDraining
	stateStopped
)

func (s schedulerState) String() string {
	switch s {
	case stateRunning:
		return "running"
	case stateDraining:
		return "draining"
	case stateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const drainPollInterval = 10 * time.Millisecond

// TaskScheduler owns the ready queue shared by every WorkQueue on a pool.
// WorkQueues hand it items that are eligible to run; pool workers pull them
// with GetWork, higher QoS first.
type TaskScheduler struct {
	// mu orders state transitions against pushes so that a hard stop never
	// leaves an item stranded in the ready queue.
	mu     sync.Mutex
	state  atomic.Int32
	queue  TaskQueue
	signal chan struct{}

	delayManager *DelayManager

	metricQueued atomic.Int32 // Waiting in ready queue
	metricActive atomic.Int32 // Executing in worker

	// outstanding counts admitted tasks that have neither completed nor been
	// cancelled, wherever they currently wait.
	outstanding atomic.Int64

	config *SchedulerConfig

	hooksMu       sync.Mutex
	postHook      func()
	shutdownHooks []func()
}

// NewTaskScheduler creates a scheduler from config. A nil config uses
// DefaultSchedulerConfig.
func NewTaskScheduler(config *SchedulerConfig) (*TaskScheduler, error) {
	cfg := config.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &TaskScheduler{
		queue:  NewPriorityTaskQueue(),
		signal: make(chan struct{}, cfg.MaxWorkers*2),
		config: cfg,
	}
	s.delayManager = NewDelayManager(cfg.Clock, cfg.Logger)
	return s, nil
}

// Admit reserves a slot for one task about to enter a WorkQueue. Internal
// work (group notifies, replies) is still admitted while draining.
func (s *TaskScheduler) Admit(internal bool) error {
	switch schedulerState(s.state.Load()) {
	case stateStopped:
		return ErrSchedulerShutdown
	case stateDraining:
		if !internal {
			return ErrSchedulerShutdown
		}
	}
	s.outstanding.Add(1)
	return nil
}

// Release returns n slots taken by Admit.
func (s *TaskScheduler) Release(n int) {
	if n > 0 {
		s.outstanding.Add(-int64(n))
	}
}

// PostItem pushes an eligible item onto the ready queue.
func (s *TaskScheduler) PostItem(item TaskItem) error {
	s.mu.Lock()
	if schedulerState(s.state.Load()) == stateStopped {
		s.mu.Unlock()
		return ErrSchedulerShutdown
	}
	s.queue.Push(item)
	s.metricQueued.Add(1)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
		// Signal channel full, but the item is already queued
	}

	s.hooksMu.Lock()
	hook := s.postHook
	s.hooksMu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

// PostInternal runs task on the pool without a WorkQueue around it.
func (s *TaskScheduler) PostInternal(task Task, qos QoSClass) error {
	if task == nil {
		return ErrNilTask
	}
	if err := s.Admit(true); err != nil {
		return err
	}
	err := s.PostItem(TaskItem{
		ID:   GenerateTaskID(),
		Name: taskName(task, ""),
		QoS:  qos,
		Task: func(ctx context.Context) {
			defer s.Release(1)
			task(ctx)
		},
		OnCancel: func(error) { s.Release(1) },
	})
	if err != nil {
		s.Release(1)
	}
	return err
}

// PostDelayed schedules task onto target after delay.
func (s *TaskScheduler) PostDelayed(task Task, delay time.Duration, target DelayTarget) (*DelayedTask, error) {
	if task == nil {
		return nil, ErrNilTask
	}
	if schedulerState(s.state.Load()) != stateRunning {
		return nil, ErrSchedulerShutdown
	}
	return s.delayManager.AddDelayedTask(task, delay, target), nil
}

// GetWork blocks until an item is ready (true), stopCh closes or idleCh
// fires (false). idleCh may be nil.
func (s *TaskScheduler) GetWork(stopCh <-chan struct{}, idleCh <-chan time.Time) (TaskItem, bool) {
	for {
		if item, ok := s.queue.Pop(); ok {
			s.metricQueued.Add(-1)
			return item, true
		}

		select {
		case <-s.signal:
			continue
		case <-stopCh:
			return TaskItem{}, false
		case <-idleCh:
			return TaskItem{}, false
		}
	}
}

// Shutdown hard-stops the scheduler: new submissions are refused, delayed
// tasks are discarded and every queued item is cancelled with
// ErrSchedulerShutdown. Running tasks are not interrupted.
func (s *TaskScheduler) Shutdown() {
	s.mu.Lock()
	if schedulerState(s.state.Load()) == stateStopped {
		s.mu.Unlock()
		return
	}
	s.state.Store(int32(stateStopped))
	dropped := s.queue.Drain()
	s.metricQueued.Add(-int32(len(dropped)))
	s.mu.Unlock()

	s.delayManager.Stop()

	for _, item := range dropped {
		item.cancel(ErrSchedulerShutdown)
	}

	s.hooksMu.Lock()
	hooks := s.shutdownHooks
	s.shutdownHooks = nil
	s.hooksMu.Unlock()
	for _, hook := range hooks {
		hook()
	}

	if len(dropped) > 0 {
		s.config.Logger.Info("scheduler stopped", F("cancelled", len(dropped)))
	}
}

// BeginDrain stops admitting external submissions and discards delayed
// tasks that have not fired yet.
func (s *TaskScheduler) BeginDrain() {
	s.mu.Lock()
	if schedulerState(s.state.Load()) == stateRunning {
		s.state.Store(int32(stateDraining))
	}
	s.mu.Unlock()
	s.delayManager.Stop()
}

// ShutdownGraceful waits until every admitted task finished, then stops.
// When timeout elapses first it falls back to Shutdown and returns an error.
func (s *TaskScheduler) ShutdownGraceful(timeout time.Duration) error {
	s.BeginDrain()

	deadline := time.After(timeout)
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for !s.Idle() {
		select {
		case <-deadline:
			pending := s.outstanding.Load()
			s.Shutdown()
			return fmt.Errorf("%w: graceful shutdown timed out after %v with %d tasks outstanding",
				ErrSchedulerShutdown, timeout, pending)
		case <-ticker.C:
		}
	}

	s.Shutdown()
	return nil
}

// Idle reports whether no admitted task is waiting or running.
func (s *TaskScheduler) Idle() bool {
	return s.outstanding.Load() == 0 && s.metricQueued.Load() == 0 && s.metricActive.Load() == 0
}

// OnShutdown registers fn to run once when the scheduler hard-stops.
func (s *TaskScheduler) OnShutdown(fn func()) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	if schedulerState(s.state.Load()) == stateStopped {
		go fn()
		return
	}
	s.shutdownHooks = append(s.shutdownHooks, fn)
}

// SetPostHook installs fn to run after every successful PostItem. The pool
// uses it to grow on demand.
func (s *TaskScheduler) SetPostHook(fn func()) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.postHook = fn
}

// Metrics
func (s *TaskScheduler) QueuedTaskCount() int  { return int(s.metricQueued.Load()) }
func (s *TaskScheduler) ActiveTaskCount() int  { return int(s.metricActive.Load()) }
func (s *TaskScheduler) DelayedTaskCount() int { return s.delayManager.TaskCount() }
func (s *TaskScheduler) Outstanding() int64    { return s.outstanding.Load() }

// State returns "running", "draining" or "stopped".
func (s *TaskScheduler) State() string {
	return schedulerState(s.state.Load()).String()
}

// Accepting reports whether external submissions are admitted.
func (s *TaskScheduler) Accepting() bool {
	return schedulerState(s.state.Load()) == stateRunning
}

func (s *TaskScheduler) OnTaskStart() {
	s.metricActive.Add(1)
}

func (s *TaskScheduler) OnTaskEnd() {
	s.metricActive.Add(-1)
}

// Config returns the effective configuration, defaults filled in.
func (s *TaskScheduler) Config() *SchedulerConfig { return s.config }

func (s *TaskScheduler) GetPanicHandler() PanicHandler { return s.config.PanicHandler }
func (s *TaskScheduler) GetMetrics() Metrics           { return s.config.Metrics }
func (s *TaskScheduler) GetLogger() Logger             { return s.config.Logger }
func (s *TaskScheduler) GetClock() timeutil.Clock      { return s.config.Clock }

func (s *TaskScheduler) rejected(queueLabel string, reason string) {
	s.config.RejectedTaskHandler.HandleRejectedTask(queueLabel, reason)
	s.config.Metrics.RecordTaskRejected(queueLabel, reason)
}
