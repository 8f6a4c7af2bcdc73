package core

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/jacobsa/timeutil"
)

// =============================================================================
// PanicHandler: Interface for handling task panics
// =============================================================================

// PanicHandler is called when a task panics during execution.
// This allows custom panic handling, logging, and recovery strategies.
//
// Implementations should be thread-safe as they may be called concurrently.
type PanicHandler interface {
	// HandlePanic is called when a task panics.
	//
	// Parameters:
	// - ctx: The context from the panicked task (carries the current queue)
	// - queueLabel: The label of the queue where the panic occurred
	// - workerID: The pool worker ID, -1 for the main queue goroutine
	// - panicInfo: The panic value recovered from the task
	// - stackTrace: The stack trace at the time of panic
	HandlePanic(ctx context.Context, queueLabel string, workerID int, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler reports panics to a Logger at error level.
type DefaultPanicHandler struct {
	Logger Logger
}

// HandlePanic logs panic information.
func (h *DefaultPanicHandler) HandlePanic(ctx context.Context, queueLabel string, workerID int, panicInfo any, stackTrace []byte) {
	logger := h.Logger
	if logger == nil {
		logger = NewDefaultLogger()
	}
	logger.Error("task panicked",
		F("queue", queueLabel),
		F("worker", workerID),
		F("panic", fmt.Sprint(panicInfo)),
		F("stack", string(stackTrace)))
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics defines the interface for collecting task execution metrics.
// Implementations can send metrics to monitoring systems (Prometheus, OpenTelemetry, etc.).
//
// Methods should be non-blocking and fast to avoid impacting task execution performance.
type Metrics interface {
	// RecordTaskDuration records how long a task took to execute.
	RecordTaskDuration(queueLabel string, qos QoSClass, duration time.Duration)

	// RecordTaskPanic records that a task panicked during execution.
	RecordTaskPanic(queueLabel string, panicInfo any)

	// RecordQueueDepth records the number of tasks waiting in a queue.
	RecordQueueDepth(queueLabel string, depth int)

	// RecordTaskRejected records that a submission was refused.
	//
	// reason is one of "shutdown", "closed" or "reentrant".
	RecordTaskRejected(queueLabel string, reason string)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

// RecordTaskDuration is a no-op.
func (m *NilMetrics) RecordTaskDuration(queueLabel string, qos QoSClass, duration time.Duration) {
}

// RecordTaskPanic is a no-op.
func (m *NilMetrics) RecordTaskPanic(queueLabel string, panicInfo any) {
}

// RecordQueueDepth is a no-op.
func (m *NilMetrics) RecordQueueDepth(queueLabel string, depth int) {
}

// RecordTaskRejected is a no-op.
func (m *NilMetrics) RecordTaskRejected(queueLabel string, reason string) {
}

// =============================================================================
// RejectedTaskHandler: Interface for handling rejected tasks
// =============================================================================

// RejectedTaskHandler is called when a submission is refused, in addition to
// the error returned to the submitter.
//
// Implementations should be thread-safe as they may be called concurrently.
type RejectedTaskHandler interface {
	HandleRejectedTask(queueLabel string, reason string)
}

// DefaultRejectedTaskHandler logs rejected tasks at debug level.
type DefaultRejectedTaskHandler struct {
	Logger Logger
}

// HandleRejectedTask logs the rejected task.
func (h *DefaultRejectedTaskHandler) HandleRejectedTask(queueLabel string, reason string) {
	if h.Logger == nil {
		return
	}
	h.Logger.Debug("task rejected", F("queue", queueLabel), F("reason", reason))
}

// =============================================================================
// SchedulerConfig: Configuration for TaskScheduler and its worker pool
// =============================================================================

const (
	defaultMaxWorkers  = 64
	defaultIdleTimeout = 30 * time.Second
)

// SchedulerConfig holds the worker pool size policy and the pluggable handlers.
// Handlers are optional; missing ones are filled with defaults.
type SchedulerConfig struct {
	// MinWorkers goroutines are started eagerly and never retire. Must be >= 1.
	MinWorkers int

	// MaxWorkers bounds the pool. Extra workers are spawned on demand.
	MaxWorkers int

	// IdleTimeout retires workers above MinWorkers that found no work for this
	// long. Zero keeps every spawned worker alive until shutdown.
	IdleTimeout time.Duration

	// HistoryCapacity is the per-queue execution history size.
	HistoryCapacity int

	// PanicHandler is called when a task panics. Defaults to DefaultPanicHandler.
	PanicHandler PanicHandler

	// Metrics is called to record task execution metrics. Defaults to NilMetrics.
	Metrics Metrics

	// RejectedTaskHandler is called when a task is rejected. Defaults to DefaultRejectedTaskHandler.
	RejectedTaskHandler RejectedTaskHandler

	// Logger receives scheduler diagnostics. Defaults to slog.Default().
	Logger Logger

	// Clock stamps execution records and drives delayed tasks. Defaults to the real clock.
	Clock timeutil.Clock
}

// DefaultSchedulerConfig returns a config with default handlers.
func DefaultSchedulerConfig() *SchedulerConfig {
	logger := NewDefaultLogger()
	return &SchedulerConfig{
		MinWorkers:          runtime.GOMAXPROCS(0),
		MaxWorkers:          max(defaultMaxWorkers, runtime.GOMAXPROCS(0)),
		IdleTimeout:         defaultIdleTimeout,
		HistoryCapacity:     defaultRunLogSize,
		PanicHandler:        &DefaultPanicHandler{Logger: logger},
		Metrics:             &NilMetrics{},
		RejectedTaskHandler: &DefaultRejectedTaskHandler{Logger: logger},
		Logger:              logger,
		Clock:               timeutil.RealClock(),
	}
}

// Validate checks the pool size policy.
func (c *SchedulerConfig) Validate() error {
	if c.MinWorkers < 1 {
		return fmt.Errorf("%w: min workers must be at least 1, got %d", ErrInvalidConfig, c.MinWorkers)
	}
	if c.MaxWorkers < c.MinWorkers {
		return fmt.Errorf("%w: max workers (%d) must not be below min workers (%d)", ErrInvalidConfig, c.MaxWorkers, c.MinWorkers)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("%w: idle timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}

// withDefaults returns a copy of c with every missing field filled in.
func (c *SchedulerConfig) withDefaults() *SchedulerConfig {
	out := DefaultSchedulerConfig()
	if c == nil {
		return out
	}
	cp := *c
	if cp.MinWorkers == 0 {
		cp.MinWorkers = out.MinWorkers
	}
	if cp.MaxWorkers == 0 {
		cp.MaxWorkers = max(out.MaxWorkers, cp.MinWorkers)
	}
	if cp.HistoryCapacity <= 0 {
		cp.HistoryCapacity = out.HistoryCapacity
	}
	if cp.Logger == nil {
		cp.Logger = out.Logger
	}
	if cp.PanicHandler == nil {
		cp.PanicHandler = &DefaultPanicHandler{Logger: cp.Logger}
	}
	if cp.Metrics == nil {
		cp.Metrics = out.Metrics
	}
	if cp.RejectedTaskHandler == nil {
		cp.RejectedTaskHandler = &DefaultRejectedTaskHandler{Logger: cp.Logger}
	}
	if cp.Clock == nil {
		cp.Clock = out.Clock
	}
	return &cp
}

// =============================================================================
// ThreadPool / Executor: where queues hand their ready tasks
// =============================================================================

// Executor runs tasks that a WorkQueue has released for execution.
type Executor interface {
	// PostItem hands item over for execution. It fails with
	// ErrSchedulerShutdown once the executor stopped; item is then not run.
	PostItem(item TaskItem) error
}

// ThreadPool is the shared worker pool that queues are layered on.
type ThreadPool interface {
	Executor

	PostInternal(task Task, qos QoSClass) error
	Scheduler() *TaskScheduler

	Start(ctx context.Context)
	Stop()
	StopGraceful(timeout time.Duration) error

	ID() string
	IsRunning() bool

	WorkerCount() int
	QueuedTaskCount() int  // In queue
	ActiveTaskCount() int  // Executing
	DelayedTaskCount() int // Delayed
}
