package dispatch

import "github.com/Swind/go-dispatch/core"

// Re-export commonly used types from core package for convenience.
// This allows users to import only the dispatch package for most use cases.

// Task is the unit of work (Closure)
type Task = core.Task

// WorkQueue is a labelled serial or concurrent queue
type WorkQueue = core.WorkQueue

// TaskGroup tracks completion of tasks across queues
type TaskGroup = core.TaskGroup

// DelayedTask is the cancel handle returned by After
type DelayedTask = core.DelayedTask

// Discipline selects serial or concurrent execution
type Discipline = core.Discipline

// QoSClass orders queues when several have ready work
type QoSClass = core.QoSClass

// QueueOption customises a queue at creation
type QueueOption = core.QueueOption

// SchedulerConfig holds the pool policy and handlers
type SchedulerConfig = core.SchedulerConfig

// Guarded holds a value accessed through one queue
type Guarded[T any] = core.Guarded[T]

// TaskWithResult and ReplyWithResult for the generic SubmitAndReply pattern
type TaskWithResult[T any] = core.TaskWithResult[T]
type ReplyWithResult[T any] = core.ReplyWithResult[T]

// Discipline constants
const (
	Serial     = core.Serial
	Concurrent = core.Concurrent
)

// QoS constants
const (
	QoSBackground    = core.QoSBackground
	QoSUtility       = core.QoSUtility
	QoSDefault       = core.QoSDefault
	QoSUserInitiated = core.QoSUserInitiated
)

// Errors
var (
	ErrReentrantWait     = core.ErrReentrantWait
	ErrAlreadyFired      = core.ErrAlreadyFired
	ErrSchedulerShutdown = core.ErrSchedulerShutdown
	ErrQueueClosed       = core.ErrQueueClosed
	ErrDuplicateLabel    = core.ErrDuplicateLabel
	ErrInvalidConfig     = core.ErrInvalidConfig
)

// Queue options
var (
	WithWidth = core.WithWidth
)

// DefaultSchedulerConfig returns the default pool policy and handlers
var DefaultSchedulerConfig = core.DefaultSchedulerConfig

// NewGuarded wraps initial behind queue. Root queues are refused.
func NewGuarded[T any](queue *WorkQueue, initial T) (*Guarded[T], error) {
	return core.NewGuarded(queue, initial)
}

// SubmitAndReplyWithResult runs task on q and hands its result to reply on replyQueue.
func SubmitAndReplyWithResult[T any](q *WorkQueue, task TaskWithResult[T], reply ReplyWithResult[T], replyQueue *WorkQueue) error {
	return core.SubmitAndReplyWithResult(q, task, reply, replyQueue)
}
