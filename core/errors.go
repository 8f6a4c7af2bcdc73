package core

import (
	"errors"
	"fmt"
)

var (
	// ErrReentrantWait is returned by SubmitAndWait when waiting would block
	// the queue the caller is itself running on.
	ErrReentrantWait = errors.New("dispatch: reentrant wait would deadlock")

	// ErrAlreadyFired is returned by DelayedTask.Cancel after the task was
	// handed to its queue.
	ErrAlreadyFired = errors.New("dispatch: delayed task already fired")

	// ErrSchedulerShutdown is returned for submissions after shutdown started,
	// and delivered to waiters whose task was cancelled by a hard stop.
	ErrSchedulerShutdown = errors.New("dispatch: scheduler shut down")

	// ErrQueueClosed is returned for submissions to a closed queue.
	ErrQueueClosed = errors.New("dispatch: queue closed")

	// ErrDuplicateLabel is returned when a live queue already uses a label.
	ErrDuplicateLabel = errors.New("dispatch: duplicate queue label")

	// ErrInvalidConfig is returned for invalid scheduler or queue settings.
	ErrInvalidConfig = errors.New("dispatch: invalid config")

	// ErrNilTask is returned when a nil Task is submitted.
	ErrNilTask = errors.New("dispatch: nil task")
)

// PanicError is returned by the synchronous submit calls when the task
// panicked. Asynchronous panics are reported to the PanicHandler instead.
type PanicError struct {
	Queue string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("dispatch: task on %q panicked: %v", e.Queue, e.Value)
}
