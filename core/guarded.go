package core

import (
	"context"
	"fmt"
)

// Guarded holds a value that is only touched from tasks on one queue.
// Reads run as ordinary tasks and may overlap on a concurrent queue; writes
// run as barriers, so a reader never sees a half-applied update.
type Guarded[T any] struct {
	queue *WorkQueue
	value T
}

// NewGuarded wraps initial behind queue. Root queues are refused: they run
// barriers as ordinary tasks, so writes would not be exclusive.
func NewGuarded[T any](queue *WorkQueue, initial T) (*Guarded[T], error) {
	if queue == nil {
		return nil, fmt.Errorf("%w: guarded value needs a queue", ErrInvalidConfig)
	}
	if queue.IsGlobal() {
		return nil, fmt.Errorf("%w: queue %q is a root queue and cannot guard a value", ErrInvalidConfig, queue.Label())
	}
	return &Guarded[T]{queue: queue, value: initial}, nil
}

// Queue returns the queue serialising access.
func (g *Guarded[T]) Queue() *WorkQueue { return g.queue }

// Load returns the current value once every write submitted before it applied.
func (g *Guarded[T]) Load(ctx context.Context) (T, error) {
	result := make(chan T, 1)
	err := g.queue.SubmitAndWait(ctx, func(context.Context) {
		result <- g.value
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return <-result, nil
}

// Store replaces the value asynchronously.
func (g *Guarded[T]) Store(v T) error {
	return g.queue.SubmitBarrier(func(context.Context) {
		g.value = v
	})
}

// Update applies fn to the value asynchronously.
func (g *Guarded[T]) Update(fn func(T) T) error {
	return g.queue.SubmitBarrier(func(context.Context) {
		g.value = fn(g.value)
	})
}

// UpdateAndWait applies fn and waits for it, returning the new value.
func (g *Guarded[T]) UpdateAndWait(ctx context.Context, fn func(T) T) (T, error) {
	result := make(chan T, 1)
	err := g.queue.SubmitBarrierAndWait(ctx, func(context.Context) {
		g.value = fn(g.value)
		result <- g.value
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return <-result, nil
}
