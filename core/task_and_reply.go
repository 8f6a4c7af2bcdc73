package core

import "context"

// TaskWithResult is a task that produces a value for its reply.
type TaskWithResult[T any] func(ctx context.Context) (T, error)

// ReplyWithResult receives the value produced by a TaskWithResult.
type ReplyWithResult[T any] func(ctx context.Context, result T, err error)

// SubmitAndReply runs task on q, then submits reply onto replyQueue.
// The reply is skipped if task panicked or was dropped. Replies are admitted
// while the scheduler drains, so a graceful shutdown still delivers them.
//
// Example:
//
//	worker.SubmitAndReply(
//	    func(ctx context.Context) { img = decode(raw) },
//	    func(ctx context.Context) { show(img) },
//	    mainQueue,
//	)
func (q *WorkQueue) SubmitAndReply(task Task, reply Task, replyQueue *WorkQueue) error {
	if replyQueue == nil || reply == nil {
		return q.Submit(task)
	}
	if task == nil {
		return ErrNilTask
	}

	return q.enqueue(submitRequest{
		task: task,
		onComplete: func(perr *PanicError) {
			if perr != nil {
				return
			}
			if err := replyQueue.enqueue(submitRequest{task: reply, internal: true}); err != nil {
				q.sched.GetLogger().Warn("reply dropped",
					F("queue", replyQueue.Label()),
					F("error", err))
			}
		},
	})
}

// SubmitAndReplyWithResult runs task on q and passes its result to reply on
// replyQueue. The captured result is written by task before the reply is
// submitted, so the reply always observes it.
//
// Example:
//
//	SubmitAndReplyWithResult(
//	    utilityQueue,
//	    func(ctx context.Context) (int, error) {
//	        return len("Hello"), nil
//	    },
//	    func(ctx context.Context, length int, err error) {
//	        fmt.Printf("Length: %d\n", length)
//	    },
//	    mainQueue,
//	)
func SubmitAndReplyWithResult[T any](
	q *WorkQueue,
	task TaskWithResult[T],
	reply ReplyWithResult[T],
	replyQueue *WorkQueue,
) error {
	if task == nil || reply == nil {
		return ErrNilTask
	}

	var (
		result T
		err    error
	)
	return q.SubmitAndReply(
		func(ctx context.Context) {
			result, err = task(ctx)
		},
		func(ctx context.Context) {
			reply(ctx, result, err)
		},
		replyQueue,
	)
}
