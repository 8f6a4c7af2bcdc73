// Package dispatch provides GCD-style dispatch queues for Go.
//
// Work is submitted to labelled queues rather than to goroutines. Queues are
// logical scheduling units layered over one shared, growable goroutine pool.
//
// # Quick Start
//
// The process-wide Dispatcher is created on first use; shut it down
// explicitly when the program ends:
//
//	defer dispatch.ShutdownGraceful(5 * time.Second)
//
//	q, _ := dispatch.CreateQueue("com.example.images", dispatch.Serial, dispatch.QoSUtility)
//	q.Submit(func(ctx context.Context) {
//		// Runs after every task submitted to q before it, and never alongside them
//	})
//
// # Key Concepts
//
// WorkQueue: A Serial queue runs one task at a time in submission order. A
// Concurrent queue starts tasks in submission order but lets them overlap.
//
// Barrier: SubmitBarrier on a concurrent queue waits for everything submitted
// before it, runs alone, then lets later tasks through. Combined with
// SubmitAndWait for reads it turns a concurrent queue into a reader/writer
// lock; Guarded wraps that pattern around a value.
//
// SubmitAndWait: blocks until the task ran. A wait that could never finish,
// such as waiting on a serial queue from one of its own tasks, fails with
// ErrReentrantWait instead of hanging.
//
// TaskGroup: Enter/Leave bookkeeping across queues, with Notify callbacks and
// a Wait that reports a timeout as false.
//
// QoS: When several queues have ready work, tasks of higher classes
// (UserInitiated > Default > Utility > Background) are started first.
//
// MainQueue: a serial queue whose tasks all run on one dedicated goroutine.
//
// # Example
//
//	import (
//		"context"
//		"fmt"
//
//		dispatch "github.com/Swind/go-dispatch"
//	)
//
//	func main() {
//		defer dispatch.Shutdown()
//
//		utility := dispatch.GlobalQueue(dispatch.QoSUtility)
//		done := make(chan struct{})
//
//		utility.SubmitAndReply(
//			func(ctx context.Context) { fmt.Println("working") },
//			func(ctx context.Context) {
//				label, _ := dispatch.CurrentQueueLabel(ctx)
//				fmt.Println("back on", label)
//				close(done)
//			},
//			dispatch.MainQueue(),
//		)
//		<-done
//	}
package dispatch
