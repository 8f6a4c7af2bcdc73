package core

import (
	"reflect"
	"runtime"
	"sync"
)

const defaultRunLogSize = 100

// runLog remembers the most recent runs of one queue and counts all of them.
type runLog struct {
	mu sync.Mutex

	// GUARDED_BY(mu)
	runs []TaskExecutionRecord
	// GUARDED_BY(mu)
	next int
	// GUARDED_BY(mu)
	completed uint64
	// GUARDED_BY(mu)
	panicked uint64
}

func newRunLog(size int) *runLog {
	if size < 1 {
		size = defaultRunLogSize
	}
	return &runLog{runs: make([]TaskExecutionRecord, 0, size)}
}

func (l *runLog) record(run TaskExecutionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.completed++
	if run.Panicked {
		l.panicked++
	}
	if len(l.runs) < cap(l.runs) {
		l.runs = append(l.runs, run)
		return
	}
	l.runs[l.next] = run
	l.next = (l.next + 1) % len(l.runs)
}

// newest returns up to limit runs, most recent first. limit <= 0 means all
// that are still remembered.
func (l *runLog) newest(limit int) []TaskExecutionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.runs)
	if n == 0 {
		return nil
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]TaskExecutionRecord, limit)
	// The most recent run sits just before next once the log wrapped, and
	// at the tail before that.
	latest := n - 1
	if n == cap(l.runs) {
		latest = (l.next + n - 1) % n
	}
	for i := range out {
		out[i] = l.runs[(latest-i+n)%n]
	}
	return out
}

// totals returns the run counters and the most recent run, if any.
func (l *runLog) totals() (completed, panicked uint64, last TaskExecutionRecord, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.runs)
	if n == 0 {
		return l.completed, l.panicked, TaskExecutionRecord{}, false
	}
	latest := n - 1
	if n == cap(l.runs) {
		latest = (l.next + n - 1) % n
	}
	return l.completed, l.panicked, l.runs[latest], true
}

// taskName labels a run: the explicit name if given, otherwise the name of
// the function behind task.
func taskName(task Task, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if task == nil {
		return "unnamed"
	}
	if fn := runtime.FuncForPC(reflect.ValueOf(task).Pointer()); fn != nil && fn.Name() != "" {
		return fn.Name()
	}
	return "unnamed"
}
