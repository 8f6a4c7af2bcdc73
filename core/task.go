package core

import (
	"context"
	"fmt"
	"strings"
)

// Task is the unit of work (Closure)
type Task func(ctx context.Context)

// =============================================================================
// QoSClass: Quality-of-service tier of a queue
// =============================================================================

// QoSClass orders queues when several of them have ready work.
// Higher classes are preferred by the scheduler; it never changes the order
// of tasks inside one queue.
type QoSClass int

const (
	// QoSBackground: Lowest tier, work the user is not aware of
	QoSBackground QoSClass = iota

	// QoSUtility: Long-running work with user-visible progress
	QoSUtility

	// QoSDefault: Default tier
	QoSDefault

	// QoSUserInitiated: Highest tier, the user is waiting for the result
	QoSUserInitiated
)

// AllQoSClasses lists the tiers from lowest to highest.
func AllQoSClasses() []QoSClass {
	return []QoSClass{QoSBackground, QoSUtility, QoSDefault, QoSUserInitiated}
}

func (c QoSClass) String() string {
	switch c {
	case QoSBackground:
		return "background"
	case QoSUtility:
		return "utility"
	case QoSDefault:
		return "default"
	case QoSUserInitiated:
		return "user-initiated"
	default:
		return fmt.Sprintf("qos(%d)", int(c))
	}
}

// Valid reports whether c is one of the four known tiers.
func (c QoSClass) Valid() bool {
	return c >= QoSBackground && c <= QoSUserInitiated
}

// ParseQoSClass parses the String form of a QoSClass. Underscores are
// accepted in place of dashes.
func ParseQoSClass(s string) (QoSClass, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	for _, c := range AllQoSClasses() {
		if c.String() == normalized {
			return c, nil
		}
	}
	return QoSDefault, fmt.Errorf("%w: unknown qos class %q", ErrInvalidConfig, s)
}

func (c QoSClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *QoSClass) UnmarshalText(text []byte) error {
	v, err := ParseQoSClass(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// =============================================================================
// Discipline: Serial or Concurrent execution inside a queue
// =============================================================================

type Discipline int

const (
	// Serial queues run one task at a time in submission order.
	Serial Discipline = iota

	// Concurrent queues start tasks in submission order but may run many at once.
	Concurrent
)

func (d Discipline) String() string {
	switch d {
	case Serial:
		return "serial"
	case Concurrent:
		return "concurrent"
	default:
		return fmt.Sprintf("discipline(%d)", int(d))
	}
}

// ParseDiscipline parses "serial" or "concurrent".
func ParseDiscipline(s string) (Discipline, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "serial":
		return Serial, nil
	case "concurrent":
		return Concurrent, nil
	}
	return Serial, fmt.Errorf("%w: unknown discipline %q", ErrInvalidConfig, s)
}

func (d Discipline) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Discipline) UnmarshalText(text []byte) error {
	v, err := ParseDiscipline(string(text))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// =============================================================================
// Context Helper
// =============================================================================

// execFrame describes the task a goroutine is currently running.
// parent points at the frame of a caller blocked in SubmitAndWait on this
// task, so a chain of synchronous waits can be walked.
type execFrame struct {
	queue   *WorkQueue
	barrier bool
	parent  *execFrame
}

type frameKeyType struct{}

var frameKey frameKeyType

type workerIDKeyType struct{}

var workerIDKey workerIDKeyType

func withFrame(ctx context.Context, f *execFrame) context.Context {
	return context.WithValue(ctx, frameKey, f)
}

func frameFrom(ctx context.Context) *execFrame {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.Value(frameKey).(*execFrame); ok {
		return v
	}
	return nil
}

// GetCurrentQueue returns the queue running the task that owns ctx, or nil
// when ctx does not belong to a task.
func GetCurrentQueue(ctx context.Context) *WorkQueue {
	if f := frameFrom(ctx); f != nil {
		return f.queue
	}
	return nil
}

// CurrentQueueLabel returns the label of the queue running the task that
// owns ctx. The second result is false outside of any queue.
func CurrentQueueLabel(ctx context.Context) (string, bool) {
	if q := GetCurrentQueue(ctx); q != nil {
		return q.Label(), true
	}
	return "", false
}

// WithWorkerID tags ctx with the pool worker executing it.
func WithWorkerID(ctx context.Context, id int) context.Context {
	return context.WithValue(ctx, workerIDKey, id)
}

// WorkerID returns the pool worker tagged on ctx, or -1.
func WorkerID(ctx context.Context) int {
	if ctx == nil {
		return -1
	}
	if v, ok := ctx.Value(workerIDKey).(int); ok {
		return v
	}
	return -1
}
