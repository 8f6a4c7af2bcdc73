package core

import (
	"time"

	"github.com/google/uuid"
)

// TaskID identifies one submitted task.
type TaskID uuid.UUID

// GenerateTaskID returns a fresh random TaskID.
func GenerateTaskID() TaskID {
	return TaskID(uuid.New())
}

func (id TaskID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id was never assigned.
func (id TaskID) IsZero() bool {
	return id == TaskID(uuid.Nil)
}

// TaskExecutionRecord captures a completed task execution event.
type TaskExecutionRecord struct {
	TaskID     TaskID
	Name       string
	QueueLabel string
	Discipline Discipline
	QoS        QoSClass
	Seq        uint64
	Barrier    bool
	WorkerID   int
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
	Panicked   bool
}

// QueueStats represents runtime observability state for a WorkQueue.
type QueueStats struct {
	Label          string
	Discipline     Discipline
	QoS            QoSClass
	Pending        int
	Running        int
	Submitted      uint64
	Rejected       int64
	Completed      uint64
	Panicked       uint64
	Closed         bool
	BarrierPending bool
	BarrierRunning bool
	LastTaskName   string
	LastTaskAt     time.Time
}

// PoolStats represents runtime observability state for a thread pool.
type PoolStats struct {
	ID          string
	Workers     int
	IdleWorkers int
	MinWorkers  int
	MaxWorkers  int
	Queued      int
	Active      int
	Delayed     int
	Outstanding int64
	Running     bool
	State       string
}
