package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a task in this status can never change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ExecContext carries per-attempt execution metadata into a handler.
type ExecContext struct {
	TaskID   string
	Attempt  int // 1-based
	WorkerID string
}

// Handler is a unit of work. It receives the task payload and returns a result
// document or an error. Handler errors are absorbed by the retry pipeline and
// never surface to the scheduler's caller.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage, ec ExecContext) (json.RawMessage, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, payload json.RawMessage, ec ExecContext) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage, ec ExecContext) (json.RawMessage, error) {
	return f(ctx, payload, ec)
}

// Definition is a registered, reusable handler plus default execution policy.
// Immutable once registered.
type Definition struct {
	ID         string
	Name       string
	Handler    Handler
	MaxRetries int
	Timeout    time.Duration
	Priority   int
	Tags       []string
}

// Task is one schedulable unit of work instantiated from a Definition.
type Task struct {
	ID           string
	DefinitionID string
	Payload      json.RawMessage
	Status       Status
	Priority     int // higher = more urgent
	ScheduledAt  time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	RetryCount   int
	MaxRetries   int
	Timeout      time.Duration
	WorkerID     string // set while running
	DependsOn    []string
	Result       json.RawMessage
	Error        string
	Tags         []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CronJob is a recurring schedule that spawns tasks from a definition.
type CronJob struct {
	ID           string
	Name         string
	Expr         string
	DefinitionID string
	Payload      json.RawMessage
	Enabled      bool
	LastRunAt    *time.Time
	NextRunAt    time.Time
	RunCount     int
	FailCount    int
	CreatedAt    time.Time
}

// WorkerStatus is the availability state of a logical execution slot.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
)

// WorkerInfo describes one logical worker. Load is a relative heuristic: the
// worker's share of all currently running tasks, not real resource usage.
type WorkerInfo struct {
	ID            string
	Status        WorkerStatus
	CurrentTaskID string
	Completed     int
	Failed        int
	LastHeartbeat time.Time
	Load          float64 // 0..1
}

// DeadLetterEntry is a permanent record of a task that exhausted its retry
// budget. CanRetry is one-shot: a manual requeue clears it.
type DeadLetterEntry struct {
	ID       string
	Task     Task
	Reason   string
	Attempts int
	DeadAt   time.Time
	CanRetry bool
}

// TaskResult records the outcome of one finished execution.
type TaskResult struct {
	TaskID      string          `json:"task_id"`
	Success     bool            `json:"success"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Duration    time.Duration   `json:"duration"`
	WorkerID    string          `json:"worker_id"`
	CompletedAt time.Time       `json:"completed_at"`
}

// SchedulerStats is the aggregate monitoring snapshot.
type SchedulerStats struct {
	TotalTasks     int           `json:"total_tasks"`
	PendingTasks   int           `json:"pending_tasks"`
	QueuedTasks    int           `json:"queued_tasks"`
	RunningTasks   int           `json:"running_tasks"`
	CompletedTasks int           `json:"completed_tasks"`
	FailedTasks    int           `json:"failed_tasks"`
	DeadLetters    int           `json:"dead_letters"`
	Workers        int           `json:"workers"`
	ActiveWorkers  int           `json:"active_workers"`
	QueueDepth     int           `json:"queue_depth"`
	AvgDuration    time.Duration `json:"avg_duration"`
	Throughput     int           `json:"throughput"` // completed results in the last 60s
	GeneratedAt    time.Time     `json:"generated_at"`
}
