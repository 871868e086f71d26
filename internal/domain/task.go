package domain

import "time"

// TaskStatus is the lifecycle state of an ingestion task.
type TaskStatus string

// Task lifecycle states.
const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Task is one (category, symbol, timeframe) unit of ingestion work.
type Task struct {
	Category   string
	Symbol     string
	Timeframe  Timeframe
	Status     TaskStatus
	Attempts   int
	LastError  string
	ErrorClass string
	UpdatedAt  time.Time
}

// Key returns the task's unique identity within a registry generation.
func (t Task) Key() string {
	return t.Category + "/" + t.Symbol + "/" + string(t.Timeframe)
}

// Stats summarizes a registry's progress.
type Stats struct {
	Total     int
	Completed int
	Failed    int
	Pending   int
	StartedAt time.Time
	UpdatedAt time.Time
}

// ETA estimates the remaining run time from elapsed time and completion
// counts. Returns zero when nothing has completed yet.
func (s Stats) ETA(now time.Time) time.Duration {
	if s.Completed == 0 || s.StartedAt.IsZero() {
		return 0
	}
	remaining := s.Total - s.Completed - s.Failed
	if remaining <= 0 {
		return 0
	}
	elapsed := now.Sub(s.StartedAt)
	perTask := elapsed / time.Duration(s.Completed)
	return perTask * time.Duration(remaining)
}
