package domain

import "time"

// TaskStatus is the state-machine state of a unit of work.
//
//	pending → assigned → in_progress → {completed | failed}
//	failed (retryable) → pending
//	completed → resolved → reopened → assigned
//	{pending | assigned | in_progress} → cancelled
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusResolved   TaskStatus = "resolved"
	TaskStatusReopened   TaskStatus = "reopened"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status ends the task's lifecycle.
// Completed is not terminal — it can still be resolved or reopened.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusFailed || s == TaskStatusCancelled || s == TaskStatusResolved
}

// TaskSpec is the caller-supplied definition of a new task.
type TaskSpec struct {
	Title          string   `json:"title"`
	SkillsRequired []string `json:"skills_required"`
	Priority       int      `json:"priority,omitempty"`
	MaxRetries     int      `json:"max_retries,omitempty"` // 0 = dispatcher default
}

// TaskResult is the payload attached on completion or failure.
type TaskResult struct {
	Success bool               `json:"success"`
	Output  string             `json:"output,omitempty"`
	Error   string             `json:"error,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// Task is a unit of work routed to the best-scoring eligible agent.
// Tasks are never deleted; terminal states are retained for audit.
type Task struct {
	ID             string      `json:"id"`
	Title          string      `json:"title"`
	SkillsRequired []string    `json:"skills_required"`
	Priority       int         `json:"priority"`
	Status         TaskStatus  `json:"status"`
	AgentID        string      `json:"agent_id,omitempty"`
	ProcessID      string      `json:"process_id,omitempty"`
	RetryCount     int         `json:"retry_count"`
	MaxRetries     int         `json:"max_retries"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	AssignedAt     *time.Time  `json:"assigned_at,omitempty"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	FinishedAt     *time.Time  `json:"finished_at,omitempty"`
	Result         *TaskResult `json:"result,omitempty"`
}

// TaskStatistics is the read-side aggregation over the current task set.
type TaskStatistics struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}
