package models

import "time"

// TaskStatus is the lifecycle status of a task within a goal's plan.
type TaskStatus string

// Task status values.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusBlocked   TaskStatus = "blocked"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// ValidTaskStatus reports whether s is a known task status.
func ValidTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskStatusPending, TaskStatusBlocked, TaskStatusAssigned,
		TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Result types written by the health monitor when it takes a stuck task
// off its worker: cancelled when the retry budget is exhausted,
// reassigned otherwise.
const (
	ResultTypeStuckTaskCancelled  = "stuck_task_cancelled"
	ResultTypeStuckTaskReassigned = "stuck_task_reassigned"
)

// TaskResult is the outcome reported by a worker (or synthesized by the
// health monitor) for a single task.
type TaskResult struct {
	Success bool   `json:"success"`
	Type    string `json:"type,omitempty"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Task is one node of a goal's dependency graph: the unit of assignment
// and execution.
//
// Status invariants:
//   - blocked  ⇔ at least one dependency is not completed
//   - pending  ⇔ all dependencies completed and AssignedTo is nil
//   - assigned ⇒ AssignedTo is non-nil
//   - completed ⇒ Result.Success is true
type Task struct {
	ID       string  `json:"id"`
	GoalID   string  `json:"goal_id"`
	ParentID *string `json:"parent_id,omitempty"`

	Title       string `json:"title"`
	Description string `json:"description"`
	AgentRole   string `json:"agent_role"`

	// Priority orders the ready set; higher runs first.
	Priority int `json:"priority"`

	// Dependencies are ids of tasks in the same goal that must complete
	// before this task becomes ready. The graph is acyclic by construction.
	Dependencies []string `json:"dependencies"`

	Status     TaskStatus  `json:"status"`
	AssignedTo *string     `json:"assigned_to,omitempty"`
	Result     *TaskResult `json:"result,omitempty"`

	RetryCount int   `json:"retry_count"`
	MaxRetries int   `json:"max_retries"`
	TimeoutMs  int64 `json:"timeout_ms"`

	EstimatedCostCents int64 `json:"estimated_cost_cents"`
	ActualCostCents    int64 `json:"actual_cost_cents"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// DependsOn reports whether the task lists id as a dependency.
func (t *Task) DependsOn(id string) bool {
	for _, dep := range t.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}

// Active reports whether the task currently occupies a worker.
func (t *Task) Active() bool {
	return t.Status == TaskStatusAssigned || t.Status == TaskStatusRunning
}
