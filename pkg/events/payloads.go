package events

import "time"

// GoalStatusPayload announces a goal lifecycle transition.
type GoalStatusPayload struct {
	Type      string    `json:"type"` // EventTypeGoalStatus
	GoalID    string    `json:"goal_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskStatusPayload announces a task status change.
type TaskStatusPayload struct {
	Type       string    `json:"type"` // EventTypeTaskStatus
	GoalID     string    `json:"goal_id"`
	TaskID     string    `json:"task_id"`
	Status     string    `json:"status"`
	AssignedTo string    `json:"assigned_to,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// PlanReviewPayload announces that a plan awaits external approval.
type PlanReviewPayload struct {
	Type                    string    `json:"type"` // EventTypePlanReviewRequired
	GoalID                  string    `json:"goal_id"`
	EstimatedTotalCostCents int64     `json:"estimated_total_cost_cents"`
	Timestamp               time.Time `json:"timestamp"`
}

// HealActionPayload announces a repair applied by the health monitor.
type HealActionPayload struct {
	Type         string    `json:"type"` // EventTypeHealAction
	Action       string    `json:"action"`
	AgentAddress string    `json:"agent_address"`
	Reason       string    `json:"reason"`
	Success      bool      `json:"success"`
	Timestamp    time.Time `json:"timestamp"`
}
