// Package models contains the domain types shared across the colony runtime.
package models

import "time"

// GoalStatus is the lifecycle status of a goal.
type GoalStatus string

// Goal status values. Terminal statuses never transition again.
const (
	GoalStatusActive    GoalStatus = "active"
	GoalStatusCompleted GoalStatus = "completed"
	GoalStatusFailed    GoalStatus = "failed"
	GoalStatusCancelled GoalStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s GoalStatus) Terminal() bool {
	return s == GoalStatusCompleted || s == GoalStatusFailed || s == GoalStatusCancelled
}

// Goal is the unit of work requested by an external caller. A goal is
// completed iff all of its tasks are completed; it is failed when the
// replan budget is exhausted or it is terminally marked.
type Goal struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      GoalStatus `json:"status"`

	// Strategy is the planner's strategy text, set once a plan is accepted.
	Strategy string     `json:"strategy,omitempty"`
	Deadline *time.Time `json:"deadline,omitempty"`

	// FailureReason records the last failedError when the goal ends failed.
	FailureReason string `json:"failure_reason,omitempty"`

	// Revenue fields are informational only.
	ExpectedRevenueCents int64 `json:"expected_revenue_cents,omitempty"`
	ActualRevenueCents   int64 `json:"actual_revenue_cents,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// GoalProgress is the per-status task count rollup for a goal.
// The sum of all counts equals Total.
type GoalProgress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
}
