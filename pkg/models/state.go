package models

// Phase is one state of the orchestrator goal-lifecycle machine.
type Phase string

// Orchestrator phases.
const (
	PhaseIdle        Phase = "idle"
	PhaseClassifying Phase = "classifying"
	PhasePlanning    Phase = "planning"
	PhasePlanReview  Phase = "plan_review"
	PhaseExecuting   Phase = "executing"
	PhaseReplanning  Phase = "replanning"
	PhaseComplete    Phase = "complete"
	PhaseFailed      Phase = "failed"
)

// OrchestratorState is the persisted FSM record, stored as a single KV
// entry under KeyOrchestratorState. Every tick ends with exactly one write
// of this record.
type OrchestratorState struct {
	Phase        Phase  `json:"phase"`
	GoalID       string `json:"goalId,omitempty"`
	ReplanCount  int    `json:"replanCount"`
	FailedTaskID string `json:"failedTaskId,omitempty"`
	FailedError  string `json:"failedError,omitempty"`
}

// Stable KV key names used by the orchestrator.
const (
	KeyOrchestratorState = "orchestrator.state"
	KeyCurrentTier       = "current_tier"
)

// PlanKey returns the KV key caching the last validated plan for a goal.
func PlanKey(goalID string) string {
	return "orchestrator.plan." + goalID
}

// PlanApprovalKey returns the KV key holding the external approval flag a
// plan_review tick waits on when the plan exceeds the auto-approve budget.
func PlanApprovalKey(goalID string) string {
	return "orchestrator.approval." + goalID
}

// TickSummary is the per-tick report returned by the orchestrator.
type TickSummary struct {
	Phase          Phase `json:"phase"`
	TasksAssigned  int   `json:"tasks_assigned"`
	TasksCompleted int   `json:"tasks_completed"`
	TasksFailed    int   `json:"tasks_failed"`
	GoalsActive    int   `json:"goals_active"`
	AgentsActive   int   `json:"agents_active"`
}

// Tier is the survival tier signal; it biases model selection and is
// consumed by the orchestrator only to annotate the planner prompt.
type Tier string

// Survival tiers.
const (
	TierHigh       Tier = "high"
	TierNormal     Tier = "normal"
	TierLowCompute Tier = "low_compute"
	TierCritical   Tier = "critical"
	TierDead       Tier = "dead"
)
