package models

// PlannerOutput is the strictly validated artifact produced by the planner
// LLM. Instances only exist downstream of the planner validator; nothing in
// the runtime consumes raw planner JSON directly.
type PlannerOutput struct {
	Analysis string `json:"analysis"`
	Strategy string `json:"strategy"`

	Tasks       []PlanTask   `json:"tasks"`
	CustomRoles []CustomRole `json:"customRoles,omitempty"`
	Risks       []string     `json:"risks,omitempty"`

	EstimatedTotalCostCents int64 `json:"estimatedTotalCostCents"`
	EstimatedTimeMinutes    int64 `json:"estimatedTimeMinutes"`
}

// PlanTask is a single planned task. Dependencies are integer indices into
// the enclosing Tasks slice; the validator guarantees they are in range,
// never self-referential, and acyclic.
type PlanTask struct {
	Title              string `json:"title"`
	Description        string `json:"description"`
	AgentRole          string `json:"agentRole"`
	Dependencies       []int  `json:"dependencies"`
	EstimatedCostCents int64  `json:"estimatedCostCents"`
	Priority           int    `json:"priority"`
	TimeoutMs          int64  `json:"timeoutMs"`
}

// CustomRole is a worker role definition proposed by the planner for this
// plan. Role names are unique within a plan.
type CustomRole struct {
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	SystemPrompt   string          `json:"systemPrompt"`
	AllowedTools   []string        `json:"allowedTools"`
	Model          string          `json:"model"`
	Rationale      string          `json:"rationale"`
	TreasuryLimits *TreasuryLimits `json:"treasuryLimits,omitempty"`
}

// TreasuryLimits caps what a custom-role worker may spend.
type TreasuryLimits struct {
	MaxSingleTransfer int64 `json:"maxSingleTransfer"`
	MaxDailySpend     int64 `json:"maxDailySpend"`
}

// Classification is the classifier LLM's estimate of goal complexity, used
// to decide whether a goal needs the full planner.
type Classification struct {
	EstimatedSteps int      `json:"estimatedSteps"`
	Reason         string   `json:"reason"`
	StepOutline    []string `json:"stepOutline,omitempty"`
}
