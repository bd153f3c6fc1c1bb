package planner

import (
	"fmt"
	"strings"

	"github.com/remingtons1/colony/pkg/models"
)

// PromptContext carries the situational data the planner prompts embed:
// treasury balance, survival tier, the roles available to assign and the
// current worker availability.
type PromptContext struct {
	BalanceCents   int64
	Tier           models.Tier
	AvailableRoles []string
	IdleWorkers    int
	TotalWorkers   int
}

const classifierSystemPrompt = `You are a goal classifier for an autonomous agent colony.
Estimate how many discrete steps a goal needs before it can be considered done.
Respond with a single JSON object:
{"estimatedSteps": <int>, "reason": "<why>", "stepOutline": ["<step>", ...]}`

// ClassifierMessages builds the classifier conversation for a goal.
func ClassifierMessages(goal *models.Goal) (system, user string) {
	user = fmt.Sprintf("Goal: %s\n\n%s", goal.Title, goal.Description)
	return classifierSystemPrompt, user
}

const plannerSystemPrompt = `You are the planning module of an autonomous agent colony.
Decompose the goal into a dependency graph of tasks that worker agents execute.

Respond with a single JSON object with these fields:
  analysis                 non-empty string, your reading of the goal
  strategy                 non-empty string, the overall approach
  tasks                    non-empty array of task objects
  customRoles              array (may be empty) of new role definitions
  risks                    array of strings
  estimatedTotalCostCents  integer
  estimatedTimeMinutes     integer

Each task object:
  title, description       non-empty strings
  agentRole                role tag for assignment
  dependencies             array of integer indices into tasks
  estimatedCostCents       integer >= 0
  priority                 integer >= 0, higher runs first
  timeoutMs                integer > 0

Each custom role: name, description, systemPrompt, allowedTools (array of
strings), model, rationale; optional treasuryLimits with maxSingleTransfer
and maxDailySpend.

Dependencies must be acyclic and never self-referential. Keep the task
count small and the cost estimates honest.`

// PlannerMessages builds the full planner conversation for a goal.
func PlannerMessages(goal *models.Goal, pctx PromptContext) (system, user string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\n%s\n\n", goal.Title, goal.Description)
	writeSituation(&b, pctx)
	return plannerSystemPrompt, b.String()
}

// ReplannerMessages builds the replanning conversation after a task
// failure. The new plan replaces the remaining work for the same goal.
func ReplannerMessages(goal *models.Goal, failed *models.Task, failedError string, pctx PromptContext) (system, user string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\n%s\n\n", goal.Title, goal.Description)
	fmt.Fprintf(&b, "The previous plan failed. Task %q (role %s) ended with:\n%s\n\n",
		failed.Title, failed.AgentRole, failedError)
	b.WriteString("Produce a new plan for the remaining work that routes around the failure.\n\n")
	writeSituation(&b, pctx)
	return plannerSystemPrompt, b.String()
}

func writeSituation(b *strings.Builder, pctx PromptContext) {
	fmt.Fprintf(b, "Treasury balance: %d cents\n", pctx.BalanceCents)
	if pctx.Tier != "" {
		fmt.Fprintf(b, "Survival tier: %s\n", pctx.Tier)
	}
	if len(pctx.AvailableRoles) > 0 {
		fmt.Fprintf(b, "Available roles: %s\n", strings.Join(pctx.AvailableRoles, ", "))
	}
	fmt.Fprintf(b, "Workers: %d idle of %d\n", pctx.IdleWorkers, pctx.TotalWorkers)
}
