package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/remingtons1/colony/pkg/llm"
	"github.com/remingtons1/colony/pkg/models"
	"github.com/remingtons1/colony/pkg/planner"
	"github.com/remingtons1/colony/pkg/store"
)

// tickIdle binds the oldest active goal, if any.
func (o *Orchestrator) tickIdle(ctx context.Context, state *models.OrchestratorState) error {
	goals, err := o.store.GetActiveGoals(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active goals: %w", err)
	}
	if len(goals) == 0 {
		return nil
	}
	state.GoalID = goals[0].ID
	state.ReplanCount = 0
	state.FailedTaskID = ""
	state.FailedError = ""
	state.Phase = models.PhaseClassifying
	return nil
}

// tickClassifying asks the classifier how many steps the goal needs.
// Simple goals (estimate at or below the threshold) bypass the planner
// with a minimal one-task plan; everything else goes to planning.
func (o *Orchestrator) tickClassifying(ctx context.Context, state *models.OrchestratorState) error {
	goal, err := o.boundGoal(ctx, state)
	if err != nil || goal == nil {
		return err
	}

	system, user := planner.ClassifierMessages(goal)
	resp, err := o.llm.Chat(ctx, &llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: user},
		},
		Tier:           o.currentTier(ctx),
		ResponseFormat: "json_object",
	})
	if err != nil {
		return fmt.Errorf("classifier call failed: %w", err)
	}

	var cls models.Classification
	if err := json.Unmarshal([]byte(resp.Content), &cls); err != nil {
		return fmt.Errorf("classifier returned undecodable JSON: %w", err)
	}
	slog.Info("Goal classified",
		"goal_id", goal.ID, "estimated_steps", cls.EstimatedSteps, "reason", cls.Reason)

	if cls.EstimatedSteps <= o.opts.ClassificationThreshold {
		if _, err := o.graph.DecomposeGoal(ctx, goal.ID, []models.PlanTask{minimalTask(goal, cls)}); err != nil {
			return fmt.Errorf("failed to materialize minimal plan: %w", err)
		}
		state.Phase = models.PhaseExecuting
		return nil
	}
	state.Phase = models.PhasePlanning
	return nil
}

// minimalTask is the single task of a classification-bypass plan.
func minimalTask(goal *models.Goal, cls models.Classification) models.PlanTask {
	description := goal.Description
	if len(cls.StepOutline) > 0 {
		description = fmt.Sprintf("%s\n\nOutline:\n", goal.Description)
		for _, step := range cls.StepOutline {
			description += "- " + step + "\n"
		}
	}
	return models.PlanTask{
		Title:       goal.Title,
		Description: description,
		AgentRole:   "generalist",
		TimeoutMs:   minimalTaskTimeout.Milliseconds(),
	}
}

// tickPlanning runs the full planner, validates its output, caches the
// plan and materializes the task graph.
func (o *Orchestrator) tickPlanning(ctx context.Context, state *models.OrchestratorState) error {
	goal, err := o.boundGoal(ctx, state)
	if err != nil || goal == nil {
		return err
	}

	system, user := planner.PlannerMessages(goal, o.promptContext(ctx))
	out, err := o.callPlanner(ctx, system, user)
	if err != nil {
		return err
	}

	if err := o.cachePlan(ctx, goal.ID, out); err != nil {
		return err
	}
	if _, err := o.graph.DecomposeGoal(ctx, goal.ID, out.Tasks); err != nil {
		return fmt.Errorf("failed to decompose goal: %w", err)
	}
	if err := o.store.UpdateGoalStrategy(ctx, goal.ID, out.Strategy); err != nil {
		slog.Warn("Failed to record goal strategy", "goal_id", goal.ID, "error", err)
	}
	state.Phase = models.PhasePlanReview
	return nil
}

// tickPlanReview approves the cached plan: automatically when its
// estimated cost is strictly below the budget threshold, otherwise when
// the external approval flag flips. Until then it emits a
// review-required signal and stays put.
func (o *Orchestrator) tickPlanReview(ctx context.Context, state *models.OrchestratorState) error {
	if state.GoalID == "" {
		return fmt.Errorf("%w in plan_review", ErrNoActiveGoal)
	}

	raw, err := o.store.GetKV(ctx, models.PlanKey(state.GoalID))
	if errors.Is(err, store.ErrNotFound) {
		// Plan already materialized without a cached copy.
		state.Phase = models.PhaseExecuting
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load cached plan: %w", err)
	}
	var plan models.PlannerOutput
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return fmt.Errorf("corrupt cached plan for goal %s: %w", state.GoalID, err)
	}

	if plan.EstimatedTotalCostCents < o.opts.AutoBudgetThresholdCents {
		slog.Info("Plan auto-approved",
			"goal_id", state.GoalID, "estimated_cost_cents", plan.EstimatedTotalCostCents)
		state.Phase = models.PhaseExecuting
		return nil
	}

	approvalKey := models.PlanApprovalKey(state.GoalID)
	if _, err := o.store.GetKV(ctx, approvalKey); err == nil {
		if err := o.store.DeleteKV(ctx, approvalKey); err != nil {
			slog.Warn("Failed to clear plan approval flag", "goal_id", state.GoalID, "error", err)
		}
		slog.Info("Plan approved externally", "goal_id", state.GoalID)
		state.Phase = models.PhaseExecuting
		return nil
	}

	o.notifier.PlanReviewRequired(ctx, state.GoalID, plan.EstimatedTotalCostCents)
	o.recordEvent(ctx, "plan_review_required", state.GoalID, "",
		fmt.Sprintf(`{"estimatedTotalCostCents":%d}`, plan.EstimatedTotalCostCents))
	return nil
}

// tickReplanning re-invokes the planner after a task failure and binds
// the new plan to the same goal.
func (o *Orchestrator) tickReplanning(ctx context.Context, state *models.OrchestratorState) error {
	goal, err := o.boundGoal(ctx, state)
	if err != nil || goal == nil {
		return err
	}
	failedTask, err := o.store.GetTaskByID(ctx, state.FailedTaskID)
	if err != nil {
		return fmt.Errorf("failed to load failed task %s: %w", state.FailedTaskID, err)
	}

	system, user := planner.ReplannerMessages(goal, failedTask, state.FailedError, o.promptContext(ctx))
	out, err := o.callPlanner(ctx, system, user)
	if err != nil {
		return err
	}

	if err := o.cachePlan(ctx, goal.ID, out); err != nil {
		return err
	}
	if _, err := o.graph.DecomposeGoal(ctx, goal.ID, out.Tasks); err != nil {
		return fmt.Errorf("failed to decompose replan: %w", err)
	}

	state.ReplanCount++
	state.FailedTaskID = ""
	state.FailedError = ""
	state.Phase = models.PhasePlanReview
	slog.Info("Replanned after failure", "goal_id", goal.ID, "replan_count", state.ReplanCount)
	return nil
}

// tickTerminal writes the goal's terminal status and resets to idle.
func (o *Orchestrator) tickTerminal(ctx context.Context, state *models.OrchestratorState) error {
	if state.GoalID != "" {
		status := models.GoalStatusCompleted
		if state.Phase == models.PhaseFailed {
			status = models.GoalStatusFailed
		}
		err := o.store.UpdateGoalStatus(ctx, state.GoalID, status, state.FailedError)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to finalize goal %s: %w", state.GoalID, err)
		}
		o.notifier.GoalStatus(ctx, state.GoalID, status)
	}
	resetIdle(state)
	return nil
}

// boundGoal loads the goal the state points at. A deleted or terminally
// marked goal resets the machine to idle and returns nil, nil.
func (o *Orchestrator) boundGoal(ctx context.Context, state *models.OrchestratorState) (*models.Goal, error) {
	if state.GoalID == "" {
		resetIdle(state)
		return nil, nil
	}
	goal, err := o.store.GetGoalByID(ctx, state.GoalID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("Bound goal vanished, resetting", "goal_id", state.GoalID)
		resetIdle(state)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load goal %s: %w", state.GoalID, err)
	}
	if goal.Status == models.GoalStatusCancelled {
		slog.Info("Bound goal cancelled, resetting", "goal_id", state.GoalID)
		resetIdle(state)
		return nil, nil
	}
	return goal, nil
}

// callPlanner runs one planner conversation and validates the output.
func (o *Orchestrator) callPlanner(ctx context.Context, system, user string) (*models.PlannerOutput, error) {
	resp, err := o.llm.Chat(ctx, &llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: user},
		},
		Tier:           o.currentTier(ctx),
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, fmt.Errorf("planner call failed: %w", err)
	}

	var decoded any
	if err := json.Unmarshal([]byte(resp.Content), &decoded); err != nil {
		return nil, fmt.Errorf("planner returned undecodable JSON: %w", err)
	}
	out, err := planner.Validate(decoded)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// cachePlan persists the validated plan under orchestrator.plan.<goalId>.
func (o *Orchestrator) cachePlan(ctx context.Context, goalID string, out *models.PlannerOutput) error {
	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	if err := o.store.SetKV(ctx, models.PlanKey(goalID), string(raw)); err != nil {
		return fmt.Errorf("failed to cache plan: %w", err)
	}
	return nil
}

// promptContext gathers the situational data the planner prompts embed.
// Failures degrade to zero values; planning proceeds on partial context.
func (o *Orchestrator) promptContext(ctx context.Context) planner.PromptContext {
	pctx := planner.PromptContext{Tier: o.currentTier(ctx)}
	if balance, err := o.funding.ParentBalance(ctx); err == nil {
		pctx.BalanceCents = balance
	}
	if children, err := o.store.GetChildren(ctx); err == nil {
		pctx.TotalWorkers = len(children)
		seen := make(map[string]bool)
		for _, c := range children {
			if c.Status == models.ChildStatusIdle {
				pctx.IdleWorkers++
			}
			if !seen[c.Role] {
				seen[c.Role] = true
				pctx.AvailableRoles = append(pctx.AvailableRoles, c.Role)
			}
		}
	}
	return pctx
}

// recordEvent appends to the audit stream; failures are logged only.
func (o *Orchestrator) recordEvent(ctx context.Context, eventType, goalID, taskID, content string) {
	event := &models.Event{
		Type:         eventType,
		AgentAddress: "parent",
		GoalID:       goalID,
		TaskID:       taskID,
		Content:      content,
	}
	if err := o.store.InsertEvent(ctx, event); err != nil {
		slog.Warn("Failed to record event", "type", eventType, "error", err)
	}
}
