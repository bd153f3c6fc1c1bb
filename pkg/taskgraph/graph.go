// Package taskgraph is the authoritative model of task structure and
// progression for a goal: dependency resolution, the ready set, retry
// semantics and goal-rollup status. All operations run as short store
// transactions.
package taskgraph

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/remingtons1/colony/pkg/models"
	"github.com/remingtons1/colony/pkg/store"
)

// DefaultMaxRetries is the per-task transient-failure retry budget applied
// when a plan does not specify one.
const DefaultMaxRetries = 3

// Graph provides transactional task-graph operations on top of the
// durable store.
type Graph struct {
	store store.Store
	now   func() time.Time
}

// New creates a task graph bound to the given store.
func New(st store.Store) *Graph {
	return &Graph{store: st, now: time.Now}
}

// CreateGoal inserts a new active goal.
func (g *Graph) CreateGoal(ctx context.Context, title, description string) (*models.Goal, error) {
	goal := &models.Goal{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		Status:      models.GoalStatusActive,
		CreatedAt:   g.now(),
	}
	if err := g.store.CreateGoal(ctx, goal); err != nil {
		return nil, fmt.Errorf("failed to create goal: %w", err)
	}
	slog.Info("Goal created", "goal_id", goal.ID, "title", goal.Title)
	return goal, nil
}

// DecomposeGoal inserts the planned tasks for a goal, resolving each
// task's dependency indices to the inserted task ids. A task starts
// blocked when it has at least one dependency, pending otherwise.
func (g *Graph) DecomposeGoal(ctx context.Context, goalID string, planTasks []models.PlanTask) ([]*models.Task, error) {
	if len(planTasks) == 0 {
		return nil, fmt.Errorf("no tasks to insert for goal %s", goalID)
	}
	if err := checkAcyclic(planTasks); err != nil {
		return nil, err
	}

	// Pre-generate ids so dependency indices can be resolved before insert.
	ids := make([]string, len(planTasks))
	for i := range planTasks {
		ids[i] = uuid.NewString()
	}

	now := g.now()
	tasks := make([]*models.Task, len(planTasks))
	err := g.store.WithTx(ctx, func(tx store.Store) error {
		goal, err := tx.GetGoalByID(ctx, goalID)
		if err != nil {
			return fmt.Errorf("failed to load goal %s: %w", goalID, err)
		}
		if goal.Status != models.GoalStatusActive {
			return fmt.Errorf("%w: goal %s is %q", ErrGoalNotActive, goalID, goal.Status)
		}

		for i, pt := range planTasks {
			deps := make([]string, len(pt.Dependencies))
			for j, di := range pt.Dependencies {
				if di < 0 || di >= len(planTasks) {
					return fmt.Errorf("task %d dependency index %d out of range", i, di)
				}
				deps[j] = ids[di]
			}

			status := models.TaskStatusPending
			if len(deps) > 0 {
				status = models.TaskStatusBlocked
			}

			task := &models.Task{
				ID:                 ids[i],
				GoalID:             goalID,
				Title:              pt.Title,
				Description:        pt.Description,
				AgentRole:          pt.AgentRole,
				Priority:           pt.Priority,
				Dependencies:       deps,
				Status:             status,
				MaxRetries:         DefaultMaxRetries,
				TimeoutMs:          pt.TimeoutMs,
				EstimatedCostCents: pt.EstimatedCostCents,
				CreatedAt:          now,
			}
			if err := tx.InsertTask(ctx, task); err != nil {
				return fmt.Errorf("failed to insert task %q: %w", pt.Title, err)
			}
			tasks[i] = task
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Goal decomposed", "goal_id", goalID, "tasks", len(tasks))
	return tasks, nil
}

// AssignTask moves a pending task to assigned and records the worker
// address and start time. Fails with ErrInvalidTransition when the task
// is not pending.
func (g *Graph) AssignTask(ctx context.Context, taskID, workerAddress string) error {
	return g.store.WithTx(ctx, func(tx store.Store) error {
		task, err := tx.GetTaskByID(ctx, taskID)
		if err != nil {
			return fmt.Errorf("failed to load task %s: %w", taskID, err)
		}
		if task.Status != models.TaskStatusPending {
			return transitionError(taskID, task.Status, "assign")
		}
		started := g.now()
		return tx.UpdateTaskStatus(ctx, taskID, store.TaskStatusUpdate{
			Status:        models.TaskStatusAssigned,
			AssignedTo:    &workerAddress,
			SetAssignedTo: true,
			StartedAt:     &started,
			SetStartedAt:  true,
		})
	})
}

// MarkRunning records a worker's ack: assigned → running.
func (g *Graph) MarkRunning(ctx context.Context, taskID string) error {
	return g.store.WithTx(ctx, func(tx store.Store) error {
		task, err := tx.GetTaskByID(ctx, taskID)
		if err != nil {
			return fmt.Errorf("failed to load task %s: %w", taskID, err)
		}
		if task.Status != models.TaskStatusAssigned {
			return transitionError(taskID, task.Status, "start")
		}
		return tx.UpdateTaskStatus(ctx, taskID, store.TaskStatusUpdate{Status: models.TaskStatusRunning})
	})
}

// CompleteTask records a successful result, unblocks dependents whose
// dependencies are now all completed, and marks the goal completed when
// every task is.
func (g *Graph) CompleteTask(ctx context.Context, taskID string, result models.TaskResult, actualCostCents int64) error {
	if !result.Success {
		return fmt.Errorf("%w: complete requires a successful result for task %s", ErrInvalidTransition, taskID)
	}
	var goalID string
	err := g.store.WithTx(ctx, func(tx store.Store) error {
		task, err := tx.GetTaskByID(ctx, taskID)
		if err != nil {
			return fmt.Errorf("failed to load task %s: %w", taskID, err)
		}
		if !task.Active() {
			return transitionError(taskID, task.Status, "complete")
		}
		goalID = task.GoalID

		completed := g.now()
		if err := tx.UpdateTaskStatus(ctx, taskID, store.TaskStatusUpdate{
			Status:         models.TaskStatusCompleted,
			CompletedAt:    &completed,
			SetCompletedAt: true,
		}); err != nil {
			return err
		}
		if err := tx.UpdateTaskResult(ctx, taskID, &result, actualCostCents); err != nil {
			return err
		}

		siblings, err := tx.GetTasksByGoal(ctx, task.GoalID)
		if err != nil {
			return fmt.Errorf("failed to load tasks for goal %s: %w", task.GoalID, err)
		}
		if err := unblockDependents(ctx, tx, taskID, siblings); err != nil {
			return err
		}
		return rollUpGoal(ctx, tx, task.GoalID, siblings, taskID)
	})
	if err != nil {
		return err
	}
	slog.Info("Task completed", "task_id", taskID, "goal_id", goalID, "cost_cents", actualCostCents)
	return nil
}

// FailTask records a task failure. A transient failure with retry budget
// left resets the task to pending (blocked if a dependency regressed) for
// another attempt; otherwise the task is failed permanently and its
// dependents stay blocked. Returns the task's post-failure state.
func (g *Graph) FailTask(ctx context.Context, taskID, errMsg string, transient bool) (*models.Task, error) {
	var out *models.Task
	err := g.store.WithTx(ctx, func(tx store.Store) error {
		task, err := tx.GetTaskByID(ctx, taskID)
		if err != nil {
			return fmt.Errorf("failed to load task %s: %w", taskID, err)
		}
		if !task.Active() {
			return transitionError(taskID, task.Status, "fail")
		}

		if transient && task.RetryCount < task.MaxRetries {
			if err := tx.UpdateTaskRetry(ctx, taskID, task.RetryCount+1); err != nil {
				return err
			}
			siblings, err := tx.GetTasksByGoal(ctx, task.GoalID)
			if err != nil {
				return err
			}
			status := models.TaskStatusPending
			if !depsCompleted(task, siblings) {
				status = models.TaskStatusBlocked
			}
			if err := tx.UpdateTaskStatus(ctx, taskID, store.TaskStatusUpdate{
				Status:        status,
				SetAssignedTo: true,
				SetStartedAt:  true,
			}); err != nil {
				return err
			}
			out, err = tx.GetTaskByID(ctx, taskID)
			return err
		}

		result := &models.TaskResult{Success: false, Error: errMsg}
		if err := tx.UpdateTaskStatus(ctx, taskID, store.TaskStatusUpdate{Status: models.TaskStatusFailed}); err != nil {
			return err
		}
		if err := tx.UpdateTaskResult(ctx, taskID, result, task.ActualCostCents); err != nil {
			return err
		}
		out, err = tx.GetTaskByID(ctx, taskID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out.Status == models.TaskStatusFailed {
		slog.Warn("Task failed permanently", "task_id", taskID, "error", errMsg, "retries", out.RetryCount)
	} else {
		slog.Info("Task reset for retry", "task_id", taskID, "retry", out.RetryCount, "status", out.Status)
	}
	return out, nil
}

// ReadyTasks returns the goal's pending tasks whose dependencies are all
// completed, ordered by (priority desc, createdAt asc, id).
func (g *Graph) ReadyTasks(ctx context.Context, goalID string) ([]*models.Task, error) {
	tasks, err := g.store.GetTasksByGoal(ctx, goalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks for goal %s: %w", goalID, err)
	}

	ready := make([]*models.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == models.TaskStatusPending && depsCompleted(t, tasks) {
			ready = append(ready, t)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].ID < ready[j].ID
	})
	return ready, nil
}

// GoalProgress returns the per-status task counts for a goal. The counts
// sum to Total.
func (g *Graph) GoalProgress(ctx context.Context, goalID string) (*models.GoalProgress, error) {
	tasks, err := g.store.GetTasksByGoal(ctx, goalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks for goal %s: %w", goalID, err)
	}
	progress := &models.GoalProgress{Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case models.TaskStatusCompleted:
			progress.Completed++
		case models.TaskStatusFailed:
			progress.Failed++
		case models.TaskStatusBlocked:
			progress.Blocked++
		case models.TaskStatusPending:
			progress.Pending++
		case models.TaskStatusRunning, models.TaskStatusAssigned:
			progress.Running++
		}
	}
	return progress, nil
}

// unblockDependents applies the local unblocking step after completedID
// finished: each blocked dependent whose dependencies are now all
// completed becomes pending. Correctness over chains follows by induction
// on completion order; no transitive sweep is needed.
func unblockDependents(ctx context.Context, tx store.Store, completedID string, siblings []*models.Task) error {
	for _, d := range siblings {
		if d.Status != models.TaskStatusBlocked || !d.DependsOn(completedID) {
			continue
		}
		if depsCompleted(d, siblings) {
			if err := tx.UpdateTaskStatus(ctx, d.ID, store.TaskStatusUpdate{Status: models.TaskStatusPending}); err != nil {
				return fmt.Errorf("failed to unblock task %s: %w", d.ID, err)
			}
		}
	}
	return nil
}

// rollUpGoal marks the goal completed when every task is completed.
// justCompletedID has already transitioned in this transaction but the
// sibling snapshot predates it.
func rollUpGoal(ctx context.Context, tx store.Store, goalID string, siblings []*models.Task, justCompletedID string) error {
	for _, t := range siblings {
		if t.ID == justCompletedID {
			continue
		}
		if t.Status != models.TaskStatusCompleted {
			return nil
		}
	}
	if err := tx.UpdateGoalStatus(ctx, goalID, models.GoalStatusCompleted, ""); err != nil {
		return fmt.Errorf("failed to roll up goal %s: %w", goalID, err)
	}
	slog.Info("Goal completed", "goal_id", goalID)
	return nil
}

// depsCompleted reports whether every dependency of t is completed within
// the sibling set.
func depsCompleted(t *models.Task, siblings []*models.Task) bool {
	byID := make(map[string]*models.Task, len(siblings))
	for _, s := range siblings {
		byID[s.ID] = s
	}
	for _, dep := range t.Dependencies {
		d, ok := byID[dep]
		if !ok || d.Status != models.TaskStatusCompleted {
			return false
		}
	}
	return true
}

// checkAcyclic rejects plans whose dependency indices form a cycle.
// Standard DFS coloring on the index adjacency list.
func checkAcyclic(planTasks []models.PlanTask) error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make([]int, len(planTasks))

	var visit func(i int) error
	visit = func(i int) error {
		color[i] = grey
		for _, dep := range planTasks[i].Dependencies {
			if dep < 0 || dep >= len(planTasks) {
				return fmt.Errorf("task %d dependency index %d out of range", i, dep)
			}
			switch color[dep] {
			case grey:
				return fmt.Errorf("%w involving task %d", ErrDependencyCycle, i)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[i] = black
		return nil
	}

	for i := range planTasks {
		if color[i] == white {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}
