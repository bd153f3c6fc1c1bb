package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/remingtons1/colony/pkg/models"
	"github.com/remingtons1/colony/pkg/store"
)

// tickExecuting performs one bounded unit of execution work: ingest
// results from the inbox, decide whether to replan or fail, dispatch
// ready tasks to available workers, and detect goal completion.
func (o *Orchestrator) tickExecuting(ctx context.Context, state *models.OrchestratorState) error {
	goal, err := o.boundGoal(ctx, state)
	if err != nil || goal == nil {
		return err
	}

	if _, err := o.messenger.ProcessInbox(ctx); err != nil {
		return fmt.Errorf("inbox processing failed: %w", err)
	}

	tasks, err := o.store.GetTasksByGoal(ctx, goal.ID)
	if err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}

	// Failure edges read the store, not this tick's inbox traffic, so a
	// task the health monitor failed directly is noticed the same as one
	// reported by a worker. Each replan accounts for one failed task;
	// more failed tasks than replans spent means an unhandled failure.
	var failed []*models.Task
	for _, t := range tasks {
		if t.Status == models.TaskStatusFailed {
			failed = append(failed, t)
		}
	}
	if len(failed) > 0 {
		latest := failed[len(failed)-1]
		if state.ReplanCount >= o.opts.MaxReplans {
			state.FailedTaskID = latest.ID
			if latest.Result != nil {
				state.FailedError = latest.Result.Error
			}
			state.Phase = models.PhaseFailed
			return nil
		}
		if len(failed) > state.ReplanCount {
			state.FailedTaskID = latest.ID
			if latest.Result != nil {
				state.FailedError = latest.Result.Error
			}
			state.Phase = models.PhaseReplanning
			return nil
		}
	}

	if err := o.dispatchReady(ctx, goal.ID); err != nil {
		return err
	}

	// Completion is detected off the goal record: CompleteTask rolls the
	// goal up inside its own transaction.
	fresh, err := o.store.GetGoalByID(ctx, goal.ID)
	if err != nil {
		return fmt.Errorf("failed to reload goal %s: %w", goal.ID, err)
	}
	if fresh.Status == models.GoalStatusCompleted {
		state.Phase = models.PhaseComplete
	}
	return nil
}

// dispatchReady assigns ready tasks to matching idle workers in
// (priority desc, createdAt asc, id) order and sends them
// task_assignment messages.
func (o *Orchestrator) dispatchReady(ctx context.Context, goalID string) error {
	ready, err := o.graph.ReadyTasks(ctx, goalID)
	if err != nil {
		return err
	}
	for _, task := range ready {
		worker, err := o.tracker.GetBestForTask(ctx, task.AgentRole)
		if errors.Is(err, store.ErrNotFound) {
			// No idle worker left this tick; the task waits. Unless
			// spawning is disabled, ask the sandbox layer for a new
			// worker via the audit stream.
			slog.Debug("No idle worker for task", "task_id", task.ID, "role", task.AgentRole)
			if !o.opts.DisableSpawn {
				o.recordEvent(ctx, "spawn_requested", task.GoalID, task.ID,
					fmt.Sprintf(`{"role":%q}`, task.AgentRole))
			}
			break
		}
		if err != nil {
			return fmt.Errorf("worker lookup failed: %w", err)
		}

		if err := o.graph.AssignTask(ctx, task.ID, worker.Address); err != nil {
			return fmt.Errorf("failed to assign task %s: %w", task.ID, err)
		}
		if err := o.tracker.UpdateStatus(ctx, worker.Address, models.ChildStatusWorking); err != nil {
			slog.Warn("Failed to mark worker busy", "address", worker.Address, "error", err)
		}

		payload := models.TaskAssignmentPayload{
			TaskID:      task.ID,
			GoalID:      task.GoalID,
			Title:       task.Title,
			Description: task.Description,
			AgentRole:   task.AgentRole,
			TimeoutMs:   task.TimeoutMs,
		}
		msg := &models.AgentMessage{
			Type:             models.MessageTypeTaskAssignment,
			To:               worker.Address,
			GoalID:           task.GoalID,
			TaskID:           task.ID,
			Content:          marshalPayload(payload),
			Priority:         assignmentPriority(task.Priority),
			RequiresResponse: true,
		}
		if err := o.messenger.Send(ctx, msg); err != nil {
			return fmt.Errorf("failed to send assignment for task %s: %w", task.ID, err)
		}

		o.stats.tasksAssigned++
		if assigned, err := o.store.GetTaskByID(ctx, task.ID); err == nil {
			o.notifier.TaskStatus(ctx, assigned)
		}
		slog.Info("Task assigned",
			"task_id", task.ID, "worker", worker.Address, "priority", task.Priority)
	}
	return nil
}

// assignmentPriority derives the message priority from the task
// priority value.
func assignmentPriority(taskPriority int) models.MessagePriority {
	switch {
	case taskPriority >= 9:
		return models.PriorityCritical
	case taskPriority >= 6:
		return models.PriorityHigh
	case taskPriority >= 3:
		return models.PriorityNormal
	default:
		return models.PriorityLow
	}
}
