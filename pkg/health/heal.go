package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/remingtons1/colony/pkg/models"
	"github.com/remingtons1/colony/pkg/store"
	"github.com/remingtons1/colony/pkg/tracker"
)

// Heal action types.
const (
	ActionStop     = "stop"
	ActionFund     = "fund"
	ActionRestart  = "restart"
	ActionReassign = "reassign"
)

// Action is one applied (or attempted) repair.
type Action struct {
	Type         string `json:"type"`
	AgentAddress string `json:"agentAddress"`
	Reason       string `json:"reason"`
	Success      bool   `json:"success"`
}

// AutoHeal applies repairs for the given audit reports and returns every
// action attempted. Per worker the precedence is fixed: an error loop
// stops the worker and skips everything else; then funding, restart and
// reassignment each apply when their issue is present.
func (m *Monitor) AutoHeal(ctx context.Context, reports []*Report) []Action {
	var actions []Action
	for _, report := range reports {
		if len(report.Issues) == 0 {
			continue
		}
		addr := report.Agent.Address

		if report.HasIssue(IssueErrorLoop) {
			actions = append(actions, m.stopWorker(ctx, addr, report))
			continue
		}
		if report.HasIssue(IssueOutOfCredits) {
			actions = append(actions, m.fundWorker(ctx, addr, report))
		}
		if report.HasIssue(IssueProcessCrashed) {
			actions = append(actions, m.restartWorker(ctx, addr, report))
		}
		if report.HasIssue(IssueStuckOnTask) && report.ActiveTask != nil {
			actions = append(actions, m.reassignTask(ctx, addr, report))
		}
	}
	for _, a := range actions {
		m.recordAction(ctx, a)
	}
	return actions
}

// stopWorker shuts down a worker caught in an error loop.
func (m *Monitor) stopWorker(ctx context.Context, addr string, report *Report) Action {
	action := Action{
		Type:         ActionStop,
		AgentAddress: addr,
		Reason: fmt.Sprintf("error loop: %.0f%% failures over %d tasks",
			report.ErrorRate*100, report.ErrorSamples),
	}
	if err := m.sendShutdown(ctx, addr, action.Reason); err != nil {
		slog.Error("Failed to send shutdown request", "address", addr, "error", err)
		return action
	}
	if err := m.tracker.UpdateStatus(ctx, addr, models.ChildStatusStopped); err != nil {
		slog.Error("Failed to mark worker stopped", "address", addr, "error", err)
		return action
	}
	action.Success = true
	slog.Warn("Stopped worker in error loop", "address", addr, "reason", action.Reason)
	return action
}

// fundWorker tops an empty wallet back up to the configured target.
func (m *Monitor) fundWorker(ctx context.Context, addr string, report *Report) Action {
	amount := m.cfg.CreditTargetCents - report.BalanceCents
	if amount < m.cfg.CreditMinTransferCents {
		amount = m.cfg.CreditMinTransferCents
	}
	action := Action{
		Type:         ActionFund,
		AgentAddress: addr,
		Reason: fmt.Sprintf("balance %d cents below floor %d, funding %d",
			report.BalanceCents, m.cfg.CreditFloorCents, amount),
	}
	if err := m.funding.FundChild(ctx, addr, amount); err != nil {
		slog.Error("Failed to fund worker", "address", addr, "amount_cents", amount, "error", err)
		return action
	}
	action.Success = true
	slog.Info("Funded worker", "address", addr, "amount_cents", amount)
	return action
}

// restartWorker cycles a crashed worker process: shutdown request, then
// mark starting so the sandbox layer brings it back.
func (m *Monitor) restartWorker(ctx context.Context, addr string, report *Report) Action {
	action := Action{
		Type:         ActionRestart,
		AgentAddress: addr,
		Reason: fmt.Sprintf("process crashed: status %s, last activity %s",
			report.Agent.Status, report.LastActivity.Format(time.RFC3339)),
	}
	if err := m.sendShutdown(ctx, addr, action.Reason); err != nil {
		// A crashed process may not receive anything; restart regardless.
		slog.Warn("Shutdown request undeliverable before restart", "address", addr, "error", err)
	}
	if err := m.tracker.UpdateStatus(ctx, addr, models.ChildStatusStarting); err != nil {
		slog.Error("Failed to mark worker starting", "address", addr, "error", err)
		return action
	}
	action.Success = true
	slog.Warn("Restarting crashed worker", "address", addr)
	return action
}

// reassignTask takes a stuck task off its worker. The retry budget
// decides between cancellation and handing the task to a replacement; no
// replacement leaves it pending for the next dispatch pass.
func (m *Monitor) reassignTask(ctx context.Context, addr string, report *Report) Action {
	task := report.ActiveTask
	action := Action{
		Type:         ActionReassign,
		AgentAddress: addr,
		Reason:       fmt.Sprintf("stuck on task %s", task.ID),
	}

	retryCount := task.RetryCount + 1
	if retryCount > task.MaxRetries {
		err := m.store.WithTx(ctx, func(tx store.Store) error {
			now := m.now()
			upd := store.TaskStatusUpdate{
				Status:         models.TaskStatusFailed,
				SetAssignedTo:  true,
				SetStartedAt:   true,
				CompletedAt:    &now,
				SetCompletedAt: true,
			}
			if err := tx.UpdateTaskStatus(ctx, task.ID, upd); err != nil {
				return err
			}
			if err := tx.UpdateTaskRetry(ctx, task.ID, retryCount); err != nil {
				return err
			}
			result := &models.TaskResult{
				Success: false,
				Type:    models.ResultTypeStuckTaskCancelled,
				Error:   fmt.Sprintf("cancelled after %d retries: worker %s stuck", retryCount, addr),
			}
			return tx.UpdateTaskResult(ctx, task.ID, result, task.ActualCostCents)
		})
		if err != nil {
			slog.Error("Failed to cancel stuck task", "task_id", task.ID, "error", err)
			return action
		}
		action.Reason = fmt.Sprintf("stuck task %s cancelled: retry budget exhausted", task.ID)
		action.Success = true
		slog.Warn("Stuck task cancelled", "task_id", task.ID, "worker", addr)
		return action
	}

	replacement := m.findReplacement(ctx, addr)

	err := m.store.WithTx(ctx, func(tx store.Store) error {
		// startedAt is cleared even when handing straight to a
		// replacement: the clock restarts when the new worker acks.
		upd := store.TaskStatusUpdate{
			Status:         models.TaskStatusPending,
			SetAssignedTo:  true,
			SetStartedAt:   true,
			SetCompletedAt: true,
		}
		if replacement != nil {
			upd.Status = models.TaskStatusAssigned
			upd.AssignedTo = &replacement.Address
		}
		if err := tx.UpdateTaskStatus(ctx, task.ID, upd); err != nil {
			return err
		}
		if err := tx.UpdateTaskRetry(ctx, task.ID, retryCount); err != nil {
			return err
		}
		result := &models.TaskResult{
			Success: false,
			Type:    models.ResultTypeStuckTaskReassigned,
			Error:   fmt.Sprintf("taken from stuck worker %s (retry %d)", addr, retryCount),
		}
		return tx.UpdateTaskResult(ctx, task.ID, result, task.ActualCostCents)
	})
	if err != nil {
		slog.Error("Failed to reassign stuck task", "task_id", task.ID, "error", err)
		return action
	}

	if replacement != nil {
		if err := m.tracker.UpdateStatus(ctx, replacement.Address, models.ChildStatusWorking); err != nil {
			slog.Warn("Failed to mark replacement busy", "address", replacement.Address, "error", err)
		}
		if err := m.sendAssignment(ctx, task, replacement.Address); err != nil {
			slog.Error("Failed to deliver reassignment", "task_id", task.ID, "error", err)
			return action
		}
		action.Reason = fmt.Sprintf("stuck task %s moved from %s to %s", task.ID, addr, replacement.Address)
	} else {
		action.Reason = fmt.Sprintf("stuck task %s released back to pending", task.ID)
	}
	action.Success = true
	slog.Warn("Stuck task reassigned", "task_id", task.ID, "from", addr)
	return action
}

// findReplacement picks a worker for a reassigned task: the first idle
// worker other than the source, then the best generalist other than the
// source, then nobody.
func (m *Monitor) findReplacement(ctx context.Context, source string) *models.ChildAgent {
	if idle, err := m.tracker.GetIdle(ctx); err == nil {
		for _, c := range idle {
			if c.Address != source {
				return c
			}
		}
	}
	if best, err := m.tracker.GetBestForTask(ctx, tracker.GeneralistRole); err == nil && best.Address != source {
		return best
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("Replacement lookup failed", "error", err)
	}
	return nil
}

// sendShutdown delivers a shutdown_request to the worker.
func (m *Monitor) sendShutdown(ctx context.Context, addr, reason string) error {
	return m.messenger.Send(ctx, &models.AgentMessage{
		Type:     models.MessageTypeShutdownRequest,
		To:       addr,
		Content:  fmt.Sprintf(`{"reason":%q}`, reason),
		Priority: models.PriorityCritical,
	})
}

// sendAssignment delivers a task_assignment for a reassigned task.
func (m *Monitor) sendAssignment(ctx context.Context, task *models.Task, addr string) error {
	payload, err := json.Marshal(models.TaskAssignmentPayload{
		TaskID:      task.ID,
		GoalID:      task.GoalID,
		Title:       task.Title,
		Description: task.Description,
		AgentRole:   task.AgentRole,
		TimeoutMs:   task.TimeoutMs,
	})
	if err != nil {
		return err
	}
	return m.messenger.Send(ctx, &models.AgentMessage{
		Type:             models.MessageTypeTaskAssignment,
		To:               addr,
		GoalID:           task.GoalID,
		TaskID:           task.ID,
		Content:          string(payload),
		Priority:         models.PriorityHigh,
		RequiresResponse: true,
	})
}

// recordAction appends the heal action to the audit stream.
func (m *Monitor) recordAction(ctx context.Context, action Action) {
	raw, err := json.Marshal(action)
	if err != nil {
		return
	}
	event := &models.Event{
		Type:         "heal_action",
		AgentAddress: action.AgentAddress,
		Content:      string(raw),
	}
	if err := m.store.InsertEvent(ctx, event); err != nil {
		slog.Warn("Failed to record heal action", "type", action.Type, "error", err)
	}
}
