package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/remingtons1/colony/pkg/messaging"
	"github.com/remingtons1/colony/pkg/models"
	"github.com/remingtons1/colony/pkg/store"
)

// registerHandlers binds the handler slots for every message type. Only
// a few carry orchestrator logic; the rest land in the audit stream.
func (o *Orchestrator) registerHandlers() {
	o.messenger.RegisterHandler(models.MessageTypeTaskResult, o.handleTaskResult)
	o.messenger.RegisterHandler(models.MessageTypeStatusReport, o.handleStatusReport)
	o.messenger.RegisterHandler(models.MessageTypeResourceRequest, o.auditHandler("resource_request"))
	o.messenger.RegisterHandler(models.MessageTypeKnowledgeShare, o.auditHandler("knowledge_share"))
	o.messenger.RegisterHandler(models.MessageTypeCustomerRequest, o.auditHandler("customer_request"))
	o.messenger.RegisterHandler(models.MessageTypeAlert, o.handleAlert)
	o.messenger.RegisterHandler(models.MessageTypeShutdownRequest, o.auditHandler("shutdown_request"))
	o.messenger.RegisterHandler(models.MessageTypePeerQuery, o.auditHandler("peer_query"))
	o.messenger.RegisterHandler(models.MessageTypePeerResponse, o.auditHandler("peer_response"))
	o.messenger.RegisterHandler(models.MessageTypeTaskAssignment, o.handleUnexpectedAssignment)
}

// handleTaskResult maps an inbound task_result onto the task graph:
// success completes the task, failure either resets it for retry or
// fails it permanently.
func (o *Orchestrator) handleTaskResult(ctx context.Context, msg *models.AgentMessage) error {
	var payload models.TaskResultPayload
	if err := json.Unmarshal([]byte(msg.Content), &payload); err != nil {
		return fmt.Errorf("undecodable task_result content: %w", err)
	}
	taskID := payload.TaskID
	if taskID == "" {
		taskID = msg.TaskID
	}
	if taskID == "" {
		return fmt.Errorf("task_result without a task id")
	}

	// The reporting worker is free again either way.
	defer func() {
		if msg.From == "" {
			return
		}
		if err := o.tracker.UpdateStatus(ctx, msg.From, models.ChildStatusIdle); err != nil &&
			!errors.Is(err, store.ErrNotFound) {
			slog.Warn("Failed to mark worker idle", "address", msg.From, "error", err)
		}
	}()

	if payload.Success {
		result := models.TaskResult{Success: true, Output: payload.Output}
		if err := o.graph.CompleteTask(ctx, taskID, result, payload.ActualCostCents); err != nil {
			return err
		}
		if o.stats != nil {
			o.stats.tasksCompleted++
		}
		if task, err := o.store.GetTaskByID(ctx, taskID); err == nil {
			o.notifier.TaskStatus(ctx, task)
		}
		return nil
	}

	task, err := o.graph.FailTask(ctx, taskID, payload.Error, payload.Transient)
	if err != nil {
		return err
	}
	if task.Status == models.TaskStatusFailed && o.stats != nil {
		o.stats.tasksFailed++
	}
	o.notifier.TaskStatus(ctx, task)
	return nil
}

// handleStatusReport acks a worker heartbeat into the audit stream. A
// report carrying a "running" status is the worker's start ack and
// moves the task assigned -> running.
func (o *Orchestrator) handleStatusReport(ctx context.Context, msg *models.AgentMessage) error {
	o.recordEvent(ctx, "status_report", msg.GoalID, msg.TaskID, msg.Content)

	var payload models.StatusReportPayload
	if err := json.Unmarshal([]byte(msg.Content), &payload); err != nil {
		return nil
	}
	taskID := payload.TaskID
	if taskID == "" {
		taskID = msg.TaskID
	}
	if payload.Status != string(models.TaskStatusRunning) || taskID == "" {
		return nil
	}
	if err := o.graph.MarkRunning(ctx, taskID); err != nil {
		// A late ack after completion or reassignment is not an error.
		slog.Debug("Ignoring stale start ack", "task_id", taskID, "error", err)
	}
	return nil
}

// handleAlert surfaces worker alerts loudly and records them.
func (o *Orchestrator) handleAlert(ctx context.Context, msg *models.AgentMessage) error {
	slog.Warn("Alert from agent", "from", msg.From, "content", msg.Content)
	o.recordEvent(ctx, "alert", msg.GoalID, msg.TaskID, msg.Content)
	return nil
}

// handleUnexpectedAssignment rejects task assignments sent at the
// parent; only workers execute tasks.
func (o *Orchestrator) handleUnexpectedAssignment(_ context.Context, msg *models.AgentMessage) error {
	return fmt.Errorf("parent agent does not accept task assignments (from %s)", msg.From)
}

// auditHandler returns a handler that records the message in the audit
// stream under the given event type.
func (o *Orchestrator) auditHandler(eventType string) messaging.Handler {
	return func(ctx context.Context, msg *models.AgentMessage) error {
		o.recordEvent(ctx, eventType, msg.GoalID, msg.TaskID, msg.Content)
		return nil
	}
}

func marshalPayload(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
