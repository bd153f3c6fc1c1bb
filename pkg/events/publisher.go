package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/remingtons1/colony/pkg/models"
)

// Publisher broadcasts progress payloads over PostgreSQL NOTIFY
// channels. Goal and task status events are also persisted to the
// events table in the same transaction, so pg_notify fires iff the row
// committed.
//
// Publisher implements the orchestrator's Notifier contract; every
// method is best-effort and must not fail a tick, so errors are logged
// and swallowed at this boundary.
type Publisher struct {
	db  *sql.DB
	now func() time.Time
}

// NewPublisher creates a publisher over the shared connection pool.
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db, now: time.Now}
}

// GoalStatus persists and broadcasts a goal lifecycle transition to the
// goal channel and the system channel.
func (p *Publisher) GoalStatus(ctx context.Context, goalID string, status models.GoalStatus) {
	payload := GoalStatusPayload{
		Type:      EventTypeGoalStatus,
		GoalID:    goalID,
		Status:    string(status),
		Timestamp: p.now().UTC(),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := p.persistAndNotify(ctx, EventTypeGoalStatus, goalID, "", GoalChannel(goalID), raw); err != nil {
		slog.Warn("Failed to publish goal status", "goal_id", goalID, "error", err)
	}
	if err := p.notifyOnly(ctx, SystemChannel, raw); err != nil {
		slog.Warn("Failed to publish goal status to system channel", "goal_id", goalID, "error", err)
	}
}

// TaskStatus persists and broadcasts a task status change to its goal
// channel.
func (p *Publisher) TaskStatus(ctx context.Context, task *models.Task) {
	payload := TaskStatusPayload{
		Type:      EventTypeTaskStatus,
		GoalID:    task.GoalID,
		TaskID:    task.ID,
		Status:    string(task.Status),
		Timestamp: p.now().UTC(),
	}
	if task.AssignedTo != nil {
		payload.AssignedTo = *task.AssignedTo
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := p.persistAndNotify(ctx, EventTypeTaskStatus, task.GoalID, task.ID, GoalChannel(task.GoalID), raw); err != nil {
		slog.Warn("Failed to publish task status", "task_id", task.ID, "error", err)
	}
}

// PlanReviewRequired broadcasts a transient review prompt. The durable
// copy is the orchestrator's own plan_review_required audit event.
func (p *Publisher) PlanReviewRequired(ctx context.Context, goalID string, estimatedCostCents int64) {
	payload := PlanReviewPayload{
		Type:                    EventTypePlanReviewRequired,
		GoalID:                  goalID,
		EstimatedTotalCostCents: estimatedCostCents,
		Timestamp:               p.now().UTC(),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	for _, channel := range []string{GoalChannel(goalID), SystemChannel} {
		if err := p.notifyOnly(ctx, channel, raw); err != nil {
			slog.Warn("Failed to publish plan review prompt", "goal_id", goalID, "error", err)
		}
	}
}

// HealAction broadcasts a transient heal notification. The durable copy
// is the monitor's heal_action audit event.
func (p *Publisher) HealAction(ctx context.Context, actionType, agentAddress, reason string, success bool) {
	payload := HealActionPayload{
		Type:         EventTypeHealAction,
		Action:       actionType,
		AgentAddress: agentAddress,
		Reason:       reason,
		Success:      success,
		Timestamp:    p.now().UTC(),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := p.notifyOnly(ctx, SystemChannel, raw); err != nil {
		slog.Warn("Failed to publish heal action", "address", agentAddress, "error", err)
	}
}

// persistAndNotify inserts the event row and fires pg_notify in a
// single transaction; pg_notify is transactional and held until COMMIT.
func (p *Publisher) persistAndNotify(ctx context.Context, eventType, goalID, taskID, channel string, payloadJSON []byte) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (type, agent_address, goal_id, task_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		eventType, "parent", goalID, taskID, string(payloadJSON), p.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	notifyPayload, err := truncateIfNeeded(string(payloadJSON))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event transaction: %w", err)
	}
	return nil
}

// notifyOnly broadcasts without persisting.
func (p *Publisher) notifyOnly(ctx context.Context, channel string, payloadJSON []byte) error {
	notifyPayload, err := truncateIfNeeded(string(payloadJSON))
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// truncateIfNeeded keeps NOTIFY payloads under PostgreSQL's 8000-byte
// limit, falling back to a minimal envelope with routing fields only.
func truncateIfNeeded(payloadStr string) (string, error) {
	if len(payloadStr) <= 7900 {
		return payloadStr, nil
	}

	var routing struct {
		Type   string `json:"type"`
		GoalID string `json:"goal_id"`
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal([]byte(payloadStr), &routing); err != nil {
		return "", fmt.Errorf("failed to extract routing fields for truncation: %w", err)
	}
	truncated, err := json.Marshal(map[string]any{
		"type":      routing.Type,
		"goal_id":   routing.GoalID,
		"task_id":   routing.TaskID,
		"truncated": true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated payload: %w", err)
	}
	return string(truncated), nil
}
