// Package store defines the durable store contract consumed by the colony
// runtime. The orchestrator core never depends on a concrete persistence
// engine; pkg/database provides the PostgreSQL implementation and
// pkg/store/memstore an in-memory one for tests and local development.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/remingtons1/colony/pkg/models"
)

var (
	// ErrNotFound is returned when an entity or KV key is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity.
	ErrAlreadyExists = errors.New("entity already exists")
)

// TaskStatusUpdate carries a status transition plus the assignment and
// timestamp fields that change with it. Set* flags distinguish "clear the
// field" from "leave it alone".
type TaskStatusUpdate struct {
	Status models.TaskStatus

	AssignedTo    *string
	SetAssignedTo bool

	StartedAt    *time.Time
	SetStartedAt bool

	CompletedAt    *time.Time
	SetCompletedAt bool
}

// Store is the transactional persistence contract. All calls are
// synchronous; every mutation is a short transaction. Implementations must
// make concurrent writers (orchestrator tick vs. health monitor)
// serializable.
type Store interface {
	// WithTx runs fn against a transactional view of the store. Mutations
	// made inside fn become visible atomically when fn returns nil and are
	// discarded when it returns an error.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	// Goals.
	CreateGoal(ctx context.Context, goal *models.Goal) error
	GetGoalByID(ctx context.Context, id string) (*models.Goal, error)
	// GetActiveGoals returns active goals ordered oldest first.
	GetActiveGoals(ctx context.Context) ([]*models.Goal, error)
	UpdateGoalStatus(ctx context.Context, id string, status models.GoalStatus, failureReason string) error
	UpdateGoalStrategy(ctx context.Context, id, strategy string) error

	// Tasks.
	InsertTask(ctx context.Context, task *models.Task) error
	GetTaskByID(ctx context.Context, id string) (*models.Task, error)
	// GetTasksByGoal returns the goal's tasks ordered by (createdAt, id).
	GetTasksByGoal(ctx context.Context, goalID string) ([]*models.Task, error)
	// GetTasksByAssignee returns every task currently or last assigned to
	// the worker, ordered by (createdAt, id).
	GetTasksByAssignee(ctx context.Context, address string) ([]*models.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, upd TaskStatusUpdate) error
	UpdateTaskRetry(ctx context.Context, id string, retryCount int) error
	UpdateTaskResult(ctx context.Context, id string, result *models.TaskResult, actualCostCents int64) error

	// Inbox.
	InsertInboxMessage(ctx context.Context, msg *models.InboxMessage) error
	// GetUnprocessedInboxMessages returns up to limit unprocessed rows
	// addressed to recipient, oldest first. Rows for other recipients
	// never count against the limit.
	GetUnprocessedInboxMessages(ctx context.Context, recipient string, limit int) ([]*models.InboxMessage, error)
	MarkInboxMessageProcessed(ctx context.Context, id int64) error

	// KV blobs. GetKV returns ErrNotFound on a missing key.
	GetKV(ctx context.Context, key string) (string, error)
	SetKV(ctx context.Context, key, value string) error
	DeleteKV(ctx context.Context, key string) error

	// Events.
	InsertEvent(ctx context.Context, event *models.Event) error
	// LatestEventTime returns the timestamp of the most recent event
	// attributed to the agent, or ErrNotFound when there is none.
	LatestEventTime(ctx context.Context, agentAddress string) (time.Time, error)

	// LatestInboxTime returns the received time of the most recent inbox
	// row sent by the agent, or ErrNotFound when there is none.
	LatestInboxTime(ctx context.Context, sender string) (time.Time, error)

	// Children.
	GetChildren(ctx context.Context) ([]*models.ChildAgent, error)
	GetChildByAddress(ctx context.Context, address string) (*models.ChildAgent, error)
	UpdateChild(ctx context.Context, child *models.ChildAgent) error
	RegisterChild(ctx context.Context, child *models.ChildAgent) error
}
