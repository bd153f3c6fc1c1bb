package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/remingtons1/colony/pkg/models"
	"github.com/remingtons1/colony/pkg/store"
)

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

// querier is the slice of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PGStore is the PostgreSQL store.Store implementation. Single-row
// reads inside a transaction take row locks, which serializes the
// orchestrator tick against the health monitor.
type PGStore struct {
	db   *sql.DB
	q    querier
	inTx bool
}

var _ store.Store = (*PGStore)(nil)

// NewStore creates a store over an open connection pool.
func NewStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, q: db}
}

// WithTx runs fn in a database transaction. A nested call joins the
// enclosing transaction.
func (s *PGStore) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	txStore := &PGStore{db: s.db, q: tx, inTx: true}
	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// lock returns a FOR UPDATE suffix inside a transaction so read-modify-
// write sequences hold their rows.
func (s *PGStore) lock() string {
	if s.inTx {
		return " FOR UPDATE"
	}
	return ""
}

func mapInsertErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return store.ErrAlreadyExists
	}
	return err
}

func requireRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Goals.

func (s *PGStore) CreateGoal(ctx context.Context, goal *models.Goal) error {
	if goal.CreatedAt.IsZero() {
		goal.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO goals (id, title, description, status, strategy, deadline,
			failure_reason, expected_revenue_cents, actual_revenue_cents, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		goal.ID, goal.Title, goal.Description, goal.Status, goal.Strategy,
		goal.Deadline, goal.FailureReason, goal.ExpectedRevenueCents,
		goal.ActualRevenueCents, goal.CreatedAt)
	if err != nil {
		return mapInsertErr(err)
	}
	return nil
}

const goalColumns = `id, title, description, status, strategy, deadline,
	failure_reason, expected_revenue_cents, actual_revenue_cents, created_at`

func scanGoal(row interface{ Scan(...any) error }) (*models.Goal, error) {
	var g models.Goal
	var deadline sql.NullTime
	err := row.Scan(&g.ID, &g.Title, &g.Description, &g.Status, &g.Strategy,
		&deadline, &g.FailureReason, &g.ExpectedRevenueCents,
		&g.ActualRevenueCents, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if deadline.Valid {
		g.Deadline = &deadline.Time
	}
	return &g, nil
}

func (s *PGStore) GetGoalByID(ctx context.Context, id string) (*models.Goal, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+goalColumns+` FROM goals WHERE id = $1`+s.lock(), id)
	return scanGoal(row)
}

func (s *PGStore) GetActiveGoals(ctx context.Context) ([]*models.Goal, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+goalColumns+` FROM goals
		WHERE status = $1 ORDER BY created_at, id`, models.GoalStatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *PGStore) UpdateGoalStatus(ctx context.Context, id string, status models.GoalStatus, failureReason string) error {
	return requireRow(s.q.ExecContext(ctx, `
		UPDATE goals SET status = $2,
			failure_reason = CASE WHEN $3 <> '' THEN $3 ELSE failure_reason END
		WHERE id = $1`, id, status, failureReason))
}

func (s *PGStore) UpdateGoalStrategy(ctx context.Context, id, strategy string) error {
	return requireRow(s.q.ExecContext(ctx,
		`UPDATE goals SET strategy = $2 WHERE id = $1`, id, strategy))
}

// Tasks.

func (s *PGStore) InsertTask(ctx context.Context, task *models.Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	deps, err := json.Marshal(dependenciesOrEmpty(task.Dependencies))
	if err != nil {
		return fmt.Errorf("failed to marshal dependencies: %w", err)
	}
	var result []byte
	if task.Result != nil {
		if result, err = json.Marshal(task.Result); err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO tasks (id, goal_id, parent_id, title, description, agent_role,
			priority, dependencies, status, assigned_to, result, retry_count,
			max_retries, timeout_ms, estimated_cost_cents, actual_cost_cents,
			created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		task.ID, task.GoalID, task.ParentID, task.Title, task.Description,
		task.AgentRole, task.Priority, deps, task.Status, task.AssignedTo,
		result, task.RetryCount, task.MaxRetries, task.TimeoutMs,
		task.EstimatedCostCents, task.ActualCostCents,
		task.CreatedAt, task.StartedAt, task.CompletedAt)
	if err != nil {
		return mapInsertErr(err)
	}
	return nil
}

func dependenciesOrEmpty(deps []string) []string {
	if deps == nil {
		return []string{}
	}
	return deps
}

const taskColumns = `id, goal_id, parent_id, title, description, agent_role,
	priority, dependencies, status, assigned_to, result, retry_count,
	max_retries, timeout_ms, estimated_cost_cents, actual_cost_cents,
	created_at, started_at, completed_at`

func scanTask(row interface{ Scan(...any) error }) (*models.Task, error) {
	var t models.Task
	var parentID, assignedTo sql.NullString
	var deps, result []byte
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.GoalID, &parentID, &t.Title, &t.Description,
		&t.AgentRole, &t.Priority, &deps, &t.Status, &assignedTo, &result,
		&t.RetryCount, &t.MaxRetries, &t.TimeoutMs, &t.EstimatedCostCents,
		&t.ActualCostCents, &t.CreatedAt, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		t.ParentID = &parentID.String
	}
	if assignedTo.Valid {
		t.AssignedTo = &assignedTo.String
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if len(deps) > 0 {
		if err := json.Unmarshal(deps, &t.Dependencies); err != nil {
			return nil, fmt.Errorf("corrupt dependencies for task %s: %w", t.ID, err)
		}
	}
	if len(result) > 0 {
		t.Result = &models.TaskResult{}
		if err := json.Unmarshal(result, t.Result); err != nil {
			return nil, fmt.Errorf("corrupt result for task %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func (s *PGStore) GetTaskByID(ctx context.Context, id string) (*models.Task, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`+s.lock(), id)
	return scanTask(row)
}

func (s *PGStore) queryTasks(ctx context.Context, where string, arg any) ([]*models.Task, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE `+where+` ORDER BY created_at, id`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PGStore) GetTasksByGoal(ctx context.Context, goalID string) ([]*models.Task, error) {
	return s.queryTasks(ctx, "goal_id = $1", goalID)
}

func (s *PGStore) GetTasksByAssignee(ctx context.Context, address string) ([]*models.Task, error) {
	return s.queryTasks(ctx, "assigned_to = $1", address)
}

func (s *PGStore) UpdateTaskStatus(ctx context.Context, id string, upd store.TaskStatusUpdate) error {
	set := []string{"status = $2"}
	args := []any{id, upd.Status}
	if upd.SetAssignedTo {
		args = append(args, upd.AssignedTo)
		set = append(set, fmt.Sprintf("assigned_to = $%d", len(args)))
	}
	if upd.SetStartedAt {
		args = append(args, upd.StartedAt)
		set = append(set, fmt.Sprintf("started_at = $%d", len(args)))
	}
	if upd.SetCompletedAt {
		args = append(args, upd.CompletedAt)
		set = append(set, fmt.Sprintf("completed_at = $%d", len(args)))
	}
	query := `UPDATE tasks SET ` + strings.Join(set, ", ") + ` WHERE id = $1`
	return requireRow(s.q.ExecContext(ctx, query, args...))
}

func (s *PGStore) UpdateTaskRetry(ctx context.Context, id string, retryCount int) error {
	return requireRow(s.q.ExecContext(ctx,
		`UPDATE tasks SET retry_count = $2 WHERE id = $1`, id, retryCount))
}

func (s *PGStore) UpdateTaskResult(ctx context.Context, id string, result *models.TaskResult, actualCostCents int64) error {
	var raw []byte
	if result != nil {
		var err error
		if raw, err = json.Marshal(result); err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
	}
	return requireRow(s.q.ExecContext(ctx, `
		UPDATE tasks SET result = COALESCE($2, result), actual_cost_cents = $3
		WHERE id = $1`, id, raw, actualCostCents))
}

// Inbox.

func (s *PGStore) InsertInboxMessage(ctx context.Context, msg *models.InboxMessage) error {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	return s.q.QueryRowContext(ctx, `
		INSERT INTO inbox_messages (recipient, sender, envelope, processed, received_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		msg.Recipient, msg.Sender, msg.Envelope, msg.Processed, msg.ReceivedAt,
	).Scan(&msg.ID)
}

func (s *PGStore) GetUnprocessedInboxMessages(ctx context.Context, recipient string, limit int) ([]*models.InboxMessage, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, recipient, sender, envelope, processed, received_at, processed_at
		FROM inbox_messages WHERE recipient = $1 AND NOT processed
		ORDER BY id LIMIT $2`, recipient, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.InboxMessage
	for rows.Next() {
		var m models.InboxMessage
		var processedAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.Recipient, &m.Sender, &m.Envelope,
			&m.Processed, &m.ReceivedAt, &processedAt); err != nil {
			return nil, err
		}
		if processedAt.Valid {
			m.ProcessedAt = &processedAt.Time
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *PGStore) MarkInboxMessageProcessed(ctx context.Context, id int64) error {
	return requireRow(s.q.ExecContext(ctx, `
		UPDATE inbox_messages SET processed = TRUE, processed_at = now()
		WHERE id = $1`, id))
}

// KV.

func (s *PGStore) GetKV(ctx context.Context, key string) (string, error) {
	var value string
	err := s.q.QueryRowContext(ctx,
		`SELECT value FROM kv_store WHERE key = $1`+s.lock(), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	return value, err
}

func (s *PGStore) SetKV(ctx context.Context, key, value string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value)
	return err
}

func (s *PGStore) DeleteKV(ctx context.Context, key string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM kv_store WHERE key = $1`, key)
	return err
}

// Events.

func (s *PGStore) InsertEvent(ctx context.Context, event *models.Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	return s.q.QueryRowContext(ctx, `
		INSERT INTO events (type, agent_address, goal_id, task_id, content, token_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		event.Type, event.AgentAddress, event.GoalID, event.TaskID,
		event.Content, event.TokenCount, event.CreatedAt,
	).Scan(&event.ID)
}

func (s *PGStore) LatestEventTime(ctx context.Context, agentAddress string) (time.Time, error) {
	var t time.Time
	err := s.q.QueryRowContext(ctx, `
		SELECT created_at FROM events WHERE agent_address = $1
		ORDER BY created_at DESC LIMIT 1`, agentAddress).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, store.ErrNotFound
	}
	return t, err
}

func (s *PGStore) LatestInboxTime(ctx context.Context, sender string) (time.Time, error) {
	var t time.Time
	err := s.q.QueryRowContext(ctx, `
		SELECT received_at FROM inbox_messages WHERE sender = $1
		ORDER BY received_at DESC LIMIT 1`, sender).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, store.ErrNotFound
	}
	return t, err
}

// Children.

func (s *PGStore) GetChildren(ctx context.Context) ([]*models.ChildAgent, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT address, name, role, status, sandbox_id, last_checked
		FROM children ORDER BY address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ChildAgent
	for rows.Next() {
		var c models.ChildAgent
		if err := rows.Scan(&c.Address, &c.Name, &c.Role, &c.Status,
			&c.SandboxID, &c.LastChecked); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *PGStore) GetChildByAddress(ctx context.Context, address string) (*models.ChildAgent, error) {
	var c models.ChildAgent
	err := s.q.QueryRowContext(ctx, `
		SELECT address, name, role, status, sandbox_id, last_checked
		FROM children WHERE address = $1`+s.lock(), address,
	).Scan(&c.Address, &c.Name, &c.Role, &c.Status, &c.SandboxID, &c.LastChecked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PGStore) UpdateChild(ctx context.Context, child *models.ChildAgent) error {
	return requireRow(s.q.ExecContext(ctx, `
		UPDATE children SET name = $2, role = $3, status = $4, sandbox_id = $5, last_checked = $6
		WHERE address = $1`,
		child.Address, child.Name, child.Role, child.Status,
		child.SandboxID, child.LastChecked))
}

func (s *PGStore) RegisterChild(ctx context.Context, child *models.ChildAgent) error {
	if child.LastChecked.IsZero() {
		child.LastChecked = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO children (address, name, role, status, sandbox_id, last_checked)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		child.Address, child.Name, child.Role, child.Status,
		child.SandboxID, child.LastChecked)
	if err != nil {
		return mapInsertErr(err)
	}
	return nil
}
