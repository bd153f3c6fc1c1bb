package memstore

import (
	"sort"
	"time"

	"github.com/remingtons1/colony/pkg/models"
	"github.com/remingtons1/colony/pkg/store"
)

// The state ops below implement every table operation. Reads return
// copies and writes store copies so callers can never alias internal
// state, which is what makes the snapshot-based transaction rollback
// correct.

func copyGoal(g *models.Goal) *models.Goal {
	c := *g
	return &c
}

func copyTask(t *models.Task) *models.Task {
	c := *t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	if t.AssignedTo != nil {
		v := *t.AssignedTo
		c.AssignedTo = &v
	}
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

func copyInbox(m *models.InboxMessage) *models.InboxMessage {
	c := *m
	if m.ProcessedAt != nil {
		v := *m.ProcessedAt
		c.ProcessedAt = &v
	}
	return &c
}

func copyChild(ch *models.ChildAgent) *models.ChildAgent {
	c := *ch
	return &c
}

func (s *state) createGoal(goal *models.Goal) error {
	if _, ok := s.goals[goal.ID]; ok {
		return store.ErrAlreadyExists
	}
	s.goals[goal.ID] = copyGoal(goal)
	return nil
}

func (s *state) getGoalByID(id string) (*models.Goal, error) {
	g, ok := s.goals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyGoal(g), nil
}

func (s *state) getActiveGoals() ([]*models.Goal, error) {
	var out []*models.Goal
	for _, g := range s.goals {
		if g.Status == models.GoalStatusActive {
			out = append(out, copyGoal(g))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *state) updateGoalStatus(id string, status models.GoalStatus, failureReason string) error {
	g, ok := s.goals[id]
	if !ok {
		return store.ErrNotFound
	}
	c := copyGoal(g)
	c.Status = status
	if failureReason != "" {
		c.FailureReason = failureReason
	}
	s.goals[id] = c
	return nil
}

func (s *state) updateGoalStrategy(id, strategy string) error {
	g, ok := s.goals[id]
	if !ok {
		return store.ErrNotFound
	}
	c := copyGoal(g)
	c.Strategy = strategy
	s.goals[id] = c
	return nil
}

func (s *state) insertTask(task *models.Task) error {
	if _, ok := s.tasks[task.ID]; ok {
		return store.ErrAlreadyExists
	}
	s.tasks[task.ID] = copyTask(task)
	return nil
}

func (s *state) getTaskByID(id string) (*models.Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyTask(t), nil
}

func sortTasks(out []*models.Task) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}

func (s *state) getTasksByGoal(goalID string) ([]*models.Task, error) {
	var out []*models.Task
	for _, t := range s.tasks {
		if t.GoalID == goalID {
			out = append(out, copyTask(t))
		}
	}
	sortTasks(out)
	return out, nil
}

func (s *state) getTasksByAssignee(address string) ([]*models.Task, error) {
	var out []*models.Task
	for _, t := range s.tasks {
		if t.AssignedTo != nil && *t.AssignedTo == address {
			out = append(out, copyTask(t))
		}
	}
	sortTasks(out)
	return out, nil
}

func (s *state) updateTaskStatus(id string, upd store.TaskStatusUpdate) error {
	t, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	c := copyTask(t)
	c.Status = upd.Status
	if upd.SetAssignedTo {
		c.AssignedTo = upd.AssignedTo
	}
	if upd.SetStartedAt {
		c.StartedAt = upd.StartedAt
	}
	if upd.SetCompletedAt {
		c.CompletedAt = upd.CompletedAt
	}
	s.tasks[id] = c
	return nil
}

func (s *state) updateTaskRetry(id string, retryCount int) error {
	t, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	c := copyTask(t)
	c.RetryCount = retryCount
	s.tasks[id] = c
	return nil
}

func (s *state) updateTaskResult(id string, result *models.TaskResult, actualCostCents int64) error {
	t, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	c := copyTask(t)
	if result != nil {
		r := *result
		c.Result = &r
	}
	c.ActualCostCents = actualCostCents
	s.tasks[id] = c
	return nil
}

func (s *state) insertInboxMessage(msg *models.InboxMessage) error {
	s.nextInboxID++
	c := copyInbox(msg)
	c.ID = s.nextInboxID
	if c.ReceivedAt.IsZero() {
		c.ReceivedAt = time.Now()
	}
	s.inbox[c.ID] = c
	msg.ID = c.ID
	return nil
}

func (s *state) getUnprocessedInboxMessages(recipient string, limit int) ([]*models.InboxMessage, error) {
	var out []*models.InboxMessage
	for _, m := range s.inbox {
		if !m.Processed && m.Recipient == recipient {
			out = append(out, copyInbox(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *state) markInboxMessageProcessed(id int64) error {
	m, ok := s.inbox[id]
	if !ok {
		return store.ErrNotFound
	}
	c := copyInbox(m)
	now := time.Now()
	c.Processed = true
	c.ProcessedAt = &now
	s.inbox[id] = c
	return nil
}

func (s *state) getKV(key string) (string, error) {
	v, ok := s.kv[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

func (s *state) setKV(key, value string) error {
	s.kv[key] = value
	return nil
}

func (s *state) deleteKV(key string) error {
	delete(s.kv, key)
	return nil
}

func (s *state) insertEvent(event *models.Event) error {
	s.nextEventID++
	c := *event
	c.ID = s.nextEventID
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.events = append(s.events, &c)
	event.ID = c.ID
	return nil
}

func (s *state) latestEventTime(agentAddress string) (time.Time, error) {
	var latest time.Time
	found := false
	for _, e := range s.events {
		if e.AgentAddress == agentAddress && e.CreatedAt.After(latest) {
			latest = e.CreatedAt
			found = true
		}
	}
	if !found {
		return time.Time{}, store.ErrNotFound
	}
	return latest, nil
}

func (s *state) latestInboxTime(sender string) (time.Time, error) {
	var latest time.Time
	found := false
	for _, m := range s.inbox {
		if m.Sender == sender && m.ReceivedAt.After(latest) {
			latest = m.ReceivedAt
			found = true
		}
	}
	if !found {
		return time.Time{}, store.ErrNotFound
	}
	return latest, nil
}

func (s *state) getChildren() ([]*models.ChildAgent, error) {
	var out []*models.ChildAgent
	for _, c := range s.children {
		out = append(out, copyChild(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (s *state) getChildByAddress(address string) (*models.ChildAgent, error) {
	c, ok := s.children[address]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyChild(c), nil
}

func (s *state) updateChild(child *models.ChildAgent) error {
	if _, ok := s.children[child.Address]; !ok {
		return store.ErrNotFound
	}
	s.children[child.Address] = copyChild(child)
	return nil
}

func (s *state) registerChild(child *models.ChildAgent) error {
	if _, ok := s.children[child.Address]; ok {
		return store.ErrAlreadyExists
	}
	s.children[child.Address] = copyChild(child)
	return nil
}
