// Package memstore is an in-memory implementation of the durable store
// contract. It backs unit tests and local development; the PostgreSQL
// implementation lives in pkg/database.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/remingtons1/colony/pkg/models"
	"github.com/remingtons1/colony/pkg/store"
)

// Store is a mutex-guarded in-memory store. A transaction takes a
// snapshot of the whole state and restores it when the transaction
// function returns an error, so mutations are all-or-nothing like the
// PostgreSQL implementation.
type Store struct {
	mu sync.Mutex
	st *state
}

// state holds every table. Values stored in the maps are never mutated
// in place; mutations replace the stored copy, so a snapshot only
// needs to clone the containers.
type state struct {
	goals    map[string]*models.Goal
	tasks    map[string]*models.Task
	inbox    map[int64]*models.InboxMessage
	kv       map[string]string
	events   []*models.Event
	children map[string]*models.ChildAgent

	nextInboxID int64
	nextEventID int64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{st: newState()}
}

func newState() *state {
	return &state{
		goals:    make(map[string]*models.Goal),
		tasks:    make(map[string]*models.Task),
		inbox:    make(map[int64]*models.InboxMessage),
		kv:       make(map[string]string),
		children: make(map[string]*models.ChildAgent),
	}
}

func (s *state) clone() *state {
	c := &state{
		goals:       make(map[string]*models.Goal, len(s.goals)),
		tasks:       make(map[string]*models.Task, len(s.tasks)),
		inbox:       make(map[int64]*models.InboxMessage, len(s.inbox)),
		kv:          make(map[string]string, len(s.kv)),
		events:      make([]*models.Event, len(s.events)),
		children:    make(map[string]*models.ChildAgent, len(s.children)),
		nextInboxID: s.nextInboxID,
		nextEventID: s.nextEventID,
	}
	for k, v := range s.goals {
		c.goals[k] = v
	}
	for k, v := range s.tasks {
		c.tasks[k] = v
	}
	for k, v := range s.inbox {
		c.inbox[k] = v
	}
	for k, v := range s.kv {
		c.kv[k] = v
	}
	copy(c.events, s.events)
	for k, v := range s.children {
		c.children[k] = v
	}
	return c
}

// WithTx runs fn under the store mutex against a transactional view.
// Nested transactions join the outer one.
func (s *Store) WithTx(_ context.Context, fn func(tx store.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.st.clone()
	if err := fn(&txStore{st: s.st}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// txStore is the in-transaction view: same state, no locking (the outer
// WithTx holds the store mutex for the duration).
type txStore struct {
	st *state
}

func (t *txStore) WithTx(_ context.Context, fn func(tx store.Store) error) error {
	return fn(t)
}

// The exported Store methods lock and delegate to the shared state ops;
// txStore delegates directly.

func (s *Store) CreateGoal(_ context.Context, goal *models.Goal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.createGoal(goal)
}
func (t *txStore) CreateGoal(_ context.Context, goal *models.Goal) error {
	return t.st.createGoal(goal)
}

func (s *Store) GetGoalByID(_ context.Context, id string) (*models.Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getGoalByID(id)
}
func (t *txStore) GetGoalByID(_ context.Context, id string) (*models.Goal, error) {
	return t.st.getGoalByID(id)
}

func (s *Store) GetActiveGoals(_ context.Context) ([]*models.Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getActiveGoals()
}
func (t *txStore) GetActiveGoals(_ context.Context) ([]*models.Goal, error) {
	return t.st.getActiveGoals()
}

func (s *Store) UpdateGoalStatus(_ context.Context, id string, status models.GoalStatus, failureReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.updateGoalStatus(id, status, failureReason)
}
func (t *txStore) UpdateGoalStatus(_ context.Context, id string, status models.GoalStatus, failureReason string) error {
	return t.st.updateGoalStatus(id, status, failureReason)
}

func (s *Store) UpdateGoalStrategy(_ context.Context, id, strategy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.updateGoalStrategy(id, strategy)
}
func (t *txStore) UpdateGoalStrategy(_ context.Context, id, strategy string) error {
	return t.st.updateGoalStrategy(id, strategy)
}

func (s *Store) InsertTask(_ context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.insertTask(task)
}
func (t *txStore) InsertTask(_ context.Context, task *models.Task) error {
	return t.st.insertTask(task)
}

func (s *Store) GetTaskByID(_ context.Context, id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getTaskByID(id)
}
func (t *txStore) GetTaskByID(_ context.Context, id string) (*models.Task, error) {
	return t.st.getTaskByID(id)
}

func (s *Store) GetTasksByGoal(_ context.Context, goalID string) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getTasksByGoal(goalID)
}
func (t *txStore) GetTasksByGoal(_ context.Context, goalID string) ([]*models.Task, error) {
	return t.st.getTasksByGoal(goalID)
}

func (s *Store) GetTasksByAssignee(_ context.Context, address string) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getTasksByAssignee(address)
}
func (t *txStore) GetTasksByAssignee(_ context.Context, address string) ([]*models.Task, error) {
	return t.st.getTasksByAssignee(address)
}

func (s *Store) UpdateTaskStatus(_ context.Context, id string, upd store.TaskStatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.updateTaskStatus(id, upd)
}
func (t *txStore) UpdateTaskStatus(_ context.Context, id string, upd store.TaskStatusUpdate) error {
	return t.st.updateTaskStatus(id, upd)
}

func (s *Store) UpdateTaskRetry(_ context.Context, id string, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.updateTaskRetry(id, retryCount)
}
func (t *txStore) UpdateTaskRetry(_ context.Context, id string, retryCount int) error {
	return t.st.updateTaskRetry(id, retryCount)
}

func (s *Store) UpdateTaskResult(_ context.Context, id string, result *models.TaskResult, actualCostCents int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.updateTaskResult(id, result, actualCostCents)
}
func (t *txStore) UpdateTaskResult(_ context.Context, id string, result *models.TaskResult, actualCostCents int64) error {
	return t.st.updateTaskResult(id, result, actualCostCents)
}

func (s *Store) InsertInboxMessage(_ context.Context, msg *models.InboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.insertInboxMessage(msg)
}
func (t *txStore) InsertInboxMessage(_ context.Context, msg *models.InboxMessage) error {
	return t.st.insertInboxMessage(msg)
}

func (s *Store) GetUnprocessedInboxMessages(_ context.Context, recipient string, limit int) ([]*models.InboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getUnprocessedInboxMessages(recipient, limit)
}
func (t *txStore) GetUnprocessedInboxMessages(_ context.Context, recipient string, limit int) ([]*models.InboxMessage, error) {
	return t.st.getUnprocessedInboxMessages(recipient, limit)
}

func (s *Store) MarkInboxMessageProcessed(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.markInboxMessageProcessed(id)
}
func (t *txStore) MarkInboxMessageProcessed(_ context.Context, id int64) error {
	return t.st.markInboxMessageProcessed(id)
}

func (s *Store) GetKV(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getKV(key)
}
func (t *txStore) GetKV(_ context.Context, key string) (string, error) {
	return t.st.getKV(key)
}

func (s *Store) SetKV(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.setKV(key, value)
}
func (t *txStore) SetKV(_ context.Context, key, value string) error {
	return t.st.setKV(key, value)
}

func (s *Store) DeleteKV(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.deleteKV(key)
}
func (t *txStore) DeleteKV(_ context.Context, key string) error {
	return t.st.deleteKV(key)
}

func (s *Store) InsertEvent(_ context.Context, event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.insertEvent(event)
}
func (t *txStore) InsertEvent(_ context.Context, event *models.Event) error {
	return t.st.insertEvent(event)
}

func (s *Store) LatestEventTime(_ context.Context, agentAddress string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.latestEventTime(agentAddress)
}
func (t *txStore) LatestEventTime(_ context.Context, agentAddress string) (time.Time, error) {
	return t.st.latestEventTime(agentAddress)
}

func (s *Store) LatestInboxTime(_ context.Context, sender string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.latestInboxTime(sender)
}
func (t *txStore) LatestInboxTime(_ context.Context, sender string) (time.Time, error) {
	return t.st.latestInboxTime(sender)
}

func (s *Store) GetChildren(_ context.Context) ([]*models.ChildAgent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getChildren()
}
func (t *txStore) GetChildren(_ context.Context) ([]*models.ChildAgent, error) {
	return t.st.getChildren()
}

func (s *Store) GetChildByAddress(_ context.Context, address string) (*models.ChildAgent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getChildByAddress(address)
}
func (t *txStore) GetChildByAddress(_ context.Context, address string) (*models.ChildAgent, error) {
	return t.st.getChildByAddress(address)
}

func (s *Store) UpdateChild(_ context.Context, child *models.ChildAgent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.updateChild(child)
}
func (t *txStore) UpdateChild(_ context.Context, child *models.ChildAgent) error {
	return t.st.updateChild(child)
}

func (s *Store) RegisterChild(_ context.Context, child *models.ChildAgent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.registerChild(child)
}
func (t *txStore) RegisterChild(_ context.Context, child *models.ChildAgent) error {
	return t.st.registerChild(child)
}
