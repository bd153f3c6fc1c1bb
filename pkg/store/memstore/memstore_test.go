package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remingtons1/colony/pkg/models"
	"github.com/remingtons1/colony/pkg/store"
)

func TestWithTx(t *testing.T) {
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		st := New()
		err := st.WithTx(ctx, func(tx store.Store) error {
			return tx.CreateGoal(ctx, &models.Goal{ID: "g1", Status: models.GoalStatusActive})
		})
		require.NoError(t, err)

		goal, err := st.GetGoalByID(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, models.GoalStatusActive, goal.Status)
	})

	t.Run("rolls back every mutation on error", func(t *testing.T) {
		st := New()
		require.NoError(t, st.CreateGoal(ctx, &models.Goal{ID: "g1", Status: models.GoalStatusActive}))
		require.NoError(t, st.SetKV(ctx, "key", "before"))

		boom := errors.New("abort")
		err := st.WithTx(ctx, func(tx store.Store) error {
			if err := tx.UpdateGoalStatus(ctx, "g1", models.GoalStatusFailed, "broken"); err != nil {
				return err
			}
			if err := tx.SetKV(ctx, "key", "after"); err != nil {
				return err
			}
			if err := tx.InsertTask(ctx, &models.Task{ID: "t1", GoalID: "g1"}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		goal, err := st.GetGoalByID(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, models.GoalStatusActive, goal.Status)

		v, err := st.GetKV(ctx, "key")
		require.NoError(t, err)
		assert.Equal(t, "before", v)

		_, err = st.GetTaskByID(ctx, "t1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("mutations inside a transaction are visible to it", func(t *testing.T) {
		st := New()
		err := st.WithTx(ctx, func(tx store.Store) error {
			if err := tx.CreateGoal(ctx, &models.Goal{ID: "g1", Status: models.GoalStatusActive}); err != nil {
				return err
			}
			goal, err := tx.GetGoalByID(ctx, "g1")
			if err != nil {
				return err
			}
			assert.Equal(t, "g1", goal.ID)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("nested transactions join the outer one", func(t *testing.T) {
		st := New()
		err := st.WithTx(ctx, func(tx store.Store) error {
			return tx.WithTx(ctx, func(inner store.Store) error {
				return inner.CreateGoal(ctx, &models.Goal{ID: "g1", Status: models.GoalStatusActive})
			})
		})
		require.NoError(t, err)
		_, err = st.GetGoalByID(ctx, "g1")
		assert.NoError(t, err)
	})
}

func TestNoAliasing(t *testing.T) {
	ctx := context.Background()
	st := New()

	task := &models.Task{
		ID:           "t1",
		GoalID:       "g1",
		Status:       models.TaskStatusPending,
		Dependencies: []string{"t0"},
	}
	require.NoError(t, st.InsertTask(ctx, task))

	// Mutating the caller's value after insert must not leak in.
	task.Title = "mutated"
	task.Dependencies[0] = "poisoned"

	got, err := st.GetTaskByID(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, got.Title)
	assert.Equal(t, []string{"t0"}, got.Dependencies)

	// Mutating a read value must not leak back either.
	got.Status = models.TaskStatusFailed
	got.Dependencies[0] = "poisoned"

	again, err := st.GetTaskByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, again.Status)
	assert.Equal(t, []string{"t0"}, again.Dependencies)
}

func TestInboxOrderingAndLimit(t *testing.T) {
	ctx := context.Background()
	st := New()

	for range 5 {
		require.NoError(t, st.InsertInboxMessage(ctx, &models.InboxMessage{
			Recipient: "parent",
			Envelope:  "{}",
		}))
	}
	require.NoError(t, st.InsertInboxMessage(ctx, &models.InboxMessage{
		Recipient: "worker-1",
		Envelope:  "{}",
	}))

	rows, err := st.GetUnprocessedInboxMessages(ctx, "parent", 3)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Less(t, rows[0].ID, rows[1].ID)
	assert.Less(t, rows[1].ID, rows[2].ID)

	require.NoError(t, st.MarkInboxMessageProcessed(ctx, rows[0].ID))
	rows, err = st.GetUnprocessedInboxMessages(ctx, "parent", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 4)
	for _, r := range rows {
		assert.False(t, r.Processed)
		assert.Equal(t, "parent", r.Recipient)
	}

	rows, err = st.GetUnprocessedInboxMessages(ctx, "worker-1", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestActivitySignals(t *testing.T) {
	ctx := context.Background()
	st := New()

	_, err := st.LatestEventTime(ctx, "w1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.LatestInboxTime(ctx, "w1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	older := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	require.NoError(t, st.InsertEvent(ctx, &models.Event{Type: "e", AgentAddress: "w1", CreatedAt: older}))
	require.NoError(t, st.InsertEvent(ctx, &models.Event{Type: "e", AgentAddress: "w1", CreatedAt: newer}))
	require.NoError(t, st.InsertEvent(ctx, &models.Event{Type: "e", AgentAddress: "other", CreatedAt: newer.Add(time.Hour)}))

	got, err := st.LatestEventTime(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, got.Equal(newer))
}

func TestGoalAndChildLookups(t *testing.T) {
	ctx := context.Background()
	st := New()

	base := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	require.NoError(t, st.CreateGoal(ctx, &models.Goal{ID: "g-new", Status: models.GoalStatusActive, CreatedAt: base.Add(time.Hour)}))
	require.NoError(t, st.CreateGoal(ctx, &models.Goal{ID: "g-old", Status: models.GoalStatusActive, CreatedAt: base}))
	require.NoError(t, st.CreateGoal(ctx, &models.Goal{ID: "g-done", Status: models.GoalStatusCompleted, CreatedAt: base}))

	active, err := st.GetActiveGoals(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "g-old", active[0].ID, "oldest first")

	assert.ErrorIs(t, st.CreateGoal(ctx, &models.Goal{ID: "g-old"}), store.ErrAlreadyExists)

	require.NoError(t, st.RegisterChild(ctx, &models.ChildAgent{Address: "w1", Status: models.ChildStatusIdle}))
	assert.ErrorIs(t, st.RegisterChild(ctx, &models.ChildAgent{Address: "w1"}), store.ErrAlreadyExists)
	assert.ErrorIs(t, st.UpdateChild(ctx, &models.ChildAgent{Address: "ghost"}), store.ErrNotFound)
}
