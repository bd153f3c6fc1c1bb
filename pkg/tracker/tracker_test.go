package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remingtons1/colony/pkg/models"
	"github.com/remingtons1/colony/pkg/store"
	"github.com/remingtons1/colony/pkg/store/memstore"
)

func newTestTracker(t *testing.T) (*StoreTracker, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	tr := New(st)
	tr.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }
	return tr, st
}

func addChild(t *testing.T, tr *StoreTracker, address, role string, status models.ChildStatus) {
	t.Helper()
	require.NoError(t, tr.Register(context.Background(), &models.ChildAgent{
		Address: address,
		Name:    address,
		Role:    role,
		Status:  status,
	}))
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	tr, st := newTestTracker(t)

	t.Run("defaults status and last checked", func(t *testing.T) {
		require.NoError(t, tr.Register(ctx, &models.ChildAgent{Address: "w1", Role: "generalist"}))

		child, err := st.GetChildByAddress(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, models.ChildStatusStarting, child.Status)
		assert.False(t, child.LastChecked.IsZero())
	})

	t.Run("duplicate address rejected", func(t *testing.T) {
		err := tr.Register(ctx, &models.ChildAgent{Address: "w1", Role: "generalist"})
		assert.ErrorIs(t, err, store.ErrAlreadyExists)
	})
}

func TestGetIdle(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t)
	addChild(t, tr, "w1", "generalist", models.ChildStatusIdle)
	addChild(t, tr, "w2", "researcher", models.ChildStatusWorking)
	addChild(t, tr, "w3", "researcher", models.ChildStatusIdle)
	addChild(t, tr, "w4", "generalist", models.ChildStatusDead)

	idle, err := tr.GetIdle(ctx)
	require.NoError(t, err)
	require.Len(t, idle, 2)
	assert.Equal(t, "w1", idle[0].Address)
	assert.Equal(t, "w3", idle[1].Address)
}

func TestGetBestForTask(t *testing.T) {
	ctx := context.Background()

	t.Run("prefers an idle exact role match", func(t *testing.T) {
		tr, _ := newTestTracker(t)
		addChild(t, tr, "w1", "generalist", models.ChildStatusIdle)
		addChild(t, tr, "w2", "researcher", models.ChildStatusIdle)

		best, err := tr.GetBestForTask(ctx, "researcher")
		require.NoError(t, err)
		assert.Equal(t, "w2", best.Address)
	})

	t.Run("falls back to an idle generalist", func(t *testing.T) {
		tr, _ := newTestTracker(t)
		addChild(t, tr, "w1", "analyst", models.ChildStatusIdle)
		addChild(t, tr, "w2", "generalist", models.ChildStatusIdle)

		best, err := tr.GetBestForTask(ctx, "researcher")
		require.NoError(t, err)
		assert.Equal(t, "w2", best.Address)
	})

	t.Run("any idle worker beats nobody", func(t *testing.T) {
		tr, _ := newTestTracker(t)
		addChild(t, tr, "w1", "analyst", models.ChildStatusIdle)

		best, err := tr.GetBestForTask(ctx, "researcher")
		require.NoError(t, err)
		assert.Equal(t, "w1", best.Address)
	})

	t.Run("busy exact match does not count", func(t *testing.T) {
		tr, _ := newTestTracker(t)
		addChild(t, tr, "w1", "researcher", models.ChildStatusWorking)
		addChild(t, tr, "w2", "generalist", models.ChildStatusIdle)

		best, err := tr.GetBestForTask(ctx, "researcher")
		require.NoError(t, err)
		assert.Equal(t, "w2", best.Address)
	})

	t.Run("no idle workers", func(t *testing.T) {
		tr, _ := newTestTracker(t)
		addChild(t, tr, "w1", "researcher", models.ChildStatusWorking)

		_, err := tr.GetBestForTask(ctx, "researcher")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestUpdateStatus(t *testing.T) {
	ctx := context.Background()
	tr, st := newTestTracker(t)
	addChild(t, tr, "w1", "generalist", models.ChildStatusIdle)

	require.NoError(t, tr.UpdateStatus(ctx, "w1", models.ChildStatusWorking))

	child, err := st.GetChildByAddress(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.ChildStatusWorking, child.Status)
	assert.True(t, child.LastChecked.Equal(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)))

	err = tr.UpdateStatus(ctx, "ghost", models.ChildStatusIdle)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
