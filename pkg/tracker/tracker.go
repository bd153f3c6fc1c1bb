// Package tracker maintains the roster of child worker agents: who
// exists, what role they serve and whether they are available for work.
package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/remingtons1/colony/pkg/models"
	"github.com/remingtons1/colony/pkg/store"
)

// GeneralistRole is the fallback role used when no role-matched worker
// is available.
const GeneralistRole = "generalist"

// Tracker is the agent roster contract consumed by the orchestrator and
// the health monitor.
type Tracker interface {
	// GetIdle returns all idle workers, ordered by address.
	GetIdle(ctx context.Context) ([]*models.ChildAgent, error)
	// GetBestForTask returns the best available worker for a role: an
	// idle exact role match first, then an idle generalist, then any
	// idle worker. Returns store.ErrNotFound when no idle worker
	// exists.
	GetBestForTask(ctx context.Context, role string) (*models.ChildAgent, error)
	UpdateStatus(ctx context.Context, address string, status models.ChildStatus) error
	Register(ctx context.Context, child *models.ChildAgent) error
}

// StoreTracker is the store-backed Tracker implementation.
type StoreTracker struct {
	store store.Store
	now   func() time.Time
}

// New creates a tracker over the durable store.
func New(st store.Store) *StoreTracker {
	return &StoreTracker{store: st, now: time.Now}
}

func (t *StoreTracker) GetIdle(ctx context.Context) ([]*models.ChildAgent, error) {
	children, err := t.store.GetChildren(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	idle := make([]*models.ChildAgent, 0, len(children))
	for _, c := range children {
		if c.Status == models.ChildStatusIdle {
			idle = append(idle, c)
		}
	}
	return idle, nil
}

func (t *StoreTracker) GetBestForTask(ctx context.Context, role string) (*models.ChildAgent, error) {
	idle, err := t.GetIdle(ctx)
	if err != nil {
		return nil, err
	}
	if len(idle) == 0 {
		return nil, store.ErrNotFound
	}
	for _, c := range idle {
		if c.Role == role {
			return c, nil
		}
	}
	for _, c := range idle {
		if c.Role == GeneralistRole {
			return c, nil
		}
	}
	return idle[0], nil
}

func (t *StoreTracker) UpdateStatus(ctx context.Context, address string, status models.ChildStatus) error {
	return t.store.WithTx(ctx, func(tx store.Store) error {
		child, err := tx.GetChildByAddress(ctx, address)
		if err != nil {
			return fmt.Errorf("failed to load child %s: %w", address, err)
		}
		child.Status = status
		child.LastChecked = t.now()
		return tx.UpdateChild(ctx, child)
	})
}

func (t *StoreTracker) Register(ctx context.Context, child *models.ChildAgent) error {
	if child.Status == "" {
		child.Status = models.ChildStatusStarting
	}
	if child.LastChecked.IsZero() {
		child.LastChecked = t.now()
	}
	if err := t.store.RegisterChild(ctx, child); err != nil {
		return fmt.Errorf("failed to register child %s: %w", child.Address, err)
	}
	return nil
}
