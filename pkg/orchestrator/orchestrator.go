// Package orchestrator drives one goal through its lifecycle, one phase
// advance per tick: idle -> classifying -> planning -> plan_review ->
// executing -> (replanning | complete | failed). State is persisted as a
// single KV record; every successful tick ends with exactly one write of
// it.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/remingtons1/colony/pkg/funding"
	"github.com/remingtons1/colony/pkg/llm"
	"github.com/remingtons1/colony/pkg/messaging"
	"github.com/remingtons1/colony/pkg/models"
	"github.com/remingtons1/colony/pkg/store"
	"github.com/remingtons1/colony/pkg/taskgraph"
	"github.com/remingtons1/colony/pkg/tracker"
)

// ErrNoActiveGoal is returned by operations that require a goal in
// flight.
var ErrNoActiveGoal = errors.New("no active goal")

// minimalTaskTimeout is the timeout applied to the single task of a
// classification-bypass plan.
const minimalTaskTimeout = 10 * time.Minute

// Options are the recognized orchestrator knobs.
type Options struct {
	// MaxReplans is the replan budget before a failing goal transitions
	// to failed.
	MaxReplans int

	// AutoBudgetThresholdCents auto-approves plans whose estimated cost
	// is strictly below it during plan_review.
	AutoBudgetThresholdCents int64

	// ClassificationThreshold is the step estimate at or below which a
	// goal bypasses the planner with a minimal one-task plan.
	ClassificationThreshold int

	// DisableSpawn restricts assignment to idle existing workers; the
	// orchestrator never requests new ones.
	DisableSpawn bool
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxReplans:               3,
		AutoBudgetThresholdCents: 5000,
		ClassificationThreshold:  3,
	}
}

// withDefaults fills each zero field individually, so partial option
// sets (DisableSpawn alone, say) keep the documented defaults for the
// rest.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxReplans == 0 {
		o.MaxReplans = d.MaxReplans
	}
	if o.AutoBudgetThresholdCents == 0 {
		o.AutoBudgetThresholdCents = d.AutoBudgetThresholdCents
	}
	if o.ClassificationThreshold == 0 {
		o.ClassificationThreshold = d.ClassificationThreshold
	}
	return o
}

// Notifier receives progress notifications for the live event stream.
// Implementations must not block the tick.
type Notifier interface {
	GoalStatus(ctx context.Context, goalID string, status models.GoalStatus)
	TaskStatus(ctx context.Context, task *models.Task)
	PlanReviewRequired(ctx context.Context, goalID string, estimatedCostCents int64)
	HealAction(ctx context.Context, actionType, agentAddress, reason string, success bool)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) GoalStatus(context.Context, string, models.GoalStatus)    {}
func (NopNotifier) TaskStatus(context.Context, *models.Task)                 {}
func (NopNotifier) PlanReviewRequired(context.Context, string, int64)        {}
func (NopNotifier) HealAction(context.Context, string, string, string, bool) {}

// Deps are the explicit collaborators of an orchestrator. No globals.
type Deps struct {
	Store     store.Store
	Graph     *taskgraph.Graph
	Messenger *messaging.Messenger
	Tracker   tracker.Tracker
	Funding   funding.Funding
	LLM       llm.Client
	Notifier  Notifier
}

// Orchestrator is the per-goal lifecycle state machine. One Tick
// executes at a time; concurrent callers serialize on the internal
// mutex.
type Orchestrator struct {
	store     store.Store
	graph     *taskgraph.Graph
	messenger *messaging.Messenger
	tracker   tracker.Tracker
	funding   funding.Funding
	llm       llm.Client
	notifier  Notifier
	opts      Options

	mu    sync.Mutex
	stats *tickStats
	now   func() time.Time
}

// tickStats collects the per-tick counters reported in the summary.
// Inbox handlers write into it while a tick runs.
type tickStats struct {
	tasksAssigned  int
	tasksCompleted int
	tasksFailed    int
}

// New wires an orchestrator and registers its inbound message handlers.
func New(deps Deps, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	notifier := deps.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	o := &Orchestrator{
		store:     deps.Store,
		graph:     deps.Graph,
		messenger: deps.Messenger,
		tracker:   deps.Tracker,
		funding:   deps.Funding,
		llm:       deps.LLM,
		notifier:  notifier,
		opts:      opts,
		now:       time.Now,
	}
	o.registerHandlers()
	return o
}

// Tick advances the FSM by one phase (or one bounded batch of work
// within executing) and persists the new state as its final step. A
// failed tick leaves persisted state unchanged and may be retried.
func (o *Orchestrator) Tick(ctx context.Context) (*models.TickSummary, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	state, err := o.loadState(ctx)
	if err != nil {
		return nil, err
	}

	stats := &tickStats{}
	o.stats = stats
	defer func() { o.stats = nil }()

	before := state.Phase
	switch state.Phase {
	case models.PhaseIdle:
		err = o.tickIdle(ctx, state)
	case models.PhaseClassifying:
		err = o.tickClassifying(ctx, state)
	case models.PhasePlanning:
		err = o.tickPlanning(ctx, state)
	case models.PhasePlanReview:
		err = o.tickPlanReview(ctx, state)
	case models.PhaseExecuting:
		err = o.tickExecuting(ctx, state)
	case models.PhaseReplanning:
		err = o.tickReplanning(ctx, state)
	case models.PhaseComplete, models.PhaseFailed:
		err = o.tickTerminal(ctx, state)
	default:
		err = fmt.Errorf("unknown phase %q", state.Phase)
	}
	if err != nil {
		return nil, err
	}

	if err := o.saveState(ctx, state); err != nil {
		return nil, err
	}
	if state.Phase != before {
		slog.Info("Phase transition", "from", before, "to", state.Phase, "goal_id", state.GoalID)
	}
	return o.summarize(ctx, state, stats), nil
}

// loadState reads the persisted FSM record; a missing record is a fresh
// idle machine.
func (o *Orchestrator) loadState(ctx context.Context) (*models.OrchestratorState, error) {
	raw, err := o.store.GetKV(ctx, models.KeyOrchestratorState)
	if errors.Is(err, store.ErrNotFound) {
		return &models.OrchestratorState{Phase: models.PhaseIdle}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load orchestrator state: %w", err)
	}
	var state models.OrchestratorState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("corrupt orchestrator state: %w", err)
	}
	return &state, nil
}

func (o *Orchestrator) saveState(ctx context.Context, state *models.OrchestratorState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal orchestrator state: %w", err)
	}
	if err := o.store.SetKV(ctx, models.KeyOrchestratorState, string(raw)); err != nil {
		return fmt.Errorf("failed to persist orchestrator state: %w", err)
	}
	return nil
}

// resetIdle clears the machine back to idle with no goal bound.
func resetIdle(state *models.OrchestratorState) {
	*state = models.OrchestratorState{Phase: models.PhaseIdle}
}

// summarize builds the tick report. Census failures degrade to zero
// counts rather than failing a tick that already committed.
func (o *Orchestrator) summarize(ctx context.Context, state *models.OrchestratorState, stats *tickStats) *models.TickSummary {
	summary := &models.TickSummary{
		Phase:          state.Phase,
		TasksAssigned:  stats.tasksAssigned,
		TasksCompleted: stats.tasksCompleted,
		TasksFailed:    stats.tasksFailed,
	}
	if goals, err := o.store.GetActiveGoals(ctx); err == nil {
		summary.GoalsActive = len(goals)
	}
	if children, err := o.store.GetChildren(ctx); err == nil {
		for _, c := range children {
			if c.Status == models.ChildStatusIdle || c.Status == models.ChildStatusWorking {
				summary.AgentsActive++
			}
		}
	}
	return summary
}

// currentTier reads the survival tier signal, defaulting to normal.
func (o *Orchestrator) currentTier(ctx context.Context) models.Tier {
	raw, err := o.store.GetKV(ctx, models.KeyCurrentTier)
	if err != nil {
		return models.TierNormal
	}
	return models.Tier(raw)
}
