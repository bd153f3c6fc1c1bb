package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remingtons1/colony/pkg/funding"
	"github.com/remingtons1/colony/pkg/llm"
	"github.com/remingtons1/colony/pkg/messaging"
	"github.com/remingtons1/colony/pkg/models"
	"github.com/remingtons1/colony/pkg/store"
	"github.com/remingtons1/colony/pkg/store/memstore"
	"github.com/remingtons1/colony/pkg/taskgraph"
	"github.com/remingtons1/colony/pkg/tracker"
)

// fakeLLM returns scripted responses in order.
type fakeLLM struct {
	responses []string
	err       error
	requests  []*llm.ChatRequest
}

func (f *fakeLLM) Chat(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return nil, errors.New("no scripted response left")
	}
	content := f.responses[0]
	f.responses = f.responses[1:]
	return &llm.ChatResponse{Content: content}, nil
}

type harness struct {
	orch  *Orchestrator
	store *memstore.Store
	graph *taskgraph.Graph
	llm   *fakeLLM
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	st := memstore.New()
	graph := taskgraph.New(st)
	messenger := messaging.New(st, messaging.NewStoreTransport(st), "parent")
	chat := &fakeLLM{}
	orch := New(Deps{
		Store:     st,
		Graph:     graph,
		Messenger: messenger,
		Tracker:   tracker.New(st),
		Funding:   funding.NewTreasury(st),
		LLM:       chat,
	}, opts)
	return &harness{orch: orch, store: st, graph: graph, llm: chat}
}

func (h *harness) state(t *testing.T) *models.OrchestratorState {
	t.Helper()
	raw, err := h.store.GetKV(context.Background(), models.KeyOrchestratorState)
	require.NoError(t, err)
	var state models.OrchestratorState
	require.NoError(t, json.Unmarshal([]byte(raw), &state))
	return &state
}

func (h *harness) addGoal(t *testing.T, title string) *models.Goal {
	t.Helper()
	goal, err := h.graph.CreateGoal(context.Background(), title, "description of "+title)
	require.NoError(t, err)
	return goal
}

func (h *harness) addWorker(t *testing.T, address, role string) {
	t.Helper()
	require.NoError(t, h.store.RegisterChild(context.Background(), &models.ChildAgent{
		Address: address,
		Name:    address,
		Role:    role,
		Status:  models.ChildStatusIdle,
	}))
}

// deliverToParent drops an enveloped message into the parent's inbox, the
// way a worker's transport would.
func (h *harness) deliverToParent(t *testing.T, msg *models.AgentMessage) {
	t.Helper()
	if msg.ID == "" {
		msg.ID = "msg-" + msg.TaskID
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	envelope, err := messaging.WrapMessage(msg, msg.CreatedAt)
	require.NoError(t, err)
	require.NoError(t, messaging.NewStoreTransport(h.store).Deliver(context.Background(), "parent", envelope))
}

func (h *harness) deliverResult(t *testing.T, from string, payload models.TaskResultPayload) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	h.deliverToParent(t, &models.AgentMessage{
		Type:     models.MessageTypeTaskResult,
		From:     from,
		To:       "parent",
		TaskID:   payload.TaskID,
		Content:  string(raw),
		Priority: models.PriorityHigh,
	})
}

func classification(steps int) string {
	return fmt.Sprintf(`{"estimatedSteps": %d, "reason": "scripted"}`, steps)
}

func planJSON(costCents int64, titles ...string) string {
	tasks := ""
	for i, title := range titles {
		if i > 0 {
			tasks += ","
		}
		tasks += fmt.Sprintf(`{"title": %q, "description": "do it", "agentRole": "generalist",
			"dependencies": [], "estimatedCostCents": 10, "priority": 5, "timeoutMs": 60000}`, title)
	}
	return fmt.Sprintf(`{"analysis": "scripted", "strategy": "scripted strategy",
		"tasks": [%s], "estimatedTotalCostCents": %d}`, tasks, costCents)
}

func TestOptionsWithDefaults(t *testing.T) {
	t.Run("zero value gets the documented defaults", func(t *testing.T) {
		assert.Equal(t, DefaultOptions(), Options{}.withDefaults())
	})

	t.Run("disable spawn alone keeps the numeric defaults", func(t *testing.T) {
		got := Options{DisableSpawn: true}.withDefaults()
		assert.True(t, got.DisableSpawn)
		assert.Equal(t, DefaultOptions().MaxReplans, got.MaxReplans)
		assert.Equal(t, DefaultOptions().AutoBudgetThresholdCents, got.AutoBudgetThresholdCents)
		assert.Equal(t, DefaultOptions().ClassificationThreshold, got.ClassificationThreshold)
	})

	t.Run("explicit values survive", func(t *testing.T) {
		got := Options{MaxReplans: 5}.withDefaults()
		assert.Equal(t, 5, got.MaxReplans)
		assert.Equal(t, DefaultOptions().ClassificationThreshold, got.ClassificationThreshold)
	})

	t.Run("new applies the same defaulting", func(t *testing.T) {
		h := newHarness(t, Options{DisableSpawn: true})
		assert.True(t, h.orch.opts.DisableSpawn)
		assert.Equal(t, DefaultOptions().MaxReplans, h.orch.opts.MaxReplans)
	})
}

func TestTick_IdleBinding(t *testing.T) {
	ctx := context.Background()

	t.Run("no goals stays idle", func(t *testing.T) {
		h := newHarness(t, DefaultOptions())
		summary, err := h.orch.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.PhaseIdle, summary.Phase)
	})

	t.Run("binds the oldest active goal", func(t *testing.T) {
		h := newHarness(t, DefaultOptions())
		first := h.addGoal(t, "first")
		h.addGoal(t, "second")

		summary, err := h.orch.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.PhaseClassifying, summary.Phase)
		assert.Equal(t, first.ID, h.state(t).GoalID)
		assert.Equal(t, 2, summary.GoalsActive)
	})
}

func TestTick_Classifying(t *testing.T) {
	ctx := context.Background()

	t.Run("simple goal bypasses the planner", func(t *testing.T) {
		h := newHarness(t, DefaultOptions())
		goal := h.addGoal(t, "rename a file")
		_, err := h.orch.Tick(ctx) // idle -> classifying
		require.NoError(t, err)

		h.llm.responses = []string{classification(2)}
		summary, err := h.orch.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.PhaseExecuting, summary.Phase)

		tasks, err := h.store.GetTasksByGoal(ctx, goal.ID)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, goal.Title, tasks[0].Title)
		assert.Equal(t, "generalist", tasks[0].AgentRole)
		assert.EqualValues(t, minimalTaskTimeout.Milliseconds(), tasks[0].TimeoutMs)

		require.Len(t, h.llm.requests, 1)
		assert.Equal(t, "json_object", h.llm.requests[0].ResponseFormat)
	})

	t.Run("estimate at the threshold still bypasses", func(t *testing.T) {
		h := newHarness(t, DefaultOptions())
		h.addGoal(t, "threshold goal")
		_, err := h.orch.Tick(ctx)
		require.NoError(t, err)

		h.llm.responses = []string{classification(DefaultOptions().ClassificationThreshold)}
		summary, err := h.orch.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.PhaseExecuting, summary.Phase)
	})

	t.Run("complex goal goes to planning", func(t *testing.T) {
		h := newHarness(t, DefaultOptions())
		h.addGoal(t, "build a product")
		_, err := h.orch.Tick(ctx)
		require.NoError(t, err)

		h.llm.responses = []string{classification(8)}
		summary, err := h.orch.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.PhasePlanning, summary.Phase)
	})

	t.Run("classifier failure leaves the phase unchanged", func(t *testing.T) {
		h := newHarness(t, DefaultOptions())
		h.addGoal(t, "goal")
		_, err := h.orch.Tick(ctx)
		require.NoError(t, err)

		h.llm.err = errors.New("provider down")
		_, err = h.orch.Tick(ctx)
		require.Error(t, err)
		assert.Equal(t, models.PhaseClassifying, h.state(t).Phase)
	})
}

func TestTick_Planning(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultOptions())
	goal := h.addGoal(t, "multi step goal")

	_, err := h.orch.Tick(ctx)
	require.NoError(t, err)
	h.llm.responses = []string{classification(8), planJSON(300, "research", "build")}
	_, err = h.orch.Tick(ctx) // classifying -> planning
	require.NoError(t, err)

	summary, err := h.orch.Tick(ctx) // planning
	require.NoError(t, err)
	assert.Equal(t, models.PhasePlanReview, summary.Phase)

	tasks, err := h.store.GetTasksByGoal(ctx, goal.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	// Validated plan cached for the review tick.
	raw, err := h.store.GetKV(ctx, models.PlanKey(goal.ID))
	require.NoError(t, err)
	var cached models.PlannerOutput
	require.NoError(t, json.Unmarshal([]byte(raw), &cached))
	assert.EqualValues(t, 300, cached.EstimatedTotalCostCents)

	fresh, err := h.store.GetGoalByID(ctx, goal.ID)
	require.NoError(t, err)
	assert.Equal(t, "scripted strategy", fresh.Strategy)

	t.Run("invalid planner output fails the tick", func(t *testing.T) {
		h := newHarness(t, DefaultOptions())
		h.addGoal(t, "goal")
		_, err := h.orch.Tick(ctx)
		require.NoError(t, err)
		h.llm.responses = []string{classification(8), `{"analysis": "a", "strategy": "s", "tasks": []}`}
		_, err = h.orch.Tick(ctx)
		require.NoError(t, err)

		_, err = h.orch.Tick(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "tasks")
		assert.Equal(t, models.PhasePlanning, h.state(t).Phase)
	})
}

func TestTick_PlanReview(t *testing.T) {
	ctx := context.Background()

	// toReview drives a fresh harness up to plan_review with the given
	// estimated plan cost.
	toReview := func(t *testing.T, costCents int64) (*harness, *models.Goal) {
		t.Helper()
		h := newHarness(t, DefaultOptions())
		goal := h.addGoal(t, "reviewed goal")
		h.llm.responses = []string{classification(8), planJSON(costCents, "only step")}
		for range 3 { // idle, classifying, planning
			_, err := h.orch.Tick(ctx)
			require.NoError(t, err)
		}
		require.Equal(t, models.PhasePlanReview, h.state(t).Phase)
		return h, goal
	}

	t.Run("cheap plan auto-approves", func(t *testing.T) {
		h, _ := toReview(t, DefaultOptions().AutoBudgetThresholdCents-1)
		summary, err := h.orch.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.PhaseExecuting, summary.Phase)
	})

	t.Run("plan at the threshold waits for approval", func(t *testing.T) {
		h, _ := toReview(t, DefaultOptions().AutoBudgetThresholdCents)
		summary, err := h.orch.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.PhasePlanReview, summary.Phase)
	})

	t.Run("external approval flag releases the plan once", func(t *testing.T) {
		h, goal := toReview(t, 9000)

		summary, err := h.orch.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.PhasePlanReview, summary.Phase)

		require.NoError(t, h.store.SetKV(ctx, models.PlanApprovalKey(goal.ID), "approved"))
		summary, err = h.orch.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.PhaseExecuting, summary.Phase)

		// The flag is consumed, not left behind.
		_, err = h.store.GetKV(ctx, models.PlanApprovalKey(goal.ID))
		assert.Error(t, err)
	})

	t.Run("missing cached plan proceeds to executing", func(t *testing.T) {
		h := newHarness(t, DefaultOptions())
		goal := h.addGoal(t, "goal")
		state := &models.OrchestratorState{Phase: models.PhasePlanReview, GoalID: goal.ID}
		raw, err := json.Marshal(state)
		require.NoError(t, err)
		require.NoError(t, h.store.SetKV(ctx, models.KeyOrchestratorState, string(raw)))

		summary, err := h.orch.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.PhaseExecuting, summary.Phase)
	})
}

func TestTick_ExecutingToComplete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultOptions())
	goal := h.addGoal(t, "simple goal")
	h.addWorker(t, "worker-1", "generalist")

	_, err := h.orch.Tick(ctx)
	require.NoError(t, err)
	h.llm.responses = []string{classification(1)}
	_, err = h.orch.Tick(ctx) // classifying -> executing, minimal plan
	require.NoError(t, err)

	// Executing tick 1: the single ready task is dispatched.
	summary, err := h.orch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseExecuting, summary.Phase)
	assert.Equal(t, 1, summary.TasksAssigned)

	tasks, err := h.store.GetTasksByGoal(ctx, goal.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, models.TaskStatusAssigned, task.Status)
	require.NotNil(t, task.AssignedTo)
	assert.Equal(t, "worker-1", *task.AssignedTo)

	worker, err := h.store.GetChildByAddress(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, models.ChildStatusWorking, worker.Status)

	// Worker acks the start, then reports success.
	ack, err := json.Marshal(models.StatusReportPayload{TaskID: task.ID, Status: "running"})
	require.NoError(t, err)
	h.deliverToParent(t, &models.AgentMessage{
		ID: "ack-1", Type: models.MessageTypeStatusReport, From: "worker-1", To: "parent",
		TaskID: task.ID, Content: string(ack), Priority: models.PriorityNormal,
	})
	h.deliverResult(t, "worker-1", models.TaskResultPayload{
		TaskID: task.ID, Success: true, Output: "done", ActualCostCents: 42,
	})

	// Executing tick 2: result ingested, goal completes.
	summary, err = h.orch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseComplete, summary.Phase)
	assert.Equal(t, 1, summary.TasksCompleted)

	done, err := h.store.GetTaskByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, done.Status)
	assert.EqualValues(t, 42, done.ActualCostCents)

	worker, err = h.store.GetChildByAddress(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, models.ChildStatusIdle, worker.Status)

	// Terminal tick: goal finalized, machine back to idle.
	summary, err = h.orch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseIdle, summary.Phase)

	final, err := h.store.GetGoalByID(ctx, goal.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GoalStatusCompleted, final.Status)
	assert.Empty(t, h.state(t).GoalID)
}

func TestTick_ReplanOnFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultOptions())
	goal := h.addGoal(t, "fragile goal")
	h.addWorker(t, "worker-1", "generalist")

	_, err := h.orch.Tick(ctx)
	require.NoError(t, err)
	h.llm.responses = []string{classification(1)}
	_, err = h.orch.Tick(ctx)
	require.NoError(t, err)
	_, err = h.orch.Tick(ctx) // dispatch
	require.NoError(t, err)

	tasks, err := h.store.GetTasksByGoal(ctx, goal.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	h.deliverResult(t, "worker-1", models.TaskResultPayload{
		TaskID: tasks[0].ID, Success: false, Error: "unrecoverable tool error",
	})

	// Permanent failure flips executing -> replanning.
	summary, err := h.orch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseReplanning, summary.Phase)
	assert.Equal(t, 1, summary.TasksFailed)
	state := h.state(t)
	assert.Equal(t, tasks[0].ID, state.FailedTaskID)
	assert.Equal(t, "unrecoverable tool error", state.FailedError)

	// Replanning produces a fresh plan and bumps the counter.
	h.llm.responses = []string{planJSON(100, "recovery step")}
	summary, err = h.orch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PhasePlanReview, summary.Phase)

	state = h.state(t)
	assert.Equal(t, 1, state.ReplanCount)
	assert.Empty(t, state.FailedTaskID)
	assert.Empty(t, state.FailedError)

	all, err := h.store.GetTasksByGoal(ctx, goal.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2) // original failed task plus the recovery task
}

func TestTick_ReplanOnStoreFailedTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultOptions())
	goal := h.addGoal(t, "stalled goal")

	tasks, err := h.graph.DecomposeGoal(ctx, goal.ID, []models.PlanTask{
		{Title: "only step", Description: "d", AgentRole: "generalist", TimeoutMs: 60000},
	})
	require.NoError(t, err)
	require.NoError(t, h.graph.AssignTask(ctx, tasks[0].ID, "worker-1"))

	// The healer cancels a stuck task by writing straight to the store;
	// no task_result message ever reaches the inbox.
	now := time.Now()
	require.NoError(t, h.store.UpdateTaskStatus(ctx, tasks[0].ID, store.TaskStatusUpdate{
		Status:         models.TaskStatusFailed,
		CompletedAt:    &now,
		SetCompletedAt: true,
	}))
	require.NoError(t, h.store.UpdateTaskResult(ctx, tasks[0].ID, &models.TaskResult{
		Success: false,
		Type:    models.ResultTypeStuckTaskCancelled,
		Error:   "cancelled after 2 retries: worker worker-1 stuck",
	}, 0))

	state := &models.OrchestratorState{Phase: models.PhaseExecuting, GoalID: goal.ID}
	raw, err := json.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, h.store.SetKV(ctx, models.KeyOrchestratorState, string(raw)))

	summary, err := h.orch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseReplanning, summary.Phase)

	got := h.state(t)
	assert.Equal(t, tasks[0].ID, got.FailedTaskID)
	assert.Contains(t, got.FailedError, "stuck")
}

func TestTick_BudgetExhaustedWithoutResult(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultOptions())
	goal := h.addGoal(t, "doomed goal")

	tasks, err := h.graph.DecomposeGoal(ctx, goal.ID, []models.PlanTask{
		{Title: "only step", Description: "d", AgentRole: "generalist", TimeoutMs: 60000},
	})
	require.NoError(t, err)
	// Failed without a result attached, as after a crash mid-update.
	require.NoError(t, h.store.UpdateTaskStatus(ctx, tasks[0].ID, store.TaskStatusUpdate{
		Status: models.TaskStatusFailed,
	}))

	state := &models.OrchestratorState{
		Phase:       models.PhaseExecuting,
		GoalID:      goal.ID,
		ReplanCount: DefaultOptions().MaxReplans,
	}
	raw, err := json.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, h.store.SetKV(ctx, models.KeyOrchestratorState, string(raw)))

	summary, err := h.orch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseFailed, summary.Phase)

	// The failing task is identified even though it carries no result.
	got := h.state(t)
	assert.Equal(t, tasks[0].ID, got.FailedTaskID)
	assert.Empty(t, got.FailedError)
}

func TestTick_ReplanBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultOptions())
	goal := h.addGoal(t, "doomed goal")

	tasks, err := h.graph.DecomposeGoal(ctx, goal.ID, []models.PlanTask{
		{Title: "only step", Description: "d", AgentRole: "generalist", TimeoutMs: 60000},
	})
	require.NoError(t, err)
	require.NoError(t, h.graph.AssignTask(ctx, tasks[0].ID, "worker-1"))
	_, err = h.graph.FailTask(ctx, tasks[0].ID, "kept failing", false)
	require.NoError(t, err)

	state := &models.OrchestratorState{
		Phase:       models.PhaseExecuting,
		GoalID:      goal.ID,
		ReplanCount: DefaultOptions().MaxReplans,
	}
	raw, err := json.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, h.store.SetKV(ctx, models.KeyOrchestratorState, string(raw)))

	summary, err := h.orch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseFailed, summary.Phase)
	assert.Equal(t, "kept failing", h.state(t).FailedError)

	// Terminal tick writes the failure reason onto the goal.
	_, err = h.orch.Tick(ctx)
	require.NoError(t, err)
	final, err := h.store.GetGoalByID(ctx, goal.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GoalStatusFailed, final.Status)
	assert.Equal(t, "kept failing", final.FailureReason)
	assert.Equal(t, models.PhaseIdle, h.state(t).Phase)
}

func TestTick_CancelledGoalResets(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultOptions())
	goal := h.addGoal(t, "cancelled goal")

	_, err := h.orch.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, models.PhaseClassifying, h.state(t).Phase)

	require.NoError(t, h.store.UpdateGoalStatus(ctx, goal.ID, models.GoalStatusCancelled, ""))

	summary, err := h.orch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseIdle, summary.Phase)
	assert.Empty(t, h.state(t).GoalID)
	assert.Empty(t, h.llm.requests, "no classifier call for a cancelled goal")
}

func TestStatePersistence(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultOptions())
	goal := h.addGoal(t, "durable goal")

	_, err := h.orch.Tick(ctx)
	require.NoError(t, err)

	// A new orchestrator over the same store resumes mid-flight.
	resumed := New(Deps{
		Store:     h.store,
		Graph:     h.graph,
		Messenger: messaging.New(h.store, messaging.NewStoreTransport(h.store), "parent"),
		Tracker:   tracker.New(h.store),
		Funding:   funding.NewTreasury(h.store),
		LLM:       &fakeLLM{responses: []string{classification(1)}},
	}, DefaultOptions())

	summary, err := resumed.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseExecuting, summary.Phase)
	assert.Equal(t, goal.ID, h.state(t).GoalID)
}
