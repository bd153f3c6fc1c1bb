package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remingtons1/colony/pkg/funding"
	"github.com/remingtons1/colony/pkg/models"
	"github.com/remingtons1/colony/pkg/store/memstore"
	"github.com/remingtons1/colony/pkg/taskgraph"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubTicks serves a fixed tick summary.
type stubTicks struct {
	summary *models.TickSummary
}

func (s *stubTicks) LastSummary() *models.TickSummary { return s.summary }

type apiFixture struct {
	router   *gin.Engine
	store    *memstore.Store
	graph    *taskgraph.Graph
	treasury *funding.Treasury
}

func newAPIFixture(t *testing.T, ticks TickStatus) *apiFixture {
	t.Helper()
	st := memstore.New()
	graph := taskgraph.New(st)
	treasury := funding.NewTreasury(st)
	server := NewServer(Deps{
		Store:   st,
		Graph:   graph,
		Funding: treasury,
		Ticks:   ticks,
	})
	return &apiFixture{router: server.Router(), store: st, graph: graph, treasury: treasury}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestCreateGoal(t *testing.T) {
	t.Run("creates an active goal", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		rec := f.do(t, http.MethodPost, "/api/v1/goals",
			`{"title": "Ship the widget", "description": "build and ship"}`)
		require.Equal(t, http.StatusCreated, rec.Code)

		var goal models.Goal
		decodeBody(t, rec, &goal)
		assert.NotEmpty(t, goal.ID)
		assert.Equal(t, "Ship the widget", goal.Title)
		assert.Equal(t, models.GoalStatusActive, goal.Status)

		stored, err := f.store.GetGoalByID(context.Background(), goal.ID)
		require.NoError(t, err)
		assert.Equal(t, goal.Title, stored.Title)
	})

	t.Run("missing title is a bad request", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		rec := f.do(t, http.MethodPost, "/api/v1/goals", `{"description": "no title"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body is a bad request", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		rec := f.do(t, http.MethodPost, "/api/v1/goals", `{"title": `)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestListAndGetGoals(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t, nil)

	t.Run("empty list is an empty array", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/goals", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"goals": []}`, rec.Body.String())
	})

	goal, err := f.graph.CreateGoal(ctx, "listed goal", "")
	require.NoError(t, err)

	t.Run("lists active goals", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/goals", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Goals []models.Goal `json:"goals"`
		}
		decodeBody(t, rec, &body)
		require.Len(t, body.Goals, 1)
		assert.Equal(t, goal.ID, body.Goals[0].ID)
	})

	t.Run("gets one goal", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/goals/"+goal.ID, "")
		require.Equal(t, http.StatusOK, rec.Code)

		var got models.Goal
		decodeBody(t, rec, &got)
		assert.Equal(t, goal.ID, got.ID)
	})

	t.Run("unknown goal is a 404", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/goals/nope", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestGoalProgress(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t, nil)

	goal, err := f.graph.CreateGoal(ctx, "tracked goal", "")
	require.NoError(t, err)
	tasks, err := f.graph.DecomposeGoal(ctx, goal.ID, []models.PlanTask{
		{Title: "a", Description: "d", TimeoutMs: 1000},
		{Title: "b", Description: "d", TimeoutMs: 1000, Dependencies: []int{0}},
	})
	require.NoError(t, err)
	require.NoError(t, f.graph.AssignTask(ctx, tasks[0].ID, "w1"))
	require.NoError(t, f.graph.CompleteTask(ctx, tasks[0].ID, models.TaskResult{Success: true}, 0))

	rec := f.do(t, http.MethodGet, "/api/v1/goals/"+goal.ID+"/progress", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var progress models.GoalProgress
	decodeBody(t, rec, &progress)
	assert.Equal(t, 2, progress.Total)
	assert.Equal(t, 1, progress.Completed)
	assert.Equal(t, 1, progress.Pending)
}

func TestCancelGoal(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t, nil)
	goal, err := f.graph.CreateGoal(ctx, "doomed goal", "")
	require.NoError(t, err)

	t.Run("cancels an active goal", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/goals/"+goal.ID+"/cancel", "")
		require.Equal(t, http.StatusOK, rec.Code)

		stored, err := f.store.GetGoalByID(ctx, goal.ID)
		require.NoError(t, err)
		assert.Equal(t, models.GoalStatusCancelled, stored.Status)
	})

	t.Run("cancelling twice conflicts", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/goals/"+goal.ID+"/cancel", "")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("unknown goal is a 404", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/goals/nope/cancel", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestApprovePlan(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t, nil)
	goal, err := f.graph.CreateGoal(ctx, "expensive goal", "")
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/v1/goals/"+goal.ID+"/approve-plan", "")
	require.Equal(t, http.StatusOK, rec.Code)

	flag, err := f.store.GetKV(ctx, models.PlanApprovalKey(goal.ID))
	require.NoError(t, err)
	assert.Equal(t, "approved", flag)

	rec = f.do(t, http.MethodPost, "/api/v1/goals/nope/approve-plan", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetOrchestrator(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults to idle with no persisted state", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		rec := f.do(t, http.MethodGet, "/api/v1/orchestrator", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			State models.OrchestratorState `json:"state"`
		}
		decodeBody(t, rec, &body)
		assert.Equal(t, models.PhaseIdle, body.State.Phase)
	})

	t.Run("serves persisted state, tier and last tick", func(t *testing.T) {
		ticks := &stubTicks{summary: &models.TickSummary{Phase: models.PhaseExecuting, TasksAssigned: 2}}
		f := newAPIFixture(t, ticks)

		state := models.OrchestratorState{Phase: models.PhaseExecuting, GoalID: "g1", ReplanCount: 1}
		raw, err := json.Marshal(state)
		require.NoError(t, err)
		require.NoError(t, f.store.SetKV(ctx, models.KeyOrchestratorState, string(raw)))
		require.NoError(t, f.store.SetKV(ctx, models.KeyCurrentTier, "low_compute"))

		rec := f.do(t, http.MethodGet, "/api/v1/orchestrator", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			State    models.OrchestratorState `json:"state"`
			Tier     string                   `json:"tier"`
			LastTick *models.TickSummary      `json:"lastTick"`
		}
		decodeBody(t, rec, &body)
		assert.Equal(t, models.PhaseExecuting, body.State.Phase)
		assert.Equal(t, "g1", body.State.GoalID)
		assert.Equal(t, "low_compute", body.Tier)
		require.NotNil(t, body.LastTick)
		assert.Equal(t, 2, body.LastTick.TasksAssigned)
	})
}

func TestListAgents(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t, nil)

	require.NoError(t, f.store.RegisterChild(ctx, &models.ChildAgent{
		Address: "w1", Name: "worker one", Role: "generalist", Status: models.ChildStatusIdle,
	}))
	require.NoError(t, f.treasury.Deposit(ctx, 500))
	require.NoError(t, f.treasury.FundChild(ctx, "w1", 120))

	rec := f.do(t, http.MethodGet, "/api/v1/agents", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Agents []AgentView `json:"agents"`
	}
	decodeBody(t, rec, &body)
	require.Len(t, body.Agents, 1)
	agent := body.Agents[0]
	assert.Equal(t, "w1", agent.Address)
	assert.Equal(t, "generalist", agent.Role)
	assert.Equal(t, string(models.ChildStatusIdle), agent.Status)
	assert.EqualValues(t, 120, agent.BalanceCents)
	assert.Empty(t, agent.Issues)
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)
}
