package events

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remingtons1/colony/pkg/models"
	"github.com/remingtons1/colony/test/util"
)

// streamingTestEnv wires the real publisher, listener and manager
// against a real PostgreSQL database.
type streamingTestEnv struct {
	db        *sql.DB
	publisher *Publisher
	manager   *ConnectionManager
	listener  *NotifyListener
	server    *httptest.Server
	goalID    string
}

func setupStreamingTest(t *testing.T) *streamingTestEnv {
	t.Helper()

	db := util.SetupTestDatabase(t)
	ctx := context.Background()

	publisher := NewPublisher(db)
	manager := NewConnectionManager(5 * time.Second)

	// The listener needs the base connection string (no schema
	// search_path): NOTIFY/LISTEN is database-level, not schema-level.
	listener := NewNotifyListener(util.GetBaseConnectionString(t), manager)
	require.NoError(t, listener.Start(ctx))
	manager.SetListener(listener)
	t.Cleanup(func() { listener.Stop(context.Background()) })

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(func() { server.Close() })

	return &streamingTestEnv{
		db:        db,
		publisher: publisher,
		manager:   manager,
		listener:  listener,
		server:    server,
		goalID:    uuid.New().String(),
	}
}

// subscribeAndWait connects a client, subscribes it to the channel and
// waits until the dedicated LISTEN connection covers it.
func (env *streamingTestEnv) subscribeAndWait(t *testing.T, channel string) *websocket.Conn {
	t.Helper()
	conn := connectWS(t, env.server)

	msg := readJSON(t, conn)
	require.Equal(t, "connection.established", msg["type"])

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: channel})
	msg = readJSON(t, conn)
	require.Equal(t, "subscription.confirmed", msg["type"])

	require.Eventually(t, func() bool {
		return env.listener.isListening(channel)
	}, 2*time.Second, 10*time.Millisecond, "LISTEN did not propagate for channel %s", channel)

	return conn
}

func (env *streamingTestEnv) persistedEvents(t *testing.T, goalID string) int {
	t.Helper()
	var n int
	err := env.db.QueryRowContext(context.Background(),
		"SELECT count(*) FROM events WHERE goal_id = $1", goalID).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestIntegration_GoalStatusPersistsAndNotifies(t *testing.T) {
	env := setupStreamingTest(t)
	ctx := context.Background()

	conn := env.subscribeAndWait(t, GoalChannel(env.goalID))

	env.publisher.GoalStatus(ctx, env.goalID, models.GoalStatusCompleted)

	// pg_notify → listener → manager → WebSocket.
	msg := readJSON(t, conn)
	assert.Equal(t, EventTypeGoalStatus, msg["type"])
	assert.Equal(t, env.goalID, msg["goal_id"])
	assert.Equal(t, string(models.GoalStatusCompleted), msg["status"])

	// The durable copy committed alongside the NOTIFY.
	assert.Equal(t, 1, env.persistedEvents(t, env.goalID))
}

func TestIntegration_TaskStatusDelivery(t *testing.T) {
	env := setupStreamingTest(t)
	ctx := context.Background()

	conn := env.subscribeAndWait(t, GoalChannel(env.goalID))

	assignee := "worker-1"
	env.publisher.TaskStatus(ctx, &models.Task{
		ID:         "t-1",
		GoalID:     env.goalID,
		Status:     models.TaskStatusAssigned,
		AssignedTo: &assignee,
	})

	msg := readJSON(t, conn)
	assert.Equal(t, EventTypeTaskStatus, msg["type"])
	assert.Equal(t, "t-1", msg["task_id"])
	assert.Equal(t, string(models.TaskStatusAssigned), msg["status"])
	assert.Equal(t, "worker-1", msg["assigned_to"])

	assert.Equal(t, 1, env.persistedEvents(t, env.goalID))
}

func TestIntegration_TransientEventsNotPersisted(t *testing.T) {
	env := setupStreamingTest(t)
	ctx := context.Background()

	conn := env.subscribeAndWait(t, SystemChannel)

	env.publisher.PlanReviewRequired(ctx, env.goalID, 7500)
	msg := readJSON(t, conn)
	assert.Equal(t, EventTypePlanReviewRequired, msg["type"])
	assert.Equal(t, env.goalID, msg["goal_id"])
	assert.EqualValues(t, 7500, msg["estimated_total_cost_cents"])

	env.publisher.HealAction(ctx, "restart_agent", "worker-1", "process crashed", true)
	msg = readJSON(t, conn)
	assert.Equal(t, EventTypeHealAction, msg["type"])
	assert.Equal(t, "worker-1", msg["agent_address"])
	assert.Equal(t, true, msg["success"])

	// Transient events broadcast only; the audit stream holds the
	// durable copies elsewhere.
	assert.Equal(t, 0, env.persistedEvents(t, env.goalID))
}

func TestIntegration_GoalEventsReachSystemChannel(t *testing.T) {
	env := setupStreamingTest(t)
	ctx := context.Background()

	conn := env.subscribeAndWait(t, SystemChannel)

	env.publisher.GoalStatus(ctx, env.goalID, models.GoalStatusActive)

	msg := readJSON(t, conn)
	assert.Equal(t, EventTypeGoalStatus, msg["type"])
	assert.Equal(t, env.goalID, msg["goal_id"])
}
