package events

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncateIfNeeded(t *testing.T) {
	t.Run("passes through a normal payload", func(t *testing.T) {
		payload, _ := json.Marshal(TaskStatusPayload{
			Type:      EventTypeTaskStatus,
			GoalID:    "g-123",
			TaskID:    "t-456",
			Status:    "running",
			Timestamp: time.Now().UTC(),
		})

		result, err := truncateIfNeeded(string(payload))
		require.NoError(t, err)
		assert.Equal(t, string(payload), result)
	})

	t.Run("truncates an oversized payload to routing fields", func(t *testing.T) {
		payload, _ := json.Marshal(map[string]any{
			"type":    EventTypeTaskStatus,
			"goal_id": "g-123",
			"task_id": "t-456",
			"status":  strings.Repeat("x", 8000),
		})

		result, err := truncateIfNeeded(string(payload))
		require.NoError(t, err)
		assert.Less(t, len(result), 8000)
		assert.Contains(t, result, `"truncated":true`)
		assert.Contains(t, result, "g-123")
		assert.Contains(t, result, "t-456")
		assert.Contains(t, result, EventTypeTaskStatus)
		assert.NotContains(t, result, "xxxx")
	})

	t.Run("rejects oversized garbage", func(t *testing.T) {
		_, err := truncateIfNeeded(strings.Repeat("{", 8000))
		assert.Error(t, err)
	})
}

func TestGoalChannel(t *testing.T) {
	assert.Equal(t, "colony_goal_abc", GoalChannel("abc"))
	assert.NotEqual(t, SystemChannel, GoalChannel(""))
}
