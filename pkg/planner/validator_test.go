package planner

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decode parses raw JSON the way the LLM layer hands it to Validate.
func decode(t *testing.T, raw string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

const validPlan = `{
	"analysis": "two independent fetches feeding a merge",
	"strategy": "fan out, then merge",
	"tasks": [
		{"title": "Fetch A", "description": "pull dataset A", "agentRole": "researcher",
		 "dependencies": [], "estimatedCostCents": 40, "priority": 5, "timeoutMs": 60000},
		{"title": "Fetch B", "description": "pull dataset B", "agentRole": "researcher",
		 "dependencies": [], "estimatedCostCents": 40, "priority": 5, "timeoutMs": 60000},
		{"title": "Merge", "description": "merge A and B", "agentRole": "analyst",
		 "dependencies": [0, 1], "estimatedCostCents": 20, "priority": 3, "timeoutMs": 120000}
	],
	"risks": ["dataset A may be stale"],
	"estimatedTotalCostCents": 100,
	"estimatedTimeMinutes": 15
}`

func TestValidate_Accepts(t *testing.T) {
	out, err := Validate(decode(t, validPlan))
	require.NoError(t, err)

	assert.Equal(t, "fan out, then merge", out.Strategy)
	require.Len(t, out.Tasks, 3)
	assert.Equal(t, []int{0, 1}, out.Tasks[2].Dependencies)
	assert.EqualValues(t, 40, out.Tasks[0].EstimatedCostCents)
	assert.EqualValues(t, 60000, out.Tasks[0].TimeoutMs)
	assert.Equal(t, []string{"dataset A may be stale"}, out.Risks)
	assert.EqualValues(t, 100, out.EstimatedTotalCostCents)
	assert.EqualValues(t, 15, out.EstimatedTimeMinutes)
	assert.Empty(t, out.CustomRoles)
}

func TestValidate_Rejects(t *testing.T) {
	task := func(deps string) string {
		return `{"title": "t", "description": "d", "agentRole": "r",
			"dependencies": ` + deps + `, "estimatedCostCents": 1, "priority": 1, "timeoutMs": 1000}`
	}
	plan := func(tasks string) string {
		return `{"analysis": "a", "strategy": "s", "tasks": [` + tasks + `]}`
	}

	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{
			name:    "not an object",
			raw:     `[1, 2, 3]`,
			wantErr: "must be an object",
		},
		{
			name:    "missing analysis",
			raw:     `{"strategy": "s", "tasks": []}`,
			wantErr: "analysis: field is required",
		},
		{
			name:    "empty strategy",
			raw:     `{"analysis": "a", "strategy": "", "tasks": []}`,
			wantErr: "strategy: must not be empty",
		},
		{
			name:    "missing tasks",
			raw:     `{"analysis": "a", "strategy": "s"}`,
			wantErr: "tasks: field is required",
		},
		{
			name:    "empty tasks",
			raw:     `{"analysis": "a", "strategy": "s", "tasks": []}`,
			wantErr: "tasks: must not be empty",
		},
		{
			name:    "task missing title",
			raw:     plan(`{"description": "d", "agentRole": "r", "dependencies": [], "estimatedCostCents": 1, "priority": 1, "timeoutMs": 1000}`),
			wantErr: "tasks[0].title: field is required",
		},
		{
			name:    "negative cost",
			raw:     plan(`{"title": "t", "description": "d", "agentRole": "r", "dependencies": [], "estimatedCostCents": -5, "priority": 1, "timeoutMs": 1000}`),
			wantErr: "estimatedCostCents: must not be negative",
		},
		{
			name:    "fractional priority",
			raw:     plan(`{"title": "t", "description": "d", "agentRole": "r", "dependencies": [], "estimatedCostCents": 1, "priority": 1.5, "timeoutMs": 1000}`),
			wantErr: "priority: must be an integer",
		},
		{
			name:    "zero timeout",
			raw:     plan(`{"title": "t", "description": "d", "agentRole": "r", "dependencies": [], "estimatedCostCents": 1, "priority": 1, "timeoutMs": 0}`),
			wantErr: "timeoutMs: must be greater than zero",
		},
		{
			name:    "missing dependencies field",
			raw:     plan(`{"title": "t", "description": "d", "agentRole": "r", "estimatedCostCents": 1, "priority": 1, "timeoutMs": 1000}`),
			wantErr: "dependencies: field is required",
		},
		{
			name:    "non-integer dependency entry",
			raw:     plan(task(`["zero"]`)),
			wantErr: "entry 0 must be an integer",
		},
		{
			name:    "out-of-range dependency",
			raw:     plan(task(`[7]`)),
			wantErr: "out-of-range",
		},
		{
			name:    "self dependency",
			raw:     plan(task(`[0]`)),
			wantErr: "itself",
		},
		{
			name:    "dependency cycle",
			raw:     plan(task(`[1]`) + "," + task(`[0]`)),
			wantErr: "cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(decode(t, tt.raw))
			require.Error(t, err)
			assert.True(t, IsValidationError(err), "expected a ValidationError, got %T", err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_FailFastOrder(t *testing.T) {
	// Multiple problems: missing analysis must win over the broken tasks.
	raw := `{"strategy": "s", "tasks": [{"title": ""}]}`
	_, err := Validate(decode(t, raw))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analysis")
	assert.NotContains(t, err.Error(), "tasks")
}

func TestValidate_CustomRoles(t *testing.T) {
	role := `{"name": "scraper", "description": "d", "systemPrompt": "p",
		"allowedTools": ["http"], "model": "m", "rationale": "r"}`
	withRoles := func(roles string) string {
		return `{"analysis": "a", "strategy": "s",
			"tasks": [{"title": "t", "description": "d", "agentRole": "scraper",
				"dependencies": [], "estimatedCostCents": 1, "priority": 1, "timeoutMs": 1000}],
			"customRoles": [` + roles + `]}`
	}

	t.Run("valid role with treasury limits", func(t *testing.T) {
		raw := withRoles(`{"name": "scraper", "description": "d", "systemPrompt": "p",
			"allowedTools": ["http", "parse"], "model": "m", "rationale": "r",
			"treasuryLimits": {"maxSingleTransfer": 100, "maxDailySpend": 500}}`)
		out, err := Validate(decode(t, raw))
		require.NoError(t, err)
		require.Len(t, out.CustomRoles, 1)
		got := out.CustomRoles[0]
		assert.Equal(t, "scraper", got.Name)
		assert.Equal(t, []string{"http", "parse"}, got.AllowedTools)
		require.NotNil(t, got.TreasuryLimits)
		assert.EqualValues(t, 100, got.TreasuryLimits.MaxSingleTransfer)
		assert.EqualValues(t, 500, got.TreasuryLimits.MaxDailySpend)
	})

	t.Run("limits are optional", func(t *testing.T) {
		out, err := Validate(decode(t, withRoles(role)))
		require.NoError(t, err)
		require.Len(t, out.CustomRoles, 1)
		assert.Nil(t, out.CustomRoles[0].TreasuryLimits)
	})

	t.Run("duplicate role name", func(t *testing.T) {
		_, err := Validate(decode(t, withRoles(role+","+role)))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate")
	})

	t.Run("missing systemPrompt", func(t *testing.T) {
		raw := withRoles(`{"name": "scraper", "description": "d",
			"allowedTools": [], "model": "m", "rationale": "r"}`)
		_, err := Validate(decode(t, raw))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "customRoles[0].systemPrompt")
	})

	t.Run("negative treasury limit", func(t *testing.T) {
		raw := withRoles(`{"name": "scraper", "description": "d", "systemPrompt": "p",
			"allowedTools": [], "model": "m", "rationale": "r",
			"treasuryLimits": {"maxSingleTransfer": -1, "maxDailySpend": 0}}`)
		_, err := Validate(decode(t, raw))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "maxSingleTransfer")
	})
}
