// Package planner validates untrusted LLM planner output into typed
// structures and builds the classifier/planner/replanner prompts. Nothing
// downstream of Validate ever touches raw planner JSON.
package planner

import (
	"fmt"
	"math"

	"github.com/remingtons1/colony/pkg/models"
)

// Validate accepts an arbitrary decoded JSON value and either returns a
// strongly typed PlannerOutput or a precise ValidationError. Checks run
// fail-fast in a fixed order; the first error wins.
func Validate(v any) (*models.PlannerOutput, error) {
	obj, ok := v.(map[string]any)
	if !ok || obj == nil {
		return nil, NewValidationError("output", "planner output must be an object")
	}

	analysis, err := requireString(obj, "analysis")
	if err != nil {
		return nil, err
	}
	strategy, err := requireString(obj, "strategy")
	if err != nil {
		return nil, err
	}

	rawTasks, ok := obj["tasks"]
	if !ok {
		return nil, NewValidationError("tasks", "field is required")
	}
	taskList, ok := rawTasks.([]any)
	if !ok {
		return nil, NewValidationError("tasks", "must be an array")
	}
	if len(taskList) == 0 {
		return nil, NewValidationError("tasks", "must not be empty")
	}

	tasks := make([]models.PlanTask, len(taskList))
	for i, rt := range taskList {
		task, err := validateTask(i, rt)
		if err != nil {
			return nil, err
		}
		tasks[i] = *task
	}

	// Dependency indices: range and self-reference first, for clearer
	// errors than the cycle pass would give.
	for i, t := range tasks {
		for _, dep := range t.Dependencies {
			if dep < 0 || dep >= len(tasks) {
				return nil, NewValidationError(
					fmt.Sprintf("tasks[%d].dependencies", i),
					fmt.Sprintf("index %d is out-of-range (tasks: %d)", dep, len(tasks)))
			}
			if dep == i {
				return nil, NewValidationError(
					fmt.Sprintf("tasks[%d].dependencies", i),
					"task cannot depend on itself")
			}
		}
	}
	if err := checkCycles(tasks); err != nil {
		return nil, err
	}

	roles, err := validateCustomRoles(obj["customRoles"])
	if err != nil {
		return nil, err
	}

	risks, err := optionalStringArray(obj, "risks")
	if err != nil {
		return nil, err
	}
	totalCost, err := optionalNonNegative(obj, "estimatedTotalCostCents")
	if err != nil {
		return nil, err
	}
	totalTime, err := optionalNonNegative(obj, "estimatedTimeMinutes")
	if err != nil {
		return nil, err
	}

	return &models.PlannerOutput{
		Analysis:                analysis,
		Strategy:                strategy,
		Tasks:                   tasks,
		CustomRoles:             roles,
		Risks:                   risks,
		EstimatedTotalCostCents: totalCost,
		EstimatedTimeMinutes:    totalTime,
	}, nil
}

// validateTask checks one entry of the tasks array.
func validateTask(i int, rt any) (*models.PlanTask, error) {
	field := func(name string) string { return fmt.Sprintf("tasks[%d].%s", i, name) }

	obj, ok := rt.(map[string]any)
	if !ok {
		return nil, NewValidationError(fmt.Sprintf("tasks[%d]", i), "must be an object")
	}

	title, err := requireStringField(obj, field("title"), "title")
	if err != nil {
		return nil, err
	}
	description, err := requireStringField(obj, field("description"), "description")
	if err != nil {
		return nil, err
	}
	agentRole, err := requireStringField(obj, field("agentRole"), "agentRole")
	if err != nil {
		return nil, err
	}

	cost, ok := asInt64(obj["estimatedCostCents"])
	if !ok {
		return nil, NewValidationError(field("estimatedCostCents"), "must be a number")
	}
	if cost < 0 {
		return nil, NewValidationError(field("estimatedCostCents"), "must not be negative")
	}

	priority, ok := asInt(obj["priority"])
	if !ok {
		return nil, NewValidationError(field("priority"), "must be an integer")
	}
	if priority < 0 {
		return nil, NewValidationError(field("priority"), "must not be negative")
	}

	timeout, ok := asInt64(obj["timeoutMs"])
	if !ok {
		return nil, NewValidationError(field("timeoutMs"), "must be a number")
	}
	if timeout <= 0 {
		return nil, NewValidationError(field("timeoutMs"), "must be greater than zero")
	}

	rawDeps, ok := obj["dependencies"]
	if !ok {
		return nil, NewValidationError(field("dependencies"), "field is required")
	}
	depList, ok := rawDeps.([]any)
	if !ok {
		return nil, NewValidationError(field("dependencies"), "must be an array of integers")
	}
	deps := make([]int, len(depList))
	for j, rd := range depList {
		di, ok := asInt(rd)
		if !ok {
			return nil, NewValidationError(field("dependencies"), fmt.Sprintf("entry %d must be an integer", j))
		}
		deps[j] = di
	}

	return &models.PlanTask{
		Title:              title,
		Description:        description,
		AgentRole:          agentRole,
		Dependencies:       deps,
		EstimatedCostCents: cost,
		Priority:           priority,
		TimeoutMs:          timeout,
	}, nil
}

// checkCycles runs DFS coloring over the dependency-index graph. Indices
// are already known to be in range.
func checkCycles(tasks []models.PlanTask) error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make([]int, len(tasks))

	var visit func(i int) error
	visit = func(i int) error {
		color[i] = grey
		for _, dep := range tasks[i].Dependencies {
			switch color[dep] {
			case grey:
				return NewValidationError("tasks", fmt.Sprintf("dependency cycle detected involving task %d", i))
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[i] = black
		return nil
	}

	for i := range tasks {
		if color[i] == white {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateCustomRoles checks the optional customRoles array: unique
// names, required fields, and the treasuryLimits shape.
func validateCustomRoles(raw any) ([]models.CustomRole, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, NewValidationError("customRoles", "must be an array")
	}

	roles := make([]models.CustomRole, 0, len(list))
	seen := make(map[string]bool)
	for i, rr := range list {
		field := func(name string) string { return fmt.Sprintf("customRoles[%d].%s", i, name) }

		obj, ok := rr.(map[string]any)
		if !ok {
			return nil, NewValidationError(fmt.Sprintf("customRoles[%d]", i), "must be an object")
		}

		name, err := requireStringField(obj, field("name"), "name")
		if err != nil {
			return nil, err
		}
		if seen[name] {
			return nil, NewValidationError("customRoles", fmt.Sprintf("duplicate role name %q", name))
		}
		seen[name] = true

		description, err := requireStringField(obj, field("description"), "description")
		if err != nil {
			return nil, err
		}
		systemPrompt, err := requireStringField(obj, field("systemPrompt"), "systemPrompt")
		if err != nil {
			return nil, err
		}
		model, err := requireStringField(obj, field("model"), "model")
		if err != nil {
			return nil, err
		}
		rationale, err := requireStringField(obj, field("rationale"), "rationale")
		if err != nil {
			return nil, err
		}

		rawTools, ok := obj["allowedTools"]
		if !ok {
			return nil, NewValidationError(field("allowedTools"), "field is required")
		}
		toolList, ok := rawTools.([]any)
		if !ok {
			return nil, NewValidationError(field("allowedTools"), "must be an array of strings")
		}
		tools := make([]string, len(toolList))
		for j, rt := range toolList {
			ts, ok := rt.(string)
			if !ok {
				return nil, NewValidationError(field("allowedTools"), fmt.Sprintf("entry %d must be a string", j))
			}
			tools[j] = ts
		}

		limits, err := validateTreasuryLimits(field("treasuryLimits"), obj["treasuryLimits"])
		if err != nil {
			return nil, err
		}

		roles = append(roles, models.CustomRole{
			Name:           name,
			Description:    description,
			SystemPrompt:   systemPrompt,
			AllowedTools:   tools,
			Model:          model,
			Rationale:      rationale,
			TreasuryLimits: limits,
		})
	}
	return roles, nil
}

func validateTreasuryLimits(field string, raw any) (*models.TreasuryLimits, error) {
	if raw == nil {
		return nil, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, NewValidationError(field, "must be an object")
	}
	maxTransfer, ok := asInt64(obj["maxSingleTransfer"])
	if !ok || maxTransfer < 0 {
		return nil, NewValidationError(field+".maxSingleTransfer", "must be a non-negative number")
	}
	maxDaily, ok := asInt64(obj["maxDailySpend"])
	if !ok || maxDaily < 0 {
		return nil, NewValidationError(field+".maxDailySpend", "must be a non-negative number")
	}
	return &models.TreasuryLimits{MaxSingleTransfer: maxTransfer, MaxDailySpend: maxDaily}, nil
}

// --- decoding helpers ---

func requireString(obj map[string]any, field string) (string, error) {
	return requireStringField(obj, field, field)
}

// requireStringField reads key from obj and requires a non-empty string,
// reporting errors against the (possibly nested) field path.
func requireStringField(obj map[string]any, field, key string) (string, error) {
	raw, ok := obj[key]
	if !ok {
		return "", NewValidationError(field, "field is required")
	}
	s, ok := raw.(string)
	if !ok {
		return "", NewValidationError(field, "must be a string")
	}
	if s == "" {
		return "", NewValidationError(field, "must not be empty")
	}
	return s, nil
}

func optionalStringArray(obj map[string]any, field string) ([]string, error) {
	raw, ok := obj[field]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, NewValidationError(field, "must be an array of strings")
	}
	out := make([]string, len(list))
	for i, r := range list {
		s, ok := r.(string)
		if !ok {
			return nil, NewValidationError(field, fmt.Sprintf("entry %d must be a string", i))
		}
		out[i] = s
	}
	return out, nil
}

func optionalNonNegative(obj map[string]any, field string) (int64, error) {
	raw, ok := obj[field]
	if !ok || raw == nil {
		return 0, nil
	}
	n, ok := asInt64(raw)
	if !ok {
		return 0, NewValidationError(field, "must be a number")
	}
	if n < 0 {
		return 0, NewValidationError(field, "must not be negative")
	}
	return n, nil
}

// asInt64 converts a decoded JSON number to int64. encoding/json decodes
// numbers as float64; integral values convert exactly.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if math.Trunc(n) != n {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func asInt(v any) (int, bool) {
	n, ok := asInt64(v)
	if !ok {
		return 0, false
	}
	return int(n), true
}
