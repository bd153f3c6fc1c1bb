package taskgraph

import (
	"errors"
	"fmt"

	"github.com/remingtons1/colony/pkg/models"
)

var (
	// ErrInvalidTransition is returned when an operation's status
	// precondition is not met (e.g. assigning a non-pending task).
	ErrInvalidTransition = errors.New("invalid task transition")

	// ErrGoalNotActive is returned when mutating a goal that is in a
	// terminal state.
	ErrGoalNotActive = errors.New("goal is not active")

	// ErrDependencyCycle is returned when inserted tasks would form a
	// dependency cycle.
	ErrDependencyCycle = errors.New("dependency cycle detected")
)

// transitionError builds an ErrInvalidTransition with enough context to
// debug which precondition failed.
func transitionError(taskID string, from models.TaskStatus, op string) error {
	return fmt.Errorf("%w: cannot %s task %s in status %q", ErrInvalidTransition, op, taskID, from)
}
