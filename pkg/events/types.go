// Package events provides real-time progress delivery via WebSocket and
// PostgreSQL NOTIFY/LISTEN for cross-pod distribution.
//
// Persistent events (goal and task status) are stored in the events
// table and broadcast via NOTIFY in one transaction. Transient events
// (plan review prompts, heal actions) are NOTIFY-only: their durable
// copy already lives in the audit stream written by the orchestrator
// and the health monitor.
package events

// Event types carried in payloads.
const (
	EventTypeGoalStatus         = "goal.status"
	EventTypeTaskStatus         = "task.status"
	EventTypePlanReviewRequired = "plan.review_required"
	EventTypeHealAction         = "heal.action"
)

// SystemChannel carries colony-wide events: goal lifecycle, plan review
// prompts and heal actions. Dashboards subscribe here for the overview
// page.
const SystemChannel = "colony_system"

// GoalChannel returns the channel name for a specific goal's events.
func GoalChannel(goalID string) string {
	return "colony_goal_" + goalID
}

// ClientMessage is the JSON structure for client-to-server WebSocket
// messages.
type ClientMessage struct {
	Action  string `json:"action"`            // "subscribe", "unsubscribe", "ping"
	Channel string `json:"channel,omitempty"` // e.g. "colony_goal_<id>"
}
