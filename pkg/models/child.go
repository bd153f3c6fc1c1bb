package models

import "time"

// ChildStatus is the tracked status of a worker agent process.
type ChildStatus string

// Child agent statuses as reported by the tracker and sandbox layer.
const (
	ChildStatusIdle      ChildStatus = "idle"
	ChildStatusWorking   ChildStatus = "working"
	ChildStatusStarting  ChildStatus = "starting"
	ChildStatusStopped   ChildStatus = "stopped"
	ChildStatusDead      ChildStatus = "dead"
	ChildStatusFailed    ChildStatus = "failed"
	ChildStatusUnknown   ChildStatus = "unknown"
	ChildStatusUnhealthy ChildStatus = "unhealthy"
)

// crashedStatuses are the statuses the health monitor treats as a crashed
// process.
var crashedStatuses = map[ChildStatus]bool{
	ChildStatusDead:      true,
	ChildStatusFailed:    true,
	ChildStatusStopped:   true,
	ChildStatusUnknown:   true,
	ChildStatusUnhealthy: true,
}

// Crashed reports whether the status indicates a crashed worker process.
func (s ChildStatus) Crashed() bool {
	return crashedStatuses[s]
}

// ChildAgent is one worker agent record. The tracker mutates it; the
// health monitor only reads.
type ChildAgent struct {
	Address     string      `json:"address"`
	Name        string      `json:"name"`
	Role        string      `json:"role"`
	Status      ChildStatus `json:"status"`
	SandboxID   string      `json:"sandbox_id,omitempty"`
	LastChecked time.Time   `json:"last_checked"`
}

// Event is one audit-log row in the durable store's event stream.
type Event struct {
	ID           int64     `json:"id"`
	Type         string    `json:"type"`
	AgentAddress string    `json:"agent_address"`
	GoalID       string    `json:"goal_id,omitempty"`
	TaskID       string    `json:"task_id,omitempty"`
	Content      string    `json:"content"`
	TokenCount   int       `json:"token_count"`
	CreatedAt    time.Time `json:"created_at"`
}
