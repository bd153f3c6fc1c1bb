package models

import "time"

// MessageType identifies the kind of agent message carried by the bus.
type MessageType string

// The fixed set of message types exchanged between agents.
const (
	MessageTypeTaskAssignment  MessageType = "task_assignment"
	MessageTypeTaskResult      MessageType = "task_result"
	MessageTypeStatusReport    MessageType = "status_report"
	MessageTypeResourceRequest MessageType = "resource_request"
	MessageTypeKnowledgeShare  MessageType = "knowledge_share"
	MessageTypeCustomerRequest MessageType = "customer_request"
	MessageTypeAlert           MessageType = "alert"
	MessageTypeShutdownRequest MessageType = "shutdown_request"
	MessageTypePeerQuery       MessageType = "peer_query"
	MessageTypePeerResponse    MessageType = "peer_response"
)

// MessageTypes lists every valid message type.
var MessageTypes = []MessageType{
	MessageTypeTaskAssignment,
	MessageTypeTaskResult,
	MessageTypeStatusReport,
	MessageTypeResourceRequest,
	MessageTypeKnowledgeShare,
	MessageTypeCustomerRequest,
	MessageTypeAlert,
	MessageTypeShutdownRequest,
	MessageTypePeerQuery,
	MessageTypePeerResponse,
}

// ValidMessageType reports whether t is a known message type.
func ValidMessageType(t MessageType) bool {
	for _, mt := range MessageTypes {
		if mt == t {
			return true
		}
	}
	return false
}

// MessagePriority orders inbox processing and delivery urgency.
type MessagePriority string

// Message priorities, most urgent first.
const (
	PriorityCritical MessagePriority = "critical"
	PriorityHigh     MessagePriority = "high"
	PriorityNormal   MessagePriority = "normal"
	PriorityLow      MessagePriority = "low"
)

// priorityRank maps priorities to sort ranks; lower processes first.
var priorityRank = map[MessagePriority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityNormal:   2,
	PriorityLow:      3,
}

// Rank returns the sort rank of the priority (critical first). Unknown
// priorities rank after low.
func (p MessagePriority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank)
}

// Valid reports whether p is a known priority.
func (p MessagePriority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// AgentMessage is the typed envelope payload exchanged between agents.
// Content is an opaque string, usually JSON.
type AgentMessage struct {
	ID               string          `json:"id"`
	Type             MessageType     `json:"type"`
	From             string          `json:"from"`
	To               string          `json:"to"`
	GoalID           string          `json:"goalId,omitempty"`
	TaskID           string          `json:"taskId,omitempty"`
	Content          string          `json:"content"`
	Priority         MessagePriority `json:"priority"`
	RequiresResponse bool            `json:"requiresResponse"`
	ExpiresAt        *time.Time      `json:"expiresAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// Expired reports whether the message carries an expiry in the past.
func (m *AgentMessage) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && m.ExpiresAt.Before(now)
}

// TaskResultPayload is the JSON content of a task_result message.
type TaskResultPayload struct {
	TaskID          string `json:"taskId"`
	Success         bool   `json:"success"`
	Output          string `json:"output,omitempty"`
	Error           string `json:"error,omitempty"`
	Transient       bool   `json:"transient,omitempty"`
	ActualCostCents int64  `json:"actualCostCents,omitempty"`
}

// StatusReportPayload is the JSON content of a status_report message.
// Workers ack task starts with Status "running".
type StatusReportPayload struct {
	TaskID string `json:"taskId,omitempty"`
	Status string `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// TaskAssignmentPayload is the JSON content of a task_assignment message.
type TaskAssignmentPayload struct {
	TaskID      string `json:"taskId"`
	GoalID      string `json:"goalId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	AgentRole   string `json:"agentRole"`
	TimeoutMs   int64  `json:"timeoutMs"`
}

// InboxMessage is one durable inbox row: the raw envelope string as
// received from the transport plus processing bookkeeping. Sender is
// denormalized from the envelope so the health monitor can use inbound
// traffic as an activity signal without parsing rows.
type InboxMessage struct {
	ID          int64      `json:"id"`
	Recipient   string     `json:"recipient"`
	Sender      string     `json:"sender,omitempty"`
	Envelope    string     `json:"envelope"`
	Processed   bool       `json:"processed"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}
