// Package messaging carries typed envelopes between agents: durable
// queueing through the store-backed inbox, priority-ordered processing,
// bounded retry on send and routing of inbound messages to handlers by
// type.
package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/remingtons1/colony/pkg/models"
)

// ProtocolVersion identifies the envelope wire format. Envelopes with any
// other protocol value are rejected as malformed.
const ProtocolVersion = "colony_message_v1"

// Envelope is the wire wrapper around an agent message.
type Envelope struct {
	Protocol string              `json:"protocol"`
	SentAt   time.Time           `json:"sentAt"`
	Message  models.AgentMessage `json:"message"`
}

// WrapMessage serializes a message into its wire envelope.
func WrapMessage(msg *models.AgentMessage, sentAt time.Time) (string, error) {
	env := Envelope{Protocol: ProtocolVersion, SentAt: sentAt, Message: *msg}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return string(raw), nil
}

// ParseEnvelope decodes a wire envelope and returns the carried message.
// Unknown protocol versions and undecodable payloads are errors.
func ParseEnvelope(raw string) (*models.AgentMessage, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Protocol != ProtocolVersion {
		return nil, fmt.Errorf("unknown protocol %q", env.Protocol)
	}
	return &env.Message, nil
}

// ValidateMessage checks the envelope contract: required fields, a known
// type and priority, a set createdAt and no expiry in the past.
func ValidateMessage(msg *models.AgentMessage, now time.Time) error {
	if msg.ID == "" {
		return fmt.Errorf("message id is required")
	}
	if !models.ValidMessageType(msg.Type) {
		return fmt.Errorf("invalid message type %q", msg.Type)
	}
	if msg.From == "" {
		return fmt.Errorf("message from is required")
	}
	if msg.To == "" {
		return fmt.Errorf("message to is required")
	}
	if !msg.Priority.Valid() {
		return fmt.Errorf("invalid message priority %q", msg.Priority)
	}
	if msg.CreatedAt.IsZero() {
		return fmt.Errorf("message createdAt is required")
	}
	if msg.Expired(now) {
		return fmt.Errorf("message %s expired at %s", msg.ID, msg.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}
