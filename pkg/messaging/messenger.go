package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/remingtons1/colony/pkg/models"
	"github.com/remingtons1/colony/pkg/store"
)

// sendRetryDelays are the backoff delays for the extra send attempts
// after the first failure.
var sendRetryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// broadcastConcurrency bounds the fan-out of Broadcast.
const broadcastConcurrency = 8

// EventTypeMessageSent is the audit event recorded after a successful
// send.
const EventTypeMessageSent = "message_sent"

// Messenger is the outbound and inbound messaging surface for one agent
// address. Handlers are bound at construction time by the orchestrator
// wiring; the messenger itself carries no business logic.
type Messenger struct {
	store     store.Store
	transport Transport
	self      string

	handlers map[models.MessageType]Handler

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a messenger sending from the given agent address.
func New(st store.Store, transport Transport, self string) *Messenger {
	return &Messenger{
		store:     st,
		transport: transport,
		self:      self,
		handlers:  make(map[models.MessageType]Handler),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Send validates, wraps and delivers a message, retrying transient
// transport failures with bounded backoff. Missing id, sender and
// createdAt are filled in. A message_sent audit event is recorded on
// success.
func (m *Messenger) Send(ctx context.Context, msg *models.AgentMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.From == "" {
		msg.From = m.self
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now()
	}
	if msg.Priority == "" {
		msg.Priority = models.PriorityNormal
	}

	if err := ValidateMessage(msg, m.now()); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	envelope, err := WrapMessage(msg, m.now())
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= len(sendRetryDelays); attempt++ {
		if attempt > 0 {
			slog.Warn("Retrying message delivery",
				"message_id", msg.ID, "to", msg.To, "attempt", attempt, "error", lastErr)
			if err := m.sleep(ctx, sendRetryDelays[attempt-1]); err != nil {
				return err
			}
		}
		lastErr = m.transport.Deliver(ctx, msg.To, envelope)
		if lastErr == nil {
			m.auditSent(ctx, msg)
			return nil
		}
	}
	return fmt.Errorf("failed to deliver message %s to %s after %d attempts: %w",
		msg.ID, msg.To, len(sendRetryDelays)+1, lastErr)
}

// auditSent records the message_sent event. Audit failures are logged,
// not surfaced; the message is already delivered.
func (m *Messenger) auditSent(ctx context.Context, msg *models.AgentMessage) {
	event := &models.Event{
		Type:         EventTypeMessageSent,
		AgentAddress: m.self,
		GoalID:       msg.GoalID,
		TaskID:       msg.TaskID,
		Content:      rawContent(map[string]string{"message_id": msg.ID, "type": string(msg.Type), "to": msg.To}),
	}
	if err := m.store.InsertEvent(ctx, event); err != nil {
		slog.Warn("Failed to record message_sent event", "message_id", msg.ID, "error", err)
	}
}

// Broadcast sends one message per known recipient with bounded
// concurrency. Individual failures are logged only; a broadcast never
// fails as a whole.
func (m *Messenger) Broadcast(ctx context.Context, content string, priority models.MessagePriority) error {
	recipients, err := m.transport.Recipients(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(broadcastConcurrency)
	for _, to := range recipients {
		g.Go(func() error {
			msg := &models.AgentMessage{
				Type:     models.MessageTypeStatusReport,
				To:       to,
				Content:  content,
				Priority: priority,
			}
			if err := m.Send(gctx, msg); err != nil {
				slog.Warn("Broadcast delivery failed", "to", to, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}
