package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/remingtons1/colony/pkg/models"
)

// MaxInboxBatch is the most unprocessed rows one ProcessInbox call
// fetches.
const MaxInboxBatch = 200

// Handler processes one inbound message of a given type.
type Handler func(ctx context.Context, msg *models.AgentMessage) error

// Result reports the outcome of processing one inbound message.
type Result struct {
	Message   *models.AgentMessage
	HandledBy string
	Success   bool
	Error     string
}

// RegisterHandler binds the handler for a message type. The last
// registration for a type wins.
func (m *Messenger) RegisterHandler(t models.MessageType, h Handler) {
	m.handlers[t] = h
}

// ProcessInbox drains one batch of unprocessed inbox rows addressed to
// this agent. The fetch is scoped to this agent's address, so backlog
// queued for other recipients cannot crowd the batch. Malformed rows
// become synthetic alert results with success=false; valid messages are
// dispatched in (priority, createdAt) order, critical first. Every
// fetched row is marked processed regardless of handler outcome, so a
// second call with no new arrivals processes nothing.
func (m *Messenger) ProcessInbox(ctx context.Context) ([]Result, error) {
	rows, err := m.store.GetUnprocessedInboxMessages(ctx, m.self, MaxInboxBatch)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch inbox: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	type pending struct {
		rowID int64
		msg   *models.AgentMessage
	}
	var (
		results []Result
		valid   []pending
	)

	for _, row := range rows {
		msg, perr := ParseEnvelope(row.Envelope)
		if perr != nil {
			slog.Warn("Malformed inbox row", "row_id", row.ID, "error", perr)
			results = append(results, Result{
				Message: &models.AgentMessage{
					Type:      models.MessageTypeAlert,
					To:        m.self,
					Content:   row.Envelope,
					Priority:  models.PriorityHigh,
					CreatedAt: row.ReceivedAt,
				},
				HandledBy: "parser",
				Success:   false,
				Error:     perr.Error(),
			})
			if err := m.store.MarkInboxMessageProcessed(ctx, row.ID); err != nil {
				return results, fmt.Errorf("failed to mark row %d processed: %w", row.ID, err)
			}
			continue
		}
		valid = append(valid, pending{rowID: row.ID, msg: msg})
	}

	sort.SliceStable(valid, func(i, j int) bool {
		pi, pj := valid[i].msg.Priority.Rank(), valid[j].msg.Priority.Rank()
		if pi != pj {
			return pi < pj
		}
		return valid[i].msg.CreatedAt.Before(valid[j].msg.CreatedAt)
	})

	for _, p := range valid {
		results = append(results, m.dispatch(ctx, p.msg))
		if err := m.store.MarkInboxMessageProcessed(ctx, p.rowID); err != nil {
			return results, fmt.Errorf("failed to mark row %d processed: %w", p.rowID, err)
		}
	}
	return results, nil
}

// dispatch routes one message to its type handler.
func (m *Messenger) dispatch(ctx context.Context, msg *models.AgentMessage) Result {
	if !models.ValidMessageType(msg.Type) {
		return Result{
			Message: msg,
			Success: false,
			Error:   fmt.Sprintf("unknown message type %q", msg.Type),
		}
	}
	h, ok := m.handlers[msg.Type]
	if !ok {
		return Result{
			Message: msg,
			Success: false,
			Error:   fmt.Sprintf("no handler registered for type %q", msg.Type),
		}
	}
	if err := h(ctx, msg); err != nil {
		slog.Warn("Message handler failed", "type", msg.Type, "message_id", msg.ID, "error", err)
		return Result{Message: msg, HandledBy: string(msg.Type), Success: false, Error: err.Error()}
	}
	return Result{Message: msg, HandledBy: string(msg.Type), Success: true}
}
