package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/remingtons1/colony/pkg/models"
	"github.com/remingtons1/colony/pkg/store"
)

// Transport delivers wire envelopes to agent addresses. Deliveries may
// fail transiently; the messenger retries around them.
type Transport interface {
	Deliver(ctx context.Context, to, envelope string) error
	// Recipients lists the addresses a broadcast fans out to.
	Recipients(ctx context.Context) ([]string, error)
}

// StoreTransport is the local transport: it delivers envelopes straight
// into the recipient's durable inbox. Used when parent and workers share
// a store; relay transports for remote workers satisfy the same
// interface.
type StoreTransport struct {
	store store.Store
}

// NewStoreTransport creates a transport backed by the durable store.
func NewStoreTransport(st store.Store) *StoreTransport {
	return &StoreTransport{store: st}
}

// Deliver inserts the envelope as an unprocessed inbox row for the
// recipient. The sender is denormalized out of the envelope for the
// health monitor's activity signal.
func (t *StoreTransport) Deliver(ctx context.Context, to, envelope string) error {
	msg, err := ParseEnvelope(envelope)
	if err != nil {
		return fmt.Errorf("refusing to deliver: %w", err)
	}
	row := &models.InboxMessage{
		Recipient: to,
		Sender:    msg.From,
		Envelope:  envelope,
	}
	if err := t.store.InsertInboxMessage(ctx, row); err != nil {
		return fmt.Errorf("failed to deliver to %s: %w", to, err)
	}
	return nil
}

// Recipients returns the addresses of all registered child agents.
func (t *StoreTransport) Recipients(ctx context.Context) ([]string, error) {
	children, err := t.store.GetChildren(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list recipients: %w", err)
	}
	addrs := make([]string, 0, len(children))
	for _, c := range children {
		addrs = append(addrs, c.Address)
	}
	return addrs, nil
}

// rawContent round-trips arbitrary payloads into message content.
func rawContent(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
