// Package rabbitmq adapts pkg/mrabbitmq.Publisher into
// eventbus.Forwarder: best-effort delivery of every published domain
// event onto an outbound exchange, routed by event type.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/event"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/mrabbitmq"
)

// Forwarder publishes event envelopes onto a RabbitMQ exchange, routed
// by event type (e.g. "escrow.held", "escrow.settled").
type Forwarder struct {
	publisher *mrabbitmq.Publisher
}

// NewForwarder builds a Forwarder bound to an already-constructed
// Publisher.
func NewForwarder(publisher *mrabbitmq.Publisher) *Forwarder {
	return &Forwarder{publisher: publisher}
}

// Forward marshals e and publishes it under a routing key derived from
// its event type. Errors here are logged by the caller (eventbus.Bus)
// as a warning and never fail the originating operation.
func (f *Forwarder) Forward(ctx context.Context, e event.Envelope) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("rabbitmq forwarder: marshal envelope: %w", err)
	}

	routingKey := routingKeyFor(e.EventType)

	return f.publisher.Publish(ctx, routingKey, body, map[string]any{
		"eventId":        e.EventID,
		"idempotencyKey": e.IdempotencyKey,
	})
}

func routingKeyFor(t event.Type) string {
	switch t {
	case event.TypeBalanceUpdated:
		return "balance.updated"
	case event.TypeEscrowHeld:
		return "escrow.held"
	case event.TypeEscrowSettled:
		return "escrow.settled"
	case event.TypeEscrowRefunded:
		return "escrow.refunded"
	case event.TypeEscrowPartialSettled:
		return "escrow.partial_settled"
	case event.TypeLedgerEntryCreated:
		return "ledger.entry_created"
	default:
		return "event.unknown"
	}
}
