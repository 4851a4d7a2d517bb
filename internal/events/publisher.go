// Package events carries escrow domain events to and from message brokers.
//
// Outbound, every committed state change is published to a RabbitMQ topic
// exchange and/or a Kafka topic, keyed by order id. Inbound, collaborator
// events (bank approvals, shipment and delivery confirmations, evidence,
// KYC and document status) are consumed from a RabbitMQ queue and routed
// to the escrow engines.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/mbd888/tradeescrow/internal/escrow"
)

// Fanout publishes every event to all of its publishers.
type Fanout []escrow.Publisher

// Publish delivers ev to each publisher and joins their errors.
func (f Fanout) Publish(ctx context.Context, ev escrow.Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher is the fallback used when no broker is configured.
type LogPublisher struct {
	Logger *slog.Logger
}

// Publish logs the event at debug level.
func (p LogPublisher) Publish(ctx context.Context, ev escrow.Event) error {
	p.Logger.DebugContext(ctx, "event published", "type", ev.Type, "order_id", ev.OrderID, "dispute_id", ev.DisputeID)
	return nil
}

// encode is the wire form shared by every broker.
func encode(ev escrow.Event) ([]byte, error) {
	return json.Marshal(ev)
}
