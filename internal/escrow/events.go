package escrow

import (
	"context"
	"time"
)

// Domain event types. Routing keys on the outbound exchange use the same names.
const (
	EventOrderPlaced     = "order.placed"
	EventOrderBankSet    = "order.bank_assigned"
	EventOrderApproved   = "order.approved"
	EventOrderInTransit  = "order.in_transit"
	EventOrderBankReview = "order.bank_review"
	EventOrderShipped    = "order.shipped"
	EventOrderDelivered  = "order.delivered"
	EventOrderCancelled  = "order.cancelled"
	EventOrderFlagged    = "order.flagged"
	EventOrderUnflagged  = "order.unflagged"
	EventReleaseRecorded = "release.recorded"
	EventDisputeOpened   = "dispute.opened"
	EventDisputeAssigned = "dispute.assigned"
	EventDisputeEvidence = "dispute.evidence"
	EventDisputeResolved = "dispute.resolved"
	EventDisputeSettled  = "dispute.settled"
)

// Event is a state change published after it has been committed.
type Event struct {
	Type       string    `json:"type"`
	OrderID    string    `json:"orderId"`
	DisputeID  string    `json:"disputeId,omitempty"`
	Status     Status    `json:"status,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Publisher delivers domain events. Delivery is best effort: a failed
// publish is logged and never rolls back the committed change.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }

func statusEvent(s Status) string {
	switch s {
	case StatusInTransit:
		return EventOrderInTransit
	case StatusBankReview:
		return EventOrderBankReview
	case StatusDelivered:
		return EventOrderDelivered
	case StatusCancelled:
		return EventOrderCancelled
	case StatusDisputed:
		return EventDisputeOpened
	default:
		return "order." + string(s)
	}
}
