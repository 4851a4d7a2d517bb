package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mbd888/tradeescrow/internal/escrow"
)

// Inbound routing keys.
const (
	KeyBankApproved       = "bank.approved"
	KeyShipmentConfirmed  = "shipment.confirmed"
	KeyDeliveryConfirmed  = "delivery.confirmed"
	KeyDisputeEvidence    = "dispute.evidence"
	KeyKYCVerified        = "kyc.verified"
	KeyDocumentsCompleted = "documents.completed"
)

// InboundKeys lists every routing key the consumer binds.
var InboundKeys = []string{
	KeyBankApproved,
	KeyShipmentConfirmed,
	KeyDeliveryConfirmed,
	KeyDisputeEvidence,
	KeyKYCVerified,
	KeyDocumentsCompleted,
}

// ErrUnroutable is returned for a routing key with no handler.
var ErrUnroutable = errors.New("events: unroutable message")

// OrderCommands are the order transitions collaborators can drive.
type OrderCommands interface {
	RecordBankApproval(ctx context.Context, orderID string, side escrow.BankType, bankID string) (*escrow.Order, error)
	ConfirmShipment(ctx context.Context, orderID, trackingID string) (*escrow.Order, error)
	ConfirmDelivery(ctx context.Context, orderID string) (*escrow.Order, error)
}

// DisputeCommands accepts evidence from collaborators.
type DisputeCommands interface {
	SubmitEvidence(ctx context.Context, disputeID string, req escrow.EvidenceRequest) (*escrow.Dispute, error)
}

// ComplianceRecorder stores KYC and document status.
type ComplianceRecorder interface {
	SetClientVerified(ctx context.Context, clientID string, verified bool) error
	SetDocumentsComplete(ctx context.Context, orderID string, complete bool) error
}

type bankApproved struct {
	OrderID  string          `json:"orderId"`
	BankType escrow.BankType `json:"bankType"`
	BankID   string          `json:"bankId"`
}

type shipmentConfirmed struct {
	OrderID    string `json:"orderId"`
	TrackingID string `json:"trackingId"`
}

type deliveryConfirmed struct {
	OrderID string `json:"orderId"`
}

type evidenceSubmitted struct {
	DisputeID   string `json:"disputeId"`
	SubmittedBy string `json:"submittedBy"`
	Description string `json:"description"`
	DocumentRef string `json:"documentRef"`
}

type kycVerified struct {
	ClientID string `json:"clientId"`
	Verified bool   `json:"verified"`
}

type documentsCompleted struct {
	OrderID  string `json:"orderId"`
	Complete bool   `json:"complete"`
}

// Router dispatches inbound collaborator messages by routing key.
type Router struct {
	orders     OrderCommands
	disputes   DisputeCommands
	compliance ComplianceRecorder
}

// NewRouter creates a router. A nil compliance recorder makes KYC and
// document messages unroutable.
func NewRouter(orders OrderCommands, disputes DisputeCommands, compliance ComplianceRecorder) *Router {
	return &Router{orders: orders, disputes: disputes, compliance: compliance}
}

// Route decodes body and applies it. Malformed bodies are returned as
// permanent errors.
func (r *Router) Route(ctx context.Context, key string, body []byte) error {
	switch key {
	case KeyBankApproved:
		var m bankApproved
		if err := decode(body, &m); err != nil {
			return err
		}
		_, err := r.orders.RecordBankApproval(ctx, m.OrderID, m.BankType, m.BankID)
		return err

	case KeyShipmentConfirmed:
		var m shipmentConfirmed
		if err := decode(body, &m); err != nil {
			return err
		}
		_, err := r.orders.ConfirmShipment(ctx, m.OrderID, m.TrackingID)
		return err

	case KeyDeliveryConfirmed:
		var m deliveryConfirmed
		if err := decode(body, &m); err != nil {
			return err
		}
		_, err := r.orders.ConfirmDelivery(ctx, m.OrderID)
		return err

	case KeyDisputeEvidence:
		var m evidenceSubmitted
		if err := decode(body, &m); err != nil {
			return err
		}
		_, err := r.disputes.SubmitEvidence(ctx, m.DisputeID, escrow.EvidenceRequest{
			SubmittedBy: m.SubmittedBy,
			Description: m.Description,
			DocumentRef: m.DocumentRef,
		})
		return err

	case KeyKYCVerified:
		if r.compliance == nil {
			break
		}
		var m kycVerified
		if err := decode(body, &m); err != nil {
			return err
		}
		if m.ClientID == "" {
			return permanent(errors.New("clientId is required"))
		}
		return r.compliance.SetClientVerified(ctx, m.ClientID, m.Verified)

	case KeyDocumentsCompleted:
		if r.compliance == nil {
			break
		}
		var m documentsCompleted
		if err := decode(body, &m); err != nil {
			return err
		}
		if m.OrderID == "" {
			return permanent(errors.New("orderId is required"))
		}
		return r.compliance.SetDocumentsComplete(ctx, m.OrderID, m.Complete)
	}
	return permanent(fmt.Errorf("%w: %s", ErrUnroutable, key))
}

func decode(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return permanent(fmt.Errorf("decode: %w", err))
	}
	return nil
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }

// Retryable reports whether a failed message should be redelivered.
// Escrow rule violations are final: redelivery cannot change the answer.
// Concurrent modification, an unknown ledger outcome and infrastructure
// failures may succeed on a later attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return false
	}
	if errors.Is(err, escrow.ErrConflict) {
		return true
	}
	if errors.Is(err, escrow.ErrLedgerReleaseFailed) {
		return escrow.Outcome(err) == escrow.OutcomeUnknown
	}
	for _, final := range []error{
		escrow.ErrNotFound,
		escrow.ErrInvalidRequest,
		escrow.ErrInvalidTransition,
		escrow.ErrInvalidBank,
		escrow.ErrAmountExceedsEscrow,
		escrow.ErrAlreadyResolved,
		escrow.ErrOrderDisputed,
		escrow.ErrInvalidRuling,
		escrow.ErrInvariantViolation,
		escrow.ErrClientNotVerified,
		escrow.ErrDocumentsIncomplete,
	} {
		if errors.Is(err, final) {
			return false
		}
	}
	return true
}
