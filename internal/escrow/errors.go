package escrow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound            = errors.New("escrow: not found")
	ErrInvalidRequest      = errors.New("escrow: invalid request")
	ErrInvalidTransition   = errors.New("escrow: invalid transition")
	ErrInvalidBank         = errors.New("escrow: bank does not match the registered bank")
	ErrAmountExceedsEscrow = errors.New("escrow: amount exceeds remaining escrow")
	ErrAlreadyResolved     = errors.New("escrow: dispute already resolved")
	ErrOrderDisputed       = errors.New("escrow: order is disputed")
	ErrInvalidRuling       = errors.New("escrow: invalid ruling")
	ErrLedgerReleaseFailed = errors.New("escrow: ledger release failed")
	ErrInvariantViolation  = errors.New("escrow: invariant violation")
	ErrClientNotVerified   = errors.New("escrow: client not verified")
	ErrDocumentsIncomplete = errors.New("escrow: trade documents incomplete")
	ErrConflict            = errors.New("escrow: concurrent modification")

	// ErrLedgerRejected marks a ledger error as a definite refusal.
	// Ledger adapters wrap it; everything else is treated as an unknown outcome.
	ErrLedgerRejected = errors.New("ledger rejected release")
)

// Ledger outcomes carried by LedgerReleaseFailed errors.
const (
	OutcomeRejected = "rejected"
	OutcomeUnknown  = "unknown"
)

// Error is a tagged escrow error. errors.Is matches both the kind sentinel
// and the wrapped cause.
type Error struct {
	Kind      error
	Op        string
	OrderID   string
	DisputeID string
	State     Status
	Outcome   string
	Reason    string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Op != "" {
		fmt.Fprintf(&b, " (op=%s", e.Op)
		if e.OrderID != "" {
			fmt.Fprintf(&b, " order=%s", e.OrderID)
		}
		if e.DisputeID != "" {
			fmt.Fprintf(&b, " dispute=%s", e.DisputeID)
		}
		if e.State != "" {
			fmt.Fprintf(&b, " state=%s", e.State)
		}
		if e.Outcome != "" {
			fmt.Fprintf(&b, " outcome=%s", e.Outcome)
		}
		b.WriteString(")")
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// AsError extracts the tagged error, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

func invalidTransition(op string, o *Order) error {
	return &Error{Kind: ErrInvalidTransition, Op: op, OrderID: o.ID, State: o.Status,
		Reason: fmt.Sprintf("cannot %s from %s", op, o.Status)}
}

func orderDisputed(op string, o *Order) error {
	return &Error{Kind: ErrOrderDisputed, Op: op, OrderID: o.ID, State: o.Status, DisputeID: o.DisputeID}
}

func invalidRequest(op, reason string) error {
	return &Error{Kind: ErrInvalidRequest, Op: op, Reason: reason}
}

func notFound(op, what, id string) error {
	e := &Error{Kind: ErrNotFound, Op: op, Reason: what + " " + id}
	if what == "dispute" {
		e.DisputeID = id
	} else {
		e.OrderID = id
	}
	return e
}

func flaggedError(op string, o *Order) error {
	return &Error{Kind: ErrInvariantViolation, Op: op, OrderID: o.ID, State: o.Status,
		Reason: "order flagged for manual reconciliation: " + o.FlagReason}
}
