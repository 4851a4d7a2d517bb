package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mbd888/tradeescrow/internal/metrics"
	"github.com/mbd888/tradeescrow/internal/money"
	"github.com/mbd888/tradeescrow/internal/traces"
)

// DefaultLedgerTimeout bounds a single ledger call.
const DefaultLedgerTimeout = 10 * time.Second

// keyNamespace scopes UUIDv5 idempotency keys to this service.
var keyNamespace = uuid.MustParse("5b0c3f4e-8a53-4c1e-9a47-2f6d0e7c9b11")

// IdempotencyKey derives a deterministic key from its parts.
func IdempotencyKey(parts ...string) string {
	return uuid.NewSHA1(keyNamespace, []byte(strings.Join(parts, "|"))).String()
}

// OrderReleaseKey is the ledger key for a milestone or refund release.
func OrderReleaseKey(orderID string, kind ReleaseKind) string {
	return IdempotencyKey(orderID, string(kind))
}

// SettlementKey is the ledger key for one leg of a dispute settlement.
func SettlementKey(disputeID, rulingID string, leg Party) string {
	return IdempotencyKey(disputeID, rulingID, string(leg))
}

// ReserveKey is the ledger key for the reservation made at placement.
func ReserveKey(orderID string) string {
	return IdempotencyKey(orderID, "RESERVE")
}

// ReleaseEngine computes release amounts and talks to the ledger. It never
// touches the store: the state machine records the outcome.
type ReleaseEngine struct {
	ledger  LedgerClient
	timeout time.Duration
}

// NewReleaseEngine creates an engine bounded by timeout per ledger call.
func NewReleaseEngine(ledger LedgerClient, timeout time.Duration) *ReleaseEngine {
	if timeout <= 0 {
		timeout = DefaultLedgerTimeout
	}
	return &ReleaseEngine{ledger: ledger, timeout: timeout}
}

// Amount returns what a milestone or refund release moves for o.
// PARTIAL_50 is half the total truncated to the currency's minor unit, capped
// at the remaining balance (an earlier dispute settlement may have consumed
// part of it). FULL_100 and REFUND move whatever remains.
func (e *ReleaseEngine) Amount(kind ReleaseKind, o *Order) decimal.Decimal {
	switch kind {
	case KindPartial50:
		return decimal.Min(money.Half(o.Total, o.Currency), o.Remaining())
	case KindFull100, KindRefund:
		return o.Remaining()
	default:
		return decimal.Zero
	}
}

// Recipient returns who receives a milestone or refund release.
func Recipient(kind ReleaseKind) Party {
	if kind == KindRefund {
		return PartyBuyer
	}
	return PartySeller
}

// CheckInvariant fails when releasing amount would break
// 0 < amount and releasedAmount + amount <= total.
func (e *ReleaseEngine) CheckInvariant(o *Order, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("release amount %s is not positive", amount)
	}
	if after := o.ReleasedAmount.Add(amount); after.GreaterThan(o.Total) {
		return fmt.Errorf("released %s + %s would exceed total %s", o.ReleasedAmount, amount, o.Total)
	}
	return nil
}

// Release invokes the ledger for a pending release and returns the ledger
// transaction reference. A deadline or cancellation is reported as an
// unknown outcome, never as a rejection.
func (e *ReleaseEngine) Release(ctx context.Context, o *Order, p *PendingRelease) (txRef string, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReleaseEngine.Release",
		traces.OrderID(o.ID),
		traces.ReleaseKind(string(p.Kind)),
		traces.Amount(p.Amount.String()),
		traces.IdempotencyKey(p.Key),
	)
	defer func() { traces.End(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	txRef, err = e.ledger.ReleaseFunds(ctx, ReleaseRequest{
		OrderID:        o.ID,
		Amount:         p.Amount,
		Currency:       o.Currency,
		Recipient:      p.Recipient,
		RecipientID:    o.RecipientID(p.Recipient),
		IdempotencyKey: p.Key,
	})
	metrics.LedgerCallDuration.WithLabelValues("release").Observe(time.Since(start).Seconds())
	if err == nil && txRef == "" {
		err = errors.New("ledger returned an empty transaction reference")
	}
	return txRef, err
}

// Lookup asks the ledger whether a release with key was executed.
func (e *ReleaseEngine) Lookup(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	ref, found, err := e.ledger.LookupRelease(ctx, key)
	metrics.LedgerCallDuration.WithLabelValues("lookup").Observe(time.Since(start).Seconds())
	return ref, found, err
}

// Outcome classifies a ledger error.
func Outcome(err error) string {
	if errors.Is(err, ErrLedgerRejected) {
		return OutcomeRejected
	}
	return OutcomeUnknown
}
