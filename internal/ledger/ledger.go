// Package ledger moves escrowed trade funds.
//
// Flow:
//  1. Order placed: the buyer's total is reserved as a hold under the order id
//  2. Each escrow release transfers part of the hold to the seller or back to the buyer
//  3. Every transfer carries the caller's idempotency key; replaying a key
//     returns the original transaction reference instead of moving funds twice
//
// Ledger is the in-process implementation backed by a Store. HTTPClient,
// ChainClient and StripeClient implement the same Client contract against
// remote systems.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tradeescrow/internal/idgen"
	"github.com/mbd888/tradeescrow/internal/money"
	"github.com/mbd888/tradeescrow/internal/syncutil"
)

var (
	// ErrRejected marks a definite refusal: no funds moved.
	ErrRejected = errors.New("ledger: rejected")
	// ErrOutcomeUnknown marks a call that may or may not have executed.
	ErrOutcomeUnknown = errors.New("ledger: outcome unknown")

	ErrHoldNotFound     = errors.New("ledger: no hold for order")
	ErrInsufficientHold = errors.New("ledger: amount exceeds held funds")
	ErrCurrencyMismatch = errors.New("ledger: currency does not match hold")
	ErrKeyReused        = errors.New("ledger: idempotency key reused with a different request")
	ErrInvalidAmount    = errors.New("ledger: invalid amount")
	ErrDuplicate        = errors.New("ledger: duplicate record")
	ErrNotFound         = errors.New("ledger: not found")
)

// reject marks cause as a definite refusal.
func reject(cause error) error {
	return fmt.Errorf("%w: %w", ErrRejected, cause)
}

// IsRejected reports whether err is a definite refusal.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}

// Hold is the buyer's reserved order total.
type Hold struct {
	OrderID        string          `json:"orderId"`
	BuyerID        string          `json:"buyerId"`
	Amount         decimal.Decimal `json:"amount"`
	Released       decimal.Decimal `json:"released"`
	Currency       string          `json:"currency"`
	Ref            string          `json:"ref"`
	IdempotencyKey string          `json:"idempotencyKey"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Remaining is the part of the hold not yet transferred.
func (h *Hold) Remaining() decimal.Decimal {
	return h.Amount.Sub(h.Released)
}

// Transfer is one executed release out of a hold.
type Transfer struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	TxRef          string          `json:"txRef"`
	OrderID        string          `json:"orderId"`
	Recipient      string          `json:"recipient"`
	RecipientID    string          `json:"recipientId"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// ReserveRequest asks for the order total to be held from the buyer.
type ReserveRequest struct {
	OrderID        string          `json:"orderId"`
	BuyerID        string          `json:"buyerId"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	IdempotencyKey string          `json:"-"`
}

// ReleaseRequest asks for part of a hold to be paid out.
type ReleaseRequest struct {
	OrderID        string          `json:"orderId"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Recipient      string          `json:"recipient"`
	RecipientID    string          `json:"recipientId"`
	IdempotencyKey string          `json:"-"`
}

// Client is the contract every ledger backend honors. Release and Lookup
// are idempotent on the request key. Release errors wrapping ErrRejected
// are definite; anything else leaves the outcome unknown.
type Client interface {
	Release(ctx context.Context, req ReleaseRequest) (txRef string, err error)
	Lookup(ctx context.Context, idempotencyKey string) (txRef string, found bool, err error)
}

// Reserver is implemented by backends that hold funds at order placement.
type Reserver interface {
	Reserve(ctx context.Context, req ReserveRequest) (ref string, err error)
}

// Auditor is implemented by backends that can report what they moved for an order.
type Auditor interface {
	ReleasedFor(ctx context.Context, orderID string) (decimal.Decimal, error)
}

// Store persists holds and transfers.
type Store interface {
	CreateHold(ctx context.Context, hold *Hold) error
	GetHold(ctx context.Context, orderID string) (*Hold, error)

	// RecordTransfer inserts t and adds its amount to the hold's released
	// total in one atomic step. It fails with ErrInsufficientHold when the
	// hold cannot cover it and ErrDuplicate when the key already exists.
	RecordTransfer(ctx context.Context, t *Transfer) error
	GetTransfer(ctx context.Context, idempotencyKey string) (*Transfer, error)
	ListTransfers(ctx context.Context, orderID string) ([]*Transfer, error)
}

// Ledger is the in-process ledger.
type Ledger struct {
	store  Store
	locks  *syncutil.KeyedMutex
	logger *slog.Logger
	now    func() time.Time
}

// New creates a new ledger.
func New(store Store) *Ledger {
	return &Ledger{
		store:  store,
		locks:  syncutil.NewKeyedMutex(),
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithLogger sets the logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger
	return l
}

// Reserve holds req.Amount from the buyer under the order id. Replaying
// the same key returns the existing hold reference.
func (l *Ledger) Reserve(ctx context.Context, req ReserveRequest) (string, error) {
	defer observeOp("reserve")()

	if req.OrderID == "" || req.BuyerID == "" || req.IdempotencyKey == "" {
		return "", reject(errors.New("order, buyer and idempotency key are required"))
	}
	if !req.Amount.IsPositive() {
		return "", reject(ErrInvalidAmount)
	}
	currency, err := money.NormalizeCurrency(req.Currency)
	if err != nil {
		return "", reject(err)
	}

	unlock, err := l.locks.LockContext(ctx, req.OrderID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
	}
	defer unlock()

	existing, err := l.store.GetHold(ctx, req.OrderID)
	switch {
	case err == nil:
		if existing.IdempotencyKey != req.IdempotencyKey || !existing.Amount.Equal(req.Amount) {
			return "", reject(fmt.Errorf("%w: order %s is already held", ErrKeyReused, req.OrderID))
		}
		return existing.Ref, nil
	case !errors.Is(err, ErrNotFound):
		return "", err
	}

	hold := &Hold{
		OrderID:        req.OrderID,
		BuyerID:        req.BuyerID,
		Amount:         req.Amount,
		Released:       decimal.Zero,
		Currency:       currency,
		Ref:            idgen.Hold(),
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      l.now().UTC(),
	}
	if err := l.store.CreateHold(ctx, hold); err != nil {
		return "", fmt.Errorf("ledger: create hold: %w", err)
	}
	HeldTotal.Add(hold.Amount.InexactFloat64())
	l.logger.Info("funds reserved", "order_id", hold.OrderID, "amount", hold.Amount.String(),
		"currency", hold.Currency, "ref", hold.Ref)
	return hold.Ref, nil
}

// Release pays req.Amount out of the order's hold.
func (l *Ledger) Release(ctx context.Context, req ReleaseRequest) (string, error) {
	defer observeOp("release")()

	if req.IdempotencyKey == "" {
		return "", reject(errors.New("idempotency key is required"))
	}
	if !req.Amount.IsPositive() {
		return "", reject(ErrInvalidAmount)
	}
	if req.RecipientID == "" {
		return "", reject(errors.New("recipient is required"))
	}

	unlock, err := l.locks.LockContext(ctx, req.OrderID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
	}
	defer unlock()

	prev, err := l.store.GetTransfer(ctx, req.IdempotencyKey)
	switch {
	case err == nil:
		return replay(prev, req)
	case !errors.Is(err, ErrNotFound):
		return "", err
	}

	hold, err := l.store.GetHold(ctx, req.OrderID)
	if errors.Is(err, ErrNotFound) {
		return "", reject(fmt.Errorf("%w: %s", ErrHoldNotFound, req.OrderID))
	}
	if err != nil {
		return "", err
	}
	if !strings.EqualFold(hold.Currency, req.Currency) {
		return "", reject(fmt.Errorf("%w: hold is %s, release is %s", ErrCurrencyMismatch, hold.Currency, req.Currency))
	}
	if req.Amount.GreaterThan(hold.Remaining()) {
		return "", reject(fmt.Errorf("%w: %s requested, %s held", ErrInsufficientHold, req.Amount, hold.Remaining()))
	}

	t := &Transfer{
		IdempotencyKey: req.IdempotencyKey,
		TxRef:          idgen.LedgerTx(),
		OrderID:        req.OrderID,
		Recipient:      req.Recipient,
		RecipientID:    req.RecipientID,
		Amount:         req.Amount,
		Currency:       hold.Currency,
		CreatedAt:      l.now().UTC(),
	}
	switch err := l.store.RecordTransfer(ctx, t); {
	case errors.Is(err, ErrInsufficientHold), errors.Is(err, ErrHoldNotFound):
		return "", reject(err)
	case errors.Is(err, ErrDuplicate):
		// Another process recorded this key between our read and write.
		prev, gerr := l.store.GetTransfer(ctx, req.IdempotencyKey)
		if gerr != nil {
			return "", gerr
		}
		return replay(prev, req)
	case err != nil:
		return "", err
	}

	ReleasedTotal.WithLabelValues(t.Recipient).Add(t.Amount.InexactFloat64())
	l.logger.Info("funds released", "order_id", t.OrderID, "amount", t.Amount.String(),
		"recipient", t.Recipient, "recipient_id", t.RecipientID, "tx_ref", t.TxRef)
	return t.TxRef, nil
}

// replay answers a repeated key with the original reference, refusing
// a key that is reused for a different movement.
func replay(prev *Transfer, req ReleaseRequest) (string, error) {
	if prev.OrderID != req.OrderID || !prev.Amount.Equal(req.Amount) || prev.RecipientID != req.RecipientID {
		return "", reject(fmt.Errorf("%w: %s", ErrKeyReused, req.IdempotencyKey))
	}
	LedgerOpsTotal.WithLabelValues("replay").Inc()
	return prev.TxRef, nil
}

// Lookup reports whether a release with key was executed.
func (l *Ledger) Lookup(ctx context.Context, key string) (string, bool, error) {
	defer observeOp("lookup")()

	t, err := l.store.GetTransfer(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return t.TxRef, true, nil
}

// ReleasedFor sums the transfers made for an order.
func (l *Ledger) ReleasedFor(ctx context.Context, orderID string) (decimal.Decimal, error) {
	transfers, err := l.store.ListTransfers(ctx, orderID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, t := range transfers {
		total = total.Add(t.Amount)
	}
	return total, nil
}

// GetHold returns the hold for an order.
func (l *Ledger) GetHold(ctx context.Context, orderID string) (*Hold, error) {
	return l.store.GetHold(ctx, orderID)
}

// ListTransfers returns an order's transfers, oldest first.
func (l *Ledger) ListTransfers(ctx context.Context, orderID string) ([]*Transfer, error) {
	return l.store.ListTransfers(ctx, orderID)
}

var (
	_ Client   = (*Ledger)(nil)
	_ Reserver = (*Ledger)(nil)
	_ Auditor  = (*Ledger)(nil)
)
