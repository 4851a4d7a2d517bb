// Package escrow implements the trade-finance escrow lifecycle.
//
// Flow:
//  1. Order placed in BANK_REVIEW, total reserved from the buyer
//  2. Buyer bank and seller bank approve → IN_TRANSIT, half the total released to the seller
//  3. Shipment confirmed → tracking recorded
//  4. Delivery confirmed → remaining balance released to the seller, DELIVERED
//  5. Either party disputes → DISPUTED until an arbitrator rules; settlement
//     legs move the contested amount and the order resumes or closes
//  6. Cancelled while in bank review → remaining balance refunded to the buyer
package escrow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the canonical order status.
type Status string

const (
	StatusBankReview Status = "BANK_REVIEW"
	StatusInTransit  Status = "IN_TRANSIT"
	StatusDelivered  Status = "DELIVERED"
	StatusDisputed   Status = "DISPUTED"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal returns true for statuses no operation can leave.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusBankReview, StatusInTransit, StatusDelivered, StatusDisputed, StatusCancelled:
		return true
	}
	return false
}

// BankType identifies which side of the trade a bank approves for.
type BankType string

const (
	BankBuyer  BankType = "buyer_bank"
	BankSeller BankType = "seller_bank"
)

// Party is the recipient of a release.
type Party string

const (
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
)

// ReleaseKind classifies a movement of escrowed funds.
type ReleaseKind string

const (
	KindPartial50         ReleaseKind = "PARTIAL_50"
	KindFull100           ReleaseKind = "FULL_100"
	KindDisputeSettlement ReleaseKind = "DISPUTE_SETTLEMENT"
	KindRefund            ReleaseKind = "REFUND"
)

// Order is a trade whose funds are held in escrow.
type Order struct {
	ID             string          `json:"id"`
	BuyerID        string          `json:"buyerId"`
	SellerID       string          `json:"sellerId"`
	BuyerBankID    string          `json:"buyerBankId,omitempty"`
	SellerBankID   string          `json:"sellerBankId,omitempty"`
	Total          decimal.Decimal `json:"total"`
	Currency       string          `json:"currency"`
	Status         Status          `json:"status"`
	BuyerApproved  bool            `json:"buyerApproved"`
	SellerApproved bool            `json:"sellerApproved"`
	ReleasedAmount decimal.Decimal `json:"releasedAmount"`
	Releases       []Release       `json:"releases"`
	DisputeID      string          `json:"disputeId,omitempty"`
	DisputeHistory []string        `json:"disputeHistory,omitempty"`
	ReservationRef string          `json:"reservationRef,omitempty"`
	TrackingID     string          `json:"trackingId,omitempty"`
	ShippedAt      *time.Time      `json:"shippedAt,omitempty"`
	CancelReason   string          `json:"cancelReason,omitempty"`
	Flagged        bool            `json:"flagged"`
	FlagReason     string          `json:"flagReason,omitempty"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Remaining is the escrowed balance not yet released.
func (o *Order) Remaining() decimal.Decimal {
	return o.Total.Sub(o.ReleasedAmount)
}

// BankID returns the registered bank for a side.
func (o *Order) BankID(side BankType) string {
	if side == BankBuyer {
		return o.BuyerBankID
	}
	return o.SellerBankID
}

// HasRelease reports whether a release of kind was already recorded.
func (o *Order) HasRelease(kind ReleaseKind) bool {
	for _, r := range o.Releases {
		if r.Kind == kind {
			return true
		}
	}
	return false
}

// PaidTo sums the releases that went to p.
func (o *Order) PaidTo(p Party) decimal.Decimal {
	total := decimal.Zero
	for _, r := range o.Releases {
		if r.Recipient == p {
			total = total.Add(r.Amount)
		}
	}
	return total
}

// RecipientID resolves a party to the client id the ledger pays.
func (o *Order) RecipientID(p Party) string {
	if p == PartyBuyer {
		return o.BuyerID
	}
	return o.SellerID
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (o *Order) Clone() *Order {
	cp := *o
	cp.Releases = append([]Release(nil), o.Releases...)
	cp.DisputeHistory = append([]string(nil), o.DisputeHistory...)
	if o.ShippedAt != nil {
		t := *o.ShippedAt
		cp.ShippedAt = &t
	}
	return &cp
}

// Release is one committed movement of escrowed funds.
type Release struct {
	ID             string          `json:"id"`
	OrderID        string          `json:"orderId"`
	Kind           ReleaseKind     `json:"kind"`
	Amount         decimal.Decimal `json:"amount"`
	Recipient      Party           `json:"recipient"`
	LedgerTxRef    string          `json:"ledgerTxRef"`
	IdempotencyKey string          `json:"idempotencyKey"`
	DisputeID      string          `json:"disputeId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// PendingRelease is a release whose ledger call has been issued but whose
// result is not yet committed. It records what the commit must do so a
// recovery pass can finish the transition if the ledger confirms it.
type PendingRelease struct {
	Key         string          `json:"key"`
	OrderID     string          `json:"orderId"`
	DisputeID   string          `json:"disputeId,omitempty"`
	Kind        ReleaseKind     `json:"kind"`
	Leg         Party           `json:"leg,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Recipient   Party           `json:"recipient"`
	FromStatus  Status          `json:"fromStatus"`
	ToStatus    Status          `json:"toStatus,omitempty"`
	ApproveSide BankType        `json:"approveSide,omitempty"`
	TrackingID  string          `json:"trackingId,omitempty"`
	Note        string          `json:"note,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// OrderFilter narrows ListOrders.
type OrderFilter struct {
	Status  Status
	PartyID string // buyer, seller or bank id
	Flagged *bool
	Limit   int
	Cursor  string
}

// Changeset is everything one operation persists. Stores apply it
// atomically: all rows or none.
type Changeset struct {
	Order        *Order
	Release      *Release
	Dispute      *Dispute
	NewDispute   bool
	Evidence     *Evidence
	ClearPending string
}

// Store persists orders, releases, disputes and pending releases.
type Store interface {
	CreateOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]*Order, error)
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	ListDisputes(ctx context.Context, orderID string) ([]*Dispute, error)
	ListUnsettledDisputes(ctx context.Context, limit int) ([]*Dispute, error)

	// Commit applies cs atomically. It fails with ErrConflict when
	// cs.Order.Version no longer matches the stored row, and bumps the
	// version on success.
	Commit(ctx context.Context, cs *Changeset) error

	SavePending(ctx context.Context, p *PendingRelease) error
	DeletePending(ctx context.Context, key string) error
	// ListPending returns pending releases for orderID, or all when empty.
	ListPending(ctx context.Context, orderID string) ([]*PendingRelease, error)
}

// ReleaseRequest is what the ledger needs to move escrowed funds.
type ReleaseRequest struct {
	OrderID        string
	Amount         decimal.Decimal
	Currency       string
	Recipient      Party
	RecipientID    string
	IdempotencyKey string
}

// ReserveRequest asks the ledger to hold the order total from the buyer.
type ReserveRequest struct {
	OrderID        string
	BuyerID        string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
}

//go:generate mockgen -destination=mocks/mock_escrow.go -package=mocks . LedgerClient,ClientVerifier,DocumentChecker

// LedgerClient abstracts the external ledger/escrow contract so escrow
// doesn't import ledger. Implementations must be idempotent on the key.
//
// ReleaseFunds errors wrapping ErrLedgerRejected are definite: no funds
// moved. Any other error, including a timeout, means the outcome is unknown.
type LedgerClient interface {
	ReleaseFunds(ctx context.Context, req ReleaseRequest) (txRef string, err error)
	LookupRelease(ctx context.Context, idempotencyKey string) (txRef string, found bool, err error)
}

// Reserver is implemented by ledgers that can hold funds at order placement.
type Reserver interface {
	Reserve(ctx context.Context, req ReserveRequest) (ref string, err error)
}

// ClientVerifier answers KYC questions.
type ClientVerifier interface {
	IsClientVerified(ctx context.Context, clientID string) (bool, error)
}

// DocumentChecker answers trade-document completeness questions.
type DocumentChecker interface {
	DocumentsComplete(ctx context.Context, orderID string) (bool, error)
}
