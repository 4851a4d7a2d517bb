package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/tradeescrow/internal/idgen"
	"github.com/mbd888/tradeescrow/internal/money"
	"github.com/mbd888/tradeescrow/internal/pagination"
	"github.com/mbd888/tradeescrow/internal/traces"
)

const (
	opPlaceOrder   = "PlaceOrder"
	opAssignBank   = "AssignBank"
	opApprove      = "RecordBankApproval"
	opShipment     = "ConfirmShipment"
	opDelivery     = "ConfirmDelivery"
	opOpenDispute  = "OpenDispute"
	opCancel       = "Cancel"
	opUnflag       = "Unflag"
	opReconcile    = "ReconcilePending"
	defaultListMax = 100
)

// PlaceOrderRequest contains the parameters for placing an order.
type PlaceOrderRequest struct {
	BuyerID        string `json:"buyerId" binding:"required"`
	SellerID       string `json:"sellerId" binding:"required"`
	BuyerBankID    string `json:"buyerBankId"`
	SellerBankID   string `json:"sellerBankId"`
	Total          string `json:"total" binding:"required"`
	Currency       string `json:"currency" binding:"required"`
	ReservationRef string `json:"reservationRef"`
}

// PlaceOrder creates an order in BANK_REVIEW and, when the ledger supports
// it, reserves the total from the buyer.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (order *Order, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+opPlaceOrder)
	defer func() { traces.End(span, err) }()

	buyer := strings.TrimSpace(req.BuyerID)
	seller := strings.TrimSpace(req.SellerID)
	if buyer == "" || seller == "" {
		return nil, invalidRequest(opPlaceOrder, "buyerId and sellerId are required")
	}
	if buyer == seller {
		return nil, invalidRequest(opPlaceOrder, "buyer and seller cannot be the same client")
	}
	currency, err := money.NormalizeCurrency(req.Currency)
	if err != nil {
		return nil, &Error{Kind: ErrInvalidRequest, Op: opPlaceOrder, Err: err}
	}
	total, err := money.ParsePositive(req.Total, currency)
	if err != nil {
		return nil, &Error{Kind: ErrInvalidRequest, Op: opPlaceOrder, Reason: "total", Err: err}
	}
	if !money.Half(total, currency).IsPositive() {
		return nil, invalidRequest(opPlaceOrder, "total is too small to split into two milestone releases")
	}

	if s.policy.RequireKYC {
		for _, client := range []string{buyer, seller} {
			if err := s.requireVerified(ctx, opPlaceOrder, "", client); err != nil {
				return nil, err
			}
		}
	}

	now := s.now().UTC()
	o := &Order{
		ID:             idgen.Order(),
		BuyerID:        buyer,
		SellerID:       seller,
		BuyerBankID:    strings.TrimSpace(req.BuyerBankID),
		SellerBankID:   strings.TrimSpace(req.SellerBankID),
		Total:          total,
		Currency:       currency,
		Status:         StatusBankReview,
		ReleasedAmount: money.Zero,
		ReservationRef: strings.TrimSpace(req.ReservationRef),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	span.SetAttributes(traces.OrderID(o.ID), traces.Amount(total.String()))

	if s.reserver != nil {
		ref, err := s.reserver.Reserve(ctx, ReserveRequest{
			OrderID:        o.ID,
			BuyerID:        buyer,
			Amount:         total,
			Currency:       currency,
			IdempotencyKey: ReserveKey(o.ID),
		})
		if err != nil {
			return nil, &Error{Kind: ErrLedgerReleaseFailed, Op: opPlaceOrder, OrderID: o.ID,
				Outcome: Outcome(err), Reason: "reserve escrow funds", Err: err}
		}
		o.ReservationRef = ref
	}

	if err := s.store.CreateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("escrow: create order: %w", err)
	}
	s.logger.Info("order placed", "order_id", o.ID, "total", total.String(), "currency", currency)
	s.publish(ctx, []Event{{Type: EventOrderPlaced, OrderID: o.ID, Status: o.Status, Payload: o, OccurredAt: now}})
	return o.Clone(), nil
}

// AssignBank registers the bank approving for one side. Banks can only be
// set while the order is in bank review; re-assigning the same bank is a no-op.
func (s *Service) AssignBank(ctx context.Context, orderID string, side BankType, bankID string) (*Order, error) {
	bankID = strings.TrimSpace(bankID)
	if !validBankType(side) || bankID == "" {
		return nil, invalidRequest(opAssignBank, "bankType must be buyer_bank or seller_bank and bankId is required")
	}
	return s.mutate(ctx, opAssignBank, orderID, nil, func(t *txn) error {
		o := t.order
		if o.Status != StatusBankReview {
			return statusError(opAssignBank, o)
		}
		switch current := o.BankID(side); current {
		case bankID:
			return nil
		case "":
		default:
			return &Error{Kind: ErrInvalidBank, Op: opAssignBank, OrderID: o.ID, State: o.Status,
				Reason: fmt.Sprintf("%s already registered", side)}
		}
		if s.policy.RequireKYC {
			if err := s.requireVerified(t.ctx, opAssignBank, o.ID, bankID); err != nil {
				return err
			}
		}
		next := o.Clone()
		if side == BankBuyer {
			next.BuyerBankID = bankID
		} else {
			next.SellerBankID = bankID
		}
		if err := s.commit(t, &Changeset{Order: next}); err != nil {
			return err
		}
		t.emit(s, EventOrderBankSet, "", map[string]any{"side": side, "bankId": bankID})
		return nil
	})
}

// RecordBankApproval records one bank's approval. When both banks have
// approved the order moves to IN_TRANSIT; under the consensus trigger the
// move and the PARTIAL_50 release to the seller happen as one unit, so a
// ledger failure leaves the order (and this approval) unchanged.
func (s *Service) RecordBankApproval(ctx context.Context, orderID string, side BankType, bankID string) (*Order, error) {
	if !validBankType(side) {
		return nil, invalidRequest(opApprove, "bankType must be buyer_bank or seller_bank")
	}
	key := OrderReleaseKey(orderID, KindPartial50)
	return s.mutate(ctx, opApprove, orderID, allowKey(key), func(t *txn) error {
		o := t.order
		c := ConsensusOf(o)

		if o.Status == StatusDisputed {
			return orderDisputed(opApprove, o)
		}
		if o.Status.IsTerminal() {
			return invalidTransition(opApprove, o)
		}
		registered := o.BankID(side)
		if registered == "" || registered != strings.TrimSpace(bankID) {
			return &Error{Kind: ErrInvalidBank, Op: opApprove, OrderID: o.ID, State: o.Status,
				Reason: fmt.Sprintf("%s %q is not the registered bank", side, bankID)}
		}
		if c.Approved(side) {
			return nil
		}
		if o.Status != StatusBankReview {
			return invalidTransition(opApprove, o)
		}
		if s.policy.RequireKYC {
			if err := s.requireVerified(t.ctx, opApprove, o.ID, bankID); err != nil {
				return err
			}
		}

		next, _ := c.Record(side)
		if !next.Reached() {
			updated := o.Clone()
			next.applyTo(updated)
			if err := s.commit(t, &Changeset{Order: updated}); err != nil {
				return err
			}
			t.emit(s, EventOrderApproved, "", map[string]any{"side": side})
			return nil
		}

		if s.policy.RequireDocuments {
			if err := s.requireDocuments(t.ctx, opApprove, o); err != nil {
				return err
			}
		}

		if s.policy.Trigger == TriggerShipment {
			updated := o.Clone()
			next.applyTo(updated)
			updated.Status = StatusInTransit
			if err := s.commit(t, &Changeset{Order: updated}); err != nil {
				return err
			}
			t.emit(s, EventOrderApproved, "", map[string]any{"side": side})
			t.emit(s, EventOrderInTransit, "", nil)
			return nil
		}

		return s.executeRelease(t, &PendingRelease{
			Key:         key,
			OrderID:     o.ID,
			Kind:        KindPartial50,
			Amount:      s.engine.Amount(KindPartial50, o),
			Recipient:   Recipient(KindPartial50),
			FromStatus:  StatusBankReview,
			ToStatus:    StatusInTransit,
			ApproveSide: side,
		})
	})
}

// ConfirmShipment attaches tracking metadata. Under the shipment trigger it
// also releases PARTIAL_50 to the seller.
func (s *Service) ConfirmShipment(ctx context.Context, orderID, trackingID string) (*Order, error) {
	trackingID = strings.TrimSpace(trackingID)
	if trackingID == "" {
		return nil, invalidRequest(opShipment, "trackingId is required")
	}
	key := OrderReleaseKey(orderID, KindPartial50)
	return s.mutate(ctx, opShipment, orderID, allowKey(key), func(t *txn) error {
		o := t.order
		if o.Status != StatusInTransit {
			return statusError(opShipment, o)
		}
		if o.TrackingID != "" {
			if o.TrackingID == trackingID {
				return nil
			}
			return &Error{Kind: ErrInvalidTransition, Op: opShipment, OrderID: o.ID, State: o.Status,
				Reason: "shipment already confirmed with tracking " + o.TrackingID}
		}

		partialDone := o.HasRelease(KindPartial50)
		if s.policy.Trigger == TriggerConsensus && !partialDone {
			return &Error{Kind: ErrInvalidTransition, Op: opShipment, OrderID: o.ID, State: o.Status,
				Reason: "PARTIAL_50 has not been released"}
		}

		amount := s.engine.Amount(KindPartial50, o)
		if s.policy.Trigger == TriggerShipment && !partialDone && amount.IsPositive() {
			return s.executeRelease(t, &PendingRelease{
				Key:        key,
				OrderID:    o.ID,
				Kind:       KindPartial50,
				Amount:     amount,
				Recipient:  Recipient(KindPartial50),
				FromStatus: StatusInTransit,
				TrackingID: trackingID,
			})
		}

		now := s.now().UTC()
		next := o.Clone()
		next.TrackingID = trackingID
		next.ShippedAt = &now
		if err := s.commit(t, &Changeset{Order: next}); err != nil {
			return err
		}
		t.emit(s, EventOrderShipped, "", map[string]any{"trackingId": trackingID})
		return nil
	})
}

// ConfirmDelivery releases the remaining balance to the seller and closes
// the order as DELIVERED.
func (s *Service) ConfirmDelivery(ctx context.Context, orderID string) (*Order, error) {
	key := OrderReleaseKey(orderID, KindFull100)
	return s.mutate(ctx, opDelivery, orderID, allowKey(key), func(t *txn) error {
		o := t.order
		if t.confirmedNow(key) {
			return nil
		}
		if o.Status != StatusInTransit {
			return statusError(opDelivery, o)
		}
		if s.policy.Trigger == TriggerShipment && o.TrackingID == "" {
			return &Error{Kind: ErrInvalidTransition, Op: opDelivery, OrderID: o.ID, State: o.Status,
				Reason: "shipment has not been confirmed"}
		}

		amount := s.engine.Amount(KindFull100, o)
		if !amount.IsPositive() {
			next := o.Clone()
			next.Status = StatusDelivered
			if err := s.commit(t, &Changeset{Order: next}); err != nil {
				return err
			}
			t.emit(s, EventOrderDelivered, "", nil)
			return nil
		}
		return s.executeRelease(t, &PendingRelease{
			Key:        key,
			OrderID:    o.ID,
			Kind:       KindFull100,
			Amount:     amount,
			Recipient:  Recipient(KindFull100),
			FromStatus: StatusInTransit,
			ToStatus:   StatusDelivered,
		})
	})
}

// Cancel closes an order still in bank review and refunds whatever is
// escrowed to the buyer.
func (s *Service) Cancel(ctx context.Context, orderID, reason string) (*Order, error) {
	reason = strings.TrimSpace(reason)
	key := OrderReleaseKey(orderID, KindRefund)
	return s.mutate(ctx, opCancel, orderID, allowKey(key), func(t *txn) error {
		o := t.order
		if t.confirmedNow(key) {
			return nil
		}
		if o.Status != StatusBankReview {
			return statusError(opCancel, o)
		}
		amount := s.engine.Amount(KindRefund, o)
		if !amount.IsPositive() {
			next := o.Clone()
			next.Status = StatusCancelled
			next.CancelReason = reason
			if err := s.commit(t, &Changeset{Order: next}); err != nil {
				return err
			}
			t.emit(s, EventOrderCancelled, "", nil)
			return nil
		}
		return s.executeRelease(t, &PendingRelease{
			Key:        key,
			OrderID:    o.ID,
			Kind:       KindRefund,
			Amount:     amount,
			Recipient:  Recipient(KindRefund),
			FromStatus: StatusBankReview,
			ToStatus:   StatusCancelled,
			Note:       reason,
		})
	})
}

// Unflag clears the manual-reconciliation flag after an operator has
// reconciled the order with the ledger.
func (s *Service) Unflag(ctx context.Context, orderID, operator, note string) (*Order, error) {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return nil, invalidRequest(opUnflag, "operator is required")
	}
	return s.mutate(ctx, opUnflag, orderID, nil, func(t *txn) error {
		o := t.order
		if !o.Flagged {
			return nil
		}
		if o.Remaining().IsNegative() {
			return &Error{Kind: ErrInvariantViolation, Op: opUnflag, OrderID: o.ID, State: o.Status,
				Reason: "released amount still exceeds total"}
		}
		next := o.Clone()
		next.Flagged = false
		next.FlagReason = ""
		if err := s.commit(t, &Changeset{Order: next}); err != nil {
			return err
		}
		s.logger.Warn("order unflagged by operator", "order_id", o.ID, "operator", operator, "note", note)
		t.emit(s, EventOrderUnflagged, "", map[string]any{"operator": operator, "note": note})
		return nil
	})
}

// GetOrder returns an order with its release ledger.
func (s *Service) GetOrder(ctx context.Context, id string) (*Order, error) {
	o, err := s.store.GetOrder(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, notFound("GetOrder", "order", id)
	}
	return o, err
}

// OrderPage is one page of ListOrders.
type OrderPage struct {
	Orders     []*Order `json:"orders"`
	NextCursor string   `json:"nextCursor,omitempty"`
	HasMore    bool     `json:"hasMore"`
}

// ListOrders returns orders matching filter, newest first.
func (s *Service) ListOrders(ctx context.Context, filter OrderFilter) (*OrderPage, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, invalidRequest("ListOrders", "unknown status "+string(filter.Status))
	}
	if _, err := pagination.Decode(filter.Cursor); err != nil {
		return nil, &Error{Kind: ErrInvalidRequest, Op: "ListOrders", Err: err}
	}
	if filter.Limit <= 0 || filter.Limit > defaultListMax {
		filter.Limit = defaultListMax
	}
	limit := filter.Limit
	filter.Limit++

	orders, err := s.store.ListOrders(ctx, filter)
	if err != nil {
		return nil, err
	}
	page, next, more := pagination.ComputePage(orders, limit, func(o *Order) (time.Time, string) {
		return o.CreatedAt, o.ID
	})
	return &OrderPage{Orders: page, NextCursor: next, HasMore: more}, nil
}

// ListReleases returns the ordered release ledger of an order.
func (s *Service) ListReleases(ctx context.Context, orderID string) ([]Release, error) {
	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return o.Releases, nil
}

func (s *Service) requireVerified(ctx context.Context, op, orderID, clientID string) error {
	if s.verifier == nil {
		return &Error{Kind: ErrClientNotVerified, Op: op, OrderID: orderID, Reason: "no KYC verifier configured"}
	}
	ok, err := s.verifier.IsClientVerified(ctx, clientID)
	if err != nil {
		return fmt.Errorf("escrow: kyc lookup for %s: %w", clientID, err)
	}
	if !ok {
		return &Error{Kind: ErrClientNotVerified, Op: op, OrderID: orderID, Reason: clientID}
	}
	return nil
}

func (s *Service) requireDocuments(ctx context.Context, op string, o *Order) error {
	if s.documents == nil {
		return &Error{Kind: ErrDocumentsIncomplete, Op: op, OrderID: o.ID, State: o.Status, Reason: "no document checker configured"}
	}
	ok, err := s.documents.DocumentsComplete(ctx, o.ID)
	if err != nil {
		return fmt.Errorf("escrow: document lookup for %s: %w", o.ID, err)
	}
	if !ok {
		return &Error{Kind: ErrDocumentsIncomplete, Op: op, OrderID: o.ID, State: o.Status}
	}
	return nil
}

// statusError reports a wrong-state failure, singling out disputed orders.
func statusError(op string, o *Order) error {
	if o.Status == StatusDisputed {
		return orderDisputed(op, o)
	}
	return invalidTransition(op, o)
}
