package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tradeescrow/internal/idgen"
	"github.com/mbd888/tradeescrow/internal/metrics"
	"github.com/mbd888/tradeescrow/internal/money"
)

// DisputeStatus is the dispute lifecycle state.
type DisputeStatus string

const (
	DisputeOpen        DisputeStatus = "Open"
	DisputeUnderReview DisputeStatus = "UnderReview"
	DisputeResolved    DisputeStatus = "Resolved"
)

// Initiator is the trade party raising a dispute.
type Initiator string

const (
	InitiatorBuyer    Initiator = "Buyer"
	InitiatorProducer Initiator = "Producer"
)

// Priority of a dispute.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// RulingType is the closed set of arbitration outcomes.
type RulingType string

const (
	RulingPartialRefund RulingType = "PartialRefund"
	RulingFullRefund    RulingType = "FullRefund"
	RulingReleaseFunds  RulingType = "ReleaseFunds"
)

// Dispute is a contested order under arbitration.
type Dispute struct {
	ID           string          `json:"id"`
	OrderID      string          `json:"orderId"`
	InitiatedBy  Initiator       `json:"initiatedBy"`
	Reason       string          `json:"reason"`
	Priority     Priority        `json:"priority"`
	Status       DisputeStatus   `json:"status"`
	Amount       decimal.Decimal `json:"amount"`
	ArbitratorID string          `json:"arbitratorId,omitempty"`
	Evidence     []Evidence      `json:"evidence"`
	Ruling       *Ruling         `json:"ruling,omitempty"`
	Settled      bool            `json:"settled"`
	ResolvedAt   *time.Time      `json:"resolvedAt,omitempty"`
	SettledAt    *time.Time      `json:"settledAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Clone returns a deep copy.
func (d *Dispute) Clone() *Dispute {
	cp := *d
	cp.Evidence = append([]Evidence(nil), d.Evidence...)
	if d.Ruling != nil {
		r := *d.Ruling
		cp.Ruling = &r
	}
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	if d.SettledAt != nil {
		t := *d.SettledAt
		cp.SettledAt = &t
	}
	return &cp
}

// Evidence is an append-only submission to a dispute.
type Evidence struct {
	ID          string    `json:"id"`
	DisputeID   string    `json:"disputeId"`
	SubmittedBy string    `json:"submittedBy"`
	Description string    `json:"description"`
	DocumentRef string    `json:"documentRef,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Ruling is the binding decision on a dispute. Amount is set for
// PartialRefund (the refund) and FullRefund (the contested amount).
type Ruling struct {
	ID           string              `json:"id"`
	Type         RulingType          `json:"rulingType"`
	Amount       decimal.NullDecimal `json:"amount"`
	Reasoning    string              `json:"reasoning"`
	ArbitratorID string              `json:"arbitratorId"`
	CreatedAt    time.Time           `json:"createdAt"`
}

// OpenDisputeRequest contains the parameters for raising a dispute.
type OpenDisputeRequest struct {
	InitiatedBy Initiator `json:"initiatedBy" binding:"required"`
	Reason      string    `json:"reason" binding:"required"`
	Priority    Priority  `json:"priority"`
	Amount      string    `json:"amount" binding:"required"`
}

// EvidenceRequest contains the parameters for submitting evidence.
type EvidenceRequest struct {
	SubmittedBy string `json:"submittedBy" binding:"required"`
	Description string `json:"description" binding:"required"`
	DocumentRef string `json:"documentRef"`
}

// RulingRequest contains the parameters for issuing a ruling.
type RulingRequest struct {
	ArbitratorID string     `json:"arbitratorId" binding:"required"`
	Type         RulingType `json:"rulingType" binding:"required"`
	Amount       *string    `json:"amount"`
	Reasoning    string     `json:"reasoning" binding:"required"`
}

// settlementLeg is one DISPUTE_SETTLEMENT release a ruling requires.
type settlementLeg struct {
	Party  Party
	Amount decimal.Decimal
}

// settlementLegs expands a ruling into its disbursements. Zero-amount legs
// are omitted.
func settlementLegs(d *Dispute) []settlementLeg {
	if d.Ruling == nil {
		return nil
	}
	var legs []settlementLeg
	add := func(p Party, amt decimal.Decimal) {
		if amt.IsPositive() {
			legs = append(legs, settlementLeg{Party: p, Amount: amt})
		}
	}
	switch d.Ruling.Type {
	case RulingPartialRefund:
		refund := d.Ruling.Amount.Decimal
		add(PartyBuyer, refund)
		add(PartySeller, d.Amount.Sub(refund))
	case RulingFullRefund:
		add(PartyBuyer, d.Amount)
	case RulingReleaseFunds:
		add(PartySeller, d.Amount)
	}
	return legs
}

func settlementComplete(o *Order, d *Dispute) bool {
	if d.Ruling == nil {
		return false
	}
	for _, leg := range settlementLegs(d) {
		if !hasReleaseKey(o, SettlementKey(d.ID, d.Ruling.ID, leg.Party)) {
			return false
		}
	}
	return true
}

func hasReleaseKey(o *Order, key string) bool {
	for _, r := range o.Releases {
		if r.IdempotencyKey == key {
			return true
		}
	}
	return false
}

// exitStatus is where a settled order goes: back to where it was heading
// while escrow remains, otherwise closed as delivered if the seller was paid
// anything and cancelled if not. An order disputed before both banks
// approved goes back to bank review so the approval gate still applies.
func exitStatus(o *Order) Status {
	switch {
	case o.Remaining().IsPositive() && !ConsensusOf(o).Reached():
		return StatusBankReview
	case o.Remaining().IsPositive():
		return StatusInTransit
	case o.PaidTo(PartySeller).IsPositive():
		return StatusDelivered
	default:
		return StatusCancelled
	}
}

// finishSettlement moves order and dispute out of arbitration in memory.
func (s *Service) finishSettlement(o *Order, d *Dispute, now time.Time) {
	if o.Status == StatusDisputed && o.DisputeID == d.ID {
		o.Status = exitStatus(o)
		o.DisputeID = ""
	}
	d.Settled = true
	d.SettledAt = &now
	d.UpdatedAt = now
}

const (
	opAssignArbitrator = "AssignArbitrator"
	opSubmitEvidence   = "SubmitEvidence"
	opIssueRuling      = "IssueRuling"
	opSettleDispute    = "SettleDispute"
)

// Arbitration is the dispute engine. It shares the order locks and store of
// the state machine it was built from.
type Arbitration struct {
	svc *Service
}

// NewArbitration creates the dispute engine over svc.
func NewArbitration(svc *Service) *Arbitration {
	return &Arbitration{svc: svc}
}

// OpenDispute freezes an order in DISPUTED and creates an Open dispute for
// an amount no larger than what is still escrowed.
func (s *Service) OpenDispute(ctx context.Context, orderID string, req OpenDisputeRequest) (*Dispute, error) {
	if req.InitiatedBy != InitiatorBuyer && req.InitiatedBy != InitiatorProducer {
		return nil, invalidRequest(opOpenDispute, "initiatedBy must be Buyer or Producer")
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, invalidRequest(opOpenDispute, "reason is required")
	}
	if req.Priority == "" {
		req.Priority = PriorityMedium
	}
	if !req.Priority.valid() {
		return nil, invalidRequest(opOpenDispute, "priority must be low, medium, high or urgent")
	}

	var created *Dispute
	_, err := s.mutate(ctx, opOpenDispute, orderID, nil, func(t *txn) error {
		o := t.order
		if o.Status == StatusDisputed {
			return orderDisputed(opOpenDispute, o)
		}
		if o.Status != StatusBankReview && o.Status != StatusInTransit {
			return invalidTransition(opOpenDispute, o)
		}
		amount, err := money.ParsePositive(req.Amount, o.Currency)
		if err != nil {
			return &Error{Kind: ErrInvalidRequest, Op: opOpenDispute, OrderID: o.ID, Reason: "amount", Err: err}
		}
		if amount.GreaterThan(o.Remaining()) {
			return &Error{Kind: ErrAmountExceedsEscrow, Op: opOpenDispute, OrderID: o.ID, State: o.Status,
				Reason: fmt.Sprintf("disputed %s exceeds remaining escrow %s", amount, o.Remaining())}
		}

		now := s.now().UTC()
		d := &Dispute{
			ID:          idgen.Dispute(),
			OrderID:     o.ID,
			InitiatedBy: req.InitiatedBy,
			Reason:      reason,
			Priority:    req.Priority,
			Status:      DisputeOpen,
			Amount:      amount,
			Evidence:    []Evidence{},
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		next := o.Clone()
		next.Status = StatusDisputed
		next.DisputeID = d.ID
		next.DisputeHistory = append(next.DisputeHistory, d.ID)
		if err := s.commit(t, &Changeset{Order: next, Dispute: d, NewDispute: true}); err != nil {
			return err
		}
		metrics.DisputesOpenedTotal.WithLabelValues(string(d.Priority)).Inc()
		t.emit(s, EventDisputeOpened, d.ID, d)
		created = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created.Clone(), nil
}

// mutateDispute locks the dispute's order and hands fn a fresh copy of it.
func (a *Arbitration) mutateDispute(ctx context.Context, op, disputeID string, allow allowFunc, fn func(t *txn, d *Dispute) error) (*Dispute, error) {
	s := a.svc
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFound(op, "dispute", disputeID)
		}
		return nil, err
	}
	if allow == nil {
		allow = func(p *PendingRelease) bool { return p.DisputeID == disputeID }
	}

	var result *Dispute
	_, err = s.mutate(ctx, op, d.OrderID, allow, func(t *txn) error {
		current, err := s.store.GetDispute(t.ctx, disputeID)
		if err != nil {
			return err
		}
		result = current
		return fn(t, current)
	})
	if err != nil {
		return nil, err
	}
	return result.Clone(), nil
}

// AssignArbitrator puts an Open dispute under review. Reassigning while
// under review replaces the arbitrator.
func (a *Arbitration) AssignArbitrator(ctx context.Context, disputeID, arbitratorID string) (*Dispute, error) {
	s := a.svc
	arbitratorID = strings.TrimSpace(arbitratorID)
	if arbitratorID == "" {
		return nil, invalidRequest(opAssignArbitrator, "arbitratorId is required")
	}
	return a.mutateDispute(ctx, opAssignArbitrator, disputeID, nil, func(t *txn, d *Dispute) error {
		if d.Status == DisputeResolved {
			return &Error{Kind: ErrAlreadyResolved, Op: opAssignArbitrator, OrderID: d.OrderID, DisputeID: d.ID}
		}
		if d.ArbitratorID == arbitratorID {
			return nil
		}
		d.ArbitratorID = arbitratorID
		d.Status = DisputeUnderReview
		d.UpdatedAt = s.now().UTC()
		if err := s.commit(t, &Changeset{Dispute: d}); err != nil {
			return err
		}
		t.emit(s, EventDisputeAssigned, d.ID, map[string]any{"arbitratorId": arbitratorID})
		return nil
	})
}

// SubmitEvidence appends evidence to an unresolved dispute.
func (a *Arbitration) SubmitEvidence(ctx context.Context, disputeID string, req EvidenceRequest) (*Dispute, error) {
	s := a.svc
	submitter := strings.TrimSpace(req.SubmittedBy)
	desc := strings.TrimSpace(req.Description)
	if submitter == "" || desc == "" {
		return nil, invalidRequest(opSubmitEvidence, "submittedBy and description are required")
	}
	return a.mutateDispute(ctx, opSubmitEvidence, disputeID, nil, func(t *txn, d *Dispute) error {
		if d.Status == DisputeResolved {
			return &Error{Kind: ErrAlreadyResolved, Op: opSubmitEvidence, OrderID: d.OrderID, DisputeID: d.ID}
		}
		now := s.now().UTC()
		ev := Evidence{
			ID:          idgen.Evidence(),
			DisputeID:   d.ID,
			SubmittedBy: submitter,
			Description: desc,
			DocumentRef: strings.TrimSpace(req.DocumentRef),
			CreatedAt:   now,
		}
		d.Evidence = append(d.Evidence, ev)
		d.UpdatedAt = now
		if err := s.commit(t, &Changeset{Dispute: d, Evidence: &ev}); err != nil {
			return err
		}
		t.emit(s, EventDisputeEvidence, d.ID, ev)
		return nil
	})
}

// IssueRuling records the one binding ruling and disburses it. The ruling is
// committed before any funds move; if a settlement leg then fails, the
// dispute stays Resolved but unsettled, the order stays DISPUTED, and
// SettleDispute (or the reconcile timer) finishes the remaining legs. A leg
// the ledger definitely rejects flags the order instead, and settlement
// resumes only after an operator unflags it.
func (a *Arbitration) IssueRuling(ctx context.Context, disputeID string, req RulingRequest) (*Dispute, error) {
	s := a.svc
	arbitratorID := strings.TrimSpace(req.ArbitratorID)
	if arbitratorID == "" {
		return nil, &Error{Kind: ErrInvalidRuling, Op: opIssueRuling, DisputeID: disputeID, Reason: "arbitratorId is required"}
	}
	return a.mutateDispute(ctx, opIssueRuling, disputeID, nil, func(t *txn, d *Dispute) error {
		if d.Status == DisputeResolved {
			return &Error{Kind: ErrAlreadyResolved, Op: opIssueRuling, OrderID: d.OrderID, DisputeID: d.ID}
		}
		if d.ArbitratorID != "" && d.ArbitratorID != arbitratorID {
			return &Error{Kind: ErrInvalidRuling, Op: opIssueRuling, OrderID: d.OrderID, DisputeID: d.ID,
				Reason: "ruling must come from the assigned arbitrator"}
		}
		amount, err := validateRuling(req, d, t.order.Currency)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		d.Ruling = &Ruling{
			ID:           idgen.Ruling(),
			Type:         req.Type,
			Amount:       amount,
			Reasoning:    strings.TrimSpace(req.Reasoning),
			ArbitratorID: arbitratorID,
			CreatedAt:    now,
		}
		d.ArbitratorID = arbitratorID
		d.Status = DisputeResolved
		d.ResolvedAt = &now
		d.UpdatedAt = now
		if err := s.commit(t, &Changeset{Dispute: d}); err != nil {
			return err
		}
		metrics.RulingsTotal.WithLabelValues(string(req.Type)).Inc()
		s.logger.Info("ruling issued", "dispute_id", d.ID, "order_id", d.OrderID, "type", req.Type, "arbitrator", arbitratorID)
		t.emit(s, EventDisputeResolved, d.ID, d.Ruling)

		return a.settle(t, d)
	})
}

// SettleDispute retries the outstanding settlement legs of a ruling.
func (a *Arbitration) SettleDispute(ctx context.Context, disputeID string) (*Dispute, error) {
	return a.mutateDispute(ctx, opSettleDispute, disputeID, nil, func(t *txn, d *Dispute) error {
		if d.Status != DisputeResolved {
			return &Error{Kind: ErrInvalidTransition, Op: opSettleDispute, OrderID: d.OrderID, DisputeID: d.ID,
				Reason: "dispute has no ruling"}
		}
		if d.Settled {
			return nil
		}
		return a.settle(t, d)
	})
}

// settle runs every leg not yet on the order's release ledger. The commit of
// the last leg also closes the dispute; settled is updated in place so the
// caller returns the final dispute state.
func (a *Arbitration) settle(t *txn, d *Dispute) error {
	s := a.svc
	for _, leg := range settlementLegs(d) {
		key := SettlementKey(d.ID, d.Ruling.ID, leg.Party)
		if hasReleaseKey(t.order, key) {
			continue
		}
		err := s.executeRelease(t, &PendingRelease{
			Key:        key,
			OrderID:    d.OrderID,
			DisputeID:  d.ID,
			Kind:       KindDisputeSettlement,
			Leg:        leg.Party,
			Amount:     leg.Amount,
			Recipient:  leg.Party,
			FromStatus: StatusDisputed,
		})
		if err != nil {
			if Outcome(err) == OutcomeRejected {
				s.logger.Error("settlement leg rejected by ledger, flagging order",
					"order_id", d.OrderID, "dispute_id", d.ID, "leg", leg.Party, "error", err)
				s.markFlagged(t, fmt.Sprintf("ledger rejected %s settlement leg of dispute %s", leg.Party, d.ID))
			}
			return err
		}
	}

	fresh, err := s.store.GetDispute(t.ctx, d.ID)
	if err != nil {
		return err
	}
	if !fresh.Settled {
		// Every leg is on the ledger but the closing commit never happened.
		now := s.now().UTC()
		next := t.order.Clone()
		s.finishSettlement(next, fresh, now)
		if err := s.commit(t, &Changeset{Order: next, Dispute: fresh}); err != nil {
			return err
		}
		t.emit(s, EventDisputeSettled, fresh.ID, fresh)
		t.emit(s, statusEvent(t.order.Status), "", nil)
	}
	*d = *fresh
	return nil
}

func validateRuling(req RulingRequest, d *Dispute, currency string) (decimal.NullDecimal, error) {
	invalid := func(reason string) (decimal.NullDecimal, error) {
		return decimal.NullDecimal{}, &Error{Kind: ErrInvalidRuling, Op: opIssueRuling,
			OrderID: d.OrderID, DisputeID: d.ID, Reason: reason}
	}
	switch req.Type {
	case RulingPartialRefund:
		if req.Amount == nil {
			return invalid("PartialRefund requires an amount")
		}
		amt, ok := money.Parse(*req.Amount)
		if !ok || !amt.IsPositive() {
			return invalid("PartialRefund amount must be positive")
		}
		if money.CheckScale(amt, currency) != nil {
			return invalid("PartialRefund amount has too many decimals")
		}
		if amt.GreaterThan(d.Amount) {
			return invalid(fmt.Sprintf("PartialRefund amount %s exceeds disputed amount %s", amt, d.Amount))
		}
		return decimal.NewNullDecimal(amt), nil
	case RulingFullRefund:
		if req.Amount != nil {
			if amt, ok := money.Parse(*req.Amount); !ok || !amt.Equal(d.Amount) {
				return invalid("FullRefund amount must equal the disputed amount")
			}
		}
		return decimal.NewNullDecimal(d.Amount), nil
	case RulingReleaseFunds:
		if req.Amount != nil && strings.TrimSpace(*req.Amount) != "" {
			return invalid("ReleaseFunds does not take an amount")
		}
		return decimal.NullDecimal{}, nil
	default:
		return invalid("rulingType must be PartialRefund, FullRefund or ReleaseFunds")
	}
}

// GetDispute returns a dispute with its evidence and ruling.
func (a *Arbitration) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	d, err := a.svc.store.GetDispute(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, notFound("GetDispute", "dispute", id)
	}
	return d, err
}

// ListDisputes returns every dispute ever opened on an order, oldest first.
func (a *Arbitration) ListDisputes(ctx context.Context, orderID string) ([]*Dispute, error) {
	if _, err := a.svc.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return a.svc.store.ListDisputes(ctx, orderID)
}
