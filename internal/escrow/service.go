package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/tradeescrow/internal/idgen"
	"github.com/mbd888/tradeescrow/internal/metrics"
	"github.com/mbd888/tradeescrow/internal/syncutil"
	"github.com/mbd888/tradeescrow/internal/traces"
)

// Trigger selects which milestone releases PARTIAL_50.
type Trigger string

const (
	TriggerConsensus Trigger = "consensus"
	TriggerShipment  Trigger = "shipment"
)

// DefaultPendingGrace is how long an unconfirmed release intent may stay
// unknown to the ledger before it is considered never executed.
const DefaultPendingGrace = 10 * time.Minute

// Policy holds the configurable business rules.
type Policy struct {
	Trigger          Trigger
	RequireKYC       bool
	RequireDocuments bool
	LedgerTimeout    time.Duration
	PendingGrace     time.Duration
}

// DefaultPolicy releases on consensus and enforces no collaborator gates.
var DefaultPolicy = Policy{
	Trigger:       TriggerConsensus,
	LedgerTimeout: DefaultLedgerTimeout,
	PendingGrace:  DefaultPendingGrace,
}

// Service is the order state machine. All mutations of one order are
// serialized on the order id; disputes lock their order's id.
type Service struct {
	store     Store
	engine    *ReleaseEngine
	ledger    LedgerClient
	reserver  Reserver
	verifier  ClientVerifier
	documents DocumentChecker
	events    Publisher
	policy    Policy
	locks     *syncutil.KeyedMutex
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new escrow service. If ledger also implements
// Reserver, orders reserve their total at placement.
func NewService(store Store, ledger LedgerClient) *Service {
	s := &Service{
		store:  store,
		ledger: ledger,
		engine: NewReleaseEngine(ledger, DefaultPolicy.LedgerTimeout),
		events: nopPublisher{},
		policy: DefaultPolicy,
		locks:  syncutil.NewKeyedMutex(),
		logger: slog.Default(),
		now:    time.Now,
	}
	if r, ok := ledger.(Reserver); ok {
		s.reserver = r
	}
	return s
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithPolicy replaces the business rules. Zero durations keep their defaults.
func (s *Service) WithPolicy(p Policy) *Service {
	if p.Trigger == "" {
		p.Trigger = TriggerConsensus
	}
	if p.LedgerTimeout <= 0 {
		p.LedgerTimeout = DefaultLedgerTimeout
	}
	if p.PendingGrace <= 0 {
		p.PendingGrace = DefaultPendingGrace
	}
	s.policy = p
	s.engine = NewReleaseEngine(s.ledger, p.LedgerTimeout)
	return s
}

// WithVerifier adds the KYC collaborator.
func (s *Service) WithVerifier(v ClientVerifier) *Service {
	s.verifier = v
	return s
}

// WithDocuments adds the trade-document collaborator.
func (s *Service) WithDocuments(d DocumentChecker) *Service {
	s.documents = d
	return s
}

// WithPublisher adds a domain event publisher.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.events = p
	return s
}

// Policy returns the active business rules.
func (s *Service) Policy() Policy {
	return s.policy
}

// txn carries one serialized operation on one order.
type txn struct {
	ctx      context.Context
	op       string
	order    *Order
	inflight map[string]*PendingRelease
	events   []Event

	confirmed, dropped int
	confirmedKeys      map[string]bool
}

// confirmedNow reports whether the release under key was committed by this
// txn's reconciliation, i.e. an earlier attempt of the same operation had
// already reached the ledger.
func (t *txn) confirmedNow(key string) bool {
	return t.confirmedKeys[key]
}

func (t *txn) emit(s *Service, typ, disputeID string, payload any) {
	t.events = append(t.events, Event{
		Type:       typ,
		OrderID:    t.order.ID,
		DisputeID:  disputeID,
		Status:     t.order.Status,
		Payload:    payload,
		OccurredAt: s.now().UTC(),
	})
}

// allowFunc decides which unconfirmed release intents an operation may
// re-issue itself. Intents it does not claim block the operation.
type allowFunc func(p *PendingRelease) bool

func allowKey(key string) allowFunc {
	return func(p *PendingRelease) bool { return p.Key == key }
}

// mutate runs fn with the order locked, loaded, unflagged and with its
// outstanding release intents reconciled against the ledger.
func (s *Service) mutate(ctx context.Context, op, orderID string, allow allowFunc, fn func(t *txn) error) (order *Order, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+op, traces.OrderID(orderID))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.LockContext(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("escrow: lock order %s: %w", orderID, err)
	}
	defer unlock()

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFound(op, "order", orderID)
		}
		return nil, err
	}
	if o.Flagged && op != opUnflag {
		return nil, flaggedError(op, o)
	}

	t := &txn{ctx: ctx, op: op, order: o}
	defer func() { s.publish(ctx, t.events) }()

	if op != opUnflag {
		if err := s.settlePending(t, allow); err != nil {
			return nil, err
		}
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	return t.order, nil
}

// settlePending resolves release intents left by earlier attempts.
// Confirmed intents are committed, intents the ledger never saw are dropped
// once older than the grace period, and the rest are either claimed by the
// current operation (same idempotency key) or block it.
func (s *Service) settlePending(t *txn, allow allowFunc) error {
	pending, err := s.store.ListPending(t.ctx, t.order.ID)
	if err != nil {
		return fmt.Errorf("escrow: list pending releases: %w", err)
	}
	for _, p := range pending {
		ref, found, err := s.engine.Lookup(t.ctx, p.Key)
		switch {
		case err == nil && found:
			s.logger.Info("pending release confirmed by ledger",
				"order_id", p.OrderID, "kind", p.Kind, "key", p.Key, "tx_ref", ref)
			if err := s.commitRelease(t, p, ref); err != nil {
				return err
			}
			t.confirmed++
			if t.confirmedKeys == nil {
				t.confirmedKeys = make(map[string]bool)
			}
			t.confirmedKeys[p.Key] = true
			continue
		case err == nil && s.now().Sub(p.CreatedAt) > s.policy.PendingGrace:
			s.logger.Warn("dropping release intent unknown to ledger",
				"order_id", p.OrderID, "kind", p.Kind, "key", p.Key, "age", s.now().Sub(p.CreatedAt).String())
			if err := s.store.DeletePending(t.ctx, p.Key); err != nil {
				return fmt.Errorf("escrow: drop pending release: %w", err)
			}
			metrics.PendingReleases.Dec()
			t.dropped++
			continue
		}

		if allow != nil && allow(p) {
			if t.inflight == nil {
				t.inflight = make(map[string]*PendingRelease)
			}
			t.inflight[p.Key] = p
			continue
		}
		return &Error{Kind: ErrLedgerReleaseFailed, Op: t.op, OrderID: p.OrderID, DisputeID: p.DisputeID,
			State: t.order.Status, Outcome: OutcomeUnknown,
			Reason: fmt.Sprintf("%s release %s is still awaiting ledger confirmation", p.Kind, p.Key), Err: err}
	}
	return nil
}

// executeRelease records an intent, calls the ledger and commits the result.
func (s *Service) executeRelease(t *txn, p *PendingRelease) error {
	if err := s.engine.CheckInvariant(t.order, p.Amount); err != nil {
		return s.flag(t, err)
	}

	if prev, ok := t.inflight[p.Key]; ok {
		// Retry of an attempt whose outcome was unknown: same key, same intent.
		delete(t.inflight, p.Key)
		p = prev
	} else {
		p.CreatedAt = s.now().UTC()
		if err := s.store.SavePending(t.ctx, p); err != nil {
			return fmt.Errorf("escrow: save pending release: %w", err)
		}
		metrics.PendingReleases.Inc()
	}

	ref, err := s.engine.Release(t.ctx, t.order, p)
	if err != nil {
		outcome := Outcome(err)
		metrics.LedgerFailuresTotal.WithLabelValues(outcome).Inc()
		if outcome == OutcomeRejected {
			if derr := s.store.DeletePending(t.ctx, p.Key); derr != nil {
				s.logger.Error("failed to drop rejected release intent", "key", p.Key, "error", derr)
			} else {
				metrics.PendingReleases.Dec()
			}
		}
		s.logger.Warn("ledger release failed",
			"order_id", t.order.ID, "kind", p.Kind, "amount", p.Amount.String(),
			"key", p.Key, "outcome", outcome, "error", err)
		return &Error{Kind: ErrLedgerReleaseFailed, Op: t.op, OrderID: t.order.ID, DisputeID: p.DisputeID,
			State: t.order.Status, Outcome: outcome, Err: err}
	}

	if err := s.commitRelease(t, p, ref); err != nil {
		s.logger.Error("CRITICAL: ledger released funds but commit failed; recovery pass will retry",
			"order_id", t.order.ID, "kind", p.Kind, "key", p.Key, "tx_ref", ref, "error", err)
		return err
	}
	return nil
}

// commitRelease applies a ledger-confirmed intent to the order in one
// store commit, clearing the intent in the same changeset.
func (s *Service) commitRelease(t *txn, p *PendingRelease, txRef string) error {
	now := s.now().UTC()
	next := t.order.Clone()

	rel := Release{
		ID:             idgen.Release(),
		OrderID:        next.ID,
		Kind:           p.Kind,
		Amount:         p.Amount,
		Recipient:      p.Recipient,
		LedgerTxRef:    txRef,
		IdempotencyKey: p.Key,
		DisputeID:      p.DisputeID,
		CreatedAt:      now,
	}
	next.Releases = append(next.Releases, rel)
	next.ReleasedAmount = next.ReleasedAmount.Add(p.Amount)

	if p.ApproveSide != "" {
		c, _ := ConsensusOf(next).Record(p.ApproveSide)
		c.applyTo(next)
	}
	if p.TrackingID != "" && next.TrackingID == "" {
		next.TrackingID = p.TrackingID
		next.ShippedAt = &now
	}
	if p.ToStatus != "" && next.Status == p.FromStatus {
		next.Status = p.ToStatus
		if p.ToStatus == StatusCancelled {
			next.CancelReason = p.Note
		}
	}

	cs := &Changeset{Order: next, Release: &rel, ClearPending: p.Key}

	var settled *Dispute
	if p.Kind == KindDisputeSettlement {
		d, err := s.store.GetDispute(t.ctx, p.DisputeID)
		if err != nil {
			return fmt.Errorf("escrow: load dispute for settlement: %w", err)
		}
		if settlementComplete(next, d) {
			s.finishSettlement(next, d, now)
			cs.Dispute = d
			settled = d
		}
	}

	if err := s.commit(t, cs); err != nil {
		return err
	}
	metrics.PendingReleases.Dec()
	metrics.ReleasesTotal.WithLabelValues(string(rel.Kind), string(rel.Recipient)).Inc()
	s.logger.Info("release recorded",
		"order_id", next.ID, "kind", rel.Kind, "amount", rel.Amount.String(),
		"recipient", rel.Recipient, "tx_ref", txRef)

	t.emit(s, EventReleaseRecorded, rel.DisputeID, rel)
	if p.ApproveSide != "" {
		t.emit(s, EventOrderApproved, "", map[string]any{"side": p.ApproveSide})
	}
	if p.TrackingID != "" {
		t.emit(s, EventOrderShipped, "", map[string]any{"trackingId": p.TrackingID})
	}
	if p.ToStatus != "" && t.order.Status == p.ToStatus {
		t.emit(s, statusEvent(p.ToStatus), "", nil)
	}
	if settled != nil {
		t.emit(s, EventDisputeSettled, settled.ID, settled)
		t.emit(s, statusEvent(t.order.Status), "", nil)
	}
	return nil
}

// commit persists cs and, on success, makes cs.Order the txn's order.
func (s *Service) commit(t *txn, cs *Changeset) error {
	if cs.Order == nil {
		cs.Order = t.order.Clone()
	}
	cs.Order.UpdatedAt = s.now().UTC()
	from := t.order.Status
	if err := s.store.Commit(t.ctx, cs); err != nil {
		if errors.Is(err, ErrConflict) {
			return &Error{Kind: ErrConflict, Op: t.op, OrderID: t.order.ID, State: from, Err: err}
		}
		return fmt.Errorf("escrow: commit %s: %w", t.op, err)
	}
	if to := cs.Order.Status; to != from {
		metrics.OrderTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		s.logger.Info("order transition", "order_id", cs.Order.ID, "op", t.op, "from", from, "to", to)
	}
	t.order = cs.Order
	return nil
}

// flag halts the order for manual reconciliation after an invariant breach.
func (s *Service) flag(t *txn, cause error) error {
	metrics.InvariantViolationsTotal.Inc()
	s.logger.Error("CRITICAL: escrow invariant violated, flagging order",
		"order_id", t.order.ID, "op", t.op, "total", t.order.Total.String(),
		"released", t.order.ReleasedAmount.String(), "error", cause)
	s.markFlagged(t, cause.Error())
	return &Error{Kind: ErrInvariantViolation, Op: t.op, OrderID: t.order.ID, State: t.order.Status, Err: cause}
}

// markFlagged persists the flag and emits order.flagged. Every later
// mutation on the order fails until an operator unflags it.
func (s *Service) markFlagged(t *txn, reason string) {
	next := t.order.Clone()
	next.Flagged = true
	next.FlagReason = reason
	if err := s.commit(t, &Changeset{Order: next}); err != nil {
		s.logger.Error("failed to persist order flag", "order_id", t.order.ID, "error", err)
		return
	}
	t.emit(s, EventOrderFlagged, "", map[string]any{"reason": reason})
}

func (s *Service) publish(ctx context.Context, events []Event) {
	for _, ev := range events {
		if err := s.events.Publish(ctx, ev); err != nil {
			metrics.EventsPublishedTotal.WithLabelValues(ev.Type, "error").Inc()
			s.logger.Warn("failed to publish event", "type", ev.Type, "order_id", ev.OrderID, "error", err)
			continue
		}
		metrics.EventsPublishedTotal.WithLabelValues(ev.Type, "ok").Inc()
	}
}
