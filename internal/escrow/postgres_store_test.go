//go:build integration

package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/tradeescrow/internal/pagination"
	"github.com/mbd888/tradeescrow/internal/testutil"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func TestPostgresStore_CreateAndGet(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	o := testOrder("ord_pg1", now)
	o.BuyerBankID = "bank-b"
	o.ReservationRef = "hold_ord_pg1"
	if err := store.CreateOrder(ctx, o); err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if o.Version != 1 {
		t.Errorf("Expected version 1, got %d", o.Version)
	}
	if err := store.CreateOrder(ctx, o); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected conflict on duplicate id, got %v", err)
	}

	got, err := store.GetOrder(ctx, "ord_pg1")
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if got.BuyerID != "buyer-1" || got.BuyerBankID != "bank-b" || got.SellerBankID != "" {
		t.Errorf("Unexpected parties: %+v", got)
	}
	if !got.Total.Equal(dec("100")) || !got.ReleasedAmount.IsZero() {
		t.Errorf("Unexpected amounts: total=%s released=%s", got.Total, got.ReleasedAmount)
	}
	if got.Status != StatusBankReview || got.ReservationRef != "hold_ord_pg1" {
		t.Errorf("Unexpected status/ref: %s %q", got.Status, got.ReservationRef)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt round trip: want %v, got %v", now, got.CreatedAt)
	}

	if _, err := store.GetOrder(ctx, "ord_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_CommitChecksVersion(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	store.CreateOrder(ctx, testOrder("ord_pg2", time.Now()))
	a, _ := store.GetOrder(ctx, "ord_pg2")
	b, _ := store.GetOrder(ctx, "ord_pg2")

	a.Status = StatusInTransit
	if err := store.Commit(ctx, &Changeset{Order: a}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if a.Version != 2 {
		t.Errorf("Expected version 2, got %d", a.Version)
	}

	b.Status = StatusCancelled
	if err := store.Commit(ctx, &Changeset{Order: b}); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected stale commit to conflict, got %v", err)
	}
	got, _ := store.GetOrder(ctx, "ord_pg2")
	if got.Status != StatusInTransit || got.Version != 2 {
		t.Errorf("Stale commit leaked: %s v%d", got.Status, got.Version)
	}
}

func TestPostgresStore_CommitIsAtomic(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now()
	store.CreateOrder(ctx, testOrder("ord_pg3", now))
	if err := store.SavePending(ctx, &PendingRelease{
		Key: "k1", OrderID: "ord_pg3", Kind: KindPartial50, Amount: dec("50"),
		Recipient: PartySeller, FromStatus: StatusBankReview, ToStatus: StatusInTransit,
		ApproveSide: BankSeller, CreatedAt: now,
	}); err != nil {
		t.Fatalf("SavePending failed: %v", err)
	}
	pending, _ := store.ListPending(ctx, "ord_pg3")
	if len(pending) != 1 || pending[0].ToStatus != StatusInTransit || pending[0].ApproveSide != BankSeller {
		t.Fatalf("Unexpected pending: %+v", pending)
	}

	o, _ := store.GetOrder(ctx, "ord_pg3")
	rel := Release{
		ID: "rel_1", OrderID: "ord_pg3", Kind: KindPartial50, Amount: dec("50"),
		Recipient: PartySeller, LedgerTxRef: "tx_1", IdempotencyKey: "k1", CreatedAt: now,
	}
	o.Status = StatusInTransit
	o.ReleasedAmount = dec("50")
	if err := store.Commit(ctx, &Changeset{Order: o, Release: &rel, ClearPending: "k1"}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if p, _ := store.ListPending(ctx, ""); len(p) != 0 {
		t.Error("Expected pending release cleared in the same transaction")
	}

	// Reusing the idempotency key rolls back the order update too.
	o, _ = store.GetOrder(ctx, "ord_pg3")
	store.SavePending(ctx, &PendingRelease{Key: "k2", OrderID: "ord_pg3", Kind: KindFull100, Amount: dec("50"), Recipient: PartySeller, FromStatus: StatusInTransit, CreatedAt: now})
	dup := rel
	dup.ID = "rel_2"
	o.ReleasedAmount = dec("100")
	if err := store.Commit(ctx, &Changeset{Order: o, Release: &dup, ClearPending: "k2"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("Expected conflict on duplicate idempotency key, got %v", err)
	}
	got, _ := store.GetOrder(ctx, "ord_pg3")
	if !got.ReleasedAmount.Equal(dec("50")) || len(got.Releases) != 1 {
		t.Errorf("Failed commit changed the order: released=%s releases=%d", got.ReleasedAmount, len(got.Releases))
	}
	if got.Releases[0].LedgerTxRef != "tx_1" || got.Releases[0].Recipient != PartySeller {
		t.Errorf("Unexpected release row: %+v", got.Releases[0])
	}
	if p, _ := store.ListPending(ctx, "ord_pg3"); len(p) != 1 {
		t.Error("Failed commit must not clear pending")
	}

	// The check constraint backs the released-within-total invariant.
	o, _ = store.GetOrder(ctx, "ord_pg3")
	o.ReleasedAmount = dec("150")
	if err := store.Commit(ctx, &Changeset{Order: o}); err == nil {
		t.Error("Expected released amount above total to be rejected")
	}
}

func TestPostgresStore_RulingIsImmutable(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now()
	store.CreateOrder(ctx, testOrder("ord_pg4", now))
	o, _ := store.GetOrder(ctx, "ord_pg4")

	d := &Dispute{
		ID: "dsp_1", OrderID: "ord_pg4", InitiatedBy: InitiatorBuyer, Reason: "damaged",
		Priority: PriorityHigh, Status: DisputeOpen, Amount: dec("40"), CreatedAt: now, UpdatedAt: now,
	}
	o.Status = StatusDisputed
	o.DisputeID = d.ID
	if err := store.Commit(ctx, &Changeset{Order: o, Dispute: d, NewDispute: true}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	ev := &Evidence{ID: "evd_1", DisputeID: d.ID, SubmittedBy: "buyer-1", Description: "photos", CreatedAt: now}
	if err := store.Commit(ctx, &Changeset{Order: o, Evidence: ev}); err != nil {
		t.Fatalf("Commit evidence failed: %v", err)
	}

	d.Status = DisputeResolved
	d.Ruling = &Ruling{ID: "rul_1", Type: RulingPartialRefund, Amount: nullDec("15"), Reasoning: "partial damage", ArbitratorID: "arb-1", CreatedAt: now}
	d.ResolvedAt = &now
	if err := store.Commit(ctx, &Changeset{Order: o, Dispute: d}); err != nil {
		t.Fatalf("Commit ruling failed: %v", err)
	}

	got, err := store.GetDispute(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDispute failed: %v", err)
	}
	if got.Ruling == nil || got.Ruling.ID != "rul_1" || !got.Ruling.Amount.Decimal.Equal(dec("15")) {
		t.Fatalf("Unexpected ruling: %+v", got.Ruling)
	}
	if len(got.Evidence) != 1 || got.Evidence[0].Description != "photos" {
		t.Errorf("Unexpected evidence: %+v", got.Evidence)
	}

	// A second ruling never overwrites the first.
	other := d.Clone()
	other.Ruling = &Ruling{ID: "rul_2", Type: RulingReleaseFunds, ArbitratorID: "arb-2", CreatedAt: now}
	if err := store.Commit(ctx, &Changeset{Order: o, Dispute: other}); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected conflict on second ruling, got %v", err)
	}

	unsettled, _ := store.ListUnsettledDisputes(ctx, 10)
	if len(unsettled) != 1 || unsettled[0].ID != d.ID {
		t.Errorf("Expected dsp_1 unsettled, got %v", unsettled)
	}

	d.Settled = true
	d.SettledAt = &now
	o.Status = StatusInTransit
	o.DisputeID = ""
	if err := store.Commit(ctx, &Changeset{Order: o, Dispute: d}); err != nil {
		t.Fatalf("Commit settlement failed: %v", err)
	}
	if unsettled, _ := store.ListUnsettledDisputes(ctx, 10); len(unsettled) != 0 {
		t.Errorf("Expected no unsettled disputes, got %d", len(unsettled))
	}

	order, _ := store.GetOrder(ctx, "ord_pg4")
	if order.DisputeID != "" || len(order.DisputeHistory) != 1 || order.DisputeHistory[0] != d.ID {
		t.Errorf("Expected dispute history [dsp_1] and no active dispute, got %q %v", order.DisputeID, order.DisputeHistory)
	}
}

func TestPostgresStore_ListOrders(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"ord_a", "ord_b", "ord_c"} {
		o := testOrder(id, base.Add(time.Duration(i)*time.Minute))
		if id == "ord_b" {
			o.SellerID = "seller-2"
		}
		store.CreateOrder(ctx, o)
	}

	first, err := store.ListOrders(ctx, OrderFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ListOrders failed: %v", err)
	}
	if len(first) != 2 || first[0].ID != "ord_c" || first[1].ID != "ord_b" {
		t.Fatalf("Expected newest first, got %v", ids(first))
	}
	cursor := pagination.Encode(first[1].CreatedAt, first[1].ID)
	rest, _ := store.ListOrders(ctx, OrderFilter{Limit: 2, Cursor: cursor})
	if len(rest) != 1 || rest[0].ID != "ord_a" {
		t.Errorf("Expected ord_a after cursor, got %v", ids(rest))
	}

	bySeller, _ := store.ListOrders(ctx, OrderFilter{PartyID: "seller-2", Limit: 10})
	if len(bySeller) != 1 || bySeller[0].ID != "ord_b" {
		t.Errorf("Expected ord_b for seller-2, got %v", ids(bySeller))
	}
	flagged := true
	if list, _ := store.ListOrders(ctx, OrderFilter{Flagged: &flagged, Limit: 10}); len(list) != 0 {
		t.Errorf("Expected no flagged orders, got %v", ids(list))
	}
	if list, _ := store.ListOrders(ctx, OrderFilter{Status: StatusBankReview, Limit: 10}); len(list) != 3 {
		t.Errorf("Expected 3 orders in bank review, got %d", len(list))
	}
}

// The full dispute lifecycle against the real schema.
func TestPostgresStore_ServiceScenario(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	h := newHarnessWithStore(t, DefaultPolicy, store)
	ctx := context.Background()

	o, d := h.disputed(t, "500")
	if _, err := h.arb.IssueRuling(ctx, d.ID, RulingRequest{
		Type: RulingPartialRefund, Amount: strPtr("200"), Reasoning: "short shipment", ArbitratorID: "arb-1",
	}); err != nil {
		t.Fatalf("IssueRuling failed: %v", err)
	}

	o = h.order(t, o.ID)
	if o.Status != StatusDelivered {
		t.Fatalf("Expected DELIVERED, got %s", o.Status)
	}
	if !o.PaidTo(PartyBuyer).Equal(dec("200")) || !o.PaidTo(PartySeller).Equal(dec("800")) {
		t.Errorf("Expected buyer 200 / seller 800, got %s / %s", o.PaidTo(PartyBuyer), o.PaidTo(PartySeller))
	}
	assertLedgerConsistent(t, o)
	if p := h.pending(t, o.ID); len(p) != 0 {
		t.Errorf("Expected no pending releases, got %d", len(p))
	}
}
