package escrow

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

func TestReconcilePending_CommitsConfirmedRelease(t *testing.T) {
	h := newHarness(t, DefaultPolicy)
	ctx := context.Background()
	o := h.inTransit(t, "1000")

	h.ledger.set(func(f *fakeLedger) { f.lostReply = true })
	h.svc.ConfirmDelivery(ctx, o.ID)
	h.ledger.set(func(f *fakeLedger) { f.lostReply = false })

	report, err := h.svc.ReconcilePending(ctx, h.arb)
	if err != nil {
		t.Fatalf("ReconcilePending failed: %v", err)
	}
	if report.Orders != 1 || report.Confirmed != 1 || report.Dropped != 0 {
		t.Errorf("Unexpected report: %+v", report)
	}
	o = h.order(t, o.ID)
	if o.Status != StatusDelivered || !o.ReleasedAmount.Equal(dec("1000")) {
		t.Errorf("Expected DELIVERED with 1000, got %s %s", o.Status, o.ReleasedAmount)
	}
	if h.ledger.callCount() != 2 {
		t.Errorf("Reconcile must not call ReleaseFunds, calls=%d", h.ledger.callCount())
	}
}

func TestReconcilePending_KeepsRecentUnknownAndDropsStale(t *testing.T) {
	policy := DefaultPolicy
	policy.LedgerTimeout = 20 * time.Millisecond
	policy.PendingGrace = 5 * time.Minute
	h := newHarness(t, policy)
	ctx := context.Background()
	o := h.inTransit(t, "1000")

	h.ledger.set(func(f *fakeLedger) { f.hang = true })
	h.svc.ConfirmDelivery(ctx, o.ID)
	h.ledger.set(func(f *fakeLedger) { f.hang = false })

	report, err := h.svc.ReconcilePending(ctx, h.arb)
	if err != nil {
		t.Fatalf("ReconcilePending failed: %v", err)
	}
	if report.StillPending != 1 || report.Dropped != 0 {
		t.Errorf("Expected intent to stay pending, got %+v", report)
	}

	h.clock.Advance(10 * time.Minute)
	report, err = h.svc.ReconcilePending(ctx, h.arb)
	if err != nil {
		t.Fatalf("ReconcilePending failed: %v", err)
	}
	if report.Dropped != 1 || report.StillPending != 0 {
		t.Errorf("Expected stale intent dropped, got %+v", report)
	}
	if o := h.order(t, o.ID); o.Status != StatusInTransit || !o.ReleasedAmount.Equal(dec("500")) {
		t.Errorf("Dropping an intent must not touch the order: %s %s", o.Status, o.ReleasedAmount)
	}
}

func TestReconcilePending_LookupFailureKeepsIntent(t *testing.T) {
	h := newHarness(t, DefaultPolicy)
	ctx := context.Background()
	o := h.inTransit(t, "1000")

	h.ledger.set(func(f *fakeLedger) { f.releaseErr = errors.New("connection reset") })
	h.svc.ConfirmDelivery(ctx, o.ID)
	h.ledger.set(func(f *fakeLedger) {
		f.releaseErr = nil
		f.lookupErr = errors.New("ledger unavailable")
	})

	h.clock.Advance(time.Hour)
	report, err := h.svc.ReconcilePending(ctx, h.arb)
	if err != nil {
		t.Fatalf("ReconcilePending failed: %v", err)
	}
	if report.StillPending != 1 || report.Dropped != 0 {
		t.Errorf("Unreachable ledger must not drop intents, got %+v", report)
	}
	if len(h.pending(t, o.ID)) != 1 {
		t.Error("Expected intent kept")
	}
}

func TestReconcilePending_SettlesUnsettledRulings(t *testing.T) {
	h := newHarness(t, DefaultPolicy)
	ctx := context.Background()
	o, d := h.disputed(t, "500")

	h.ledger.set(func(f *fakeLedger) { f.releaseErr = errors.New("connection reset") })
	h.arb.IssueRuling(ctx, d.ID, RulingRequest{ArbitratorID: "arb-1", Type: RulingFullRefund, Reasoning: "r"})
	h.ledger.set(func(f *fakeLedger) { f.releaseErr = nil })

	report, err := h.svc.ReconcilePending(ctx, h.arb)
	if err != nil {
		t.Fatalf("ReconcilePending failed: %v", err)
	}
	if report.Settled != 1 || report.Failed != 0 {
		t.Errorf("Unexpected report: %+v", report)
	}
	o = h.order(t, o.ID)
	// 500 went to the seller before the dispute, 500 back to the buyer.
	if o.Status != StatusDelivered || !o.PaidTo(PartyBuyer).Equal(dec("500")) {
		t.Errorf("Expected DELIVERED with buyer refunded 500, got %s %s", o.Status, o.PaidTo(PartyBuyer))
	}
}

func TestTimer_RunsReconcile(t *testing.T) {
	h := newHarness(t, DefaultPolicy)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o := h.inTransit(t, "1000")

	h.ledger.set(func(f *fakeLedger) { f.lostReply = true })
	h.svc.ConfirmDelivery(ctx, o.ID)
	h.ledger.set(func(f *fakeLedger) { f.lostReply = false })

	timer := NewTimer(h.svc, h.arb, 10*time.Millisecond, slog.New(slog.DiscardHandler))
	go timer.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.order(t, o.ID).Status == StatusDelivered {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if h.order(t, o.ID).Status != StatusDelivered {
		t.Fatal("Expected the timer to reconcile the lost release")
	}
	if !timer.Running() {
		t.Error("Expected timer to be running")
	}

	timer.Stop()
	deadline = time.Now().Add(time.Second)
	for timer.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if timer.Running() {
		t.Error("Expected timer to stop")
	}
}
