package escrow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func nullDec(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(dec(s))
}

func TestReleaseEngine_Amount(t *testing.T) {
	e := NewReleaseEngine(newFakeLedger(), 0)

	tests := []struct {
		name     string
		kind     ReleaseKind
		total    string
		released string
		currency string
		want     string
	}{
		{"partial even", KindPartial50, "1000", "0", "USD", "500"},
		{"partial truncates cents", KindPartial50, "1000.05", "0", "USD", "500.02"},
		{"partial yen", KindPartial50, "1001", "0", "JPY", "500"},
		{"partial dinar", KindPartial50, "10.001", "0", "KWD", "5"},
		{"partial capped by remaining", KindPartial50, "1000", "800", "USD", "200"},
		{"full remaining", KindFull100, "1000.05", "500.02", "USD", "500.03"},
		{"refund remaining", KindRefund, "1000", "0", "USD", "1000"},
		{"settlement has no milestone amount", KindDisputeSettlement, "1000", "0", "USD", "0"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			o := &Order{Total: dec(tc.total), ReleasedAmount: dec(tc.released), Currency: tc.currency}
			if got := e.Amount(tc.kind, o); !got.Equal(dec(tc.want)) {
				t.Errorf("Amount = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestReleaseEngine_CheckInvariant(t *testing.T) {
	e := NewReleaseEngine(newFakeLedger(), 0)
	o := &Order{Total: dec("1000"), ReleasedAmount: dec("600")}

	if err := e.CheckInvariant(o, dec("400")); err != nil {
		t.Errorf("release up to total should pass: %v", err)
	}
	if err := e.CheckInvariant(o, dec("400.01")); err == nil {
		t.Error("release above total should fail")
	}
	if err := e.CheckInvariant(o, decimal.Zero); err == nil {
		t.Error("zero release should fail")
	}
	if err := e.CheckInvariant(o, dec("-1")); err == nil {
		t.Error("negative release should fail")
	}
}

func TestReleaseEngine_Recipient(t *testing.T) {
	if Recipient(KindRefund) != PartyBuyer {
		t.Error("REFUND goes to the buyer")
	}
	for _, k := range []ReleaseKind{KindPartial50, KindFull100} {
		if Recipient(k) != PartySeller {
			t.Errorf("%s goes to the seller", k)
		}
	}
}

func TestReleaseEngine_ReleasePassesRequest(t *testing.T) {
	ledger := newFakeLedger()
	e := NewReleaseEngine(ledger, time.Second)
	o := &Order{ID: "ord_1", BuyerID: "buyer-1", SellerID: "seller-1", Total: dec("100"), Currency: "GBP"}
	p := &PendingRelease{Key: "k1", Kind: KindRefund, Amount: dec("100"), Recipient: PartyBuyer}

	ref, err := e.Release(context.Background(), o, p)
	if err != nil || ref == "" {
		t.Fatalf("Release = %q, %v", ref, err)
	}
	req := ledger.released["k1"]
	if req.RecipientID != "buyer-1" || req.Currency != "GBP" || req.OrderID != "ord_1" || !req.Amount.Equal(dec("100")) {
		t.Errorf("Unexpected request: %+v", req)
	}

	// Same key, same ref.
	again, err := e.Release(context.Background(), o, p)
	if err != nil || again != ref {
		t.Errorf("Expected idempotent ref %q, got %q, %v", ref, again, err)
	}

	lookedUp, found, err := e.Lookup(context.Background(), "k1")
	if err != nil || !found || lookedUp != ref {
		t.Errorf("Lookup = %q, %v, %v", lookedUp, found, err)
	}
}

func TestReleaseEngine_TimeoutIsUnknown(t *testing.T) {
	ledger := newFakeLedger()
	ledger.hang = true
	e := NewReleaseEngine(ledger, 10*time.Millisecond)
	o := &Order{ID: "ord_1", Total: dec("100"), Currency: "USD"}

	_, err := e.Release(context.Background(), o, &PendingRelease{Key: "k", Kind: KindFull100, Amount: dec("100"), Recipient: PartySeller})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
	if Outcome(err) != OutcomeUnknown {
		t.Errorf("Outcome = %s, want unknown", Outcome(err))
	}
	if Outcome(fmt.Errorf("x: %w", ErrLedgerRejected)) != OutcomeRejected {
		t.Error("wrapped rejection should classify as rejected")
	}
}

func TestIdempotencyKeys(t *testing.T) {
	if OrderReleaseKey("ord_1", KindPartial50) != OrderReleaseKey("ord_1", KindPartial50) {
		t.Error("keys must be deterministic")
	}
	distinct := []string{
		OrderReleaseKey("ord_1", KindPartial50),
		OrderReleaseKey("ord_1", KindFull100),
		OrderReleaseKey("ord_2", KindPartial50),
		SettlementKey("dsp_1", "rul_1", PartyBuyer),
		SettlementKey("dsp_1", "rul_1", PartySeller),
		SettlementKey("dsp_1", "rul_2", PartyBuyer),
		ReserveKey("ord_1"),
	}
	seen := make(map[string]bool)
	for _, k := range distinct {
		if seen[k] {
			t.Errorf("key collision: %s", k)
		}
		seen[k] = true
		if len(k) != 36 {
			t.Errorf("expected UUID-formatted key, got %q", k)
		}
	}
}

func TestConsensus(t *testing.T) {
	var c Consensus
	if c.Reached() {
		t.Fatal("empty consensus should not be reached")
	}

	c, changed := c.Record(BankBuyer)
	if !changed || !c.Approved(BankBuyer) || c.Approved(BankSeller) || c.Reached() {
		t.Errorf("after buyer: %+v changed=%v", c, changed)
	}
	c, changed = c.Record(BankBuyer)
	if changed {
		t.Error("second buyer approval should not change consensus")
	}
	c, changed = c.Record(BankSeller)
	if !changed || !c.Reached() {
		t.Errorf("after seller: %+v changed=%v", c, changed)
	}

	o := &Order{}
	c.applyTo(o)
	if !o.BuyerApproved || !o.SellerApproved || ConsensusOf(o) != c {
		t.Errorf("applyTo/ConsensusOf round trip failed: %+v", o)
	}
}
