// Package reconciliation audits escrow orders against their release
// ledger and against the external ledger's record of what was paid out.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tradeescrow/internal/escrow"
)

// Mismatch kinds.
const (
	KindReleaseSum   = "release_sum"   // sum(releases) != releasedAmount
	KindOverReleased = "over_released" // releasedAmount > total
	KindLedger       = "ledger"        // external ledger disagrees with releasedAmount
)

// OrderLister pages through orders.
type OrderLister interface {
	ListOrders(ctx context.Context, filter escrow.OrderFilter) (*escrow.OrderPage, error)
}

// PendingLister reports release intents still awaiting their ledger outcome.
type PendingLister interface {
	ListPending(ctx context.Context, orderID string) ([]*escrow.PendingRelease, error)
}

// LedgerAuditor returns the external ledger's total paid out for an order.
type LedgerAuditor interface {
	ReleasedFor(ctx context.Context, orderID string) (decimal.Decimal, error)
}

// Mismatch describes one failed check.
type Mismatch struct {
	OrderID  string `json:"orderId"`
	Kind     string `json:"kind"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Report is the outcome of one audit run.
type Report struct {
	Orders     int        `json:"orders"`
	Skipped    int        `json:"skipped"`
	Errors     int        `json:"errors"`
	Mismatches []Mismatch `json:"mismatches"`
	Duration   string     `json:"duration"`
}

// Clean reports whether the run found nothing wrong.
func (r *Report) Clean() bool {
	return len(r.Mismatches) == 0 && r.Errors == 0
}

// Runner audits every order.
type Runner struct {
	orders    OrderLister
	pending   PendingLister
	ledger    LedgerAuditor
	tolerance decimal.Decimal
	pageSize  int
	logger    *slog.Logger
}

// NewRunner creates an audit runner. pending and ledger may be nil; without
// a ledger only the internal consistency checks run.
func NewRunner(orders OrderLister, pending PendingLister, ledger LedgerAuditor, logger *slog.Logger) *Runner {
	return &Runner{
		orders:    orders,
		pending:   pending,
		ledger:    ledger,
		tolerance: decimal.Zero,
		pageSize:  100,
		logger:    logger,
	}
}

// SetTolerance sets the ledger difference accepted as a match, for
// backends that round to a coarser unit than the order currency.
func (r *Runner) SetTolerance(amount string) {
	if t, err := decimal.NewFromString(amount); err == nil && !t.IsNegative() {
		r.tolerance = t
	}
}

// RunAll audits every order and updates the reconciliation gauges.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{Mismatches: []Mismatch{}}

	cursor := ""
	for {
		page, err := r.orders.ListOrders(ctx, escrow.OrderFilter{Limit: r.pageSize, Cursor: cursor})
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("list orders: %w", err)
		}
		for _, o := range page.Orders {
			report.Orders++
			r.checkOrder(ctx, o, report)
		}
		if !page.HasMore || page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	elapsed := time.Since(start)
	report.Duration = elapsed.String()
	reconcileDuration.Observe(elapsed.Seconds())
	reconcileOrdersChecked.Set(float64(report.Orders))
	counts := map[string]int{KindReleaseSum: 0, KindOverReleased: 0, KindLedger: 0}
	for _, m := range report.Mismatches {
		counts[m.Kind]++
	}
	for kind, n := range counts {
		reconcileMismatches.WithLabelValues(kind).Set(float64(n))
	}

	if !report.Clean() {
		r.logger.Warn("reconciliation found discrepancies",
			"orders", report.Orders, "mismatches", len(report.Mismatches), "errors", report.Errors)
	}
	return report, nil
}

func (r *Runner) checkOrder(ctx context.Context, o *escrow.Order, report *Report) {
	sum := decimal.Zero
	for _, rel := range o.Releases {
		sum = sum.Add(rel.Amount)
	}
	if !sum.Equal(o.ReleasedAmount) {
		r.mismatch(report, o.ID, KindReleaseSum, o.ReleasedAmount, sum)
	}
	if o.ReleasedAmount.GreaterThan(o.Total) {
		r.mismatch(report, o.ID, KindOverReleased, o.Total, o.ReleasedAmount)
	}

	if r.ledger == nil {
		return
	}
	// An in-flight release legitimately puts the ledger ahead of the order.
	if r.pending != nil {
		p, err := r.pending.ListPending(ctx, o.ID)
		if err != nil {
			report.Errors++
			reconcileErrors.Inc()
			r.logger.Warn("reconciliation: list pending failed", "order_id", o.ID, "error", err)
			return
		}
		if len(p) > 0 {
			report.Skipped++
			return
		}
	}
	paid, err := r.ledger.ReleasedFor(ctx, o.ID)
	if err != nil {
		report.Errors++
		reconcileErrors.Inc()
		r.logger.Warn("reconciliation: ledger lookup failed", "order_id", o.ID, "error", err)
		return
	}
	if paid.Sub(o.ReleasedAmount).Abs().GreaterThan(r.tolerance) {
		r.mismatch(report, o.ID, KindLedger, o.ReleasedAmount, paid)
	}
}

func (r *Runner) mismatch(report *Report, orderID, kind string, expected, actual decimal.Decimal) {
	report.Mismatches = append(report.Mismatches, Mismatch{
		OrderID:  orderID,
		Kind:     kind,
		Expected: expected.String(),
		Actual:   actual.String(),
	})
	r.logger.Error("reconciliation mismatch",
		"order_id", orderID, "kind", kind, "expected", expected.String(), "actual", actual.String())
}
