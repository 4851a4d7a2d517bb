package escrow

import (
	"context"
	"errors"

	"github.com/mbd888/tradeescrow/internal/metrics"
)

// ReconcileReport summarizes one recovery pass.
type ReconcileReport struct {
	Orders       int `json:"orders"`
	Confirmed    int `json:"confirmed"`
	Dropped      int `json:"dropped"`
	StillPending int `json:"stillPending"`
	Settled      int `json:"settled"`
	Flagged      int `json:"flagged"`
	Failed       int `json:"failed"`
}

// ReconcilePending is the recovery pass. For every order with release
// intents it commits those the ledger confirms and drops those the ledger
// never saw within the grace period; then it retries the settlement legs of
// resolved but unsettled disputes. Errors on one order never stop the pass.
func (s *Service) ReconcilePending(ctx context.Context, arb *Arbitration) (ReconcileReport, error) {
	var report ReconcileReport

	pending, err := s.store.ListPending(ctx, "")
	if err != nil {
		return report, err
	}
	seen := make(map[string]bool)
	for _, p := range pending {
		if seen[p.OrderID] {
			continue
		}
		seen[p.OrderID] = true
		report.Orders++

		_, err := s.mutate(ctx, opReconcile, p.OrderID, nil, func(t *txn) error {
			report.Confirmed += t.confirmed
			report.Dropped += t.dropped
			return nil
		})
		if err != nil {
			if errors.Is(err, ErrLedgerReleaseFailed) {
				report.StillPending++
				continue
			}
			report.Failed++
			s.logger.Warn("reconcile order failed", "order_id", p.OrderID, "error", err)
		}
	}

	if arb != nil {
		disputes, err := s.store.ListUnsettledDisputes(ctx, defaultListMax)
		if err != nil {
			return report, err
		}
		for _, d := range disputes {
			if _, err := arb.SettleDispute(ctx, d.ID); err != nil {
				if errors.Is(err, ErrInvariantViolation) {
					// Flagged orders wait for an operator.
					report.Flagged++
					continue
				}
				report.Failed++
				s.logger.Warn("dispute settlement retry failed", "dispute_id", d.ID, "order_id", d.OrderID, "error", err)
				continue
			}
			report.Settled++
		}
	}

	if remaining, err := s.store.ListPending(ctx, ""); err == nil {
		metrics.PendingReleases.Set(float64(len(remaining)))
	}
	return report, nil
}
