package ledger

import (
	"context"
	"fmt"

	"github.com/mbd888/tradeescrow/internal/escrow"
)

// ForEscrow adapts a ledger Client to the escrow engine's LedgerClient.
// Definite rejections are re-tagged with escrow.ErrLedgerRejected so the
// engine can tell them apart from unknown outcomes. If c can also reserve,
// the returned value implements escrow.Reserver.
func ForEscrow(c Client) escrow.LedgerClient {
	a := escrowAdapter{client: c}
	if r, ok := c.(Reserver); ok {
		return reservingAdapter{escrowAdapter: a, reserver: r}
	}
	return a
}

type escrowAdapter struct {
	client Client
}

func (a escrowAdapter) ReleaseFunds(ctx context.Context, req escrow.ReleaseRequest) (string, error) {
	ref, err := a.client.Release(ctx, ReleaseRequest{
		OrderID:        req.OrderID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Recipient:      string(req.Recipient),
		RecipientID:    req.RecipientID,
		IdempotencyKey: req.IdempotencyKey,
	})
	return ref, toEscrow(err)
}

func (a escrowAdapter) LookupRelease(ctx context.Context, key string) (string, bool, error) {
	return a.client.Lookup(ctx, key)
}

type reservingAdapter struct {
	escrowAdapter
	reserver Reserver
}

func (a reservingAdapter) Reserve(ctx context.Context, req escrow.ReserveRequest) (string, error) {
	ref, err := a.reserver.Reserve(ctx, ReserveRequest{
		OrderID:        req.OrderID,
		BuyerID:        req.BuyerID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		IdempotencyKey: req.IdempotencyKey,
	})
	return ref, toEscrow(err)
}

func toEscrow(err error) error {
	if err == nil {
		return nil
	}
	if IsRejected(err) {
		return fmt.Errorf("%w: %w", escrow.ErrLedgerRejected, err)
	}
	return err
}
