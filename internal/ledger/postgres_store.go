package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. The ledger_holds check
// constraint keeps released within amount even across processes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateHold(ctx context.Context, h *Hold) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger_holds (order_id, buyer_id, amount, released, currency, ref, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		h.OrderID, h.BuyerID, h.Amount, h.Released, h.Currency, h.Ref, h.IdempotencyKey, h.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) GetHold(ctx context.Context, orderID string) (*Hold, error) {
	h := &Hold{}
	err := p.db.QueryRowContext(ctx, `
		SELECT order_id, buyer_id, amount, released, currency, ref, idempotency_key, created_at
		FROM ledger_holds WHERE order_id = $1`, orderID,
	).Scan(&h.OrderID, &h.BuyerID, &h.Amount, &h.Released, &h.Currency, &h.Ref, &h.IdempotencyKey, &h.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

// RecordTransfer debits the hold with row-level locking.
func (p *PostgresStore) RecordTransfer(ctx context.Context, t *Transfer) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE ledger_holds SET released = released + $1
		WHERE order_id = $2 AND released + $1 <= amount`,
		t.Amount, t.OrderID)
	if err != nil {
		return fmt.Errorf("debit hold: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_holds WHERE order_id = $1)`, t.OrderID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrHoldNotFound
		}
		return ErrInsufficientHold
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_transfers (idempotency_key, tx_ref, order_id, recipient, recipient_id, amount, currency, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.IdempotencyKey, t.TxRef, t.OrderID, t.Recipient, t.RecipientID, t.Amount, t.Currency, t.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	return tx.Commit()
}

const transferColumns = `idempotency_key, tx_ref, order_id, recipient, recipient_id, amount, currency, created_at`

func (p *PostgresStore) GetTransfer(ctx context.Context, key string) (*Transfer, error) {
	t, err := scanTransfer(p.db.QueryRowContext(ctx,
		`SELECT `+transferColumns+` FROM ledger_transfers WHERE idempotency_key = $1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresStore) ListTransfers(ctx context.Context, orderID string) ([]*Transfer, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+transferColumns+` FROM ledger_transfers WHERE order_id = $1 ORDER BY created_at, tx_ref`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row scanner) (*Transfer, error) {
	t := &Transfer{}
	err := row.Scan(&t.IdempotencyKey, &t.TxRef, &t.OrderID, &t.Recipient, &t.RecipientID,
		&t.Amount, &t.Currency, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
