package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/tradeescrow/internal/pagination"
)

// PostgresStore persists escrow data in PostgreSQL. Commit runs each
// changeset in one transaction guarded by the order's version column.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, buyer_id, seller_id, buyer_bank_id, seller_bank_id, total, currency,
		status, buyer_approved, seller_approved, released_amount, dispute_id,
		reservation_ref, tracking_id, shipped_at, cancel_reason, flagged, flag_reason,
		version, created_at, updated_at`

const disputeColumns = `id, order_id, initiated_by, reason, priority, status, amount, arbitrator_id,
		ruling_id, ruling_type, ruling_amount, ruling_reasoning, ruling_arbitrator_id, ruling_created_at,
		settled, resolved_at, settled_at, created_at, updated_at`

func (p *PostgresStore) CreateOrder(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, buyer_id, seller_id, buyer_bank_id, seller_bank_id, total, currency,
			status, buyer_approved, seller_approved, released_amount,
			reservation_ref, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, $13, $14)`,
		o.ID, o.BuyerID, o.SellerID, nullString(o.BuyerBankID), nullString(o.SellerBankID),
		o.Total, o.Currency, string(o.Status), o.BuyerApproved, o.SellerApproved, o.ReleasedAmount,
		nullString(o.ReservationRef), o.CreatedAt, o.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	o.Version = 1
	return nil
}

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadOrderChildren(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (p *PostgresStore) loadOrderChildren(ctx context.Context, o *Order) error {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, order_id, kind, amount, recipient, ledger_tx_ref, idempotency_key, dispute_id, created_at
		FROM releases WHERE order_id = $1 ORDER BY created_at, id`, o.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	o.Releases = []Release{}
	for rows.Next() {
		var r Release
		var kind, recipient string
		var disputeID sql.NullString
		if err := rows.Scan(&r.ID, &r.OrderID, &kind, &r.Amount, &recipient, &r.LedgerTxRef,
			&r.IdempotencyKey, &disputeID, &r.CreatedAt); err != nil {
			return err
		}
		r.Kind = ReleaseKind(kind)
		r.Recipient = Party(recipient)
		r.DisputeID = disputeID.String
		o.Releases = append(o.Releases, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	idRows, err := p.db.QueryContext(ctx, `SELECT id FROM disputes WHERE order_id = $1 ORDER BY created_at, id`, o.ID)
	if err != nil {
		return err
	}
	defer func() { _ = idRows.Close() }()
	for idRows.Next() {
		var id string
		if err := idRows.Scan(&id); err != nil {
			return err
		}
		o.DisputeHistory = append(o.DisputeHistory, id)
	}
	return idRows.Err()
}

func (p *PostgresStore) ListOrders(ctx context.Context, f OrderFilter) ([]*Order, error) {
	after, err := pagination.Decode(f.Cursor)
	if err != nil {
		return nil, err
	}

	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if f.Flagged != nil {
		where = append(where, "flagged = "+arg(*f.Flagged))
	}
	if f.PartyID != "" {
		ph := arg(f.PartyID)
		where = append(where, fmt.Sprintf("(buyer_id = %[1]s OR seller_id = %[1]s OR buyer_bank_id = %[1]s OR seller_bank_id = %[1]s)", ph))
	}
	if after != nil {
		where = append(where, fmt.Sprintf("(created_at, id) < (%s, %s)", arg(after.CreatedAt), arg(after.ID)))
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, o := range orders {
		if err := p.loadOrderChildren(ctx, o); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadEvidence(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (p *PostgresStore) loadEvidence(ctx context.Context, d *Dispute) error {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, dispute_id, submitted_by, description, document_ref, created_at
		FROM dispute_evidence WHERE dispute_id = $1 ORDER BY created_at, id`, d.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	d.Evidence = []Evidence{}
	for rows.Next() {
		var e Evidence
		var docRef sql.NullString
		if err := rows.Scan(&e.ID, &e.DisputeID, &e.SubmittedBy, &e.Description, &docRef, &e.CreatedAt); err != nil {
			return err
		}
		e.DocumentRef = docRef.String
		d.Evidence = append(d.Evidence, e)
	}
	return rows.Err()
}

func (p *PostgresStore) listDisputes(ctx context.Context, query string, args ...any) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, d := range result {
		if err := p.loadEvidence(ctx, d); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (p *PostgresStore) ListDisputes(ctx context.Context, orderID string) ([]*Dispute, error) {
	return p.listDisputes(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE order_id = $1 ORDER BY created_at, id`, orderID)
}

func (p *PostgresStore) ListUnsettledDisputes(ctx context.Context, limit int) ([]*Dispute, error) {
	return p.listDisputes(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status = 'Resolved' AND NOT settled
		ORDER BY created_at LIMIT $1`, limit)
}

func (p *PostgresStore) Commit(ctx context.Context, cs *Changeset) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if o := cs.Order; o != nil {
		res, err := tx.ExecContext(ctx, `
			UPDATE orders SET
				buyer_bank_id = $1, seller_bank_id = $2, status = $3,
				buyer_approved = $4, seller_approved = $5, released_amount = $6,
				dispute_id = $7, tracking_id = $8, shipped_at = $9, cancel_reason = $10,
				flagged = $11, flag_reason = $12, updated_at = $13, version = version + 1
			WHERE id = $14 AND version = $15`,
			nullString(o.BuyerBankID), nullString(o.SellerBankID), string(o.Status),
			o.BuyerApproved, o.SellerApproved, o.ReleasedAmount,
			nullString(o.DisputeID), nullString(o.TrackingID), nullTime(o.ShippedAt), nullString(o.CancelReason),
			o.Flagged, nullString(o.FlagReason), o.UpdatedAt,
			o.ID, o.Version,
		)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrConflict
		}
	}

	if r := cs.Release; r != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO releases (id, order_id, kind, amount, recipient, ledger_tx_ref, idempotency_key, dispute_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			r.ID, r.OrderID, string(r.Kind), r.Amount, string(r.Recipient), r.LedgerTxRef,
			r.IdempotencyKey, nullString(r.DisputeID), r.CreatedAt,
		)
		if isUniqueViolation(err) {
			return ErrConflict
		}
		if err != nil {
			return fmt.Errorf("insert release: %w", err)
		}
	}

	if d := cs.Dispute; d != nil {
		if err := writeDispute(ctx, tx, d, cs.NewDispute); err != nil {
			return err
		}
	}

	if e := cs.Evidence; e != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO dispute_evidence (id, dispute_id, submitted_by, description, document_ref, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ID, e.DisputeID, e.SubmittedBy, e.Description, nullString(e.DocumentRef), e.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert evidence: %w", err)
		}
	}

	if cs.ClearPending != "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_releases WHERE key = $1`, cs.ClearPending); err != nil {
			return fmt.Errorf("clear pending release: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if cs.Order != nil {
		cs.Order.Version++
	}
	return nil
}

func writeDispute(ctx context.Context, tx *sql.Tx, d *Dispute, isNew bool) error {
	var (
		rulingID, rulingType, reasoning, rulingArb sql.NullString
		rulingAmount                               decimal.NullDecimal
		rulingAt                                   sql.NullTime
	)
	if r := d.Ruling; r != nil {
		rulingID = nullString(r.ID)
		rulingType = nullString(string(r.Type))
		rulingAmount = r.Amount
		reasoning = nullString(r.Reasoning)
		rulingArb = nullString(r.ArbitratorID)
		rulingAt = sql.NullTime{Time: r.CreatedAt, Valid: true}
	}

	if isNew {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO disputes (id, order_id, initiated_by, reason, priority, status, amount, arbitrator_id,
				settled, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9, $10)`,
			d.ID, d.OrderID, string(d.InitiatedBy), d.Reason, string(d.Priority), string(d.Status),
			d.Amount, nullString(d.ArbitratorID), d.CreatedAt, d.UpdatedAt)
		if isUniqueViolation(err) {
			return ErrConflict
		}
		if err != nil {
			return fmt.Errorf("insert dispute: %w", err)
		}
		return nil
	}

	// A stored ruling is immutable: the WHERE clause rejects any attempt to
	// replace it with a different one.
	res, err := tx.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, arbitrator_id = $2,
			ruling_id = $3, ruling_type = $4, ruling_amount = $5, ruling_reasoning = $6,
			ruling_arbitrator_id = $7, ruling_created_at = $8,
			settled = $9, resolved_at = $10, settled_at = $11, updated_at = $12
		WHERE id = $13 AND (ruling_id IS NULL OR ruling_id = $3)`,
		string(d.Status), nullString(d.ArbitratorID),
		rulingID, rulingType, rulingAmount, reasoning, rulingArb, rulingAt,
		d.Settled, nullTime(d.ResolvedAt), nullTime(d.SettledAt), d.UpdatedAt,
		d.ID)
	if err != nil {
		return fmt.Errorf("update dispute: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) SavePending(ctx context.Context, pr *PendingRelease) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pending_releases (key, order_id, dispute_id, kind, leg, amount, recipient,
			from_status, to_status, approve_side, tracking_id, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (key) DO NOTHING`,
		pr.Key, pr.OrderID, nullString(pr.DisputeID), string(pr.Kind), nullString(string(pr.Leg)),
		pr.Amount, string(pr.Recipient), string(pr.FromStatus), nullString(string(pr.ToStatus)),
		nullString(string(pr.ApproveSide)), nullString(pr.TrackingID), nullString(pr.Note), pr.CreatedAt,
	)
	return err
}

func (p *PostgresStore) DeletePending(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM pending_releases WHERE key = $1`, key)
	return err
}

func (p *PostgresStore) ListPending(ctx context.Context, orderID string) ([]*PendingRelease, error) {
	query := `SELECT key, order_id, dispute_id, kind, leg, amount, recipient, from_status, to_status,
			approve_side, tracking_id, note, created_at
		FROM pending_releases`
	var args []any
	if orderID != "" {
		query += ` WHERE order_id = $1`
		args = append(args, orderID)
	}
	query += ` ORDER BY created_at`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*PendingRelease
	for rows.Next() {
		var (
			pr                                       PendingRelease
			kind, recipient, from                    string
			disputeID, leg, to, side, tracking, note sql.NullString
		)
		if err := rows.Scan(&pr.Key, &pr.OrderID, &disputeID, &kind, &leg, &pr.Amount, &recipient,
			&from, &to, &side, &tracking, &note, &pr.CreatedAt); err != nil {
			return nil, err
		}
		pr.DisputeID = disputeID.String
		pr.Kind = ReleaseKind(kind)
		pr.Leg = Party(leg.String)
		pr.Recipient = Party(recipient)
		pr.FromStatus = Status(from)
		pr.ToStatus = Status(to.String)
		pr.ApproveSide = BankType(side.String)
		pr.TrackingID = tracking.String
		pr.Note = note.String
		result = append(result, &pr)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		status                                                  string
		buyerBank, sellerBank, disputeID, reservation, tracking sql.NullString
		cancelReason, flagReason                                sql.NullString
		shippedAt                                               sql.NullTime
	)
	err := s.Scan(&o.ID, &o.BuyerID, &o.SellerID, &buyerBank, &sellerBank, &o.Total, &o.Currency,
		&status, &o.BuyerApproved, &o.SellerApproved, &o.ReleasedAmount, &disputeID,
		&reservation, &tracking, &shippedAt, &cancelReason, &o.Flagged, &flagReason,
		&o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	o.BuyerBankID = buyerBank.String
	o.SellerBankID = sellerBank.String
	o.DisputeID = disputeID.String
	o.ReservationRef = reservation.String
	o.TrackingID = tracking.String
	o.CancelReason = cancelReason.String
	o.FlagReason = flagReason.String
	if shippedAt.Valid {
		t := shippedAt.Time
		o.ShippedAt = &t
	}
	return o, nil
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		initiatedBy, priority, status                          string
		arbitrator, rulingID, rulingType, reasoning, rulingArb sql.NullString
		rulingAmount                                           decimal.NullDecimal
		rulingAt, resolvedAt, settledAt                        sql.NullTime
	)
	err := s.Scan(&d.ID, &d.OrderID, &initiatedBy, &d.Reason, &priority, &status, &d.Amount, &arbitrator,
		&rulingID, &rulingType, &rulingAmount, &reasoning, &rulingArb, &rulingAt,
		&d.Settled, &resolvedAt, &settledAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.InitiatedBy = Initiator(initiatedBy)
	d.Priority = Priority(priority)
	d.Status = DisputeStatus(status)
	d.ArbitratorID = arbitrator.String
	if rulingID.Valid {
		d.Ruling = &Ruling{
			ID:           rulingID.String,
			Type:         RulingType(rulingType.String),
			Amount:       rulingAmount,
			Reasoning:    reasoning.String,
			ArbitratorID: rulingArb.String,
			CreatedAt:    rulingAt.Time,
		}
	}
	d.ResolvedAt = timePtr(resolvedAt)
	d.SettledAt = timePtr(settledAt)
	return d, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
