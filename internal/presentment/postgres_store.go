package presentment

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed invoice store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const invoiceColumns = `
	id, merchant_addr, spender_addr, amount, memo, status,
	event_id, tx_ref, settled_owner, settled_spender,
	payload_hash, signature, settled_at,
	created_at, expires_at`

func (p *PostgresStore) Create(ctx context.Context, inv *Invoice) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO invoices (id, merchant_addr, spender_addr, amount, memo, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, inv.ID, inv.Merchant, nullString(inv.Spender), inv.Amount, nullString(inv.Memo),
		string(inv.Status), inv.CreatedAt, inv.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create invoice: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Invoice, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	inv, err := scanInvoice(row)
	if err == sql.ErrNoRows {
		return nil, ErrInvoiceNotFound
	}
	return inv, err
}

func (p *PostgresStore) Update(ctx context.Context, inv *Invoice) error {
	var (
		eventID, txRef, owner, spender, payloadHash, signature sql.NullString
		settledAt                                              sql.NullTime
	)
	if s := inv.Settlement; s != nil {
		eventID = sql.NullString{String: s.EventID, Valid: true}
		txRef = sql.NullString{String: s.TxRef, Valid: true}
		owner = sql.NullString{String: s.Owner, Valid: true}
		spender = sql.NullString{String: s.Spender, Valid: true}
		payloadHash = sql.NullString{String: s.PayloadHash, Valid: true}
		signature = sql.NullString{String: s.Signature, Valid: s.Signature != ""}
		settledAt = sql.NullTime{Time: s.SettledAt, Valid: true}
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE invoices SET
			status = $2, event_id = $3, tx_ref = $4,
			settled_owner = $5, settled_spender = $6,
			payload_hash = $7, signature = $8, settled_at = $9
		WHERE id = $1
	`, inv.ID, string(inv.Status), eventID, txRef, owner, spender, payloadHash, signature, settledAt)
	if err != nil {
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (p *PostgresStore) ListByMerchant(ctx context.Context, merchant string, status Status, limit int) ([]*Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE merchant_addr = $1`
	args := []interface{}{merchant}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			continue
		}
		result = append(result, inv)
	}
	return result, rows.Err()
}

func (p *PostgresStore) FindOpenMatch(ctx context.Context, merchant, amount, spender string, now time.Time) (*Invoice, error) {
	// Spender-bound invoices outrank unbound ones; within a rank, oldest
	// wins. FOR UPDATE SKIP LOCKED keeps concurrent settlements off the
	// same invoice.
	row := p.db.QueryRowContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE merchant_addr = $1
		  AND amount = $2
		  AND status = 'pending'
		  AND expires_at > $3
		  AND (spender_addr IS NULL OR spender_addr = $4)
		ORDER BY (spender_addr IS NOT NULL) DESC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, merchant, amount, now, spender)

	inv, err := scanInvoice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find matching invoice: %w", err)
	}
	return inv, nil
}

func (p *PostgresStore) ExpirePending(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE invoices SET status = 'expired'
		WHERE status = 'pending' AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire invoices: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInvoice(row rowScanner) (*Invoice, error) {
	var (
		inv                                                    Invoice
		spenderAddr, memo                                      sql.NullString
		status                                                 string
		eventID, txRef, owner, spender, payloadHash, signature sql.NullString
		settledAt                                              sql.NullTime
	)
	err := row.Scan(
		&inv.ID, &inv.Merchant, &spenderAddr, &inv.Amount, &memo, &status,
		&eventID, &txRef, &owner, &spender,
		&payloadHash, &signature, &settledAt,
		&inv.CreatedAt, &inv.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	inv.Spender = spenderAddr.String
	inv.Memo = memo.String
	inv.Status = Status(status)
	if eventID.Valid {
		inv.Settlement = &Settlement{
			EventID:     eventID.String,
			TxRef:       txRef.String,
			Owner:       owner.String,
			Spender:     spender.String,
			PayloadHash: payloadHash.String,
			Signature:   signature.String,
			SettledAt:   settledAt.Time,
		}
	}
	return &inv, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
