package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mbd888/stablevault/internal/pagination"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, e *Spent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spent_events (id, owner_addr, spender_addr, merchant_addr, amount, claim_units_burned, day_index, tx_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.Owner, e.Spender, e.Merchant, e.Amount, e.ClaimUnitsBurned, e.DayIndex, e.TxRef, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByMerchant(ctx context.Context, merchant string, since time.Time, limit int) ([]*Spent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_addr, spender_addr, merchant_addr, amount, claim_units_burned, day_index, tx_ref, created_at
		FROM spent_events
		WHERE merchant_addr = $1 AND created_at >= $2
		ORDER BY created_at DESC LIMIT $3
	`, merchant, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (s *PostgresStore) ListByOwner(ctx context.Context, owner string, cursor *pagination.Cursor, limit int) ([]*Spent, error) {
	query := `
		SELECT id, owner_addr, spender_addr, merchant_addr, amount, claim_units_burned, day_index, tx_ref, created_at
		FROM spent_events
		WHERE owner_addr = $1`
	args := []interface{}{owner}
	if cursor != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Spent, error) {
	var e Spent
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_addr, spender_addr, merchant_addr, amount, claim_units_burned, day_index, tx_ref, created_at
		FROM spent_events WHERE id = $1
	`, id).Scan(&e.ID, &e.Owner, &e.Spender, &e.Merchant, &e.Amount, &e.ClaimUnitsBurned, &e.DayIndex, &e.TxRef, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return &e, nil
}

func scanEvents(rows *sql.Rows) ([]*Spent, error) {
	var result []*Spent
	for rows.Next() {
		var e Spent
		if err := rows.Scan(&e.ID, &e.Owner, &e.Spender, &e.Merchant, &e.Amount, &e.ClaimUnitsBurned, &e.DayIndex, &e.TxRef, &e.CreatedAt); err != nil {
			continue
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}
