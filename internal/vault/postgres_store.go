package vault

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mbd888/stablevault/internal/usdc"
)

// PostgresStore implements Store using PostgreSQL. Mint and Burn run inside
// transactions with the owner row locked so claim totals stay exact under
// concurrent requests.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed claim store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) TotalClaimUnits(ctx context.Context) (string, error) {
	var total sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(units::numeric)::text FROM claim_units
	`).Scan(&total)
	if err != nil {
		return "", fmt.Errorf("failed to sum claim units: %w", err)
	}
	if !total.Valid {
		return "0", nil
	}
	return total.String, nil
}

func (s *PostgresStore) ClaimUnitsOf(ctx context.Context, owner string) (string, error) {
	var units string
	err := s.db.QueryRowContext(ctx, `
		SELECT units FROM claim_units WHERE owner_addr = $1
	`, owner).Scan(&units)
	if err == sql.ErrNoRows {
		return "0", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get claim units: %w", err)
	}
	return units, nil
}

func (s *PostgresStore) Mint(ctx context.Context, owner, units string) error {
	amt, ok := usdc.Parse(units)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var heldStr string
	err = tx.QueryRowContext(ctx, `
		SELECT units FROM claim_units WHERE owner_addr = $1 FOR UPDATE
	`, owner).Scan(&heldStr)
	if err == sql.ErrNoRows {
		heldStr = "0"
	} else if err != nil {
		return fmt.Errorf("failed to lock claim units: %w", err)
	}

	held, _ := usdc.Parse(heldStr)
	held.Add(held, amt)

	if err := upsertClaims(ctx, tx, owner, usdc.Format(held)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Burn(ctx context.Context, owner, units string) error {
	amt, ok := usdc.Parse(units)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var heldStr string
	err = tx.QueryRowContext(ctx, `
		SELECT units FROM claim_units WHERE owner_addr = $1 FOR UPDATE
	`, owner).Scan(&heldStr)
	if err == sql.ErrNoRows {
		return ErrInsufficientClaims
	}
	if err != nil {
		return fmt.Errorf("failed to lock claim units: %w", err)
	}

	held, _ := usdc.Parse(heldStr)
	if held.Cmp(amt) < 0 {
		return ErrInsufficientClaims
	}
	held.Sub(held, amt)

	if err := upsertClaims(ctx, tx, owner, usdc.Format(held)); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertClaims(ctx context.Context, tx *sql.Tx, owner, units string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO claim_units (owner_addr, units, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (owner_addr) DO UPDATE SET
			units = EXCLUDED.units,
			updated_at = NOW()
	`, owner, units)
	if err != nil {
		return fmt.Errorf("failed to update claim units: %w", err)
	}
	return nil
}
