package policy

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/mbd888/stablevault/internal/usdc"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed policy store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetPolicy(ctx context.Context, owner, spender string) (*Policy, error) {
	var p Policy
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_addr, spender_addr, enabled, max_per_tx, daily_limit, enforce_whitelist, updated_at
		FROM spend_policies WHERE owner_addr = $1 AND spender_addr = $2
	`, owner, spender).Scan(&p.Owner, &p.Spender, &p.Enabled, &p.MaxPerTx, &p.DailyLimit, &p.EnforceWhitelist, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) SetPolicy(ctx context.Context, p *Policy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spend_policies (owner_addr, spender_addr, enabled, max_per_tx, daily_limit, enforce_whitelist, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (owner_addr, spender_addr) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			max_per_tx = EXCLUDED.max_per_tx,
			daily_limit = EXCLUDED.daily_limit,
			enforce_whitelist = EXCLUDED.enforce_whitelist,
			updated_at = EXCLUDED.updated_at
	`, p.Owner, p.Spender, p.Enabled, p.MaxPerTx, p.DailyLimit, p.EnforceWhitelist, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to set policy: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPolicies(ctx context.Context, owner string) ([]*Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_addr, spender_addr, enabled, max_per_tx, daily_limit, enforce_whitelist, updated_at
		FROM spend_policies WHERE owner_addr = $1 ORDER BY updated_at DESC
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Policy
	for rows.Next() {
		var p Policy
		if err := rows.Scan(&p.Owner, &p.Spender, &p.Enabled, &p.MaxPerTx, &p.DailyLimit, &p.EnforceWhitelist, &p.UpdatedAt); err != nil {
			continue
		}
		result = append(result, &p)
	}
	return result, rows.Err()
}

func (s *PostgresStore) IsMerchantAllowed(ctx context.Context, owner, spender, merchant string) (bool, error) {
	var allowed bool
	err := s.db.QueryRowContext(ctx, `
		SELECT allowed FROM merchant_allowlist
		WHERE owner_addr = $1 AND spender_addr = $2 AND merchant_addr = $3
	`, owner, spender, merchant).Scan(&allowed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get allowlist entry: %w", err)
	}
	return allowed, nil
}

func (s *PostgresStore) SetMerchantAllowed(ctx context.Context, owner, spender, merchant string, allowed bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merchant_allowlist (owner_addr, spender_addr, merchant_addr, allowed, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (owner_addr, spender_addr, merchant_addr) DO UPDATE SET
			allowed = EXCLUDED.allowed,
			updated_at = NOW()
	`, owner, spender, merchant, allowed)
	if err != nil {
		return fmt.Errorf("failed to set allowlist entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) SpentToday(ctx context.Context, owner, spender string, day int64) (string, error) {
	var spent string
	err := s.db.QueryRowContext(ctx, `
		SELECT spent FROM daily_usage
		WHERE owner_addr = $1 AND spender_addr = $2 AND day_index = $3
	`, owner, spender, day).Scan(&spent)
	if err == sql.ErrNoRows {
		return "0", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get daily usage: %w", err)
	}
	return spent, nil
}

func (s *PostgresStore) AddSpent(ctx context.Context, owner, spender string, day int64, amount string) error {
	return s.adjustSpent(ctx, owner, spender, day, amount, false)
}

func (s *PostgresStore) SubSpent(ctx context.Context, owner, spender string, day int64, amount string) error {
	return s.adjustSpent(ctx, owner, spender, day, amount, true)
}

// adjustSpent read-modify-writes the day bucket inside a transaction with the
// row locked, keeping the counter consistent under concurrent spends.
func (s *PostgresStore) adjustSpent(ctx context.Context, owner, spender string, day int64, amount string, negate bool) error {
	amt, ok := usdc.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var spentStr string
	err = tx.QueryRowContext(ctx, `
		SELECT spent FROM daily_usage
		WHERE owner_addr = $1 AND spender_addr = $2 AND day_index = $3
		FOR UPDATE
	`, owner, spender, day).Scan(&spentStr)
	if err == sql.ErrNoRows {
		spentStr = "0"
	} else if err != nil {
		return fmt.Errorf("failed to lock daily usage: %w", err)
	}

	spent, _ := usdc.Parse(spentStr)
	if negate {
		spent.Sub(spent, amt)
		if spent.Sign() < 0 {
			spent = big.NewInt(0)
		}
	} else {
		spent.Add(spent, amt)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO daily_usage (owner_addr, spender_addr, day_index, spent, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (owner_addr, spender_addr, day_index) DO UPDATE SET
			spent = EXCLUDED.spent,
			updated_at = NOW()
	`, owner, spender, day, usdc.Format(spent))
	if err != nil {
		return fmt.Errorf("failed to update daily usage: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStore) Nonce(ctx context.Context, owner string) (uint64, error) {
	var nonce int64
	err := s.db.QueryRowContext(ctx, `
		SELECT nonce FROM auth_nonces WHERE owner_addr = $1
	`, owner).Scan(&nonce)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get nonce: %w", err)
	}
	return uint64(nonce), nil
}

func (s *PostgresStore) IncrementNonce(ctx context.Context, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_nonces (owner_addr, nonce, updated_at)
		VALUES ($1, 1, NOW())
		ON CONFLICT (owner_addr) DO UPDATE SET
			nonce = auth_nonces.nonce + 1,
			updated_at = NOW()
	`, owner)
	if err != nil {
		return fmt.Errorf("failed to increment nonce: %w", err)
	}
	return nil
}
