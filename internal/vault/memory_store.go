package vault

import (
	"context"
	"math/big"
	"sync"

	"github.com/mbd888/stablevault/internal/usdc"
)

// MemoryStore is an in-memory claim-unit store for demo/development mode.
type MemoryStore struct {
	claims map[string]*big.Int
	total  *big.Int
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory claim store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		claims: make(map[string]*big.Int),
		total:  big.NewInt(0),
	}
}

func (m *MemoryStore) TotalClaimUnits(ctx context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return usdc.Format(m.total), nil
}

func (m *MemoryStore) ClaimUnitsOf(ctx context.Context, owner string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if units, ok := m.claims[owner]; ok {
		return usdc.Format(units), nil
	}
	return "0", nil
}

func (m *MemoryStore) Mint(ctx context.Context, owner, units string) error {
	amt, ok := usdc.Parse(units)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if held, ok := m.claims[owner]; ok {
		held.Add(held, amt)
	} else {
		m.claims[owner] = amt
	}
	m.total.Add(m.total, amt)
	return nil
}

func (m *MemoryStore) Burn(ctx context.Context, owner, units string) error {
	amt, ok := usdc.Parse(units)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	held, ok := m.claims[owner]
	if !ok || held.Cmp(amt) < 0 {
		return ErrInsufficientClaims
	}
	held.Sub(held, amt)
	m.total.Sub(m.total, amt)
	return nil
}
