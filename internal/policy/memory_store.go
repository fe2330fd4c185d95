package policy

import (
	"context"
	"math/big"
	"strconv"
	"sync"

	"github.com/mbd888/stablevault/internal/usdc"
)

// MemoryStore is an in-memory policy store for demo/development mode.
type MemoryStore struct {
	policies  map[string]*Policy // "owner|spender"
	allowlist map[string]bool    // "owner|spender|merchant"
	usage     map[string]*big.Int
	nonces    map[string]uint64
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies:  make(map[string]*Policy),
		allowlist: make(map[string]bool),
		usage:     make(map[string]*big.Int),
		nonces:    make(map[string]uint64),
	}
}

func pairKey(owner, spender string) string {
	return owner + "|" + spender
}

func merchantKey(owner, spender, merchant string) string {
	return owner + "|" + spender + "|" + merchant
}

func usageKey(owner, spender string, day int64) string {
	return pairKey(owner, spender) + "|" + strconv.FormatInt(day, 10)
}

func (m *MemoryStore) GetPolicy(ctx context.Context, owner, spender string) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if p, ok := m.policies[pairKey(owner, spender)]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryStore) SetPolicy(ctx context.Context, p *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.policies[pairKey(p.Owner, p.Spender)] = &cp
	return nil
}

func (m *MemoryStore) ListPolicies(ctx context.Context, owner string) ([]*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Policy
	for _, p := range m.policies {
		if p.Owner == owner {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) IsMerchantAllowed(ctx context.Context, owner, spender, merchant string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allowlist[merchantKey(owner, spender, merchant)], nil
}

func (m *MemoryStore) SetMerchantAllowed(ctx context.Context, owner, spender, merchant string, allowed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowlist[merchantKey(owner, spender, merchant)] = allowed
	return nil
}

func (m *MemoryStore) SpentToday(ctx context.Context, owner, spender string, day int64) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if v, ok := m.usage[usageKey(owner, spender, day)]; ok {
		return usdc.Format(v), nil
	}
	return "0", nil
}

func (m *MemoryStore) AddSpent(ctx context.Context, owner, spender string, day int64, amount string) error {
	amt, ok := usdc.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := usageKey(owner, spender, day)
	if v, ok := m.usage[key]; ok {
		v.Add(v, amt)
	} else {
		m.usage[key] = amt
	}
	return nil
}

func (m *MemoryStore) SubSpent(ctx context.Context, owner, spender string, day int64, amount string) error {
	amt, ok := usdc.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := usageKey(owner, spender, day)
	if v, ok := m.usage[key]; ok {
		v.Sub(v, amt)
		if v.Sign() < 0 {
			v.SetInt64(0)
		}
	}
	return nil
}

func (m *MemoryStore) Nonce(ctx context.Context, owner string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nonces[owner], nil
}

func (m *MemoryStore) IncrementNonce(ctx context.Context, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonces[owner]++
	return nil
}
