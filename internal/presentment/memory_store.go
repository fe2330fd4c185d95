package presentment

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory invoice store for demo/development mode.
type MemoryStore struct {
	invoices map[string]*Invoice
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory invoice store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invoices: make(map[string]*Invoice),
	}
}

func (m *MemoryStore) Create(_ context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inv
	m.invoices[inv.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	cp := *inv
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invoices[inv.ID]; !ok {
		return ErrInvoiceNotFound
	}
	cp := *inv
	m.invoices[inv.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByMerchant(_ context.Context, merchant string, status Status, limit int) ([]*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Invoice
	for _, inv := range m.invoices {
		if inv.Merchant != merchant {
			continue
		}
		if status != "" && inv.Status != status {
			continue
		}
		cp := *inv
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) FindOpenMatch(_ context.Context, merchant, amount, spender string, now time.Time) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Bound invoices outrank unbound ones; within a rank, oldest wins.
	var best *Invoice
	for _, inv := range m.invoices {
		if inv.Merchant != merchant || inv.Amount != amount || !inv.Open(now) {
			continue
		}
		if inv.Spender != "" && inv.Spender != spender {
			continue
		}
		if best == nil {
			best = inv
			continue
		}
		if rank(inv) > rank(best) || (rank(inv) == rank(best) && inv.CreatedAt.Before(best.CreatedAt)) {
			best = inv
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func rank(inv *Invoice) int {
	if inv.Spender != "" {
		return 1
	}
	return 0
}

func (m *MemoryStore) ExpirePending(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, inv := range m.invoices {
		if inv.Status == StatusPending && !now.Before(inv.ExpiresAt) {
			inv.Status = StatusExpired
			count++
		}
	}
	return count, nil
}

var _ Store = (*MemoryStore)(nil)
