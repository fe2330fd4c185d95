package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mbd888/stablevault/internal/pagination"
)

var ErrNotFound = errors.New("event not found")

// MemoryStore is an in-memory event store for demo/development mode.
type MemoryStore struct {
	events []*Spent
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(ctx context.Context, e *Spent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) ListByMerchant(ctx context.Context, merchant string, since time.Time, limit int) ([]*Spent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Spent
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.events[i]
		if e.Merchant == merchant && !e.CreatedAt.Before(since) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListByOwner(ctx context.Context, owner string, cursor *pagination.Cursor, limit int) ([]*Spent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Spent
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.events[i]
		if e.Owner != owner {
			continue
		}
		if cursor != nil && !before(e, cursor) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// before reports whether e sorts strictly after the cursor position in the
// newest-first ordering (created_at DESC, id DESC).
func before(e *Spent, c *pagination.Cursor) bool {
	if e.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return e.CreatedAt.Equal(c.CreatedAt) && e.ID < c.ID
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Spent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.events {
		if e.ID == id {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}
