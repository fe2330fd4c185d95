// Package events records the vault's settlement events.
//
// A Spent event is the sole externally observable settlement signal: the
// presentment service confirms invoices against it, the realtime hub streams
// it, and nothing outside the vault ever inspects vault internals directly.
package events

import (
	"context"
	"time"

	"github.com/mbd888/stablevault/internal/pagination"
)

// Spent records one completed delegated spend. Amounts and claim units are
// USDC decimal strings.
type Spent struct {
	ID               string    `json:"id"`
	Owner            string    `json:"owner"`
	Spender          string    `json:"spender"`
	Merchant         string    `json:"merchant"`
	Amount           string    `json:"amount"`
	ClaimUnitsBurned string    `json:"claimUnitsBurned"`
	DayIndex         int64     `json:"dayIndex"`
	TxRef            string    `json:"txRef"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Store persists settlement events append-only.
type Store interface {
	Append(ctx context.Context, e *Spent) error
	ListByMerchant(ctx context.Context, merchant string, since time.Time, limit int) ([]*Spent, error)
	// ListByOwner returns the owner's events newest first, starting after
	// the cursor position when one is given.
	ListByOwner(ctx context.Context, owner string, cursor *pagination.Cursor, limit int) ([]*Spent, error)
	Get(ctx context.Context, id string) (*Spent, error)
}

// Sink receives events as they are emitted. The realtime hub implements
// this; emission must never block or fail the spend that produced it.
type Sink interface {
	Publish(e *Spent)
}
