// Package presentment lets merchants present invoices that delegated spends
// settle against.
//
// A merchant creates an invoice for an exact amount with an expiry. When a
// spend settles to that merchant for the exact amount (and from the bound
// spender, if one was named), the oldest matching open invoice flips to paid
// and a signed settlement receipt is attached. A background timer expires
// invoices that were never paid.
package presentment

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvoiceNotFound = errors.New("presentment: invoice not found")
	ErrNotPending      = errors.New("presentment: invoice is not pending")
	ErrInvalidAmount   = errors.New("presentment: amount must be a positive decimal")
	ErrInvalidExpiry   = errors.New("presentment: expiry must be in the future")
)

// Status is the invoice lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPaid     Status = "paid"
	StatusExpired  Status = "expired"
	StatusCanceled Status = "canceled"
)

// Settlement records how a paid invoice was settled, with an HMAC signature
// the merchant can independently verify.
type Settlement struct {
	EventID     string    `json:"eventId"`
	TxRef       string    `json:"txRef"`
	Owner       string    `json:"owner"`
	Spender     string    `json:"spender"`
	PayloadHash string    `json:"payloadHash"`
	Signature   string    `json:"signature,omitempty"`
	SettledAt   time.Time `json:"settledAt"`
}

// Invoice is a merchant's request for an exact-amount payment.
type Invoice struct {
	ID       string `json:"id"`
	Merchant string `json:"merchant"`
	Spender  string `json:"spender,omitempty"` // optional: only this spender may settle it
	Amount   string `json:"amount"`
	Memo     string `json:"memo,omitempty"`
	Status   Status `json:"status"`

	Settlement *Settlement `json:"settlement,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Open reports whether the invoice can still be settled at t.
func (i *Invoice) Open(t time.Time) bool {
	return i.Status == StatusPending && t.Before(i.ExpiresAt)
}

// CreateRequest is the input for presenting an invoice.
type CreateRequest struct {
	Merchant  string `json:"merchant" binding:"required"`
	Spender   string `json:"spender,omitempty"`
	Amount    string `json:"amount" binding:"required"`
	Memo      string `json:"memo,omitempty"`
	ExpiresIn int64  `json:"expiresIn,omitempty"` // seconds; default applied by the service
}

// Store persists invoices.
type Store interface {
	Create(ctx context.Context, inv *Invoice) error
	Get(ctx context.Context, id string) (*Invoice, error)
	Update(ctx context.Context, inv *Invoice) error
	ListByMerchant(ctx context.Context, merchant string, status Status, limit int) ([]*Invoice, error)

	// FindOpenMatch returns the oldest pending, unexpired invoice for the
	// merchant with exactly this amount, preferring one bound to spender
	// over an unbound one. Returns nil, nil when nothing matches.
	FindOpenMatch(ctx context.Context, merchant, amount, spender string, now time.Time) (*Invoice, error)

	// ExpirePending flips pending invoices whose expiry has passed and
	// returns how many were expired.
	ExpirePending(ctx context.Context, now time.Time) (int, error)
}
