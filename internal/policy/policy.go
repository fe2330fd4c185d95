// Package policy implements the vault's delegation model.
//
// An owner grants a spender bounded, revocable spending authority:
//   - per-transaction cap and a daily cap (fixed UTC day buckets)
//   - an optional merchant allowlist, enforced per (owner, spender)
//
// Grants are applied either directly by the owner or via an offline-signed
// EIP-712 authorization carrying a strictly sequential nonce and a deadline.
// Both entry points run through the same setters so enforcement can never
// diverge.
package policy

import (
	"context"
	"time"
)

// SecondsPerDay fixes the daily-limit bucket. Day index is unix seconds
// divided by this value — a UTC-aligned boundary, not a rolling 24h window.
const SecondsPerDay = 86400

// DayIndex returns the daily-limit bucket for a point in time.
func DayIndex(t time.Time) int64 {
	return t.Unix() / SecondsPerDay
}

// Policy is the full authorization record for one (owner, spender) pair.
// It is overwritten atomically; disabling preserves the limit values so the
// owner can re-enable without re-stating them. Amounts are USDC decimal
// strings.
type Policy struct {
	Owner            string    `json:"owner"`
	Spender          string    `json:"spender"`
	Enabled          bool      `json:"enabled"`
	MaxPerTx         string    `json:"maxPerTx"`
	DailyLimit       string    `json:"dailyLimit"`
	EnforceWhitelist bool      `json:"enforceWhitelist"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Usage is one day's cumulative spend for an (owner, spender) pair.
// Records are created at the first spend of a day index and kept forever
// for audit.
type Usage struct {
	Owner    string `json:"owner"`
	Spender  string `json:"spender"`
	DayIndex int64  `json:"dayIndex"`
	Spent    string `json:"spent"`
}

// Store persists policies, allowlist entries, daily usage, and nonces.
type Store interface {
	GetPolicy(ctx context.Context, owner, spender string) (*Policy, error)
	SetPolicy(ctx context.Context, p *Policy) error
	ListPolicies(ctx context.Context, owner string) ([]*Policy, error)

	IsMerchantAllowed(ctx context.Context, owner, spender, merchant string) (bool, error)
	SetMerchantAllowed(ctx context.Context, owner, spender, merchant string, allowed bool) error

	SpentToday(ctx context.Context, owner, spender string, day int64) (string, error)
	AddSpent(ctx context.Context, owner, spender string, day int64, amount string) error
	SubSpent(ctx context.Context, owner, spender string, day int64, amount string) error

	Nonce(ctx context.Context, owner string) (uint64, error)
	IncrementNonce(ctx context.Context, owner string) error
}

// Error is a coded authorization or limit failure. Codes are stable: callers
// and automated agents branch on them to distinguish "not authorized at all"
// from "over daily budget".
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

var (
	ErrPolicyDisabled     = &Error{Code: "policy_disabled", Message: "No enabled policy for this owner and spender"}
	ErrMerchantNotAllowed = &Error{Code: "merchant_not_allowed", Message: "Merchant is not on the enforced allowlist"}
	ErrExceedsMaxPerTx    = &Error{Code: "exceeds_max_per_tx", Message: "Amount exceeds the per-transaction cap"}
	ErrExceedsDailyLimit  = &Error{Code: "exceeds_daily_limit", Message: "Amount would exceed the daily cap"}
	ErrNonceMismatch      = &Error{Code: "nonce_mismatch", Message: "Authorization nonce does not match the owner's current nonce"}
	ErrDeadlineExpired    = &Error{Code: "deadline_expired", Message: "Authorization deadline has passed"}
	ErrSignatureMismatch  = &Error{Code: "signature_mismatch", Message: "Recovered signer does not match the claimed owner"}
	ErrInvalidSignature   = &Error{Code: "invalid_signature", Message: "Invalid or malformed signature"}
	ErrInvalidAmount      = &Error{Code: "invalid_amount", Message: "Amount must be a non-negative decimal"}
)
