package policy

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/stablevault/internal/sigauth"
	"github.com/mbd888/stablevault/internal/usdc"
)

// Engine evaluates and mutates delegation state. All addresses are
// normalized to lowercase at the boundary.
type Engine struct {
	store  Store
	domain sigauth.Domain
	now    func() time.Time
}

// NewEngine creates a policy engine bound to one signing domain.
func NewEngine(store Store, domain sigauth.Domain) *Engine {
	return &Engine{
		store:  store,
		domain: domain,
		now:    time.Now,
	}
}

// WithClock overrides the engine's time source. Tests use this to cross day
// boundaries deterministically.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Domain returns the EIP-712 domain authorizations must be signed against.
func (e *Engine) Domain() sigauth.Domain {
	return e.domain
}

// SetPolicy overwrites the full (owner, spender) record. The caller is the
// owner: handlers derive the owner argument from the authenticated identity,
// never from a free-form request field.
func (e *Engine) SetPolicy(ctx context.Context, owner, spender string, enabled bool, maxPerTx, dailyLimit string, enforceWhitelist bool) (*Policy, error) {
	if err := validateAmount(maxPerTx); err != nil {
		return nil, err
	}
	if err := validateAmount(dailyLimit); err != nil {
		return nil, err
	}

	p := &Policy{
		Owner:            strings.ToLower(owner),
		Spender:          strings.ToLower(spender),
		Enabled:          enabled,
		MaxPerTx:         maxPerTx,
		DailyLimit:       dailyLimit,
		EnforceWhitelist: enforceWhitelist,
		UpdatedAt:        e.now(),
	}
	if err := e.store.SetPolicy(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to store policy: %w", err)
	}
	return p, nil
}

// SetMerchantAllowed sets the (owner, spender, merchant) allowlist entry.
// Idempotent.
func (e *Engine) SetMerchantAllowed(ctx context.Context, owner, spender, merchant string, allowed bool) error {
	return e.store.SetMerchantAllowed(ctx,
		strings.ToLower(owner), strings.ToLower(spender), strings.ToLower(merchant), allowed)
}

// GetPolicy returns the record for (owner, spender), or nil if none exists.
func (e *Engine) GetPolicy(ctx context.Context, owner, spender string) (*Policy, error) {
	return e.store.GetPolicy(ctx, strings.ToLower(owner), strings.ToLower(spender))
}

// ListPolicies returns all policies granted by an owner.
func (e *Engine) ListPolicies(ctx context.Context, owner string) ([]*Policy, error) {
	return e.store.ListPolicies(ctx, strings.ToLower(owner))
}

// IsMerchantAllowed reports the allowlist entry for (owner, spender, merchant).
func (e *Engine) IsMerchantAllowed(ctx context.Context, owner, spender, merchant string) (bool, error) {
	return e.store.IsMerchantAllowed(ctx,
		strings.ToLower(owner), strings.ToLower(spender), strings.ToLower(merchant))
}

// Nonce returns the owner's current authorization nonce.
func (e *Engine) Nonce(ctx context.Context, owner string) (uint64, error) {
	return e.store.Nonce(ctx, strings.ToLower(owner))
}

// SpentToday returns the cumulative spend for (owner, spender) in the current
// day bucket, as a decimal string.
func (e *Engine) SpentToday(ctx context.Context, owner, spender string) (string, error) {
	return e.store.SpentToday(ctx,
		strings.ToLower(owner), strings.ToLower(spender), DayIndex(e.now()))
}

// CheckAndReserve runs the spend-time enforcement chain in order — enabled
// policy, allowlist, per-tx cap, daily cap — and on success records the
// amount against today's bucket. The counter update happens before any
// external transfer; callers that fail downstream must call
// ReleaseReservation to undo it. Returns the day index the reservation
// landed in.
func (e *Engine) CheckAndReserve(ctx context.Context, owner, spender, merchant, amount string) (int64, error) {
	owner = strings.ToLower(owner)
	spender = strings.ToLower(spender)
	merchant = strings.ToLower(merchant)

	amt, ok := usdc.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}

	p, err := e.store.GetPolicy(ctx, owner, spender)
	if err != nil {
		return 0, fmt.Errorf("failed to load policy: %w", err)
	}
	if p == nil || !p.Enabled {
		return 0, ErrPolicyDisabled
	}

	if p.EnforceWhitelist {
		allowed, err := e.store.IsMerchantAllowed(ctx, owner, spender, merchant)
		if err != nil {
			return 0, fmt.Errorf("failed to load allowlist: %w", err)
		}
		if !allowed {
			return 0, ErrMerchantNotAllowed
		}
	}

	maxPerTx, _ := usdc.Parse(p.MaxPerTx)
	if amt.Cmp(maxPerTx) > 0 {
		return 0, ErrExceedsMaxPerTx
	}

	day := DayIndex(e.now())
	spentStr, err := e.store.SpentToday(ctx, owner, spender, day)
	if err != nil {
		return 0, fmt.Errorf("failed to load daily usage: %w", err)
	}
	spent, _ := usdc.Parse(spentStr)
	dailyLimit, _ := usdc.Parse(p.DailyLimit)

	if new(big.Int).Add(spent, amt).Cmp(dailyLimit) > 0 {
		return 0, ErrExceedsDailyLimit
	}

	if err := e.store.AddSpent(ctx, owner, spender, day, amount); err != nil {
		return 0, fmt.Errorf("failed to record daily usage: %w", err)
	}
	return day, nil
}

// ReleaseReservation rolls back a CheckAndReserve after a downstream failure,
// restoring the day counter to its pre-spend value.
func (e *Engine) ReleaseReservation(ctx context.Context, owner, spender string, day int64, amount string) error {
	return e.store.SubSpent(ctx, strings.ToLower(owner), strings.ToLower(spender), day, amount)
}

// SetPolicyWithSig applies a policy change authorized by an offline EIP-712
// signature. The submitter can be anyone — a spender, a relayer, an
// automation agent; authority comes from the recovered signer, checked
// against the claimed owner, plus a strict nonce and a deadline.
func (e *Engine) SetPolicyWithSig(ctx context.Context, msg sigauth.SetPolicyMessage, signatureHex string) (*Policy, error) {
	maxPerTx := usdc.Format(msg.MaxPerTx)
	dailyLimit := usdc.Format(msg.DailyLimit)

	digest := msg.Digest(e.domain)
	if err := e.verifyAuthorization(ctx, msg.Owner, msg.Nonce, msg.Deadline, digest, signatureHex); err != nil {
		return nil, err
	}

	p, err := e.SetPolicy(ctx, msg.Owner, msg.Spender, msg.Enabled, maxPerTx, dailyLimit, msg.EnforceWhitelist)
	if err != nil {
		return nil, err
	}
	if err := e.store.IncrementNonce(ctx, strings.ToLower(msg.Owner)); err != nil {
		return nil, fmt.Errorf("failed to consume nonce: %w", err)
	}
	return p, nil
}

// SetMerchantAllowedWithSig applies an allowlist change authorized by an
// offline EIP-712 signature, with the same nonce and deadline rules as
// SetPolicyWithSig.
func (e *Engine) SetMerchantAllowedWithSig(ctx context.Context, msg sigauth.SetMerchantAllowedMessage, signatureHex string) error {
	digest := msg.Digest(e.domain)
	if err := e.verifyAuthorization(ctx, msg.Owner, msg.Nonce, msg.Deadline, digest, signatureHex); err != nil {
		return err
	}

	if err := e.SetMerchantAllowed(ctx, msg.Owner, msg.Spender, msg.Merchant, msg.Allowed); err != nil {
		return err
	}
	if err := e.store.IncrementNonce(ctx, strings.ToLower(msg.Owner)); err != nil {
		return fmt.Errorf("failed to consume nonce: %w", err)
	}
	return nil
}

// verifyAuthorization performs the shared signed-authorization checks:
// deadline, strict nonce equality, signature recovery, signer == owner.
func (e *Engine) verifyAuthorization(ctx context.Context, owner string, nonce uint64, deadline int64, digest []byte, signatureHex string) error {
	if e.now().Unix() > deadline {
		return ErrDeadlineExpired
	}

	current, err := e.store.Nonce(ctx, strings.ToLower(owner))
	if err != nil {
		return fmt.Errorf("failed to load nonce: %w", err)
	}
	// Strict equality: stale and future nonces both fail, forcing strictly
	// sequential authorizations.
	if nonce != current {
		return ErrNonceMismatch
	}

	signer, err := sigauth.RecoverSigner(digest, signatureHex)
	if err != nil {
		return ErrInvalidSignature
	}
	if signer != strings.ToLower(owner) {
		return ErrSignatureMismatch
	}
	return nil
}

func validateAmount(s string) error {
	v, ok := usdc.Parse(s)
	if !ok || v.Sign() < 0 {
		return ErrInvalidAmount
	}
	return nil
}
