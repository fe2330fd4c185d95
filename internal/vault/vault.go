// Package vault implements the custodial vault's accounting engine and its
// single spend execution path.
//
// Flow:
//  1. Owner approves the vault on the asset, then deposits — receiving
//     proportional claim units
//  2. Owner delegates bounded spending authority via the policy engine
//  3. A spender pays merchants through Spend, which burns the owner's
//     claim units at the current claim/asset ratio
//  4. Governance plugs in a strategy and rebalances idle funds into it;
//     withdrawals reclaim from the strategy transparently
//
// All mutation goes through the engine's public operations. A single mutex
// serializes state-changing calls, and internal accounting is always updated
// before token or strategy interactions so a failed interaction can be rolled
// back to a consistent state.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mbd888/stablevault/internal/events"
	"github.com/mbd888/stablevault/internal/idgen"
	"github.com/mbd888/stablevault/internal/metrics"
	"github.com/mbd888/stablevault/internal/policy"
	"github.com/mbd888/stablevault/internal/strategy"
	"github.com/mbd888/stablevault/internal/token"
	"github.com/mbd888/stablevault/internal/traces"
	"github.com/mbd888/stablevault/internal/usdc"
)

var (
	ErrNotGovernance      = errors.New("caller is not governance")
	ErrInvalidAmount      = errors.New("amount must be a positive decimal")
	ErrZeroMint           = errors.New("deposit too small to mint claim units")
	ErrInsufficientClaims = errors.New("insufficient claim units")
	ErrNoStrategy         = errors.New("no active strategy")
)

// Store persists claim-unit bookkeeping.
type Store interface {
	TotalClaimUnits(ctx context.Context) (string, error)
	ClaimUnitsOf(ctx context.Context, owner string) (string, error)
	Mint(ctx context.Context, owner, units string) error
	Burn(ctx context.Context, owner, units string) error
}

// Vault owns total-supply/claim-unit bookkeeping, deposit/withdraw flows,
// the spend execution path, and strategy rebalancing.
type Vault struct {
	addr       string
	governance string
	store      Store
	policies   *policy.Engine
	events     events.Store
	sink       events.Sink
	tok        token.Token
	idleBuffer *big.Int
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.Mutex
	strat strategy.Strategy // nil = all funds idle
}

// Option configures a Vault.
type Option func(*Vault)

// WithSink attaches a live event sink (the realtime hub).
func WithSink(s events.Sink) Option {
	return func(v *Vault) { v.sink = s }
}

// WithIdleBuffer sets the idle balance Rebalance leaves in the vault.
// Zero (the default) pushes everything into the strategy.
func WithIdleBuffer(buffer *big.Int) Option {
	return func(v *Vault) { v.idleBuffer = new(big.Int).Set(buffer) }
}

// WithClock overrides the vault's time source.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

// WithLogger sets the vault's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Vault) { v.logger = logger }
}

// New creates a vault engine. addr is the vault's own token account;
// governance is the only address allowed to change strategy or rebalance.
func New(addr, governance string, store Store, policies *policy.Engine, eventStore events.Store, tok token.Token, opts ...Option) *Vault {
	v := &Vault{
		addr:       strings.ToLower(addr),
		governance: strings.ToLower(governance),
		store:      store,
		policies:   policies,
		events:     eventStore,
		tok:        tok,
		idleBuffer: big.NewInt(0),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Address returns the vault's token account.
func (v *Vault) Address() string {
	return v.addr
}

// Policies returns the delegation engine backing this vault.
func (v *Vault) Policies() *policy.Engine {
	return v.policies
}

// Strategy returns the active strategy, or nil.
func (v *Vault) Strategy() strategy.Strategy {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.strat
}

// TotalAssets returns idle balance plus strategy-held balance. Pure read.
func (v *Vault) TotalAssets(ctx context.Context) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.totalAssetsLocked(ctx)
}

// TotalClaimUnits returns the outstanding claim-unit supply.
func (v *Vault) TotalClaimUnits(ctx context.Context) (*big.Int, error) {
	s, err := v.store.TotalClaimUnits(ctx)
	if err != nil {
		return nil, err
	}
	units, _ := usdc.Parse(s)
	return units, nil
}

// ClaimUnitsOf returns an owner's claim balance.
func (v *Vault) ClaimUnitsOf(ctx context.Context, owner string) (*big.Int, error) {
	s, err := v.store.ClaimUnitsOf(ctx, strings.ToLower(owner))
	if err != nil {
		return nil, err
	}
	units, _ := usdc.Parse(s)
	return units, nil
}

// RedeemableValue returns the assets an owner's claim units are currently
// worth: units * totalAssets / totalClaimUnits, truncated. Pure read.
func (v *Vault) RedeemableValue(ctx context.Context, owner string) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	units, err := v.claimUnitsOfLocked(ctx, strings.ToLower(owner))
	if err != nil {
		return nil, err
	}
	if units.Sign() == 0 {
		return big.NewInt(0), nil
	}
	totalAssets, err := v.totalAssetsLocked(ctx)
	if err != nil {
		return nil, err
	}
	totalUnits, err := v.totalClaimUnitsLocked(ctx)
	if err != nil {
		return nil, err
	}
	value := new(big.Int).Mul(units, totalAssets)
	return value.Quo(value, totalUnits), nil
}

// Deposit pulls amount from the owner's token account and mints claim units.
// First deposit bootstraps 1:1; later deposits mint
// amount * totalClaimUnits / totalAssetsBefore, truncated. A deposit whose
// mint quantity truncates to zero is rejected before any funds move.
func (v *Vault) Deposit(ctx context.Context, owner, amount string) (string, error) {
	owner = strings.ToLower(owner)
	ctx, span := traces.StartSpan(ctx, "vault.Deposit",
		traces.Owner(owner), traces.Amount(amount))
	defer span.End()

	amt, ok := usdc.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return "", ErrInvalidAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	totalAssets, err := v.totalAssetsLocked(ctx)
	if err != nil {
		return "", err
	}
	totalUnits, err := v.totalClaimUnitsLocked(ctx)
	if err != nil {
		return "", err
	}

	var mint *big.Int
	if totalUnits.Sign() == 0 {
		mint = new(big.Int).Set(amt)
	} else {
		mint = new(big.Int).Mul(amt, totalUnits)
		mint.Quo(mint, totalAssets)
	}
	if mint.Sign() == 0 {
		return "", ErrZeroMint
	}

	if err := v.tok.TransferFrom(v.addr, owner, v.addr, amt); err != nil {
		return "", fmt.Errorf("deposit transfer failed: %w", err)
	}

	minted := usdc.Format(mint)
	if err := v.store.Mint(ctx, owner, minted); err != nil {
		// Funds are in but units were not minted: hand the deposit back.
		_ = v.tok.Transfer(v.addr, owner, amt)
		return "", fmt.Errorf("failed to mint claim units: %w", err)
	}

	metrics.DepositsTotal.WithLabelValues("ok").Inc()
	v.logger.Info("deposit",
		"owner", owner,
		"amount", usdc.Format(amt),
		"claim_units_minted", minted,
	)
	return minted, nil
}

// Withdraw burns claimUnits from the owner and pays out
// claimUnits * totalAssets / totalClaimUnits, truncated — pulling the
// shortfall from the strategy when idle balance is insufficient.
func (v *Vault) Withdraw(ctx context.Context, owner, claimUnits string) (string, error) {
	owner = strings.ToLower(owner)
	ctx, span := traces.StartSpan(ctx, "vault.Withdraw",
		traces.Owner(owner), attribute.String("claim_units", claimUnits))
	defer span.End()

	units, ok := usdc.Parse(claimUnits)
	if !ok || units.Sign() <= 0 {
		return "", ErrInvalidAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	held, err := v.claimUnitsOfLocked(ctx, owner)
	if err != nil {
		return "", err
	}
	if held.Cmp(units) < 0 {
		return "", ErrInsufficientClaims
	}

	totalAssets, err := v.totalAssetsLocked(ctx)
	if err != nil {
		return "", err
	}
	totalUnits, err := v.totalClaimUnitsLocked(ctx)
	if err != nil {
		return "", err
	}

	owed := new(big.Int).Mul(units, totalAssets)
	owed.Quo(owed, totalUnits)

	burned := usdc.Format(units)
	if err := v.store.Burn(ctx, owner, burned); err != nil {
		return "", fmt.Errorf("failed to burn claim units: %w", err)
	}

	if err := v.payOutLocked(ctx, owner, owed); err != nil {
		// Burn happened before the interaction; restore it.
		_ = v.store.Mint(ctx, owner, burned)
		return "", err
	}

	metrics.WithdrawalsTotal.WithLabelValues("ok").Inc()
	v.logger.Info("withdrawal",
		"owner", owner,
		"claim_units_burned", burned,
		"amount", usdc.Format(owed),
	)
	return usdc.Format(owed), nil
}

// Spend is the single delegated-payment entry point. caller is the spender
// named in the owner's policy; enforcement order is policy, allowlist,
// per-tx cap, daily cap, then effects, then token interactions. A failure in
// the checks leaves all state untouched; a failed interaction rolls the day
// counter and claim burn back.
func (v *Vault) Spend(ctx context.Context, caller, owner, merchant, amount string) (*events.Spent, error) {
	caller = strings.ToLower(caller)
	owner = strings.ToLower(owner)
	merchant = strings.ToLower(merchant)
	ctx, span := traces.StartSpan(ctx, "vault.Spend",
		traces.Owner(owner), traces.Spender(caller),
		traces.Merchant(merchant), traces.Amount(amount))
	defer span.End()

	amt, ok := usdc.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	amount = usdc.Format(amt)

	v.mu.Lock()
	defer v.mu.Unlock()

	day, err := v.policies.CheckAndReserve(ctx, owner, caller, merchant, amount)
	if err != nil {
		var pe *policy.Error
		if errors.As(err, &pe) {
			metrics.SpendsTotal.WithLabelValues(pe.Code).Inc()
		}
		return nil, err
	}

	// Claim units to burn at the current ratio, ceiling-rounded so a spend
	// never burns less than the assets leaving the vault.
	totalAssets, err := v.totalAssetsLocked(ctx)
	if err != nil {
		v.releaseLocked(ctx, owner, caller, day, amount)
		return nil, err
	}
	totalUnits, err := v.totalClaimUnitsLocked(ctx)
	if err != nil {
		v.releaseLocked(ctx, owner, caller, day, amount)
		return nil, err
	}
	if totalUnits.Sign() == 0 || totalAssets.Sign() == 0 {
		v.releaseLocked(ctx, owner, caller, day, amount)
		return nil, ErrInsufficientClaims
	}

	num := new(big.Int).Mul(amt, totalUnits)
	burn, rem := new(big.Int).QuoRem(num, totalAssets, new(big.Int))
	if rem.Sign() > 0 {
		burn.Add(burn, big.NewInt(1))
	}

	held, err := v.claimUnitsOfLocked(ctx, owner)
	if err != nil {
		v.releaseLocked(ctx, owner, caller, day, amount)
		return nil, err
	}
	if held.Cmp(burn) < 0 {
		v.releaseLocked(ctx, owner, caller, day, amount)
		return nil, ErrInsufficientClaims
	}

	burned := usdc.Format(burn)
	if err := v.store.Burn(ctx, owner, burned); err != nil {
		v.releaseLocked(ctx, owner, caller, day, amount)
		return nil, fmt.Errorf("failed to burn claim units: %w", err)
	}

	if err := v.payOutLocked(ctx, merchant, amt); err != nil {
		_ = v.store.Mint(ctx, owner, burned)
		v.releaseLocked(ctx, owner, caller, day, amount)
		return nil, err
	}

	e := &events.Spent{
		ID:               idgen.WithPrefix("evt_"),
		Owner:            owner,
		Spender:          caller,
		Merchant:         merchant,
		Amount:           amount,
		ClaimUnitsBurned: burned,
		DayIndex:         day,
		TxRef:            "0x" + idgen.Hex(32),
		CreatedAt:        v.now(),
	}
	if err := v.events.Append(ctx, e); err != nil {
		// The transfer already settled; losing the audit record is a
		// logging problem, not grounds to claw back the payment.
		v.logger.Error("failed to append spent event", "error", err, "event_id", e.ID)
	}
	if v.sink != nil {
		v.sink.Publish(e)
	}

	metrics.SpendsTotal.WithLabelValues("settled").Inc()
	v.logger.Info("spend settled",
		"owner", owner,
		"spender", caller,
		"merchant", merchant,
		"amount", amount,
		"claim_units_burned", burned,
		"day_index", day,
		"tx_ref", e.TxRef,
	)
	return e, nil
}

// SetStrategy swaps the active strategy. Governance only. Before the pointer
// changes, everything held by the old strategy is swept back into the vault
// so funds can never be stranded behind a stale reference; the swap fails
// atomically if the sweep fails.
func (v *Vault) SetStrategy(ctx context.Context, caller string, s strategy.Strategy) error {
	if strings.ToLower(caller) != v.governance {
		return ErrNotGovernance
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.strat != nil {
		held, err := v.strat.TotalAssets(ctx)
		if err != nil {
			return fmt.Errorf("failed to value old strategy: %w", err)
		}
		if held.Sign() > 0 {
			if err := v.strat.WithdrawToVault(ctx, v.addr, held); err != nil {
				return fmt.Errorf("failed to sweep old strategy: %w", err)
			}
		}
	}

	v.strat = s
	if s != nil {
		v.logger.Info("strategy set", "strategy", s.Address())
	} else {
		v.logger.Info("strategy cleared")
	}
	return nil
}

// Rebalance moves idle balance above the configured buffer into the active
// strategy. Governance only.
func (v *Vault) Rebalance(ctx context.Context, caller string) (string, error) {
	ctx, span := traces.StartSpan(ctx, "vault.Rebalance")
	defer span.End()

	if strings.ToLower(caller) != v.governance {
		return "", ErrNotGovernance
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.strat == nil {
		return "", ErrNoStrategy
	}

	idle := v.tok.BalanceOf(v.addr)
	excess := new(big.Int).Sub(idle, v.idleBuffer)
	if excess.Sign() <= 0 {
		return "0", nil
	}

	if err := v.tok.Approve(v.addr, v.strat.Address(), excess); err != nil {
		return "", fmt.Errorf("failed to approve strategy: %w", err)
	}
	if err := v.strat.DepositFromVault(ctx, v.addr, excess); err != nil {
		return "", fmt.Errorf("strategy deposit failed: %w", err)
	}

	moved := usdc.Format(excess)
	v.logger.Info("rebalanced", "moved", moved, "strategy", v.strat.Address())
	return moved, nil
}

// --- internal, callers hold the lock ---

func (v *Vault) totalAssetsLocked(ctx context.Context) (*big.Int, error) {
	idle := v.tok.BalanceOf(v.addr)
	if v.strat == nil {
		return idle, nil
	}
	held, err := v.strat.TotalAssets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to value strategy: %w", err)
	}
	return idle.Add(idle, held), nil
}

func (v *Vault) totalClaimUnitsLocked(ctx context.Context) (*big.Int, error) {
	s, err := v.store.TotalClaimUnits(ctx)
	if err != nil {
		return nil, err
	}
	units, _ := usdc.Parse(s)
	return units, nil
}

func (v *Vault) claimUnitsOfLocked(ctx context.Context, owner string) (*big.Int, error) {
	s, err := v.store.ClaimUnitsOf(ctx, owner)
	if err != nil {
		return nil, err
	}
	units, _ := usdc.Parse(s)
	return units, nil
}

// payOutLocked transfers amount to recipient, reclaiming the shortfall from
// the strategy when the idle balance does not cover it.
func (v *Vault) payOutLocked(ctx context.Context, recipient string, amount *big.Int) error {
	idle := v.tok.BalanceOf(v.addr)
	if idle.Cmp(amount) < 0 {
		if v.strat == nil {
			return fmt.Errorf("insufficient idle balance and %w", ErrNoStrategy)
		}
		shortfall := new(big.Int).Sub(amount, idle)
		if err := v.strat.WithdrawToVault(ctx, v.addr, shortfall); err != nil {
			return fmt.Errorf("strategy withdrawal failed: %w", err)
		}
	}
	if err := v.tok.Transfer(v.addr, recipient, amount); err != nil {
		return fmt.Errorf("payout transfer failed: %w", err)
	}
	return nil
}

func (v *Vault) releaseLocked(ctx context.Context, owner, spender string, day int64, amount string) {
	if err := v.policies.ReleaseReservation(ctx, owner, spender, day, amount); err != nil {
		v.logger.Error("failed to release daily reservation",
			"owner", owner, "spender", spender, "day_index", day, "error", err)
	}
}
