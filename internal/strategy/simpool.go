package strategy

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/stablevault/internal/token"
)

// Scale is the fixed-point base for the accrual index: index 1e18 means one
// unit of underlying per share.
var Scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

const secondsPerYear = 365 * 86400

// SimPool is a simulated interest-bearing pool. Deposits are tracked under
// an index-based share model: the index starts at 1.0 and only ever grows;
// accrued interest is materialized by minting the underlying asset to the
// pool and folding the growth into the index, so every depositor's balance
// grows proportionally with no per-depositor writes.
//
// Interest is simple: totalUnderlying × annualRateBps × elapsed /
// (10000 × secondsPerYear), computed over wall-clock elapsed time.
type SimPool struct {
	addr         string
	vault        string
	tok          token.Token
	minter       token.Minter
	annualRate   int64 // bps, immutable
	index        *big.Int
	sharesOf     map[string]*big.Int
	totalShares  *big.Int
	lastAccrual  time.Time
	now          func() time.Time
	mu           sync.Mutex
}

// NewSimPool creates a simulated pool bound to one vault, accruing at
// annualRateBps (500 = 5% per year).
func NewSimPool(addr, vault string, tok token.Token, minter token.Minter, annualRateBps int64) *SimPool {
	p := &SimPool{
		addr:        strings.ToLower(addr),
		vault:       strings.ToLower(vault),
		tok:         tok,
		minter:      minter,
		annualRate:  annualRateBps,
		index:       new(big.Int).Set(Scale),
		sharesOf:    make(map[string]*big.Int),
		totalShares: big.NewInt(0),
		now:         time.Now,
	}
	p.lastAccrual = p.now()
	return p
}

// WithClock overrides the pool's time source for deterministic accrual tests.
func (p *SimPool) WithClock(now func() time.Time) *SimPool {
	p.now = now
	p.lastAccrual = now()
	return p
}

func (p *SimPool) Address() string {
	return p.addr
}

// Index returns the current accrual index (1e18 scale).
func (p *SimPool) Index() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.index)
}

// AnnualRateBps returns the immutable accrual rate.
func (p *SimPool) AnnualRateBps() int64 {
	return p.annualRate
}

// TotalAssets reports the underlying value of the vault's shares at the
// current index. Pure read: interest accrued since the last AccrueInterest
// call is not folded in here.
func (p *SimPool) TotalAssets(ctx context.Context) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balanceOfLocked(p.vault), nil
}

// BalanceOf returns the underlying value of a depositor's shares.
func (p *SimPool) BalanceOf(depositor string) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balanceOfLocked(strings.ToLower(depositor))
}

// AccrueInterest folds interest for the elapsed time since the last accrual
// into the index, minting the underlying to the pool. With zero shares or
// zero elapsed time it only records the new timestamp — the guard that keeps
// the index away from division by zero and needless rewrites.
func (p *SimPool) AccrueInterest(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accrueLocked()
}

// DepositFromVault accrues, then pulls amount from the vault and mints
// shares at the fresh index, floor-rounded.
func (p *SimPool) DepositFromVault(ctx context.Context, caller string, amount *big.Int) error {
	if strings.ToLower(caller) != p.vault {
		return ErrOnlyVault
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.accrueLocked(); err != nil {
		return err
	}

	// shares = amount * Scale / index, floor
	shares := new(big.Int).Mul(amount, Scale)
	shares.Quo(shares, p.index)
	if shares.Sign() == 0 {
		return ErrInvalidAmount
	}

	if err := p.tok.TransferFrom(p.addr, p.vault, p.addr, amount); err != nil {
		return fmt.Errorf("pool deposit transfer failed: %w", err)
	}

	p.addShares(p.vault, shares)
	return nil
}

// WithdrawToVault accrues, burns enough shares to cover amount — ceiling-
// rounded, never under-burning — and returns amount to the vault.
func (p *SimPool) WithdrawToVault(ctx context.Context, caller string, amount *big.Int) error {
	if strings.ToLower(caller) != p.vault {
		return ErrOnlyVault
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.accrueLocked(); err != nil {
		return err
	}

	// shares = ceil(amount * Scale / index)
	num := new(big.Int).Mul(amount, Scale)
	shares, rem := new(big.Int).QuoRem(num, p.index, new(big.Int))
	if rem.Sign() > 0 {
		shares.Add(shares, big.NewInt(1))
	}

	held := p.shares(p.vault)
	if held.Cmp(shares) < 0 {
		return ErrInsufficientShares
	}

	held.Sub(held, shares)
	p.totalShares.Sub(p.totalShares, shares)

	if err := p.tok.Transfer(p.addr, p.vault, amount); err != nil {
		// Restore shares: the withdrawal did not happen.
		held.Add(held, shares)
		p.totalShares.Add(p.totalShares, shares)
		return fmt.Errorf("pool withdrawal transfer failed: %w", err)
	}
	return nil
}

// --- internal, callers hold the lock ---

func (p *SimPool) accrueLocked() error {
	now := p.now()
	elapsed := int64(now.Sub(p.lastAccrual) / time.Second)
	if elapsed <= 0 || p.totalShares.Sign() == 0 {
		p.lastAccrual = now
		return nil
	}

	underlying := p.tok.BalanceOf(p.addr)
	if underlying.Sign() == 0 {
		p.lastAccrual = now
		return nil
	}

	// interest = underlying * rateBps * elapsed / (10000 * secondsPerYear)
	interest := new(big.Int).Mul(underlying, big.NewInt(p.annualRate))
	interest.Mul(interest, big.NewInt(elapsed))
	interest.Quo(interest, big.NewInt(10000*int64(secondsPerYear)))

	if interest.Sign() > 0 {
		if err := p.minter.Mint(p.addr, interest); err != nil {
			return fmt.Errorf("failed to materialize interest: %w", err)
		}
		// index *= (underlying + interest) / underlying
		newTotal := new(big.Int).Add(underlying, interest)
		p.index.Mul(p.index, newTotal)
		p.index.Quo(p.index, underlying)
	}

	p.lastAccrual = now
	return nil
}

func (p *SimPool) balanceOfLocked(depositor string) *big.Int {
	shares, ok := p.sharesOf[depositor]
	if !ok {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(shares, p.index)
	return out.Quo(out, Scale)
}

func (p *SimPool) shares(depositor string) *big.Int {
	if s, ok := p.sharesOf[depositor]; ok {
		return s
	}
	s := big.NewInt(0)
	p.sharesOf[depositor] = s
	return s
}

func (p *SimPool) addShares(depositor string, shares *big.Int) {
	p.shares(depositor).Add(p.shares(depositor), shares)
	p.totalShares.Add(p.totalShares, shares)
}
