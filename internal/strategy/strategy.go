// Package strategy defines the pluggable yield capability the vault can
// direct idle funds into, plus its two implementations: a pass-through
// adapter that holds funds flat, and a simulated interest-bearing pool.
//
// A strategy trusts exactly one caller — the vault it was bound to at
// construction. Any other caller is rejected before funds move.
package strategy

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/mbd888/stablevault/internal/token"
)

var (
	ErrOnlyVault          = errors.New("caller is not the bound vault")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInsufficientShares = errors.New("insufficient pool shares")
)

// Strategy is the capability interface the vault consumes. TotalAssets
// reports the value attributable to the vault; it is a pure read and must
// not mutate strategy state.
type Strategy interface {
	Address() string
	TotalAssets(ctx context.Context) (*big.Int, error)
	DepositFromVault(ctx context.Context, caller string, amount *big.Int) error
	WithdrawToVault(ctx context.Context, caller string, amount *big.Int) error
}

// PassThrough holds deposited funds at its own token account and generates
// no yield. It exists to exercise the vault's strategy plumbing without
// simulation.
type PassThrough struct {
	addr  string
	vault string
	tok   token.Token
}

// NewPassThrough creates a pass-through strategy bound to one vault.
func NewPassThrough(addr, vault string, tok token.Token) *PassThrough {
	return &PassThrough{
		addr:  strings.ToLower(addr),
		vault: strings.ToLower(vault),
		tok:   tok,
	}
}

func (p *PassThrough) Address() string {
	return p.addr
}

func (p *PassThrough) TotalAssets(ctx context.Context) (*big.Int, error) {
	return p.tok.BalanceOf(p.addr), nil
}

// DepositFromVault pulls amount from the vault's token account. The vault
// must have approved this strategy for at least amount.
func (p *PassThrough) DepositFromVault(ctx context.Context, caller string, amount *big.Int) error {
	if strings.ToLower(caller) != p.vault {
		return ErrOnlyVault
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return p.tok.TransferFrom(p.addr, p.vault, p.addr, amount)
}

// WithdrawToVault returns amount to the vault's token account.
func (p *PassThrough) WithdrawToVault(ctx context.Context, caller string, amount *big.Int) error {
	if strings.ToLower(caller) != p.vault {
		return ErrOnlyVault
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return p.tok.Transfer(p.addr, p.vault, amount)
}
