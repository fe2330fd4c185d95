// Package token defines the fungible-asset interface the vault settles in,
// plus an in-memory mock implementation for development and tests.
//
// The vault treats the asset as an opaque collaborator: transfer, transferFrom,
// approve, balanceOf. All amounts are big.Int smallest units. An implementation
// must report failure through the error return — a transfer that does nothing
// and returns nil is a broken asset, and the vault has no way to detect it.
package token

import (
	"errors"
	"math/big"
)

var (
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInsufficientBalance   = errors.New("insufficient token balance")
	ErrInsufficientAllowance = errors.New("insufficient token allowance")
)

// Token is the asset interface consumed by the vault and strategies.
// The caller argument identifies who is invoking the operation; balances
// and allowances are keyed by lowercase address strings.
type Token interface {
	BalanceOf(account string) *big.Int
	Transfer(caller, to string, amount *big.Int) error
	TransferFrom(caller, from, to string, amount *big.Int) error
	Approve(caller, spender string, amount *big.Int) error
	Allowance(owner, spender string) *big.Int
}
