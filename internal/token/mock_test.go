package token

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/stablevault/internal/usdc"
)

func TestMintAndBalance(t *testing.T) {
	tok := NewMock()

	require.NoError(t, tok.Mint("0xAlice", usdc.Units(100)))
	assert.Equal(t, usdc.Units(100), tok.BalanceOf("0xalice"))
	assert.Equal(t, usdc.Units(100), tok.TotalSupply())

	// Addresses are case-insensitive
	assert.Equal(t, usdc.Units(100), tok.BalanceOf("0xALICE"))
}

func TestTransfer(t *testing.T) {
	tok := NewMock()
	require.NoError(t, tok.Mint("0xalice", usdc.Units(10)))

	require.NoError(t, tok.Transfer("0xalice", "0xbob", usdc.Units(4)))
	assert.Equal(t, usdc.Units(6), tok.BalanceOf("0xalice"))
	assert.Equal(t, usdc.Units(4), tok.BalanceOf("0xbob"))

	err := tok.Transfer("0xalice", "0xbob", usdc.Units(100))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	err = tok.Transfer("0xalice", "0xbob", big.NewInt(0))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestTransferFrom(t *testing.T) {
	tok := NewMock()
	require.NoError(t, tok.Mint("0xalice", usdc.Units(10)))

	// No allowance yet
	err := tok.TransferFrom("0xvault", "0xalice", "0xvault", usdc.Units(5))
	assert.ErrorIs(t, err, ErrInsufficientAllowance)

	require.NoError(t, tok.Approve("0xalice", "0xvault", usdc.Units(6)))
	assert.Equal(t, usdc.Units(6), tok.Allowance("0xalice", "0xvault"))

	require.NoError(t, tok.TransferFrom("0xvault", "0xalice", "0xvault", usdc.Units(5)))
	assert.Equal(t, usdc.Units(5), tok.BalanceOf("0xvault"))
	assert.Equal(t, usdc.Units(1), tok.Allowance("0xalice", "0xvault"))

	// Allowance exhausted
	err = tok.TransferFrom("0xvault", "0xalice", "0xvault", usdc.Units(2))
	assert.ErrorIs(t, err, ErrInsufficientAllowance)

	// Allowance present but balance short
	require.NoError(t, tok.Approve("0xalice", "0xvault", usdc.Units(50)))
	err = tok.TransferFrom("0xvault", "0xalice", "0xvault", usdc.Units(50))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}
