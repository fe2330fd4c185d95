package policy

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/stablevault/internal/sigauth"
	"github.com/mbd888/stablevault/internal/usdc"
)

func newSignedFixture(t *testing.T) (*Engine, *ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	return newEngine(), key, addr
}

func sign(t *testing.T, digest []byte, key *ecdsa.PrivateKey) string {
	t.Helper()
	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig)
}

func policyMsg(ownerAddr string, nonce uint64, deadline int64) sigauth.SetPolicyMessage {
	return sigauth.SetPolicyMessage{
		Owner:            ownerAddr,
		Spender:          spender,
		Enabled:          true,
		MaxPerTx:         usdc.Units(20),
		DailyLimit:       usdc.Units(40),
		EnforceWhitelist: false,
		Nonce:            nonce,
		Deadline:         deadline,
	}
}

func TestSetPolicyWithSig(t *testing.T) {
	ctx := context.Background()
	e, key, ownerAddr := newSignedFixture(t)

	msg := policyMsg(ownerAddr, 0, time.Now().Add(time.Hour).Unix())
	p, err := e.SetPolicyWithSig(ctx, msg, sign(t, msg.Digest(domain), key))
	require.NoError(t, err)
	assert.Equal(t, ownerAddr, p.Owner)
	assert.Equal(t, "20.000000", p.MaxPerTx)
	assert.Equal(t, "40.000000", p.DailyLimit)

	nonce, err := e.Nonce(ctx, ownerAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nonce)
}

func TestSetPolicyWithSigReplayFails(t *testing.T) {
	ctx := context.Background()
	e, key, ownerAddr := newSignedFixture(t)

	msg := policyMsg(ownerAddr, 0, time.Now().Add(time.Hour).Unix())
	sigHex := sign(t, msg.Digest(domain), key)

	_, err := e.SetPolicyWithSig(ctx, msg, sigHex)
	require.NoError(t, err)

	// Identical signature a second time: nonce already consumed.
	_, err = e.SetPolicyWithSig(ctx, msg, sigHex)
	assert.ErrorIs(t, err, ErrNonceMismatch)
}

func TestSetPolicyWithSigFutureNonceFails(t *testing.T) {
	ctx := context.Background()
	e, key, ownerAddr := newSignedFixture(t)

	// Nonce 5 while stored nonce is 0: strict equality rejects it.
	msg := policyMsg(ownerAddr, 5, time.Now().Add(time.Hour).Unix())
	_, err := e.SetPolicyWithSig(ctx, msg, sign(t, msg.Digest(domain), key))
	assert.ErrorIs(t, err, ErrNonceMismatch)
}

func TestSetPolicyWithSigExpiredDeadline(t *testing.T) {
	ctx := context.Background()
	e, key, ownerAddr := newSignedFixture(t)

	msg := policyMsg(ownerAddr, 0, time.Now().Add(-time.Minute).Unix())
	_, err := e.SetPolicyWithSig(ctx, msg, sign(t, msg.Digest(domain), key))
	assert.ErrorIs(t, err, ErrDeadlineExpired)

	// Nothing applied, nonce untouched.
	p, err := e.GetPolicy(ctx, ownerAddr, spender)
	require.NoError(t, err)
	assert.Nil(t, p)

	nonce, err := e.Nonce(ctx, ownerAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), nonce)
}

func TestSetPolicyWithSigWrongSigner(t *testing.T) {
	ctx := context.Background()
	e, _, ownerAddr := newSignedFixture(t)

	attacker, err := crypto.GenerateKey()
	require.NoError(t, err)

	msg := policyMsg(ownerAddr, 0, time.Now().Add(time.Hour).Unix())
	_, err = e.SetPolicyWithSig(ctx, msg, sign(t, msg.Digest(domain), attacker))
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestSetPolicyWithSigMalformedSignature(t *testing.T) {
	ctx := context.Background()
	e, _, ownerAddr := newSignedFixture(t)

	msg := policyMsg(ownerAddr, 0, time.Now().Add(time.Hour).Unix())
	_, err := e.SetPolicyWithSig(ctx, msg, "0xdeadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestSetPolicyWithSigTamperedFieldFails(t *testing.T) {
	ctx := context.Background()
	e, key, ownerAddr := newSignedFixture(t)

	msg := policyMsg(ownerAddr, 0, time.Now().Add(time.Hour).Unix())
	sigHex := sign(t, msg.Digest(domain), key)

	// Submit with a different spender than was signed: recovery yields some
	// other address, never the owner.
	tampered := msg
	tampered.Spender = "0x9999999999999999999999999999999999999999"
	_, err := e.SetPolicyWithSig(ctx, tampered, sigHex)
	assert.Error(t, err)

	p, err := e.GetPolicy(ctx, ownerAddr, tampered.Spender)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestSetMerchantAllowedWithSig(t *testing.T) {
	ctx := context.Background()
	e, key, ownerAddr := newSignedFixture(t)

	msg := sigauth.SetMerchantAllowedMessage{
		Owner:    ownerAddr,
		Spender:  spender,
		Merchant: merchant,
		Allowed:  true,
		Nonce:    0,
		Deadline: time.Now().Add(time.Hour).Unix(),
	}
	require.NoError(t, e.SetMerchantAllowedWithSig(ctx, msg, sign(t, msg.Digest(domain), key)))

	allowed, err := e.IsMerchantAllowed(ctx, ownerAddr, spender, merchant)
	require.NoError(t, err)
	assert.True(t, allowed)

	nonce, err := e.Nonce(ctx, ownerAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nonce)

	// Replay fails on the consumed nonce.
	err = e.SetMerchantAllowedWithSig(ctx, msg, sign(t, msg.Digest(domain), key))
	assert.ErrorIs(t, err, ErrNonceMismatch)
}

func TestSignedAndDirectSettersShareEnforcement(t *testing.T) {
	ctx := context.Background()
	e, key, ownerAddr := newSignedFixture(t)

	// Grant via signature, then spend-check exactly as with a direct grant.
	msg := policyMsg(ownerAddr, 0, time.Now().Add(time.Hour).Unix())
	_, err := e.SetPolicyWithSig(ctx, msg, sign(t, msg.Digest(domain), key))
	require.NoError(t, err)

	_, err = e.CheckAndReserve(ctx, ownerAddr, spender, merchant, "12")
	require.NoError(t, err)

	_, err = e.CheckAndReserve(ctx, ownerAddr, spender, merchant, "30")
	assert.ErrorIs(t, err, ErrExceedsDailyLimit)
}
