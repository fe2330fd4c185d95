// Package sigauth implements EIP-712 typed-data hashing and ECDSA signer
// recovery for off-chain vault authorizations.
//
// An owner signs a SetPolicy or SetMerchantAllowed message off-line; anyone
// may submit it, and the policy engine applies it after recovering the signer
// from the digest. Everything in this package is a pure function of its
// inputs so it can be tested against known vectors, independent of the state
// machine that consumes the result.
package sigauth

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Domain binds signatures to one vault instance on one network, preventing
// cross-contract and cross-network replay.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract string
}

var (
	domainTypeHash = crypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))

	setPolicyTypeHash = crypto.Keccak256(
		[]byte("SetPolicy(address owner,address spender,bool enabled,uint256 maxPerTx,uint256 dailyLimit,bool enforceWhitelist,uint256 nonce,uint256 deadline)"))

	setMerchantAllowedTypeHash = crypto.Keccak256(
		[]byte("SetMerchantAllowed(address owner,address spender,address merchant,bool allowed,uint256 nonce,uint256 deadline)"))
)

// Separator returns the EIP-712 domain separator hash.
func (d Domain) Separator() []byte {
	return crypto.Keccak256(
		domainTypeHash,
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		encodeUint(big.NewInt(d.ChainID)),
		encodeAddress(d.VerifyingContract),
	)
}

// SetPolicyMessage is the typed message an owner signs to authorize a policy
// change for one spender.
type SetPolicyMessage struct {
	Owner            string
	Spender          string
	Enabled          bool
	MaxPerTx         *big.Int
	DailyLimit       *big.Int
	EnforceWhitelist bool
	Nonce            uint64
	Deadline         int64 // unix seconds
}

// Digest returns the final EIP-712 digest to sign: keccak256("\x19\x01" ||
// domainSeparator || structHash).
func (m SetPolicyMessage) Digest(d Domain) []byte {
	structHash := crypto.Keccak256(
		setPolicyTypeHash,
		encodeAddress(m.Owner),
		encodeAddress(m.Spender),
		encodeBool(m.Enabled),
		encodeUint(m.MaxPerTx),
		encodeUint(m.DailyLimit),
		encodeBool(m.EnforceWhitelist),
		encodeUint(new(big.Int).SetUint64(m.Nonce)),
		encodeUint(big.NewInt(m.Deadline)),
	)
	return finalDigest(d, structHash)
}

// SetMerchantAllowedMessage is the typed message an owner signs to authorize
// an allowlist change for one (spender, merchant) pair.
type SetMerchantAllowedMessage struct {
	Owner    string
	Spender  string
	Merchant string
	Allowed  bool
	Nonce    uint64
	Deadline int64
}

// Digest returns the final EIP-712 digest to sign.
func (m SetMerchantAllowedMessage) Digest(d Domain) []byte {
	structHash := crypto.Keccak256(
		setMerchantAllowedTypeHash,
		encodeAddress(m.Owner),
		encodeAddress(m.Spender),
		encodeAddress(m.Merchant),
		encodeBool(m.Allowed),
		encodeUint(new(big.Int).SetUint64(m.Nonce)),
		encodeUint(big.NewInt(m.Deadline)),
	)
	return finalDigest(d, structHash)
}

func finalDigest(d Domain, structHash []byte) []byte {
	return crypto.Keccak256([]byte("\x19\x01"), d.Separator(), structHash)
}

// RecoverSigner recovers the lowercase signer address from a 32-byte digest
// and a hex-encoded 65-byte signature (r[32] + s[32] + v[1]).
func RecoverSigner(digest []byte, signatureHex string) (string, error) {
	sigHex := strings.TrimPrefix(signatureHex, "0x")

	signature, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(signature) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}

	// Ethereum wallets emit v = 27 or 28; Ecrecover expects 0 or 1.
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubKeyBytes, err := crypto.Ecrecover(digest, sig)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}

	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return "", fmt.Errorf("failed to unmarshal public key: %w", err)
	}

	return strings.ToLower(crypto.PubkeyToAddress(*pubKey).Hex()), nil
}

// --- ABI-style 32-byte word encoding ---

func encodeAddress(addr string) []byte {
	return common.LeftPadBytes(common.HexToAddress(addr).Bytes(), 32)
}

func encodeUint(v *big.Int) []byte {
	if v == nil {
		v = big.NewInt(0)
	}
	return common.LeftPadBytes(v.Bytes(), 32)
}

func encodeBool(b bool) []byte {
	if b {
		return encodeUint(big.NewInt(1))
	}
	return encodeUint(big.NewInt(0))
}
