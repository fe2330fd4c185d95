package presentment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Signer signs invoice settlement payloads with HMAC-SHA256.
type Signer struct {
	secret []byte
}

// NewSigner creates a new HMAC signer. If secret is empty, signing is disabled.
func NewSigner(secret string) *Signer {
	if secret == "" {
		return nil
	}
	return &Signer{secret: []byte(secret)}
}

// settlementPayload is the canonical struct signed by HMAC.
// Field order must be deterministic (JSON marshalling of struct is by field order).
type settlementPayload struct {
	Amount    string `json:"amount"`
	EventID   string `json:"eventId"`
	InvoiceID string `json:"invoiceId"`
	Merchant  string `json:"merchant"`
	Owner     string `json:"owner"`
	Spender   string `json:"spender"`
	TxRef     string `json:"txRef"`
}

// Sign computes the payload hash and HMAC-SHA256 signature.
func (s *Signer) Sign(payload settlementPayload) (payloadHash, signature string, err error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", "", err
	}
	hash := sha256.Sum256(data)
	payloadHash = hex.EncodeToString(hash[:])

	if s == nil {
		return payloadHash, "", nil
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	return payloadHash, hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks the HMAC-SHA256 signature of the canonical payload.
func (s *Signer) Verify(payload settlementPayload, signature string) bool {
	if s == nil {
		return false
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
