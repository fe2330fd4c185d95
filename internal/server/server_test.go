package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/stablevault/internal/config"
	"github.com/mbd888/stablevault/internal/logging"
)

const (
	testVaultAddr    = "0x1111111111111111111111111111111111111111"
	testGovAddr      = "0x2222222222222222222222222222222222222222"
	testOwnerAddr    = "0x3333333333333333333333333333333333333333"
	testSpenderAddr  = "0x4444444444444444444444444444444444444444"
	testMerchantAddr = "0x5555555555555555555555555555555555555555"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:              "8080",
		Env:               "development",
		LogLevel:          "error",
		ChainID:           84532,
		VaultContract:     testVaultAddr,
		GovernanceAddress: testGovAddr,
		SigningDomainName: "StableVault",
		IdleBuffer:        "0",
		AnnualRateBps:     500,
		ReceiptHMACSecret: "test-secret",
		RateLimitRPS:      1000,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(testConfig(), WithLogger(logging.New("error", "text")))
	require.NoError(t, err)
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])

	w = doJSON(t, srv, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Readiness flips on only once Run has started the listener.
	w = doJSON(t, srv, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAPIInfo(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/api", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "StableVault API", body["name"])
}

func TestVaultStateEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/v1/vault", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, testVaultAddr, body["address"])
	assert.Equal(t, "0.000000", body["totalAssets"])
	assert.Equal(t, "0.000000", body["totalClaimUnits"])
	assert.NotEmpty(t, body["strategy"], "interest pool should be installed at startup")
}

func TestAddressParamValidation(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/v1/vault/accounts/not-an-address", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	assert.Equal(t, "invalid_address", body["error"])
}

func fundAndApprove(t *testing.T, srv *Server, owner, amount string) {
	t.Helper()
	w := doJSON(t, srv, http.MethodPost, "/v1/token/faucet", map[string]string{
		"to": owner, "amount": amount,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, srv, http.MethodPost, "/v1/token/approvals", map[string]string{
		"owner": owner, "spender": testVaultAddr, "amount": amount,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestDepositAndWithdrawFlow(t *testing.T) {
	srv := newTestServer(t)
	fundAndApprove(t, srv, testOwnerAddr, "100")

	w := doJSON(t, srv, http.MethodPost, "/v1/vault/deposits", map[string]string{
		"owner": testOwnerAddr, "amount": "100",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(t, srv, http.MethodGet, "/v1/vault/accounts/"+testOwnerAddr, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "100.000000", body["claimUnits"])
	assert.Equal(t, "100.000000", body["redeemableValue"])

	w = doJSON(t, srv, http.MethodPost, "/v1/vault/withdrawals", map[string]string{
		"owner": testOwnerAddr, "claimUnits": "40",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body = decode(t, w)
	assert.Equal(t, "40.000000", body["amount"])

	w = doJSON(t, srv, http.MethodGet, "/v1/token/accounts/"+testOwnerAddr, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, "40.000000", body["balance"])
}

func TestDepositWithoutApprovalFails(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/v1/vault/deposits", map[string]string{
		"owner": testOwnerAddr, "amount": "100",
	})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	body := decode(t, w)
	assert.Equal(t, "insufficient_funds", body["error"])
}

func TestSpendFlowSettlesInvoice(t *testing.T) {
	srv := newTestServer(t)
	fundAndApprove(t, srv, testOwnerAddr, "100")

	w := doJSON(t, srv, http.MethodPost, "/v1/vault/deposits", map[string]string{
		"owner": testOwnerAddr, "amount": "50",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(t, srv, http.MethodPut,
		"/v1/owners/"+testOwnerAddr+"/policies/"+testSpenderAddr,
		map[string]interface{}{
			"enabled":          true,
			"maxPerTx":         "20",
			"dailyLimit":       "40",
			"enforceWhitelist": false,
		})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// An open invoice for the exact amount should settle off the spend.
	w = doJSON(t, srv, http.MethodPost, "/v1/invoices", map[string]interface{}{
		"merchant": testMerchantAddr,
		"amount":   "12",
		"memo":     "api credits",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	invoice := decode(t, w)["invoice"].(map[string]interface{})
	invoiceID := invoice["id"].(string)

	w = doJSON(t, srv, http.MethodPost, "/v1/vault/spend", map[string]string{
		"spender":  testSpenderAddr,
		"owner":    testOwnerAddr,
		"merchant": testMerchantAddr,
		"amount":   "12",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "settled", body["status"])

	w = doJSON(t, srv, http.MethodGet, "/v1/merchants/"+testMerchantAddr+"/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	events := decode(t, w)["events"].([]interface{})
	require.Len(t, events, 1)

	w = doJSON(t, srv, http.MethodGet, "/v1/invoices/"+invoiceID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	invoice = decode(t, w)["invoice"].(map[string]interface{})
	assert.Equal(t, "paid", invoice["status"])
	require.NotNil(t, invoice["settlement"])
	settlement := invoice["settlement"].(map[string]interface{})
	assert.NotEmpty(t, settlement["signature"])

	// A second large spend breaches the daily limit.
	w = doJSON(t, srv, http.MethodPost, "/v1/vault/spend", map[string]string{
		"spender":  testSpenderAddr,
		"owner":    testOwnerAddr,
		"merchant": testMerchantAddr,
		"amount":   "30",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	body = decode(t, w)
	assert.Equal(t, "exceeds_daily_limit", body["error"])
}

func TestSpendWithoutPolicyRejected(t *testing.T) {
	srv := newTestServer(t)
	fundAndApprove(t, srv, testOwnerAddr, "100")

	w := doJSON(t, srv, http.MethodPost, "/v1/vault/deposits", map[string]string{
		"owner": testOwnerAddr, "amount": "50",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/v1/vault/spend", map[string]string{
		"spender":  testSpenderAddr,
		"owner":    testOwnerAddr,
		"merchant": testMerchantAddr,
		"amount":   "5",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	body := decode(t, w)
	assert.Equal(t, "policy_disabled", body["error"])
}

func TestRebalanceRequiresGovernance(t *testing.T) {
	srv := newTestServer(t)
	fundAndApprove(t, srv, testOwnerAddr, "100")

	w := doJSON(t, srv, http.MethodPost, "/v1/vault/deposits", map[string]string{
		"owner": testOwnerAddr, "amount": "100",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/v1/vault/rebalance", map[string]string{
		"caller": testOwnerAddr,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/v1/vault/rebalance", map[string]string{
		"caller": testGovAddr,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "100.000000", body["moved"])

	// Vault value is unchanged: assets moved into the pool, not out.
	w = doJSON(t, srv, http.MethodGet, "/v1/vault", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, "100.000000", body["totalAssets"])
}

func TestSetStrategyEndpoint(t *testing.T) {
	srv := newTestServer(t)

	// Non-governance callers are rejected.
	w := doJSON(t, srv, http.MethodPost, "/v1/vault/strategy", map[string]interface{}{
		"caller": testOwnerAddr, "kind": "passthrough",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/v1/vault/strategy", map[string]interface{}{
		"caller": testGovAddr, "kind": "passthrough",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "passthrough", body["kind"])

	// A pass-through strategy does not accrue.
	w = doJSON(t, srv, http.MethodPost, "/v1/vault/accrue", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/v1/vault/strategy", map[string]interface{}{
		"caller": testGovAddr, "kind": "simpool", "annualRateBps": 500,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestAccrueEndpoint(t *testing.T) {
	srv := newTestServer(t)
	fundAndApprove(t, srv, testOwnerAddr, "100")

	w := doJSON(t, srv, http.MethodPost, "/v1/vault/deposits", map[string]string{
		"owner": testOwnerAddr, "amount": "100",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/v1/vault/rebalance", map[string]string{
		"caller": testGovAddr,
	})
	require.Equal(t, http.StatusOK, w.Code)

	// Accruing immediately after moving funds adds no measurable interest.
	w = doJSON(t, srv, http.MethodPost, "/v1/vault/accrue", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "100.000000", body["totalAssets"])
}

func TestFaucetRejectsBadAmount(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/v1/token/faucet", map[string]string{
		"to": testOwnerAddr, "amount": "-5",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

const testGovKey = "sk_governance_test_key"

func authConfig() *config.Config {
	cfg := testConfig()
	cfg.AuthRequired = true
	cfg.GovernanceAPIKey = testGovKey
	return cfg
}

func doJSONKey(t *testing.T, srv *Server, method, path, apiKey string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func issueKey(t *testing.T, srv *Server, issuerKey, addr string) string {
	t.Helper()
	w := doJSONKey(t, srv, http.MethodPost, "/v1/auth/keys", issuerKey, map[string]string{
		"address": addr,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	key, _ := decode(t, w)["apiKey"].(string)
	require.NotEmpty(t, key)
	return key
}

func TestMutationsRequireBoundAPIKey(t *testing.T) {
	srv, err := New(authConfig(), WithLogger(logging.New("error", "text")))
	require.NoError(t, err)

	// Unauthenticated mutations are rejected outright.
	w := doJSON(t, srv, http.MethodPost, "/v1/vault/rebalance", map[string]string{
		"caller": testGovAddr,
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/v1/token/approvals", map[string]string{
		"owner": testOwnerAddr, "spender": testVaultAddr, "amount": "10",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// The seeded governance key acts as the governance address.
	w = doJSONKey(t, srv, http.MethodPost, "/v1/vault/rebalance", testGovKey, map[string]string{
		"caller": testGovAddr,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Governance issues keys for other accounts; those keys act only as
	// their own address.
	ownerKey := issueKey(t, srv, testGovKey, testOwnerAddr)
	spenderKey := issueKey(t, srv, testGovKey, testSpenderAddr)

	w = doJSONKey(t, srv, http.MethodPost, "/v1/vault/rebalance", spenderKey, map[string]string{
		"caller": testGovAddr,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSONKey(t, srv, http.MethodPost, "/v1/auth/keys", spenderKey, map[string]string{
		"address": testMerchantAddr,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Faucet stays open in development; everything downstream needs the
	// right key.
	w = doJSON(t, srv, http.MethodPost, "/v1/token/faucet", map[string]string{
		"to": testOwnerAddr, "amount": "100",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSONKey(t, srv, http.MethodPost, "/v1/token/approvals", ownerKey, map[string]string{
		"owner": testOwnerAddr, "spender": testVaultAddr, "amount": "100",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSONKey(t, srv, http.MethodPost, "/v1/vault/deposits", ownerKey, map[string]string{
		"owner": testOwnerAddr, "amount": "50",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Only the owner's key may set the owner's policy.
	policyBody := map[string]interface{}{
		"enabled": true, "maxPerTx": "20", "dailyLimit": "40",
	}
	w = doJSONKey(t, srv, http.MethodPut, "/v1/owners/"+testOwnerAddr+"/policies/"+testSpenderAddr, testGovKey, policyBody)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = doJSONKey(t, srv, http.MethodPut, "/v1/owners/"+testOwnerAddr+"/policies/"+testSpenderAddr, ownerKey, policyBody)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Spend must be signed by the spender's own key.
	spendBody := map[string]string{
		"spender": testSpenderAddr, "owner": testOwnerAddr,
		"merchant": testMerchantAddr, "amount": "12",
	}
	w = doJSONKey(t, srv, http.MethodPost, "/v1/vault/spend", ownerKey, spendBody)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = doJSONKey(t, srv, http.MethodPost, "/v1/vault/spend", spenderKey, spendBody)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestSetStrategyRebindsAccrualTimer(t *testing.T) {
	srv := newTestServer(t)
	require.Same(t, srv.activePool(), srv.accrualTimer.Pool())

	w := doJSON(t, srv, http.MethodPost, "/v1/vault/strategy", map[string]interface{}{
		"caller": testGovAddr, "kind": "simpool", "annualRateBps": 700,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NotNil(t, srv.accrualTimer.Pool())
	assert.Same(t, srv.activePool(), srv.accrualTimer.Pool())
	assert.Equal(t, int64(700), srv.accrualTimer.Pool().AnnualRateBps())

	w = doJSON(t, srv, http.MethodPost, "/v1/vault/strategy", map[string]string{
		"caller": testGovAddr, "kind": "passthrough",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Nil(t, srv.accrualTimer.Pool(), "passthrough has nothing to accrue")
}
