package policy

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/stablevault/internal/auth"
	"github.com/mbd888/stablevault/internal/logging"
	"github.com/mbd888/stablevault/internal/sigauth"
	"github.com/mbd888/stablevault/internal/usdc"
)

// Handler provides HTTP handlers for delegation policy management.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new policy handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up the policy routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/owners/:address/policies", h.ListPolicies)
	r.PUT("/owners/:address/policies/:spender", h.SetPolicy)
	r.GET("/owners/:address/policies/:spender", h.GetPolicy)
	r.PUT("/owners/:address/policies/:spender/merchants/:merchant", h.SetMerchantAllowed)
	r.GET("/owners/:address/policies/:spender/merchants/:merchant", h.GetMerchantAllowed)
	r.GET("/owners/:address/nonce", h.GetNonce)

	// Signed offline authorizations; anyone may relay them.
	r.POST("/policies/signed", h.SetPolicyWithSig)
	r.POST("/policies/signed/merchants", h.SetMerchantAllowedWithSig)
}

// SetPolicyRequest is the direct (unsigned) policy update body.
type SetPolicyRequest struct {
	Enabled          bool   `json:"enabled"`
	MaxPerTx         string `json:"maxPerTx" binding:"required"`
	DailyLimit       string `json:"dailyLimit" binding:"required"`
	EnforceWhitelist bool   `json:"enforceWhitelist"`
}

// SetPolicy handles PUT /owners/:address/policies/:spender
func (h *Handler) SetPolicy(c *gin.Context) {
	owner := c.Param("address")
	spender := c.Param("spender")

	var req SetPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
			"hint":    "Required: maxPerTx, dailyLimit",
		})
		return
	}
	if !auth.RequireActor(c, owner) {
		return
	}

	p, err := h.engine.SetPolicy(c.Request.Context(), owner, spender,
		req.Enabled, req.MaxPerTx, req.DailyLimit, req.EnforceWhitelist)
	if err != nil {
		respondPolicyError(c, err, http.StatusBadRequest)
		return
	}

	c.JSON(http.StatusOK, gin.H{"policy": p})
}

// GetPolicy handles GET /owners/:address/policies/:spender
func (h *Handler) GetPolicy(c *gin.Context) {
	owner := c.Param("address")
	spender := c.Param("spender")

	p, err := h.engine.GetPolicy(c.Request.Context(), owner, spender)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "get_failed",
			"message": "Failed to load policy",
		})
		return
	}
	if p == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No policy for this owner/spender pair",
		})
		return
	}

	spent, err := h.engine.SpentToday(c.Request.Context(), owner, spender)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "get_failed",
			"message": "Failed to load daily usage",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"policy":     p,
		"spentToday": spent,
		"remaining":  remainingToday(p.DailyLimit, spent),
	})
}

// ListPolicies handles GET /owners/:address/policies
func (h *Handler) ListPolicies(c *gin.Context) {
	policies, err := h.engine.ListPolicies(c.Request.Context(), c.Param("address"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list policies",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"policies": policies,
		"count":    len(policies),
	})
}

// SetMerchantAllowedRequest is the direct allowlist update body.
type SetMerchantAllowedRequest struct {
	Allowed bool `json:"allowed"`
}

// SetMerchantAllowed handles PUT /owners/:address/policies/:spender/merchants/:merchant
func (h *Handler) SetMerchantAllowed(c *gin.Context) {
	var req SetMerchantAllowedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !auth.RequireActor(c, c.Param("address")) {
		return
	}

	err := h.engine.SetMerchantAllowed(c.Request.Context(),
		c.Param("address"), c.Param("spender"), c.Param("merchant"), req.Allowed)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "update_failed",
			"message": "Failed to update merchant allowlist",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"merchant": c.Param("merchant"),
		"allowed":  req.Allowed,
	})
}

// GetMerchantAllowed handles GET /owners/:address/policies/:spender/merchants/:merchant
func (h *Handler) GetMerchantAllowed(c *gin.Context) {
	allowed, err := h.engine.IsMerchantAllowed(c.Request.Context(),
		c.Param("address"), c.Param("spender"), c.Param("merchant"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "get_failed",
			"message": "Failed to load merchant allowlist entry",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"merchant": c.Param("merchant"),
		"allowed":  allowed,
	})
}

// GetNonce handles GET /owners/:address/nonce
//
// Clients fetch the next expected authorization nonce before signing.
func (h *Handler) GetNonce(c *gin.Context) {
	nonce, err := h.engine.Nonce(c.Request.Context(), c.Param("address"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "get_failed",
			"message": "Failed to load nonce",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"owner": c.Param("address"),
		"nonce": nonce,
	})
}

// SignedPolicyRequest carries an owner-signed SetPolicy authorization.
type SignedPolicyRequest struct {
	Owner            string `json:"owner" binding:"required"`
	Spender          string `json:"spender" binding:"required"`
	Enabled          bool   `json:"enabled"`
	MaxPerTx         string `json:"maxPerTx" binding:"required"`
	DailyLimit       string `json:"dailyLimit" binding:"required"`
	EnforceWhitelist bool   `json:"enforceWhitelist"`
	Nonce            uint64 `json:"nonce"`
	Deadline         int64  `json:"deadline" binding:"required"`
	Signature        string `json:"signature" binding:"required"`
}

// SetPolicyWithSig handles POST /policies/signed
func (h *Handler) SetPolicyWithSig(c *gin.Context) {
	var req SignedPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
			"hint":    "Required: owner, spender, maxPerTx, dailyLimit, nonce, deadline, signature",
		})
		return
	}

	maxPerTx, ok := usdc.Parse(req.MaxPerTx)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   ErrInvalidAmount.Code,
			"message": "Invalid maxPerTx format",
		})
		return
	}
	dailyLimit, ok := usdc.Parse(req.DailyLimit)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   ErrInvalidAmount.Code,
			"message": "Invalid dailyLimit format",
		})
		return
	}

	msg := sigauth.SetPolicyMessage{
		Owner:            req.Owner,
		Spender:          req.Spender,
		Enabled:          req.Enabled,
		MaxPerTx:         maxPerTx,
		DailyLimit:       dailyLimit,
		EnforceWhitelist: req.EnforceWhitelist,
		Nonce:            req.Nonce,
		Deadline:         req.Deadline,
	}

	p, err := h.engine.SetPolicyWithSig(c.Request.Context(), msg, req.Signature)
	if err != nil {
		logging.L(c.Request.Context()).Warn("signed policy update rejected",
			"owner", req.Owner, "spender", req.Spender, "error", err)
		respondPolicyError(c, err, http.StatusForbidden)
		return
	}

	c.JSON(http.StatusOK, gin.H{"policy": p})
}

// SignedMerchantRequest carries an owner-signed SetMerchantAllowed
// authorization.
type SignedMerchantRequest struct {
	Owner     string `json:"owner" binding:"required"`
	Spender   string `json:"spender" binding:"required"`
	Merchant  string `json:"merchant" binding:"required"`
	Allowed   bool   `json:"allowed"`
	Nonce     uint64 `json:"nonce"`
	Deadline  int64  `json:"deadline" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// SetMerchantAllowedWithSig handles POST /policies/signed/merchants
func (h *Handler) SetMerchantAllowedWithSig(c *gin.Context) {
	var req SignedMerchantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
			"hint":    "Required: owner, spender, merchant, nonce, deadline, signature",
		})
		return
	}

	msg := sigauth.SetMerchantAllowedMessage{
		Owner:    req.Owner,
		Spender:  req.Spender,
		Merchant: req.Merchant,
		Allowed:  req.Allowed,
		Nonce:    req.Nonce,
		Deadline: req.Deadline,
	}

	if err := h.engine.SetMerchantAllowedWithSig(c.Request.Context(), msg, req.Signature); err != nil {
		logging.L(c.Request.Context()).Warn("signed allowlist update rejected",
			"owner", req.Owner, "spender", req.Spender, "merchant", req.Merchant, "error", err)
		respondPolicyError(c, err, http.StatusForbidden)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"merchant": msg.Merchant,
		"allowed":  msg.Allowed,
	})
}

func respondPolicyError(c *gin.Context, err error, status int) {
	var pe *Error
	if errors.As(err, &pe) {
		c.JSON(status, gin.H{
			"error":   pe.Code,
			"message": pe.Message,
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Policy operation failed",
	})
}

func remainingToday(limit, spent string) string {
	limitBig, ok := usdc.Parse(limit)
	if !ok {
		return "unknown"
	}
	spentBig, _ := usdc.Parse(spent)
	remaining := limitBig.Sub(limitBig, spentBig)
	if remaining.Sign() < 0 {
		return "0"
	}
	return usdc.Format(remaining)
}
