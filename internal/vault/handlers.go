package vault

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/stablevault/internal/auth"
	"github.com/mbd888/stablevault/internal/policy"
	"github.com/mbd888/stablevault/internal/token"
	"github.com/mbd888/stablevault/internal/usdc"
	"github.com/mbd888/stablevault/internal/validation"
)

// Handler provides HTTP handlers for vault operations.
type Handler struct {
	vault *Vault
}

// NewHandler creates a new vault handler.
func NewHandler(v *Vault) *Handler {
	return &Handler{vault: v}
}

// RegisterRoutes sets up the vault routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/vault", h.GetVault)
	r.GET("/vault/accounts/:address", h.GetAccount)
	r.POST("/vault/deposits", h.Deposit)
	r.POST("/vault/withdrawals", h.Withdraw)
	r.POST("/vault/spend", h.Spend)

	// Governance operations
	r.POST("/vault/rebalance", h.Rebalance)
}

// GetVault handles GET /vault
func (h *Handler) GetVault(c *gin.Context) {
	ctx := c.Request.Context()

	totalAssets, err := h.vault.TotalAssets(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "get_failed",
			"message": "Failed to value vault assets",
		})
		return
	}
	totalUnits, err := h.vault.TotalClaimUnits(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "get_failed",
			"message": "Failed to load claim-unit supply",
		})
		return
	}

	resp := gin.H{
		"address":         h.vault.Address(),
		"totalAssets":     usdc.Format(totalAssets),
		"totalClaimUnits": usdc.Format(totalUnits),
	}
	if s := h.vault.Strategy(); s != nil {
		resp["strategy"] = s.Address()
	}

	c.JSON(http.StatusOK, resp)
}

// GetAccount handles GET /vault/accounts/:address
//
// Returns the owner's claim units and their current redeemable value.
func (h *Handler) GetAccount(c *gin.Context) {
	ctx := c.Request.Context()
	address := c.Param("address")

	units, err := h.vault.ClaimUnitsOf(ctx, address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "get_failed",
			"message": "Failed to load claim units",
		})
		return
	}

	value, err := h.vault.RedeemableValue(ctx, address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "get_failed",
			"message": "Failed to value claim units",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":         address,
		"claimUnits":      usdc.Format(units),
		"redeemableValue": usdc.Format(value),
	})
}

// DepositRequest is the deposit body. The owner must have approved the vault
// on the asset beforehand.
type DepositRequest struct {
	Owner  string `json:"owner" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

// Deposit handles POST /vault/deposits
func (h *Handler) Deposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
			"hint":    "Required: owner, amount",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("owner", req.Owner),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": errs.Error(),
		})
		return
	}
	if !auth.RequireActor(c, req.Owner) {
		return
	}

	minted, err := h.vault.Deposit(c.Request.Context(), req.Owner, req.Amount)
	if err != nil {
		respondVaultError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"owner":            req.Owner,
		"amount":           req.Amount,
		"claimUnitsMinted": minted,
	})
}

// WithdrawRequest is the withdrawal body, denominated in claim units.
type WithdrawRequest struct {
	Owner      string `json:"owner" binding:"required"`
	ClaimUnits string `json:"claimUnits" binding:"required"`
}

// Withdraw handles POST /vault/withdrawals
func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
			"hint":    "Required: owner, claimUnits",
		})
		return
	}

	if !auth.RequireActor(c, req.Owner) {
		return
	}

	paid, err := h.vault.Withdraw(c.Request.Context(), req.Owner, req.ClaimUnits)
	if err != nil {
		respondVaultError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"owner":            req.Owner,
		"claimUnitsBurned": req.ClaimUnits,
		"amount":           paid,
	})
}

// SpendRequest is the delegated-payment body. Spender is the caller named in
// the owner's policy.
type SpendRequest struct {
	Spender  string `json:"spender" binding:"required"`
	Owner    string `json:"owner" binding:"required"`
	Merchant string `json:"merchant" binding:"required"`
	Amount   string `json:"amount" binding:"required"`
}

// Spend handles POST /vault/spend
func (h *Handler) Spend(c *gin.Context) {
	var req SpendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
			"hint":    "Required: spender, owner, merchant, amount",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("spender", req.Spender),
		validation.ValidAddress("owner", req.Owner),
		validation.ValidAddress("merchant", req.Merchant),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": errs.Error(),
		})
		return
	}
	if !auth.RequireActor(c, req.Spender) {
		return
	}

	e, err := h.vault.Spend(c.Request.Context(), req.Spender, req.Owner, req.Merchant, req.Amount)
	if err != nil {
		respondVaultError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "settled",
		"event":  e,
	})
}

// RebalanceRequest names the governance caller.
type RebalanceRequest struct {
	Caller string `json:"caller" binding:"required"`
}

// Rebalance handles POST /vault/rebalance
func (h *Handler) Rebalance(c *gin.Context) {
	var req RebalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
			"hint":    "Required: caller",
		})
		return
	}

	if !auth.RequireActor(c, req.Caller) {
		return
	}

	moved, err := h.vault.Rebalance(c.Request.Context(), req.Caller)
	if err != nil {
		respondVaultError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"moved": moved})
}

func respondVaultError(c *gin.Context, err error) {
	var pe *policy.Error
	if errors.As(err, &pe) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   pe.Code,
			"message": pe.Message,
		})
		return
	}

	switch {
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal",
		})
	case errors.Is(err, ErrZeroMint):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "zero_mint",
			"message": "Deposit too small to mint claim units",
		})
	case errors.Is(err, ErrInsufficientClaims):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_claims",
			"message": "Owner holds insufficient claim units",
		})
	case errors.Is(err, token.ErrInsufficientBalance), errors.Is(err, token.ErrInsufficientAllowance):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_funds",
			"message": "Token balance or allowance does not cover the amount",
		})
	case errors.Is(err, ErrNotGovernance):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "not_governance",
			"message": "Caller is not the governance address",
		})
	case errors.Is(err, ErrNoStrategy):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "no_strategy",
			"message": "No active strategy configured",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Vault operation failed",
		})
	}
}
