package token

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/stablevault/internal/auth"
	"github.com/mbd888/stablevault/internal/usdc"
)

// Handler provides HTTP handlers for the in-process asset ledger.
type Handler struct {
	tok    Token
	minter Minter
	faucet bool
}

// NewHandler creates a new token handler. When faucet is true the mint
// endpoint is exposed; production deployments keep it off.
func NewHandler(tok Token, minter Minter, faucet bool) *Handler {
	return &Handler{tok: tok, minter: minter, faucet: faucet}
}

// RegisterRoutes sets up the token routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/token/accounts/:address", h.GetBalance)
	r.POST("/token/approvals", h.Approve)
	if h.faucet && h.minter != nil {
		r.POST("/token/faucet", h.Faucet)
	}
}

// GetBalance handles GET /token/accounts/:address
func (h *Handler) GetBalance(c *gin.Context) {
	address := c.Param("address")
	c.JSON(http.StatusOK, gin.H{
		"address": address,
		"balance": usdc.Format(h.tok.BalanceOf(address)),
	})
}

// ApproveRequest sets a spender's allowance over the owner's balance.
type ApproveRequest struct {
	Owner   string `json:"owner" binding:"required"`
	Spender string `json:"spender" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

// Approve handles POST /token/approvals
func (h *Handler) Approve(c *gin.Context) {
	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
			"hint":    "Required: owner, spender, amount",
		})
		return
	}

	amt, ok := usdc.Parse(req.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Invalid amount format",
		})
		return
	}

	if !auth.RequireActor(c, req.Owner) {
		return
	}

	if err := h.tok.Approve(req.Owner, req.Spender, amt); err != nil {
		respondTokenError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"owner":     req.Owner,
		"spender":   req.Spender,
		"allowance": usdc.Format(h.tok.Allowance(req.Owner, req.Spender)),
	})
}

// FaucetRequest funds an account from thin air. Development only.
type FaucetRequest struct {
	To     string `json:"to" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

// Faucet handles POST /token/faucet
func (h *Handler) Faucet(c *gin.Context) {
	var req FaucetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
			"hint":    "Required: to, amount",
		})
		return
	}

	amt, ok := usdc.Parse(req.Amount)
	if !ok || amt.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal",
		})
		return
	}

	if err := h.minter.Mint(req.To, amt); err != nil {
		respondTokenError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"to":      req.To,
		"balance": usdc.Format(h.tok.BalanceOf(req.To)),
	})
}

func respondTokenError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal",
		})
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrInsufficientAllowance):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_funds",
			"message": "Token balance or allowance does not cover the amount",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Token operation failed",
		})
	}
}
