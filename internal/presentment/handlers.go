package presentment

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/stablevault/internal/auth"
)

// Handler provides HTTP handlers for invoice presentment.
type Handler struct {
	service *Service
}

// NewHandler creates a new presentment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the invoice routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/invoices", h.CreateInvoice)
	r.GET("/invoices/:id", h.GetInvoice)
	r.DELETE("/invoices/:id", h.CancelInvoice)
	r.POST("/invoices/:id/verify", h.VerifyInvoice)
	r.GET("/merchants/:address/invoices", h.ListInvoices)
}

// CreateInvoice handles POST /invoices
func (h *Handler) CreateInvoice(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
			"hint":    "Required: merchant, amount",
		})
		return
	}

	if !auth.RequireActor(c, req.Merchant) {
		return
	}

	inv, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Amount must be a positive decimal",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "creation_failed",
			"message": "Failed to create invoice",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"invoice": inv})
}

// GetInvoice handles GET /invoices/:id
func (h *Handler) GetInvoice(c *gin.Context) {
	inv, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrInvoiceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Invoice not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "get_failed",
			"message": "Failed to load invoice",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"invoice": inv})
}

// CancelRequest names the canceling merchant.
type CancelRequest struct {
	Merchant string `json:"merchant" binding:"required"`
}

// CancelInvoice handles DELETE /invoices/:id
func (h *Handler) CancelInvoice(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
			"hint":    "Required: merchant",
		})
		return
	}

	if !auth.RequireActor(c, req.Merchant) {
		return
	}

	inv, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req.Merchant)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvoiceNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Invoice not found",
			})
		case errors.Is(err, ErrNotPending):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "not_pending",
				"message": "Only pending invoices can be canceled",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "cancel_failed",
				"message": "Failed to cancel invoice",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"invoice": inv})
}

// VerifyInvoice handles POST /invoices/:id/verify
func (h *Handler) VerifyInvoice(c *gin.Context) {
	resp, err := h.service.Verify(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "verify_failed",
			"message": "Failed to verify settlement",
		})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ListInvoices handles GET /merchants/:address/invoices?status=<s>&limit=<n>
func (h *Handler) ListInvoices(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	invoices, err := h.service.ListByMerchant(c.Request.Context(),
		c.Param("address"), Status(c.Query("status")), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list invoices",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"invoices": invoices,
		"count":    len(invoices),
	})
}
