package events

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/stablevault/internal/pagination"
)

const defaultListLimit = 50

// Handler provides HTTP handlers for the settlement event log.
type Handler struct {
	store Store
}

// NewHandler creates a new settlement event handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up the event routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/events/:id", h.GetEvent)
	r.GET("/merchants/:address/events", h.ListByMerchant)
	r.GET("/owners/:address/events", h.ListByOwner)
}

// GetEvent handles GET /events/:id
func (h *Handler) GetEvent(c *gin.Context) {
	e, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Settlement event not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "get_failed",
			"message": "Failed to load settlement event",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"event": e})
}

// ListByMerchant handles GET /merchants/:address/events?since=<unix>&limit=<n>
func (h *Handler) ListByMerchant(c *gin.Context) {
	var since time.Time
	if s := c.Query("since"); s != "" {
		unix, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "since must be a unix timestamp",
			})
			return
		}
		since = time.Unix(unix, 0)
	}

	events, err := h.store.ListByMerchant(c.Request.Context(), c.Param("address"), since, listLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list settlement events",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// ListByOwner handles GET /owners/:address/events?cursor=<c>&limit=<n>
func (h *Handler) ListByOwner(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid cursor",
		})
		return
	}

	limit := listLimit(c)
	events, err := h.store.ListByOwner(c.Request.Context(), c.Param("address"), cursor, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list settlement events",
		})
		return
	}

	events, next, hasMore := pagination.ComputePage(events, limit, func(e *Spent) (time.Time, string) {
		return e.CreatedAt, e.ID
	})

	resp := gin.H{
		"events":  events,
		"count":   len(events),
		"hasMore": hasMore,
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

func listLimit(c *gin.Context) int {
	limit := defaultListLimit
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	return limit
}
