package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey is the key for storing API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyActor is the key for storing the authenticated address
	ContextKeyActor = "authActor"
	// ContextKeyEnforced marks whether identity checks are enforced
	ContextKeyEnforced = "authEnforced"
)

// Middleware extracts and validates an API key from the request.
// Sets apiKey and authActor in context if valid; never rejects by itself —
// RequireActor does the enforcement per identity.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ContextKeyEnforced, m.Enforced())

		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyActor, key.Address)
			}
		}

		c.Next()
	}
}

// RequireActor checks that the request is authorized to act as addr: the
// caller's API key must be bound to that address. Writes the error response
// and returns false on failure. When enforcement is off the body identity
// is trusted as-is.
func RequireActor(c *gin.Context, addr string) bool {
	if enforced, ok := c.Get(ContextKeyEnforced); !ok || enforced != true {
		return true
	}

	actor := Actor(c)
	if actor == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
		})
		return false
	}
	if !strings.EqualFold(actor, addr) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Your API key is not authorized to act as this address.",
		})
		return false
	}
	return true
}

// GetAPIKey returns the API key from context (if authenticated)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	return key.(*APIKey), true
}

// Actor returns the authenticated address, empty when unauthenticated.
func Actor(c *gin.Context) string {
	addr, exists := c.Get(ContextKeyActor)
	if !exists {
		return ""
	}
	return addr.(string)
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAPIKey)
	return exists
}
