package authz

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey is the gin context key for the validated key.
	ContextKeyAPIKey = "apiKey"
	// ContextKeyWallet is the gin context key for the caller's wallet.
	ContextKeyWallet = "authWallet"
)

// Middleware extracts and validates the API key, if any, and stashes the
// authenticated wallet in the request context. Requests without a key
// pass through unauthenticated.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawKey := c.GetHeader("Authorization")
		if rawKey == "" {
			rawKey = c.GetHeader("X-API-Key")
		}

		if rawKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), rawKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyWallet, key.Wallet)
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests that did not authenticate.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyWallet) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer atk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequirePermission rejects authenticated requests whose wallet lacks
// the capability.
func RequirePermission(m *Manager, permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet := c.GetString(ContextKeyWallet)
		if wallet == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required.",
			})
			return
		}

		ok, err := m.IsAuthorized(c.Request.Context(), wallet, permission)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Authorization check failed",
			})
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Wallet lacks the " + permission + " capability",
			})
			return
		}
		c.Next()
	}
}
