package authz

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/atelierhq/atelier/internal/validation"
)

// Handler provides HTTP endpoints for key issuance and role grants.
type Handler struct {
	manager     *Manager
	adminSecret string
}

// NewHandler creates a new authz handler. The admin secret bootstraps
// the first role grants; after that, grants can come from wallets
// holding the arbitrate capability.
func NewHandler(manager *Manager, adminSecret string) *Handler {
	return &Handler{manager: manager, adminSecret: adminSecret}
}

// RegisterRoutes sets up key issuance routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/keys", h.IssueKey)
}

// RegisterProtectedRoutes sets up key management routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.DELETE("/keys/:keyId", h.RevokeKey)
}

// RegisterAdminRoutes sets up role management routes, guarded by the
// bootstrap secret.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/roles", h.GrantRole)
	r.DELETE("/roles/:wallet", h.RevokeRole)
	r.GET("/roles", h.ListRoles)
}

type issueKeyRequest struct {
	Wallet string `json:"wallet" binding:"required"`
	Name   string `json:"name"`
}

// IssueKey handles POST /v1/keys
//
// Wallet ownership proof (signature verification) happens at the wallet
// adapter boundary upstream; this endpoint only mints the credential.
func (h *Handler) IssueKey(c *gin.Context) {
	var req issueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Wallet is required",
		})
		return
	}
	if !validation.IsValidWallet(req.Wallet) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid wallet address",
		})
		return
	}

	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), req.Wallet, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   key.ID,
		"message": "Store this key now, it is not shown again",
	})
}

// RevokeKey handles DELETE /v1/keys/:keyId
func (h *Handler) RevokeKey(c *gin.Context) {
	wallet := c.GetString(ContextKeyWallet)
	if err := h.manager.RevokeKey(c.Request.Context(), wallet, c.Param("keyId")); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Key not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Key revoked"})
}

type grantRoleRequest struct {
	Wallet      string   `json:"wallet" binding:"required"`
	Permissions []string `json:"permissions" binding:"required"`
}

// GrantRole handles POST /v1/admin/roles
func (h *Handler) GrantRole(c *gin.Context) {
	if !h.adminSecretOK(c) {
		return
	}

	var req grantRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Wallet and permissions are required",
		})
		return
	}

	role, err := h.manager.Grant(c.Request.Context(), req.Wallet, "bootstrap", req.Permissions)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"role": role, "message": "Role granted"})
}

// RevokeRole handles DELETE /v1/admin/roles/:wallet
func (h *Handler) RevokeRole(c *gin.Context) {
	if !h.adminSecretOK(c) {
		return
	}
	if err := h.manager.Revoke(c.Request.Context(), c.Param("wallet")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Role revoked"})
}

// ListRoles handles GET /v1/admin/roles
func (h *Handler) ListRoles(c *gin.Context) {
	if !h.adminSecretOK(c) {
		return
	}
	roles, err := h.manager.ListRoles(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"roles": roles, "count": len(roles)})
}

func (h *Handler) adminSecretOK(c *gin.Context) bool {
	secret := c.GetHeader("X-Admin-Secret")
	if h.adminSecret == "" ||
		subtle.ConstantTimeCompare([]byte(secret), []byte(h.adminSecret)) != 1 {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Admin secret required",
		})
		return false
	}
	return true
}
