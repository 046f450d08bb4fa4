package assets

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/atelierhq/atelier/internal/pagination"
	"github.com/atelierhq/atelier/internal/validation"
)

// Handler provides HTTP endpoints for the asset catalog.
type Handler struct {
	service *Service
}

// NewHandler creates a new asset handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) asset routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/assets/:id", h.GetAsset)
	r.GET("/assets", h.ListAssets)
	r.GET("/wallets/:wallet/assets", h.ListOwnerAssets)
}

// RegisterProtectedRoutes sets up wallet-authenticated asset routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/assets", h.RegisterAsset)
	r.POST("/assets/:id/publish", h.PublishAsset)
}

// RegisterAsset handles POST /v1/assets
func (h *Handler) RegisterAsset(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidWallet("owner_wallet", req.OwnerWallet),
		validation.ValidWallet("mint_address", req.MintAddress),
		validation.MaxLength("name", req.Name, 200),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	callerWallet := c.GetString("authWallet")
	if callerWallet != req.OwnerWallet {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated wallet must be the owner",
		})
		return
	}

	a, err := h.service.Register(c.Request.Context(), req)
	if err != nil {
		respondAssetError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"asset":    a,
		"message":  "Asset registered",
		"nextStep": "Publish the asset, then create an escrow to list it for sale",
	})
}

// PublishAsset handles POST /v1/assets/:id/publish
func (h *Handler) PublishAsset(c *gin.Context) {
	callerWallet := c.GetString("authWallet")
	a, err := h.service.Publish(c.Request.Context(), c.Param("id"), callerWallet)
	if err != nil {
		respondAssetError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"asset": a, "message": "Asset listed"})
}

// GetAsset handles GET /v1/assets/:id
func (h *Handler) GetAsset(c *gin.Context) {
	a, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondAssetError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"asset": a})
}

// ListAssets handles GET /v1/assets?status=listed&limit=50&cursor=...
func (h *Handler) ListAssets(c *gin.Context) {
	status := Status(c.DefaultQuery("status", string(StatusListed)))
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	// Fetch one extra row to learn whether a next page exists.
	list, err := h.service.ListByStatus(c.Request.Context(), status, limit+1,
		WithCursor(c.Query("cursor")))
	if err != nil {
		respondAssetError(c, err)
		return
	}

	list, nextCursor, hasMore := pagination.ComputePage(list, limit, func(a *Asset) (time.Time, string) {
		return a.CreatedAt, a.ID
	})

	resp := gin.H{"assets": list, "count": len(list), "hasMore": hasMore}
	if nextCursor != "" {
		resp["nextCursor"] = nextCursor
	}
	c.JSON(http.StatusOK, resp)
}

// ListOwnerAssets handles GET /v1/wallets/:wallet/assets
func (h *Handler) ListOwnerAssets(c *gin.Context) {
	list, err := h.service.ListByOwner(c.Request.Context(), c.Param("wallet"), 100)
	if err != nil {
		respondAssetError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assets": list, "count": len(list)})
}

// respondAssetError maps service errors onto HTTP responses.
func respondAssetError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrAssetNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrAssetExists):
		status = http.StatusConflict
		code = "conflict"
	case errors.Is(err, ErrInvalidCategory), errors.Is(err, ErrInvalidStatus):
		status = http.StatusBadRequest
		code = "validation_error"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
