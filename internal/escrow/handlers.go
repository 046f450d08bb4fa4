package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/atelierhq/atelier/internal/validation"
)

// Handler provides HTTP endpoints for escrow lifecycle operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/wallets/:wallet/escrows", h.ListEscrows)
}

// RegisterProtectedRoutes sets up wallet-authenticated escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/publish", h.PublishEscrow)
	r.PATCH("/escrows/:id/price", h.UpdatePrice)
	r.POST("/escrows/:id/fund", h.FundEscrow)
	r.POST("/escrows/:id/cancel", h.CancelEscrow)
	r.POST("/escrows/:id/convert", h.ConvertEscrow)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidWallet("seller_wallet", req.SellerWallet),
		validation.ValidWallet("escrow_address", req.EscrowAddress),
		validation.PositiveAmount("listing_price", req.ListingPrice),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	// The authenticated wallet must be the seller
	callerWallet := c.GetString("authWallet")
	if callerWallet != req.SellerWallet {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated wallet must be the seller",
		})
		return
	}

	e, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		respondEscrowError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"escrow":   e,
		"message":  "Escrow created",
		"nextStep": "Publish the listing with POST /escrows/:id/publish",
	})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id := c.Param("id")

	e, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		respondEscrowError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListEscrows handles GET /v1/wallets/:wallet/escrows?role=seller|buyer
func (h *Handler) ListEscrows(c *gin.Context) {
	wallet := c.Param("wallet")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	var (
		escrows []*Escrow
		err     error
	)
	if c.Query("role") == "buyer" {
		escrows, err = h.service.ListByBuyer(c.Request.Context(), wallet, limit)
	} else {
		escrows, err = h.service.ListBySeller(c.Request.Context(), wallet, limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// PublishEscrow handles POST /v1/escrows/:id/publish
func (h *Handler) PublishEscrow(c *gin.Context) {
	id := c.Param("id")
	callerWallet := c.GetString("authWallet")

	e, err := h.service.MarkListed(c.Request.Context(), id, callerWallet)
	if err != nil {
		respondEscrowError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrow":  e,
		"message": "Listing published",
	})
}

// UpdatePrice handles PATCH /v1/escrows/:id/price
func (h *Handler) UpdatePrice(c *gin.Context) {
	id := c.Param("id")
	callerWallet := c.GetString("authWallet")

	var req UpdatePriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	e, err := h.service.UpdatePrice(c.Request.Context(), id, callerWallet, req)
	if err != nil {
		respondEscrowError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrow":  e,
		"message": "Price updated",
	})
}

// fundRequest is the body for FundEscrow.
type fundRequest struct {
	BuyerWallet  string `json:"buyerWallet" binding:"required"`
	FundedAmount int64  `json:"fundedAmount" binding:"required"`
}

// FundEscrow handles POST /v1/escrows/:id/fund
func (h *Handler) FundEscrow(c *gin.Context) {
	id := c.Param("id")

	var req fundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "buyerWallet and fundedAmount are required",
		})
		return
	}

	callerWallet := c.GetString("authWallet")
	if callerWallet != req.BuyerWallet {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated wallet must be the buyer",
		})
		return
	}

	e, err := h.service.TransitionOnFunding(c.Request.Context(), id, req.BuyerWallet, req.FundedAmount)
	if err != nil {
		respondEscrowError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrow":   e,
		"message":  "Escrow funded",
		"nextStep": "Vendor ships the item and submits tracking proof",
	})
}

// cancelRequest is the body for CancelEscrow.
type cancelRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// CancelEscrow handles POST /v1/escrows/:id/cancel
func (h *Handler) CancelEscrow(c *gin.Context) {
	id := c.Param("id")
	callerWallet := c.GetString("authWallet")

	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Reason is required",
		})
		return
	}

	e, err := h.service.Cancel(c.Request.Context(), id, callerWallet, req.Reason)
	if err != nil {
		respondEscrowError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrow":  e,
		"message": "Escrow cancelled, asset released",
	})
}

// ConvertEscrow handles POST /v1/escrows/:id/convert
func (h *Handler) ConvertEscrow(c *gin.Context) {
	id := c.Param("id")
	callerWallet := c.GetString("authWallet")

	e, err := h.service.Convert(c.Request.Context(), id, callerWallet)
	if err != nil {
		respondEscrowError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrow":  e,
		"message": "Escrow converted to pooled-investment vehicle",
	})
}

// respondEscrowError maps service errors onto HTTP responses.
func respondEscrowError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrPriceLocked), errors.Is(err, ErrBuyerAssigned):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrDuplicateEscrow), errors.Is(err, ErrConflict):
		status = http.StatusConflict
		code = "conflict"
	case errors.Is(err, ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "validation_error"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
