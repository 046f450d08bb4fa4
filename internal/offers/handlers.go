package offers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/atelierhq/atelier/internal/escrow"
	"github.com/atelierhq/atelier/internal/validation"
)

// Handler provides HTTP endpoints for offer negotiation.
type Handler struct {
	service *Service
}

// NewHandler creates a new offer handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) offer routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id/offers", h.ListOffers)
	r.GET("/offers/:id", h.GetOffer)
}

// RegisterProtectedRoutes sets up wallet-authenticated offer routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/offers", h.CreateOffer)
	r.POST("/offers/:id/vendor-response", h.VendorRespond)
	r.POST("/offers/:id/buyer-response", h.BuyerRespond)
	r.GET("/wallets/:wallet/offers", h.ListBuyerOffers)
}

// CreateOffer handles POST /v1/escrows/:id/offers
func (h *Handler) CreateOffer(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.EscrowID = c.Param("id")

	if errs := validation.Validate(
		validation.ValidWallet("buyer_wallet", req.BuyerWallet),
		validation.PositiveAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
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

	o, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		respondOfferError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"offer":    o,
		"message":  "Offer submitted",
		"nextStep": "Await the vendor's response",
	})
}

// GetOffer handles GET /v1/offers/:id
func (h *Handler) GetOffer(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondOfferError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": o})
}

// ListOffers handles GET /v1/escrows/:id/offers
func (h *Handler) ListOffers(c *gin.Context) {
	list, err := h.service.ListByEscrow(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondOfferError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"offers": list,
		"count":  len(list),
	})
}

// ListBuyerOffers handles GET /v1/wallets/:wallet/offers
func (h *Handler) ListBuyerOffers(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	list, err := h.service.ListByBuyer(c.Request.Context(), c.Param("wallet"), limit)
	if err != nil {
		respondOfferError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"offers": list,
		"count":  len(list),
	})
}

// VendorRespond handles POST /v1/offers/:id/vendor-response
func (h *Handler) VendorRespond(c *gin.Context) {
	var req VendorResponse
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Action is required",
		})
		return
	}

	callerWallet := c.GetString("authWallet")
	o, err := h.service.VendorRespond(c.Request.Context(), c.Param("id"), callerWallet, req)
	if err != nil {
		respondOfferError(c, err)
		return
	}

	resp := gin.H{"offer": o, "message": "Response recorded"}
	if o.Status == StatusAccepted {
		resp["message"] = "Offer accepted"
		resp["nextStep"] = "Buyer funds the escrow address"
	}
	c.JSON(http.StatusOK, resp)
}

// BuyerRespond handles POST /v1/offers/:id/buyer-response
func (h *Handler) BuyerRespond(c *gin.Context) {
	var req BuyerResponse
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Action is required",
		})
		return
	}

	callerWallet := c.GetString("authWallet")
	o, err := h.service.BuyerRespond(c.Request.Context(), c.Param("id"), callerWallet, req)
	if err != nil {
		respondOfferError(c, err)
		return
	}

	resp := gin.H{"offer": o, "message": "Response recorded"}
	if o.Status == StatusAccepted {
		resp["message"] = "Counter-offer accepted"
		resp["nextStep"] = "Fund the escrow address"
	}
	c.JSON(http.StatusOK, resp)
}

// respondOfferError maps service errors onto HTTP responses.
func respondOfferError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrOfferNotFound), errors.Is(err, escrow.ErrEscrowNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrSelfDealing):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrNotAcceptingOffers),
		errors.Is(err, ErrEscrowNotListable),
		errors.Is(err, ErrOfferNotActionable),
		errors.Is(err, ErrOfferExpired),
		errors.Is(err, ErrNoCounterOffer):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrDuplicateActiveOffer), errors.Is(err, ErrConflict), errors.Is(err, escrow.ErrConflict):
		status = http.StatusConflict
		code = "conflict"
	case errors.Is(err, ErrBelowMinimumOffer), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrValidation):
		status = http.StatusBadRequest
		code = "validation_error"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
