package shipment

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/atelierhq/atelier/internal/escrow"
)

// Handler provides HTTP endpoints for shipment submission and
// verification.
type Handler struct {
	service *Service
}

// NewHandler creates a new shipment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up wallet-authenticated shipment routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/shipment", h.SubmitShipment)
	r.GET("/escrows/:id/shipment/tracking", h.GetTracking)
	r.POST("/shipping/rates", h.GetRates)
	r.POST("/shipping/labels", h.PurchaseLabel)
}

// RegisterAdminRoutes sets up admin-only shipment routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/shipment/verify", h.VerifyShipment)
}

type submitRequest struct {
	Carrier        string   `json:"carrier" binding:"required"`
	TrackingNumber string   `json:"trackingNumber" binding:"required"`
	ProofURLs      []string `json:"proofUrls" binding:"required"`
}

// SubmitShipment handles POST /v1/escrows/:id/shipment
func (h *Handler) SubmitShipment(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Carrier, trackingNumber and proofUrls are required",
		})
		return
	}

	callerWallet := c.GetString("authWallet")
	e, err := h.service.Submit(c.Request.Context(), c.Param("id"), callerWallet, req.Carrier, req.TrackingNumber, req.ProofURLs)
	if err != nil {
		respondShipmentError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrow":   e,
		"message":  "Shipment proof submitted",
		"nextStep": "Await admin verification",
	})
}

type verifyRequest struct {
	Approved        *bool  `json:"approved" binding:"required"`
	RejectionReason string `json:"rejectionReason"`
}

// VerifyShipment handles POST /v1/escrows/:id/shipment/verify
func (h *Handler) VerifyShipment(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Approved is required",
		})
		return
	}

	callerWallet := c.GetString("authWallet")
	e, err := h.service.Verify(c.Request.Context(), c.Param("id"), callerWallet, *req.Approved, req.RejectionReason)
	if err != nil {
		respondShipmentError(c, err)
		return
	}

	msg := "Shipment verified, escrow delivered"
	if !*req.Approved {
		msg = "Shipment rejected, vendor must resubmit"
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e, "message": msg})
}

// GetTracking handles GET /v1/escrows/:id/shipment/tracking
func (h *Handler) GetTracking(c *gin.Context) {
	info, err := h.service.Tracking(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondShipmentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tracking": info})
}

// GetRates handles POST /v1/shipping/rates
func (h *Handler) GetRates(c *gin.Context) {
	var req RateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	rates, err := h.service.Rates(c.Request.Context(), req)
	if err != nil {
		respondShipmentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rates": rates})
}

// PurchaseLabel handles POST /v1/shipping/labels
func (h *Handler) PurchaseLabel(c *gin.Context) {
	var req LabelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	label, err := h.service.PurchaseLabel(c.Request.Context(), req)
	if err != nil {
		respondShipmentError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"label": label})
}

// respondShipmentError maps service errors onto HTTP responses.
func respondShipmentError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, escrow.ErrEscrowNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, escrow.ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, escrow.ErrInvalidStatus), errors.Is(err, escrow.ErrConflict), errors.Is(err, ErrNoBuyer):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrUnknownCarrier),
		errors.Is(err, ErrMissingProof),
		errors.Is(err, ErrIncompleteTracking),
		errors.Is(err, ErrReasonRequired):
		status = http.StatusBadRequest
		code = "validation_error"
	case errors.Is(err, ErrProviderDisabled):
		status = http.StatusServiceUnavailable
		code = "provider_disabled"
	case errors.Is(err, ErrProviderTripped):
		status = http.StatusServiceUnavailable
		code = "provider_unavailable"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
