package settlement

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/atelierhq/atelier/internal/escrow"
)

// Handler provides HTTP endpoints for delivery confirmation and fund
// release.
type Handler struct {
	service *Service
}

// NewHandler creates a new settlement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up wallet-authenticated settlement routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/confirm-delivery", h.ConfirmDelivery)
}

// RegisterAdminRoutes sets up admin-only settlement routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/release", h.Release)
	r.POST("/escrows/:id/retry-proposal", h.RetryProposal)
}

// ConfirmDelivery handles POST /v1/escrows/:id/confirm-delivery
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "ConfirmationType is required",
		})
		return
	}

	callerWallet := c.GetString("authWallet")
	result, err := h.service.ConfirmDelivery(c.Request.Context(), c.Param("id"), callerWallet, req)
	if err != nil {
		respondSettlementError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrow":      result.Escrow,
		"instruction": result.Instruction,
		"proposalRef": result.ProposalRef,
		"message":     "Delivery confirmed, settlement proposed",
		"nextStep":    "Funds release once the settlement authority executes the proposal",
	})
}

// Release handles POST /v1/escrows/:id/release
func (h *Handler) Release(c *gin.Context) {
	callerWallet := c.GetString("authWallet")
	e, err := h.service.Release(c.Request.Context(), c.Param("id"), callerWallet)
	if err != nil {
		respondSettlementError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrow":  e,
		"message": "Funds released to seller",
	})
}

// RetryProposal handles POST /v1/escrows/:id/retry-proposal
func (h *Handler) RetryProposal(c *gin.Context) {
	callerWallet := c.GetString("authWallet")
	result, err := h.service.RetryProposal(c.Request.Context(), c.Param("id"), callerWallet)
	if err != nil {
		respondSettlementError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrow":      result.Escrow,
		"instruction": result.Instruction,
		"proposalRef": result.ProposalRef,
		"message":     "Settlement proposal recorded",
	})
}

// respondSettlementError maps service errors onto HTTP responses.
func respondSettlementError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, escrow.ErrEscrowNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, escrow.ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrAlreadyConfirmed):
		status = http.StatusConflict
		code = "already_processed"
	case errors.Is(err, ErrNotShipped),
		errors.Is(err, ErrNotConfirmed),
		errors.Is(err, ErrNoProposal),
		errors.Is(err, escrow.ErrInvalidStatus),
		errors.Is(err, escrow.ErrConflict):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrInvalidRating), errors.Is(err, ErrInvalidConfType):
		status = http.StatusBadRequest
		code = "validation_error"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
