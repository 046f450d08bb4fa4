package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/atelierhq/atelier/internal/escrow"
	"github.com/atelierhq/atelier/internal/metrics"
	"github.com/atelierhq/atelier/internal/pricing"
	"github.com/atelierhq/atelier/internal/shipment"
)

// ConfirmRequest carries a delivery confirmation.
type ConfirmRequest struct {
	ConfirmationType escrow.ConfirmationType `json:"confirmationType" binding:"required"`
	Rating           int                     `json:"rating"` // 1-5, buyer confirmations only
	ReviewText       string                  `json:"reviewText"`
	Notes            string                  `json:"notes"`
}

// ConfirmResult is returned from ConfirmDelivery: the updated escrow,
// the instruction the caller must see executed, and the authority's
// proposal reference when proposing succeeded.
type ConfirmResult struct {
	Escrow      *escrow.Escrow `json:"escrow"`
	Instruction Instruction    `json:"instruction"`
	ProposalRef string         `json:"proposalRef,omitempty"`
}

// Service is the settlement bridge.
type Service struct {
	escrows   *escrow.Service
	catalog   escrow.AssetCatalog
	authz     shipment.Authorizer
	authority Authority
	treasury  string
	logger    *slog.Logger
	sink      escrow.NotificationSink
}

// NewService creates a new settlement bridge.
func NewService(escrows *escrow.Service, catalog escrow.AssetCatalog, authz shipment.Authorizer, authority Authority, treasuryWallet string, logger *slog.Logger) *Service {
	return &Service{
		escrows:   escrows,
		catalog:   catalog,
		authz:     authz,
		authority: authority,
		treasury:  treasuryWallet,
		logger:    logger,
	}
}

// WithNotifier adds a notification sink for settlement events.
func (s *Service) WithNotifier(sink escrow.NotificationSink) *Service {
	s.sink = sink
	return s
}

// ConfirmDelivery records the one immutable delivery confirmation and
// proposes the fund-release instruction to the settlement authority.
// The escrow advances to delivered, never further: releasing funds is
// the second phase, confirmed through Release once execution happened.
func (s *Service) ConfirmDelivery(ctx context.Context, escrowID, actorWallet string, req ConfirmRequest) (*ConfirmResult, error) {
	actor := strings.TrimSpace(actorWallet)

	switch req.ConfirmationType {
	case escrow.ConfirmedByBuyer, escrow.ConfirmedByAdmin:
	default:
		return nil, ErrInvalidConfType
	}
	if req.Rating != 0 && (req.Rating < 1 || req.Rating > 5) {
		return nil, ErrInvalidRating
	}

	unlock := s.escrows.Lock(escrowID)
	defer unlock()

	e, err := s.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	switch req.ConfirmationType {
	case escrow.ConfirmedByBuyer:
		if actor != e.BuyerWallet {
			return nil, escrow.ErrUnauthorized
		}
	case escrow.ConfirmedByAdmin:
		ok, err := s.authz.IsAuthorized(ctx, actor, shipment.PermManageEscrows)
		if err != nil {
			return nil, fmt.Errorf("authorization check failed: %w", err)
		}
		if !ok {
			return nil, escrow.ErrUnauthorized
		}
	}

	if e.Confirmation != nil || e.Status == escrow.StatusReleased {
		return nil, ErrAlreadyConfirmed
	}
	// Either the lifecycle status or the shipment sub-status counts as
	// evidence of shipping.
	if !e.ShippedLike() {
		return nil, fmt.Errorf("%w (escrow is %s)", ErrNotShipped, e.Status)
	}

	now := time.Now()
	e.Status = escrow.StatusDelivered
	e.Shipment.Status = escrow.ShipmentVerified
	e.Confirmation = &escrow.DeliveryConfirmation{
		ConfirmedBy: actor,
		Type:        req.ConfirmationType,
		ConfirmedAt: now,
		Rating:      req.Rating,
		ReviewText:  strings.TrimSpace(req.ReviewText),
		Notes:       strings.TrimSpace(req.Notes),
	}
	e.UpdatedAt = now

	if err := s.escrows.Store().Update(ctx, e); err != nil {
		return nil, err
	}

	inst := s.buildInstruction(e)
	result := &ConfirmResult{Escrow: e, Instruction: inst}

	// Proposal failure leaves the escrow delivered and the instruction
	// in the caller's hands; it never rolls back the confirmation.
	ref, err := s.authority.Propose(ctx, inst)
	if err != nil {
		s.logger.Warn("settlement proposal failed",
			"escrowId", e.ID, "error", err)
	} else {
		e.SettlementProposalRef = ref
		e.UpdatedAt = time.Now()
		if err := s.escrows.Store().Update(ctx, e); err != nil {
			return nil, err
		}
		result.ProposalRef = ref
		metrics.SettlementProposalsTotal.Inc()
	}

	s.notify(e.SellerWallet, "escrow.delivered", map[string]interface{}{
		"escrowId":    e.ID,
		"confirmedBy": actor,
		"type":        string(req.ConfirmationType),
	})
	metrics.EscrowsTotal.WithLabelValues(string(escrow.StatusDelivered)).Inc()
	return result, nil
}

// Release executes the recorded proposal through the authority and, on
// success, moves the escrow to released. This is the second phase of the
// handoff: it only runs after a confirmed delivery and never before the
// authority acknowledges execution.
func (s *Service) Release(ctx context.Context, escrowID, adminWallet string) (*escrow.Escrow, error) {
	ok, err := s.authz.IsAuthorized(ctx, adminWallet, shipment.PermManageEscrows)
	if err != nil {
		return nil, fmt.Errorf("authorization check failed: %w", err)
	}
	if !ok {
		return nil, escrow.ErrUnauthorized
	}

	unlock := s.escrows.Lock(escrowID)
	defer unlock()

	e, err := s.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.Status == escrow.StatusReleased {
		return nil, ErrAlreadyConfirmed
	}
	if e.Status != escrow.StatusDelivered || e.Confirmation == nil {
		return nil, ErrNotConfirmed
	}
	if e.SettlementProposalRef == "" {
		return nil, ErrNoProposal
	}

	signature, err := s.authority.Execute(ctx, e.SettlementProposalRef)
	if err != nil {
		return nil, fmt.Errorf("settlement execution failed: %w", err)
	}

	now := time.Now()
	e.Status = escrow.StatusReleased
	e.SettlementExecutedAt = &now
	e.ClosedAt = &now
	e.UpdatedAt = now

	if err := s.escrows.Store().Update(ctx, e); err != nil {
		return nil, err
	}
	if err := s.catalog.SetStatus(ctx, e.AssetID, escrow.AssetSold); err != nil {
		return nil, fmt.Errorf("escrow released but asset status update failed: %w", err)
	}

	s.logger.Info("escrow released",
		"escrowId", e.ID, "signature", signature)
	s.notify(e.SellerWallet, "escrow.released", map[string]interface{}{
		"escrowId":  e.ID,
		"signature": signature,
	})
	metrics.SettlementReleasedTotal.Inc()
	metrics.EscrowsTotal.WithLabelValues(string(escrow.StatusReleased)).Inc()
	metrics.EscrowDuration.Observe(now.Sub(e.CreatedAt).Seconds())
	return e, nil
}

// RetryProposal re-proposes the instruction for a delivered escrow whose
// original proposal failed.
func (s *Service) RetryProposal(ctx context.Context, escrowID, adminWallet string) (*ConfirmResult, error) {
	ok, err := s.authz.IsAuthorized(ctx, adminWallet, shipment.PermManageEscrows)
	if err != nil {
		return nil, fmt.Errorf("authorization check failed: %w", err)
	}
	if !ok {
		return nil, escrow.ErrUnauthorized
	}

	unlock := s.escrows.Lock(escrowID)
	defer unlock()

	e, err := s.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.Status != escrow.StatusDelivered || e.Confirmation == nil {
		return nil, ErrNotConfirmed
	}
	if e.SettlementProposalRef != "" {
		return &ConfirmResult{Escrow: e, Instruction: s.buildInstruction(e), ProposalRef: e.SettlementProposalRef}, nil
	}

	inst := s.buildInstruction(e)
	ref, err := s.authority.Propose(ctx, inst)
	if err != nil {
		return nil, fmt.Errorf("settlement proposal failed: %w", err)
	}

	e.SettlementProposalRef = ref
	e.UpdatedAt = time.Now()
	if err := s.escrows.Store().Update(ctx, e); err != nil {
		return nil, err
	}
	metrics.SettlementProposalsTotal.Inc()
	return &ConfirmResult{Escrow: e, Instruction: inst, ProposalRef: ref}, nil
}

// buildInstruction splits the escrowed amount 97/3 between seller and
// treasury. The funded amount wins over the listing price when present.
func (s *Service) buildInstruction(e *escrow.Escrow) Instruction {
	total := e.FundedAmount
	if total == 0 {
		total = e.ListingPrice
	}
	sellerAmount, feeAmount := pricing.Split(total)
	return Instruction{
		EscrowID:      e.ID,
		EscrowAddress: e.EscrowAddress,
		SellerWallet:  e.SellerWallet,
		SellerAmount:  sellerAmount,
		FeeRecipient:  s.treasury,
		FeeAmount:     feeAmount,
		TotalAmount:   total,
		Memo:          "release " + e.ID,
	}
}

func (s *Service) notify(wallet, event string, payload map[string]interface{}) {
	if s.sink == nil {
		return
	}
	s.sink.Notify(wallet, event, payload)
}
