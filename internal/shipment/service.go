package shipment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/atelierhq/atelier/internal/escrow"
	"github.com/atelierhq/atelier/internal/metrics"
	"github.com/atelierhq/atelier/internal/validation"
)

// PermManageEscrows is the admin capability required to verify
// shipments.
const PermManageEscrows = "manage_escrows"

// Authorizer answers admin capability checks.
type Authorizer interface {
	IsAuthorized(ctx context.Context, wallet, permission string) (bool, error)
}

// Service drives the shipment verification sub-machine:
// pending → proof_submitted → verified, with admin rejection sending it
// back to pending while the escrow status stays shipped.
type Service struct {
	escrows  *escrow.Service
	authz    Authorizer
	provider Provider
	sink     escrow.NotificationSink
}

// NewService creates a new shipment verification service.
func NewService(escrows *escrow.Service, authz Authorizer, provider Provider) *Service {
	return &Service{escrows: escrows, authz: authz, provider: provider}
}

// WithNotifier adds a notification sink for shipment events.
func (s *Service) WithNotifier(sink escrow.NotificationSink) *Service {
	s.sink = sink
	return s
}

// Submit records the vendor's shipment proof. Requires a buyer, a funded
// or already-shipped escrow, a known carrier and at least one HTTPS or
// IPFS proof URL.
func (s *Service) Submit(ctx context.Context, escrowID, vendorWallet, carrier, trackingNumber string, proofURLs []string) (*escrow.Escrow, error) {
	canonical, err := NormalizeCarrier(carrier)
	if err != nil {
		return nil, err
	}
	trackingNumber = strings.TrimSpace(trackingNumber)
	if trackingNumber == "" {
		return nil, fmt.Errorf("%w: tracking number is required", ErrIncompleteTracking)
	}
	if len(proofURLs) == 0 {
		return nil, ErrMissingProof
	}
	for _, u := range proofURLs {
		if !validation.IsValidProofURL(u) {
			return nil, fmt.Errorf("%w: %q is not an https or ipfs URL", ErrMissingProof, u)
		}
	}

	unlock := s.escrows.Lock(escrowID)
	defer unlock()

	e, err := s.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.SellerWallet != strings.TrimSpace(vendorWallet) {
		return nil, escrow.ErrUnauthorized
	}
	if !e.HasBuyer() {
		return nil, ErrNoBuyer
	}
	switch e.Status {
	case escrow.StatusFunded, escrow.StatusShipped:
	default:
		return nil, fmt.Errorf("%w: cannot ship from %s", escrow.ErrInvalidStatus, e.Status)
	}

	now := time.Now()
	e.Shipment.Status = escrow.ShipmentProofSubmitted
	e.Shipment.Carrier = canonical
	e.Shipment.TrackingNumber = trackingNumber
	e.Shipment.ProofURLs = append([]string(nil), proofURLs...)
	e.Shipment.SubmittedAt = &now
	e.Status = escrow.StatusShipped
	e.UpdatedAt = now

	if err := s.escrows.Store().Update(ctx, e); err != nil {
		return nil, err
	}

	s.notify(e.BuyerWallet, "escrow.shipped", map[string]interface{}{
		"escrowId":       e.ID,
		"carrier":        canonical,
		"trackingNumber": trackingNumber,
	})
	metrics.ShipmentsSubmittedTotal.Inc()
	metrics.EscrowsTotal.WithLabelValues(string(escrow.StatusShipped)).Inc()
	return e, nil
}

// Verify applies an admin decision to a submitted shipment proof.
// Approval marks the shipment verified and the escrow delivered.
// Rejection needs a reason, archives the rejected submission in the
// append-only history and resets the sub-status to pending so the
// vendor can resubmit; the escrow status itself stays shipped.
func (s *Service) Verify(ctx context.Context, escrowID, adminWallet string, approved bool, rejectionReason string) (*escrow.Escrow, error) {
	ok, err := s.authz.IsAuthorized(ctx, adminWallet, PermManageEscrows)
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
	if e.Shipment.Status != escrow.ShipmentProofSubmitted {
		return nil, fmt.Errorf("%w: shipment is %s, expected proof_submitted", escrow.ErrInvalidStatus, e.Shipment.Status)
	}
	if e.Shipment.Carrier == "" || e.Shipment.TrackingNumber == "" {
		return nil, ErrIncompleteTracking
	}

	now := time.Now()
	if approved {
		e.Shipment.Status = escrow.ShipmentVerified
		e.Shipment.VerifiedAt = &now
		e.Shipment.VerifiedBy = strings.TrimSpace(adminWallet)
		e.Status = escrow.StatusDelivered
		e.UpdatedAt = now

		if err := s.escrows.Store().Update(ctx, e); err != nil {
			return nil, err
		}

		s.notify(e.BuyerWallet, "shipment.verified", map[string]interface{}{
			"escrowId":   e.ID,
			"verifiedBy": e.Shipment.VerifiedBy,
		})
		metrics.ShipmentsVerifiedTotal.WithLabelValues("approved").Inc()
		metrics.EscrowsTotal.WithLabelValues(string(escrow.StatusDelivered)).Inc()
		return e, nil
	}

	reason := strings.TrimSpace(rejectionReason)
	if reason == "" {
		return nil, ErrReasonRequired
	}

	// Archive the rejected submission. Its carrier, tracking and proof
	// stay on the live fields until the vendor resubmits; Submit
	// overwrites them wholesale.
	e.Shipment.RejectionHistory = append(e.Shipment.RejectionHistory, escrow.ShipmentRejection{
		Reason:         reason,
		Carrier:        e.Shipment.Carrier,
		TrackingNumber: e.Shipment.TrackingNumber,
		ProofURLs:      append([]string(nil), e.Shipment.ProofURLs...),
		RejectedBy:     strings.TrimSpace(adminWallet),
		RejectedAt:     now,
	})
	e.Shipment.Status = escrow.ShipmentPending
	e.UpdatedAt = now

	if err := s.escrows.Store().Update(ctx, e); err != nil {
		return nil, err
	}

	s.notify(e.SellerWallet, "shipment.rejected", map[string]interface{}{
		"escrowId": e.ID,
		"reason":   reason,
	})
	metrics.ShipmentsVerifiedTotal.WithLabelValues("rejected").Inc()
	return e, nil
}

// Tracking proxies a tracking lookup to the carrier provider for the
// escrow's current shipment.
func (s *Service) Tracking(ctx context.Context, escrowID string) (*TrackingInfo, error) {
	e, err := s.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.Shipment.Carrier == "" || e.Shipment.TrackingNumber == "" {
		return nil, ErrIncompleteTracking
	}
	return s.provider.GetTracking(ctx, e.Shipment.Carrier, e.Shipment.TrackingNumber)
}

// Rates quotes shipping rates for a parcel.
func (s *Service) Rates(ctx context.Context, req RateRequest) ([]Rate, error) {
	return s.provider.GetRates(ctx, req)
}

// PurchaseLabel buys a label against a quoted rate.
func (s *Service) PurchaseLabel(ctx context.Context, req LabelRequest) (*Label, error) {
	return s.provider.PurchaseLabel(ctx, req)
}

func (s *Service) notify(wallet, event string, payload map[string]interface{}) {
	if s.sink == nil {
		return
	}
	s.sink.Notify(wallet, event, payload)
}
