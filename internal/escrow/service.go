package escrow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/atelierhq/atelier/internal/idgen"
	"github.com/atelierhq/atelier/internal/metrics"
	"github.com/atelierhq/atelier/internal/pricing"
	"github.com/atelierhq/atelier/internal/syncutil"
)

// Asset catalog statuses the lifecycle engine reports.
const (
	AssetInEscrow = "in_escrow"
	AssetListable = "listed"
	AssetSold     = "sold"
	AssetPooled   = "pooled"
)

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	AssetID         string   `json:"assetId" binding:"required"`
	SellerWallet    string   `json:"sellerWallet" binding:"required"`
	EscrowAddress   string   `json:"escrowAddress" binding:"required"`
	SaleMode        SaleMode `json:"saleMode" binding:"required"`
	ListingPrice    int64    `json:"listingPrice" binding:"required"` // lamports
	MinimumOffer    int64    `json:"minimumOffer"`                    // lamports, accepting_offers only
	AcceptingOffers bool     `json:"acceptingOffers"`
}

// UpdatePriceRequest contains the price fields a vendor may change while
// the escrow is still listable.
type UpdatePriceRequest struct {
	ListingPrice    *int64 `json:"listingPrice"` // lamports
	MinimumOffer    *int64 `json:"minimumOffer"` // lamports
	AcceptingOffers *bool  `json:"acceptingOffers"`
}

// Service implements the escrow lifecycle state machine.
type Service struct {
	store   Store
	catalog AssetCatalog
	rates   *pricing.Converter
	sink    NotificationSink
	locks   syncutil.ShardedMutex // per-escrow ID locks
}

// NewService creates a new escrow lifecycle service.
func NewService(store Store, catalog AssetCatalog, rates *pricing.Converter) *Service {
	return &Service{
		store:   store,
		catalog: catalog,
		rates:   rates,
	}
}

// WithNotifier adds a notification sink for lifecycle events.
func (s *Service) WithNotifier(sink NotificationSink) *Service {
	s.sink = sink
	return s
}

// Store exposes the underlying store to sibling engines (offers, shipment,
// settlement) that share the escrow record.
func (s *Service) Store() Store { return s.store }

// Rates exposes the configured reference-rate converter.
func (s *Service) Rates() *pricing.Converter { return s.rates }

// Lock acquires the per-escrow mutex for callers that need to compose a
// multi-step transition. The returned function releases it.
// This serializes in-process state transitions; the store's version CAS
// catches anything that slips between processes.
func (s *Service) Lock(id string) func() {
	return s.locks.Lock(id)
}

// Create creates a new escrow for an asset listing attempt.
// Exactly one non-terminal escrow may exist per asset.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	if req.ListingPrice <= 0 {
		return nil, fmt.Errorf("%w: listing price must be positive", ErrInvalidAmount)
	}
	switch req.SaleMode {
	case SaleModeFixedPrice, SaleModeAcceptingOffers, SaleModeCrowdfunded:
	default:
		return nil, fmt.Errorf("unknown sale mode %q", req.SaleMode)
	}
	if req.SaleMode == SaleModeAcceptingOffers && req.MinimumOffer < 0 {
		return nil, fmt.Errorf("%w: minimum offer cannot be negative", ErrInvalidAmount)
	}

	// Friendly pre-check; the store enforces the same invariant on write.
	if existing, err := s.store.GetActiveByAsset(ctx, req.AssetID); err == nil && existing != nil {
		return nil, ErrDuplicateEscrow
	}

	now := time.Now()
	listingUSD := s.rates.LamportsToUSD(req.ListingPrice)
	e := &Escrow{
		ID:              idgen.WithPrefix("esc_"),
		EscrowAddress:   strings.TrimSpace(req.EscrowAddress),
		AssetID:         req.AssetID,
		SellerWallet:    strings.TrimSpace(req.SellerWallet),
		SaleMode:        req.SaleMode,
		ListingPrice:    req.ListingPrice,
		ListingPriceUSD: listingUSD,
		MinimumOffer:    req.MinimumOffer,
		MinimumOfferUSD: s.rates.LamportsToUSD(req.MinimumOffer),
		AcceptingOffers: req.AcceptingOffers || req.SaleMode == SaleModeAcceptingOffers,
		RoyaltyUSD:      pricing.Royalty(listingUSD),
		Status:          StatusInitiated,
		Shipment:        Shipment{Status: ShipmentPending},
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.Create(ctx, e); err != nil {
		return nil, err
	}

	if err := s.catalog.SetStatus(ctx, e.AssetID, AssetInEscrow); err != nil {
		// The escrow exists; a stale catalog status is recoverable and must
		// not orphan the record.
		return nil, fmt.Errorf("escrow created but asset status update failed: %w", err)
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusInitiated)).Inc()
	return e, nil
}

// MarkListed publishes an initiated escrow to buyers.
func (s *Service) MarkListed(ctx context.Context, id, callerWallet string) (*Escrow, error) {
	unlock := s.Lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.SellerWallet != strings.TrimSpace(callerWallet) {
		return nil, ErrUnauthorized
	}
	if e.Status != StatusInitiated {
		return nil, fmt.Errorf("%w: escrow is %s, expected %s", ErrInvalidStatus, e.Status, StatusInitiated)
	}

	e.Status = StatusListed
	e.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusListed)).Inc()
	return e, nil
}

// UpdatePrice changes the listing price and offer terms. Allowed only
// while the escrow is listable and no buyer is assigned; the royalty is
// recomputed whenever the USD listing price changes.
func (s *Service) UpdatePrice(ctx context.Context, id, callerWallet string, req UpdatePriceRequest) (*Escrow, error) {
	unlock := s.Lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.SellerWallet != strings.TrimSpace(callerWallet) {
		return nil, ErrUnauthorized
	}
	if !e.Listable() || e.HasBuyer() {
		return nil, ErrPriceLocked
	}

	if req.ListingPrice != nil {
		if *req.ListingPrice <= 0 {
			return nil, fmt.Errorf("%w: listing price must be positive", ErrInvalidAmount)
		}
		e.ListingPrice = *req.ListingPrice
		e.ListingPriceUSD = s.rates.LamportsToUSD(*req.ListingPrice)
		e.RoyaltyUSD = pricing.Royalty(e.ListingPriceUSD)
	}
	if req.MinimumOffer != nil {
		if *req.MinimumOffer < 0 {
			return nil, fmt.Errorf("%w: minimum offer cannot be negative", ErrInvalidAmount)
		}
		e.MinimumOffer = *req.MinimumOffer
		e.MinimumOfferUSD = s.rates.LamportsToUSD(*req.MinimumOffer)
	}
	if req.AcceptingOffers != nil {
		e.AcceptingOffers = *req.AcceptingOffers
	}

	e.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// TransitionOnFunding records that the buyer's funds arrived at the
// escrow address.
func (s *Service) TransitionOnFunding(ctx context.Context, id, buyerWallet string, fundedAmount int64) (*Escrow, error) {
	unlock := s.Lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch e.Status {
	case StatusInitiated, StatusListed, StatusOfferAccepted:
	default:
		return nil, fmt.Errorf("%w: cannot fund from %s", ErrInvalidStatus, e.Status)
	}
	if fundedAmount <= 0 {
		return nil, fmt.Errorf("%w: funded amount must be positive", ErrInvalidAmount)
	}

	buyer := strings.TrimSpace(buyerWallet)
	if buyer == "" {
		return nil, fmt.Errorf("%w: buyer wallet is required", ErrInvalidAmount)
	}
	if buyer == e.SellerWallet {
		return nil, fmt.Errorf("%w: seller cannot fund own escrow", ErrUnauthorized)
	}
	// After an accepted offer the funder must be the accepted buyer.
	if e.HasBuyer() && e.BuyerWallet != buyer {
		return nil, ErrUnauthorized
	}

	now := time.Now()
	e.Status = StatusFunded
	e.BuyerWallet = buyer
	e.FundedAt = &now
	e.FundedAmount = fundedAmount
	e.UpdatedAt = now

	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}

	s.notify(e.SellerWallet, "escrow.funded", map[string]interface{}{
		"escrowId":     e.ID,
		"buyerWallet":  e.BuyerWallet,
		"fundedAmount": fundedAmount,
	})
	metrics.EscrowsTotal.WithLabelValues(string(StatusFunded)).Inc()
	return e, nil
}

// Cancel closes an escrow before a buyer is assigned and releases the
// asset back to a listable state. The record is kept (soft close).
func (s *Service) Cancel(ctx context.Context, id, callerWallet, reason string) (*Escrow, error) {
	unlock := s.Lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.SellerWallet != strings.TrimSpace(callerWallet) {
		return nil, ErrUnauthorized
	}
	if e.IsTerminal() {
		return nil, fmt.Errorf("%w: escrow already %s", ErrInvalidStatus, e.Status)
	}
	// No cancellation once a buyer committed: funds could be in flight.
	if e.HasBuyer() {
		return nil, ErrBuyerAssigned
	}

	now := time.Now()
	e.Status = StatusCancelled
	e.CancelReason = reason
	e.ClosedAt = &now
	e.UpdatedAt = now

	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}

	if err := s.catalog.SetStatus(ctx, e.AssetID, AssetListable); err != nil {
		return nil, fmt.Errorf("escrow cancelled but asset release failed: %w", err)
	}

	s.notify(e.SellerWallet, "escrow.cancelled", map[string]interface{}{
		"escrowId": e.ID,
		"reason":   reason,
	})
	metrics.EscrowsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	metrics.EscrowDuration.Observe(now.Sub(e.CreatedAt).Seconds())
	return e, nil
}

// Convert moves a listable escrow into a pooled-investment vehicle.
func (s *Service) Convert(ctx context.Context, id, callerWallet string) (*Escrow, error) {
	unlock := s.Lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.SellerWallet != strings.TrimSpace(callerWallet) {
		return nil, ErrUnauthorized
	}
	if !e.Listable() {
		return nil, fmt.Errorf("%w: only initiated or listed escrows can convert", ErrInvalidStatus)
	}

	now := time.Now()
	e.Status = StatusConverted
	e.ClosedAt = &now
	e.UpdatedAt = now

	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}
	if err := s.catalog.SetStatus(ctx, e.AssetID, AssetPooled); err != nil {
		return nil, fmt.Errorf("escrow converted but asset status update failed: %w", err)
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusConverted)).Inc()
	return e, nil
}

// MarkFailed administratively fails a non-terminal escrow.
func (s *Service) MarkFailed(ctx context.Context, id, reason string) (*Escrow, error) {
	unlock := s.Lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.IsTerminal() {
		return nil, fmt.Errorf("%w: escrow already %s", ErrInvalidStatus, e.Status)
	}

	now := time.Now()
	e.Status = StatusFailed
	e.CancelReason = reason
	e.ClosedAt = &now
	e.UpdatedAt = now

	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}
	if err := s.catalog.SetStatus(ctx, e.AssetID, AssetListable); err != nil {
		return nil, fmt.Errorf("escrow failed but asset release failed: %w", err)
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusFailed)).Inc()
	return e, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// GetActiveByAsset returns the active escrow for an asset, if any.
func (s *Service) GetActiveByAsset(ctx context.Context, assetID string) (*Escrow, error) {
	return s.store.GetActiveByAsset(ctx, assetID)
}

// ListBySeller returns escrows where the wallet is the seller.
func (s *Service) ListBySeller(ctx context.Context, wallet string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListBySeller(ctx, strings.TrimSpace(wallet), limit)
}

// ListByBuyer returns escrows where the wallet is the buyer.
func (s *Service) ListByBuyer(ctx context.Context, wallet string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByBuyer(ctx, strings.TrimSpace(wallet), limit)
}

// ListByStatus returns escrows in the given lifecycle status.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByStatus(ctx, status, limit)
}

func (s *Service) notify(wallet, event string, payload map[string]interface{}) {
	if s.sink == nil {
		return
	}
	s.sink.Notify(wallet, event, payload)
}
