package offers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atelierhq/atelier/internal/escrow"
	"github.com/atelierhq/atelier/internal/idgen"
	"github.com/atelierhq/atelier/internal/metrics"
	"github.com/atelierhq/atelier/internal/pricing"
)

// aggregateRetries bounds the CAS retry loop when recomputing the
// escrow's derived offer aggregates under concurrent writes.
const aggregateRetries = 3

// VendorAction is a vendor's response to an active offer.
type VendorAction string

const (
	VendorAccept  VendorAction = "accept"
	VendorReject  VendorAction = "reject"
	VendorCounter VendorAction = "counter"
)

// BuyerAction is a buyer's response to their own offer.
type BuyerAction string

const (
	BuyerAcceptCounter BuyerAction = "accept_counter"
	BuyerRejectCounter BuyerAction = "reject_counter"
	BuyerCounter       BuyerAction = "counter"
	BuyerWithdraw      BuyerAction = "withdraw"
)

// CreateRequest contains the parameters for submitting an offer.
type CreateRequest struct {
	EscrowID        string          `json:"escrowId" binding:"required"`
	BuyerWallet     string          `json:"buyerWallet" binding:"required"`
	Amount          int64           `json:"amount" binding:"required"` // lamports
	Message         string          `json:"message"`
	ShippingAddress ShippingAddress `json:"shippingAddress" binding:"required"`
	ExpiresInHours  int             `json:"expiresInHours"`
}

// VendorResponse is a vendor's action against an offer.
type VendorResponse struct {
	Action          VendorAction `json:"action" binding:"required"`
	CounterAmount   int64        `json:"counterAmount"` // lamports, counter only
	Message         string       `json:"message"`
	RejectionReason string       `json:"rejectionReason"` // reject only
}

// BuyerResponse is a buyer's action against their own offer.
type BuyerResponse struct {
	Action        BuyerAction `json:"action" binding:"required"`
	CounterAmount int64       `json:"counterAmount"` // lamports, counter only
	Message       string      `json:"message"`
}

// Service implements the offer negotiation state machine. All writes to
// an escrow and its offers are serialized through the escrow service's
// per-escrow lock, so the accept-and-sweep sequence is one unit of
// isolation in-process; the stores' version checks cover the rest.
type Service struct {
	store   Store
	escrows *escrow.Service
	sink    escrow.NotificationSink
}

// NewService creates a new offer negotiation service.
func NewService(store Store, escrows *escrow.Service) *Service {
	return &Service{store: store, escrows: escrows}
}

// WithNotifier adds a notification sink for negotiation events.
func (s *Service) WithNotifier(sink escrow.NotificationSink) *Service {
	s.sink = sink
	return s
}

// Create submits a new offer against a listed escrow.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Offer, error) {
	buyer := strings.TrimSpace(req.BuyerWallet)
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: offer amount must be positive", ErrInvalidAmount)
	}
	if err := validateShippingAddress(req.ShippingAddress); err != nil {
		return nil, err
	}

	unlock := s.escrows.Lock(req.EscrowID)
	defer unlock()

	e, err := s.escrows.Get(ctx, req.EscrowID)
	if err != nil {
		return nil, err
	}
	if !e.AcceptingOffers && e.SaleMode != escrow.SaleModeAcceptingOffers {
		return nil, ErrNotAcceptingOffers
	}
	if !e.Listable() {
		return nil, fmt.Errorf("%w: escrow is %s", ErrEscrowNotListable, e.Status)
	}
	if buyer == e.SellerWallet {
		return nil, ErrSelfDealing
	}
	if e.MinimumOffer > 0 && req.Amount < e.MinimumOffer {
		return nil, fmt.Errorf("%w: minimum is %d lamports", ErrBelowMinimumOffer, e.MinimumOffer)
	}
	existing, err := s.store.GetActiveByBuyer(ctx, e.ID, buyer)
	if err != nil && !errors.Is(err, ErrOfferNotFound) {
		return nil, fmt.Errorf("duplicate offer check: %w", err)
	}
	if existing != nil {
		return nil, ErrDuplicateActiveOffer
	}

	now := time.Now()
	o := &Offer{
		ID:              idgen.WithPrefix("off_"),
		EscrowID:        e.ID,
		BuyerWallet:     buyer,
		Amount:          req.Amount,
		AmountUSD:       s.escrows.Rates().LamportsToUSD(req.Amount),
		Message:         strings.TrimSpace(req.Message),
		ShippingAddress: req.ShippingAddress,
		Status:          StatusPending,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.ExpiresInHours > 0 {
		exp := now.Add(time.Duration(req.ExpiresInHours) * time.Hour)
		o.ExpiresAt = &exp
	}

	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}
	if err := s.recomputeAggregates(ctx, e.ID); err != nil {
		return nil, err
	}

	s.notify(e.SellerWallet, "offer.received", map[string]interface{}{
		"escrowId":  e.ID,
		"offerId":   o.ID,
		"amount":    o.Amount,
		"amountUsd": o.AmountUSD,
	})
	metrics.OffersCreatedTotal.Inc()
	return o, nil
}

// VendorRespond applies a vendor action (accept, reject, counter) to an
// active offer. Only the escrow seller may respond.
func (s *Service) VendorRespond(ctx context.Context, offerID, callerWallet string, req VendorResponse) (*Offer, error) {
	o, err := s.store.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}

	unlock := s.escrows.Lock(o.EscrowID)
	defer unlock()

	// Re-read under the lock; the first read only located the escrow.
	o, err = s.store.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	e, err := s.escrows.Get(ctx, o.EscrowID)
	if err != nil {
		return nil, err
	}
	if e.SellerWallet != strings.TrimSpace(callerWallet) {
		return nil, ErrUnauthorized
	}
	if !o.Active() {
		return nil, fmt.Errorf("%w: offer is %s", ErrOfferNotActionable, o.Status)
	}
	if o.ExpiredAt(time.Now()) {
		return nil, s.lazyExpire(ctx, o)
	}

	switch req.Action {
	case VendorAccept:
		// Binds the last amount the buyer proposed; only the buyer's
		// accept_counter can bind a vendor counter.
		amount, amountUSD := o.LastBuyerAmount()
		return s.accept(ctx, e, o, amount, amountUSD)

	case VendorReject:
		reason := strings.TrimSpace(req.RejectionReason)
		if reason == "" {
			return nil, fmt.Errorf("%w: rejection reason is required", ErrValidation)
		}
		now := time.Now()
		o.Status = StatusRejected
		o.RejectionReason = reason
		o.RespondedAt = &now
		o.UpdatedAt = now
		if err := s.store.Update(ctx, o); err != nil {
			return nil, err
		}
		if err := s.recomputeAggregates(ctx, e.ID); err != nil {
			return nil, err
		}
		s.notify(o.BuyerWallet, "offer.rejected", map[string]interface{}{
			"escrowId": e.ID,
			"offerId":  o.ID,
			"reason":   reason,
		})
		return o, nil

	case VendorCounter:
		return s.counter(ctx, e, o, CounterFromVendor, req.CounterAmount, req.Message)

	default:
		return nil, fmt.Errorf("unknown vendor action %q", req.Action)
	}
}

// BuyerRespond applies a buyer action to their own offer. Withdraw is
// valid from pending or countered; the counter actions require a live
// vendor counter to respond to.
func (s *Service) BuyerRespond(ctx context.Context, offerID, callerWallet string, req BuyerResponse) (*Offer, error) {
	o, err := s.store.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}

	unlock := s.escrows.Lock(o.EscrowID)
	defer unlock()

	o, err = s.store.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if o.BuyerWallet != strings.TrimSpace(callerWallet) {
		return nil, ErrUnauthorized
	}
	if !o.Active() {
		return nil, fmt.Errorf("%w: offer is %s", ErrOfferNotActionable, o.Status)
	}
	if o.ExpiredAt(time.Now()) {
		return nil, s.lazyExpire(ctx, o)
	}

	e, err := s.escrows.Get(ctx, o.EscrowID)
	if err != nil {
		return nil, err
	}

	if req.Action == BuyerWithdraw {
		now := time.Now()
		o.Status = StatusWithdrawn
		o.RespondedAt = &now
		o.UpdatedAt = now
		if err := s.store.Update(ctx, o); err != nil {
			return nil, err
		}
		if err := s.recomputeAggregates(ctx, e.ID); err != nil {
			return nil, err
		}
		s.notify(e.SellerWallet, "offer.withdrawn", map[string]interface{}{
			"escrowId": e.ID,
			"offerId":  o.ID,
		})
		return o, nil
	}

	// The remaining actions respond to a vendor counter.
	if o.Status != StatusCountered {
		return nil, fmt.Errorf("%w: offer is %s, expected countered", ErrOfferNotActionable, o.Status)
	}
	latest := o.LatestCounter()
	if latest == nil || latest.FromRole != CounterFromVendor {
		return nil, ErrNoCounterOffer
	}

	switch req.Action {
	case BuyerAcceptCounter:
		// The latest counter's amount is the binding price, not the
		// original bid.
		return s.accept(ctx, e, o, latest.Amount, latest.AmountUSD)

	case BuyerRejectCounter:
		now := time.Now()
		o.Status = StatusRejected
		o.RejectionReason = "buyer declined counter-offer"
		o.RespondedAt = &now
		o.UpdatedAt = now
		if err := s.store.Update(ctx, o); err != nil {
			return nil, err
		}
		if err := s.recomputeAggregates(ctx, e.ID); err != nil {
			return nil, err
		}
		s.notify(e.SellerWallet, "offer.rejected", map[string]interface{}{
			"escrowId": e.ID,
			"offerId":  o.ID,
		})
		return o, nil

	case BuyerCounter:
		return s.counter(ctx, e, o, CounterFromBuyer, req.CounterAmount, req.Message)

	default:
		return nil, fmt.Errorf("unknown buyer action %q", req.Action)
	}
}

// accept marks the offer accepted, binds the buyer and price onto the
// escrow, and auto-rejects every other active offer. Caller must hold
// the escrow lock.
func (s *Service) accept(ctx context.Context, e *escrow.Escrow, o *Offer, amount int64, amountUSD float64) (*Offer, error) {
	if !e.Listable() {
		return nil, fmt.Errorf("%w: escrow is %s", ErrEscrowNotListable, e.Status)
	}
	if e.AcceptedOfferID != "" {
		return nil, fmt.Errorf("%w: escrow already accepted offer %s", ErrEscrowNotListable, e.AcceptedOfferID)
	}

	now := time.Now()
	o.Status = StatusAccepted
	o.RespondedAt = &now
	o.UpdatedAt = now
	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}

	e.Status = escrow.StatusOfferAccepted
	e.BuyerWallet = o.BuyerWallet
	e.AcceptedOfferID = o.ID
	e.ListingPrice = amount
	e.ListingPriceUSD = amountUSD
	e.RoyaltyUSD = pricing.Royalty(amountUSD)
	e.UpdatedAt = now
	if err := s.escrows.Store().Update(ctx, e); err != nil {
		return nil, err
	}

	if err := s.autoRejectOthers(ctx, e.ID, o.ID); err != nil {
		return nil, err
	}
	if err := s.recomputeAggregates(ctx, e.ID); err != nil {
		return nil, err
	}

	s.notify(o.BuyerWallet, "offer.accepted", map[string]interface{}{
		"escrowId":  e.ID,
		"offerId":   o.ID,
		"amount":    amount,
		"amountUsd": amountUSD,
	})
	metrics.OffersAcceptedTotal.Inc()
	metrics.EscrowsTotal.WithLabelValues(string(escrow.StatusOfferAccepted)).Inc()
	return o, nil
}

// autoRejectOthers forces every other active offer on the escrow into
// auto_rejected. Re-running on already-terminal offers is a no-op, so a
// partial failure is safe to retry.
func (s *Service) autoRejectOthers(ctx context.Context, escrowID, acceptedID string) error {
	var lastErr error
	for attempt := 0; attempt < aggregateRetries; attempt++ {
		active, err := s.store.ListActiveByEscrow(ctx, escrowID)
		if err != nil {
			return err
		}
		lastErr = nil
		for _, other := range active {
			if other.ID == acceptedID {
				continue
			}
			now := time.Now()
			other.Status = StatusAutoRejected
			other.RejectionReason = "another offer was accepted"
			other.RespondedAt = &now
			other.UpdatedAt = now
			if err := s.store.Update(ctx, other); err != nil {
				if errors.Is(err, ErrConflict) {
					lastErr = err
					continue
				}
				return err
			}
			s.notify(other.BuyerWallet, "offer.auto_rejected", map[string]interface{}{
				"escrowId": escrowID,
				"offerId":  other.ID,
			})
			metrics.OffersAutoRejectedTotal.Inc()
		}
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("auto-reject sweep did not converge: %w", lastErr)
}

// counter appends a negotiation entry and keeps the offer in countered.
// Caller must hold the escrow lock.
func (s *Service) counter(ctx context.Context, e *escrow.Escrow, o *Offer, role CounterRole, amount int64, message string) (*Offer, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: counter amount must be positive", ErrInvalidAmount)
	}

	now := time.Now()
	o.CounterOffers = append(o.CounterOffers, CounterOffer{
		Amount:    amount,
		AmountUSD: s.escrows.Rates().LamportsToUSD(amount),
		FromRole:  role,
		Message:   strings.TrimSpace(message),
		At:        now,
	})
	o.Status = StatusCountered
	o.UpdatedAt = now
	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}
	if err := s.recomputeAggregates(ctx, e.ID); err != nil {
		return nil, err
	}

	target := o.BuyerWallet
	if role == CounterFromBuyer {
		target = e.SellerWallet
	}
	s.notify(target, "offer.countered", map[string]interface{}{
		"escrowId": e.ID,
		"offerId":  o.ID,
		"amount":   amount,
		"fromRole": string(role),
	})
	metrics.CounterRoundsTotal.Inc()
	return o, nil
}

// lazyExpire marks an offer expired when a response arrives past its
// deadline. Always returns ErrOfferExpired; the status write is best
// effort since correctness never depends on the sweep having run.
func (s *Service) lazyExpire(ctx context.Context, o *Offer) error {
	now := time.Now()
	o.Status = StatusExpired
	o.RespondedAt = &now
	o.UpdatedAt = now
	if err := s.store.Update(ctx, o); err == nil {
		metrics.OffersExpiredTotal.Inc()
		_ = s.recomputeAggregates(ctx, o.EscrowID)
	}
	return ErrOfferExpired
}

// SweepExpired marks every active offer past its deadline as expired.
// Run periodically; a missed sweep is harmless because respond paths
// check expiry themselves.
func (s *Service) SweepExpired(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	stale, err := s.store.ListExpired(ctx, time.Now(), limit)
	if err != nil {
		return 0, err
	}

	swept := 0
	touched := make(map[string]bool)
	for _, o := range stale {
		unlock := s.escrows.Lock(o.EscrowID)
		o, err := s.store.Get(ctx, o.ID)
		if err != nil || !o.Active() || !o.ExpiredAt(time.Now()) {
			unlock()
			continue
		}
		now := time.Now()
		o.Status = StatusExpired
		o.RespondedAt = &now
		o.UpdatedAt = now
		if err := s.store.Update(ctx, o); err == nil {
			swept++
			touched[o.EscrowID] = true
			metrics.OffersExpiredTotal.Inc()
		}
		unlock()
	}

	for escrowID := range touched {
		unlock := s.escrows.Lock(escrowID)
		_ = s.recomputeAggregates(ctx, escrowID)
		unlock()
	}
	return swept, nil
}

// recomputeAggregates rebuilds the escrow's derived offer fields from
// the offer store. Derived, never incremented in place, so it can be
// recomputed at any time without drift. Caller must hold the escrow
// lock; the CAS retry covers concurrent cross-process writers.
func (s *Service) recomputeAggregates(ctx context.Context, escrowID string) error {
	active, err := s.store.ListActiveByEscrow(ctx, escrowID)
	if err != nil {
		return err
	}

	count := len(active)
	var highest int64
	now := time.Now()
	for _, o := range active {
		if o.ExpiredAt(now) {
			count--
			continue
		}
		amount, _ := o.EffectiveAmount()
		if amount > highest {
			highest = amount
		}
	}

	var lastErr error
	for attempt := 0; attempt < aggregateRetries; attempt++ {
		e, err := s.escrows.Get(ctx, escrowID)
		if err != nil {
			return err
		}
		e.ActiveOfferCount = count
		e.HighestOffer = highest
		e.UpdatedAt = time.Now()
		if err := s.escrows.Store().Update(ctx, e); err != nil {
			if errors.Is(err, escrow.ErrConflict) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("aggregate recompute did not converge: %w", lastErr)
}

// Get returns an offer by ID.
func (s *Service) Get(ctx context.Context, id string) (*Offer, error) {
	return s.store.Get(ctx, id)
}

// ListByEscrow returns every offer on an escrow, negotiation history
// included.
func (s *Service) ListByEscrow(ctx context.Context, escrowID string) ([]*Offer, error) {
	return s.store.ListByEscrow(ctx, escrowID)
}

// ListByBuyer returns a buyer's offers across escrows.
func (s *Service) ListByBuyer(ctx context.Context, wallet string, limit int) ([]*Offer, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByBuyer(ctx, strings.TrimSpace(wallet), limit)
}

func validateShippingAddress(a ShippingAddress) error {
	missing := []string{}
	if strings.TrimSpace(a.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(a.Line1) == "" {
		missing = append(missing, "line1")
	}
	if strings.TrimSpace(a.City) == "" {
		missing = append(missing, "city")
	}
	if strings.TrimSpace(a.PostalCode) == "" {
		missing = append(missing, "postalCode")
	}
	if strings.TrimSpace(a.Country) == "" {
		missing = append(missing, "country")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: shipping address missing %s", ErrValidation, strings.Join(missing, ", "))
	}
	return nil
}

func (s *Service) notify(wallet, event string, payload map[string]interface{}) {
	if s.sink == nil {
		return
	}
	s.sink.Notify(wallet, event, payload)
}
