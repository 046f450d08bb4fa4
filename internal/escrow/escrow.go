// Package escrow governs one sale attempt for one physical asset.
//
// Flow:
//  1. Vendor lists an asset → escrow created (initiated), then listed
//  2. Buyers negotiate offers (see internal/offers) → offer_accepted
//  3. Buyer funds the escrow address → funded
//  4. Vendor ships, admin verifies proof → shipped → delivered
//  5. Delivery confirmed → settlement proposal → released
//
// Cancellation is allowed only while no buyer is assigned. Records are
// soft-closed by status, never deleted.
package escrow

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEscrowNotFound  = errors.New("escrow not found")
	ErrDuplicateEscrow = errors.New("an active escrow already exists for this asset")
	ErrInvalidStatus   = errors.New("invalid escrow status for this operation")
	ErrUnauthorized    = errors.New("not authorized for this escrow operation")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrPriceLocked     = errors.New("price cannot change after a buyer is assigned")
	ErrBuyerAssigned   = errors.New("cannot cancel after a buyer has been assigned")
	ErrConflict        = errors.New("escrow was modified concurrently, retry")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusInitiated     Status = "initiated"      // Created, settlement address pending
	StatusListed        Status = "listed"         // Visible to buyers
	StatusOfferAccepted Status = "offer_accepted" // Vendor accepted an offer, awaiting funds
	StatusFunded        Status = "funded"         // Buyer funds locked at the escrow address
	StatusShipped       Status = "shipped"        // Vendor submitted shipment proof
	StatusDelivered     Status = "delivered"      // Delivery confirmed, awaiting settlement
	StatusReleased      Status = "released"       // Funds released to seller (terminal)
	StatusCancelled     Status = "cancelled"      // Seller cancelled before funding (terminal)
	StatusFailed        Status = "failed"         // Administratively failed (terminal)
	StatusConverted     Status = "converted"      // Converted to a pooled-investment vehicle (terminal)
)

// SaleMode controls how buyers may acquire the asset.
type SaleMode string

const (
	SaleModeFixedPrice      SaleMode = "fixed_price"
	SaleModeAcceptingOffers SaleMode = "accepting_offers"
	SaleModeCrowdfunded     SaleMode = "crowdfunded"
)

// ShipmentStatus tracks the vendor shipment sub-machine.
type ShipmentStatus string

const (
	ShipmentPending        ShipmentStatus = "pending"
	ShipmentShipped        ShipmentStatus = "shipped"
	ShipmentProofSubmitted ShipmentStatus = "proof_submitted"
	ShipmentVerified       ShipmentStatus = "verified"
)

// ConfirmationType identifies who confirmed delivery.
type ConfirmationType string

const (
	ConfirmedByBuyer ConfirmationType = "buyer"
	ConfirmedByAdmin ConfirmationType = "admin"
)

// ShipmentRejection is one append-only rejection audit entry. The rejected
// submission's tracking data is preserved here before the vendor resubmits.
type ShipmentRejection struct {
	Reason         string    `json:"reason"`
	Carrier        string    `json:"carrier"`
	TrackingNumber string    `json:"trackingNumber"`
	ProofURLs      []string  `json:"proofUrls"`
	RejectedBy     string    `json:"rejectedBy"`
	RejectedAt     time.Time `json:"rejectedAt"`
}

// Shipment is the vendor shipment sub-record embedded in an Escrow.
type Shipment struct {
	Status           ShipmentStatus      `json:"status"`
	Carrier          string              `json:"carrier,omitempty"`
	TrackingNumber   string              `json:"trackingNumber,omitempty"`
	ProofURLs        []string            `json:"proofUrls,omitempty"`
	SubmittedAt      *time.Time          `json:"submittedAt,omitempty"`
	VerifiedAt       *time.Time          `json:"verifiedAt,omitempty"`
	VerifiedBy       string              `json:"verifiedBy,omitempty"`
	RejectionHistory []ShipmentRejection `json:"rejectionHistory,omitempty"`
}

// DeliveryConfirmation is written once when delivery is confirmed and is
// immutable afterwards.
type DeliveryConfirmation struct {
	ConfirmedBy string           `json:"confirmedBy"`
	Type        ConfirmationType `json:"type"`
	ConfirmedAt time.Time        `json:"confirmedAt"`
	Rating      int              `json:"rating,omitempty"` // 1-5, buyer confirmations only
	ReviewText  string           `json:"reviewText,omitempty"`
	Notes       string           `json:"notes,omitempty"`
}

// Escrow represents one sale attempt for one asset.
//
// All monetary fields come in pairs: a lamport integer (settlement
// currency, smallest unit) and a USD decimal converted through the
// configured reference rate.
type Escrow struct {
	ID            string `json:"id"`
	EscrowAddress string `json:"escrowAddress"` // settlement-authority vault address, unique
	AssetID       string `json:"assetId"`
	SellerWallet  string `json:"sellerWallet"`
	BuyerWallet   string `json:"buyerWallet,omitempty"` // set iff status >= offer_accepted

	SaleMode        SaleMode `json:"saleMode"`
	ListingPrice    int64    `json:"listingPrice"` // lamports
	ListingPriceUSD float64  `json:"listingPriceUsd"`
	MinimumOffer    int64    `json:"minimumOffer,omitempty"` // lamports, accepting_offers only
	MinimumOfferUSD float64  `json:"minimumOfferUsd,omitempty"`
	AcceptingOffers bool     `json:"acceptingOffers"`
	RoyaltyUSD      float64  `json:"royaltyUsd"` // always ListingPriceUSD * 3%

	Status   Status   `json:"status"`
	Shipment Shipment `json:"shipment"`

	// Offer aggregates — derived from the offer store, recomputed after
	// every offer mutation. Never incremented in place.
	ActiveOfferCount int    `json:"activeOfferCount"`
	HighestOffer     int64  `json:"highestOffer"` // lamports
	AcceptedOfferID  string `json:"acceptedOfferId,omitempty"`

	Confirmation *DeliveryConfirmation `json:"confirmation,omitempty"`

	SettlementProposalRef string     `json:"settlementProposalRef,omitempty"`
	SettlementExecutedAt  *time.Time `json:"settlementExecutedAt,omitempty"`

	FundedAt     *time.Time `json:"fundedAt,omitempty"`
	FundedAmount int64      `json:"fundedAmount,omitempty"`
	CancelReason string     `json:"cancelReason,omitempty"`
	ClosedAt     *time.Time `json:"closedAt,omitempty"`

	// Version supports optimistic concurrency: stores reject an Update
	// whose version does not match the persisted record.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusReleased, StatusCancelled, StatusFailed, StatusConverted:
		return true
	}
	return false
}

// HasBuyer reports whether a buyer has been assigned.
func (e *Escrow) HasBuyer() bool {
	return e.BuyerWallet != ""
}

// Listable reports whether the escrow can still take offers or price
// changes (no buyer committed yet).
func (e *Escrow) Listable() bool {
	return e.Status == StatusInitiated || e.Status == StatusListed
}

// ShippedLike reports whether either the lifecycle status or the shipment
// sub-status indicates the item is on its way or arrived. Both fields are
// accepted as signals for delivery confirmation (legacy behavior).
func (e *Escrow) ShippedLike() bool {
	switch e.Status {
	case StatusShipped, StatusDelivered:
		return true
	}
	switch e.Shipment.Status {
	case ShipmentShipped, ShipmentProofSubmitted, ShipmentVerified:
		return true
	}
	return false
}

// Clone returns a deep copy. Slices and embedded records get fresh backing
// arrays so an append on the copy cannot mutate the original.
func (e *Escrow) Clone() *Escrow {
	cp := *e
	if e.Shipment.ProofURLs != nil {
		cp.Shipment.ProofURLs = append([]string(nil), e.Shipment.ProofURLs...)
	}
	if e.Shipment.RejectionHistory != nil {
		cp.Shipment.RejectionHistory = make([]ShipmentRejection, len(e.Shipment.RejectionHistory))
		copy(cp.Shipment.RejectionHistory, e.Shipment.RejectionHistory)
		for i, r := range e.Shipment.RejectionHistory {
			cp.Shipment.RejectionHistory[i].ProofURLs = append([]string(nil), r.ProofURLs...)
		}
	}
	if e.Confirmation != nil {
		conf := *e.Confirmation
		cp.Confirmation = &conf
	}
	return &cp
}

// Store persists escrow data.
//
// Update must implement compare-and-swap on Version: the write succeeds
// only if the stored version equals the caller's, and increments it.
// A mismatch returns ErrConflict so two concurrent transitions on the
// same escrow can never both commit.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetActiveByAsset(ctx context.Context, assetID string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	ListBySeller(ctx context.Context, wallet string, limit int) ([]*Escrow, error)
	ListByBuyer(ctx context.Context, wallet string, limit int) ([]*Escrow, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error)
}

// AssetCatalog abstracts the asset registry so escrow doesn't import it.
// The catalog is told when an asset enters or leaves escrow custody.
type AssetCatalog interface {
	SetStatus(ctx context.Context, assetID, status string) error
}

// NotificationSink receives fire-and-forget lifecycle notifications.
// Delivery failures are the sink's problem, never the caller's.
type NotificationSink interface {
	Notify(wallet string, event string, payload map[string]interface{})
}

// MultiSink fans a notification out to several sinks.
type MultiSink []NotificationSink

func (m MultiSink) Notify(wallet string, event string, payload map[string]interface{}) {
	for _, s := range m {
		if s != nil {
			s.Notify(wallet, event, payload)
		}
	}
}
