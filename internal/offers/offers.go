// Package offers implements buyer/vendor offer negotiation against an
// escrow listing. A single escrow can carry many offers; accepting one
// auto-rejects every other active offer in the same logical operation.
package offers

import (
	"context"
	"errors"
	"time"
)

var (
	ErrOfferNotFound        = errors.New("offer not found")
	ErrNotAcceptingOffers   = errors.New("escrow is not accepting offers")
	ErrEscrowNotListable    = errors.New("escrow is no longer open for offers")
	ErrBelowMinimumOffer    = errors.New("offer is below the minimum offer price")
	ErrSelfDealing          = errors.New("seller cannot make an offer on own escrow")
	ErrDuplicateActiveOffer = errors.New("buyer already has an active offer on this escrow")
	ErrOfferNotActionable   = errors.New("offer is not in a state that permits this action")
	ErrOfferExpired         = errors.New("offer has expired")
	ErrNoCounterOffer       = errors.New("no counter-offer to respond to")
	ErrUnauthorized         = errors.New("not authorized for this offer operation")
	ErrInvalidAmount        = errors.New("invalid offer amount")
	ErrValidation           = errors.New("invalid offer input")
	ErrConflict             = errors.New("offer was modified concurrently, retry")
)

// Status represents the state of an offer.
type Status string

const (
	StatusPending      Status = "pending"       // Awaiting vendor response
	StatusCountered    Status = "countered"     // In active counter negotiation
	StatusAccepted     Status = "accepted"      // Vendor or buyer accepted (terminal)
	StatusRejected     Status = "rejected"      // Explicitly rejected (terminal)
	StatusAutoRejected Status = "auto_rejected" // Lost to another accepted offer (terminal)
	StatusWithdrawn    Status = "withdrawn"     // Buyer withdrew (terminal)
	StatusExpired      Status = "expired"       // Passed expiresAt (terminal)
)

// CounterRole identifies who sent a counter-offer entry.
type CounterRole string

const (
	CounterFromBuyer  CounterRole = "buyer"
	CounterFromVendor CounterRole = "vendor"
)

// CounterOffer is one entry in the append-only negotiation history.
// Entries are never mutated in place.
type CounterOffer struct {
	Amount    int64       `json:"amount"` // lamports
	AmountUSD float64     `json:"amountUsd"`
	FromRole  CounterRole `json:"fromRole"`
	Message   string      `json:"message,omitempty"`
	At        time.Time   `json:"at"`
}

// ShippingAddress holds the buyer's delivery address, captured at offer
// time so an accepted offer can ship without further buyer input.
type ShippingAddress struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

// Offer represents one buyer's bid against an escrow. The escrow is a
// weak reference: looked up by ID, never owned.
type Offer struct {
	ID          string `json:"id"`
	EscrowID    string `json:"escrowId"`
	BuyerWallet string `json:"buyerWallet"`

	Amount    int64   `json:"amount"` // lamports, original bid
	AmountUSD float64 `json:"amountUsd"`
	Message   string  `json:"message,omitempty"`

	ShippingAddress ShippingAddress `json:"shippingAddress"`

	CounterOffers []CounterOffer `json:"counterOffers,omitempty"`

	Status          Status     `json:"status"`
	RejectionReason string     `json:"rejectionReason,omitempty"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	RespondedAt     *time.Time `json:"respondedAt,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Active reports whether the offer is still in negotiation.
func (o *Offer) Active() bool {
	return o.Status == StatusPending || o.Status == StatusCountered
}

// ExpiredAt reports whether the offer's deadline has passed at the given
// time. Expiry is evaluated lazily; a stored status of pending/countered
// does not guarantee the offer is still actionable.
func (o *Offer) ExpiredAt(now time.Time) bool {
	return o.ExpiresAt != nil && now.After(*o.ExpiresAt)
}

// LatestCounter returns the most recent negotiation entry, or nil.
func (o *Offer) LatestCounter() *CounterOffer {
	if len(o.CounterOffers) == 0 {
		return nil
	}
	return &o.CounterOffers[len(o.CounterOffers)-1]
}

// EffectiveAmount is the amount currently on the table: the latest
// counter-offer if negotiation happened, otherwise the original bid.
func (o *Offer) EffectiveAmount() (int64, float64) {
	if c := o.LatestCounter(); c != nil {
		return c.Amount, c.AmountUSD
	}
	return o.Amount, o.AmountUSD
}

// LastBuyerAmount is the most recent amount the buyer put on the table:
// their latest counter entry if any, otherwise the original bid. A
// vendor counter is a proposal the buyer has not agreed to, so it never
// binds through the vendor's own accept.
func (o *Offer) LastBuyerAmount() (int64, float64) {
	for i := len(o.CounterOffers) - 1; i >= 0; i-- {
		if o.CounterOffers[i].FromRole == CounterFromBuyer {
			return o.CounterOffers[i].Amount, o.CounterOffers[i].AmountUSD
		}
	}
	return o.Amount, o.AmountUSD
}

// Clone returns a deep copy with a fresh counter-offer backing array.
func (o *Offer) Clone() *Offer {
	cp := *o
	if o.CounterOffers != nil {
		cp.CounterOffers = make([]CounterOffer, len(o.CounterOffers))
		copy(cp.CounterOffers, o.CounterOffers)
	}
	return &cp
}

// Store persists offer data.
//
// Update is compare-and-swap on Version, same contract as the escrow
// store: a stale write returns ErrConflict.
type Store interface {
	Create(ctx context.Context, o *Offer) error
	Get(ctx context.Context, id string) (*Offer, error)
	Update(ctx context.Context, o *Offer) error
	ListByEscrow(ctx context.Context, escrowID string) ([]*Offer, error)
	ListActiveByEscrow(ctx context.Context, escrowID string) ([]*Offer, error)
	GetActiveByBuyer(ctx context.Context, escrowID, buyerWallet string) (*Offer, error)
	ListByBuyer(ctx context.Context, buyerWallet string, limit int) ([]*Offer, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Offer, error)
}
