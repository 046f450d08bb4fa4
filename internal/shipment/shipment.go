// Package shipment handles vendor shipment proof submission, admin
// verification, and the carrier integration boundary.
package shipment

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrUnknownCarrier     = errors.New("unsupported shipping carrier")
	ErrMissingProof       = errors.New("at least one proof URL is required")
	ErrIncompleteTracking = errors.New("tracking data is incomplete")
	ErrReasonRequired     = errors.New("rejection reason is required")
	ErrNoBuyer            = errors.New("escrow has no buyer to ship to")
	ErrProviderDisabled   = errors.New("shipping provider is not configured")
	ErrProviderTripped    = errors.New("shipping provider circuit is open")
)

// knownCarriers maps a normalized carrier token to its canonical name.
var knownCarriers = map[string]string{
	"fedex":      "fedex",
	"ups":        "ups",
	"usps":       "usps",
	"dhl":        "dhl",
	"dhlexpress": "dhl",
	"tnt":        "tnt",
	"royalmail":  "royalmail",
	"brinks":     "brinks",
	"ferrari":    "ferrari", // Ferrari Group, fine-art logistics
	"malca":      "malcaamit",
	"malcaamit":  "malcaamit",
}

// NormalizeCarrier canonicalizes a carrier name: case, whitespace and
// punctuation are insignificant ("Fed Ex" and "FedEx" are the same
// carrier). Returns ErrUnknownCarrier for anything outside the set.
func NormalizeCarrier(carrier string) (string, error) {
	token := strings.ToLower(carrier)
	for _, drop := range []string{" ", "-", ".", "_"} {
		token = strings.ReplaceAll(token, drop, "")
	}
	canonical, ok := knownCarriers[token]
	if !ok {
		return "", ErrUnknownCarrier
	}
	return canonical, nil
}

// Rate is one shipping-rate quote from the provider.
type Rate struct {
	Carrier      string  `json:"carrier"`
	Service      string  `json:"service"`
	AmountUSD    float64 `json:"amountUsd"`
	DeliveryDays int     `json:"deliveryDays,omitempty"`
	RateID       string  `json:"rateId,omitempty"`
}

// Label is a purchased shipping label.
type Label struct {
	Carrier        string    `json:"carrier"`
	TrackingNumber string    `json:"trackingNumber"`
	LabelURL       string    `json:"labelUrl"`
	AmountUSD      float64   `json:"amountUsd"`
	PurchasedAt    time.Time `json:"purchasedAt"`
}

// TrackingEvent is one scan in a shipment's tracking history.
type TrackingEvent struct {
	Status      string    `json:"status"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	At          time.Time `json:"at"`
}

// TrackingInfo is the provider's view of a shipment in transit.
type TrackingInfo struct {
	Carrier        string          `json:"carrier"`
	TrackingNumber string          `json:"trackingNumber"`
	Status         string          `json:"status"`
	EstimatedAt    *time.Time      `json:"estimatedAt,omitempty"`
	Events         []TrackingEvent `json:"events,omitempty"`
}

// RateRequest describes a parcel for rate quoting.
type RateRequest struct {
	FromPostalCode string  `json:"fromPostalCode"`
	FromCountry    string  `json:"fromCountry"`
	ToPostalCode   string  `json:"toPostalCode"`
	ToCountry      string  `json:"toCountry"`
	WeightKg       float64 `json:"weightKg"`
	DeclaredUSD    float64 `json:"declaredUsd"`
}

// LabelRequest purchases a label against a previously quoted rate.
type LabelRequest struct {
	RateID      string `json:"rateId"`
	FromAddress string `json:"fromAddress"`
	ToAddress   string `json:"toAddress"`
}

// Provider abstracts the carrier integration. Escrow state only needs
// the tracking number to exist; everything else is logistics.
type Provider interface {
	GetRates(ctx context.Context, req RateRequest) ([]Rate, error)
	PurchaseLabel(ctx context.Context, req LabelRequest) (*Label, error)
	GetTracking(ctx context.Context, carrier, trackingNumber string) (*TrackingInfo, error)
}
