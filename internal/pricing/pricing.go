// Package pricing converts between settlement-currency amounts (lamports)
// and USD, and computes the platform's fee splits.
//
// The SOL/USD rate is a single injected reference rate configured at
// process start. It is never fetched live inside core operations, so all
// call sites convert through the same number.
package pricing

import (
	"errors"
	"math"
)

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL = 1_000_000_000

// RoyaltyRate is the platform fee applied to every sale: a flat 3% of the
// USD listing price. This is a business invariant, not configuration.
const RoyaltyRate = 0.03

// SellerShare is the fraction of a settled sale paid out to the seller.
const SellerShare = 1.0 - RoyaltyRate

var ErrInvalidRate = errors.New("reference rate must be positive")

// Converter converts lamport amounts to USD and back using a fixed
// reference rate (USD per SOL).
type Converter struct {
	usdPerSOL float64
}

// NewConverter creates a converter for the given USD-per-SOL rate.
func NewConverter(usdPerSOL float64) (*Converter, error) {
	if usdPerSOL <= 0 {
		return nil, ErrInvalidRate
	}
	return &Converter{usdPerSOL: usdPerSOL}, nil
}

// Rate returns the configured USD-per-SOL rate.
func (c *Converter) Rate() float64 { return c.usdPerSOL }

// LamportsToUSD converts a lamport amount to USD.
func (c *Converter) LamportsToUSD(lamports int64) float64 {
	return float64(lamports) / LamportsPerSOL * c.usdPerSOL
}

// USDToLamports converts a USD amount to lamports, rounding to the
// nearest lamport.
func (c *Converter) USDToLamports(usd float64) int64 {
	return int64(math.Round(usd / c.usdPerSOL * LamportsPerSOL))
}

// Royalty computes the platform royalty for a USD listing price.
func Royalty(listingPriceUSD float64) float64 {
	return listingPriceUSD * RoyaltyRate
}

// Split divides a lamport amount into the seller payout and the platform
// fee. The fee is rounded down so seller + fee always equals total.
func Split(totalLamports int64) (seller, fee int64) {
	fee = int64(float64(totalLamports) * RoyaltyRate)
	return totalLamports - fee, fee
}
