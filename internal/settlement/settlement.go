// Package settlement turns a confirmed delivery into a fund-release
// instruction for the external settlement authority. The authority does
// the actual fund movement; this bridge only prepares instructions and
// records the two-phase handoff.
package settlement

import (
	"context"
	"errors"
)

var (
	ErrAlreadyConfirmed = errors.New("delivery already confirmed")
	ErrNotShipped       = errors.New("cannot confirm delivery, item must be shipped first")
	ErrInvalidRating    = errors.New("rating must be between 1 and 5")
	ErrInvalidConfType  = errors.New("confirmation type must be buyer or admin")
	ErrNoProposal       = errors.New("no settlement proposal recorded for this escrow")
	ErrNotConfirmed     = errors.New("delivery has not been confirmed")
)

// Instruction is the fund-release payload handed to the settlement
// authority: 97% of the escrowed amount to the seller, 3% platform fee
// to the treasury.
type Instruction struct {
	EscrowID      string `json:"escrowId"`
	EscrowAddress string `json:"escrowAddress"`
	SellerWallet  string `json:"sellerWallet"`
	SellerAmount  int64  `json:"sellerAmount"` // lamports
	FeeRecipient  string `json:"feeRecipient"`
	FeeAmount     int64  `json:"feeAmount"` // lamports
	TotalAmount   int64  `json:"totalAmount"`
	Memo          string `json:"memo,omitempty"`
}

// Authority abstracts the multisig settlement program. Propose registers
// an instruction and returns a proposal reference; Execute carries out a
// previously proposed transfer and returns the transaction signature.
type Authority interface {
	Propose(ctx context.Context, inst Instruction) (proposalRef string, err error)
	Execute(ctx context.Context, proposalRef string) (signature string, err error)
}
