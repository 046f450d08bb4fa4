// Package assets implements the catalog of NFT-backed physical assets.
// Each asset is a vaulted luxury item with an on-chain mint; the escrow
// engine drives its status as sale attempts come and go.
package assets

import (
	"context"
	"errors"
	"time"

	"github.com/atelierhq/atelier/internal/pagination"
)

var (
	ErrAssetNotFound   = errors.New("assets: asset not found")
	ErrAssetExists     = errors.New("assets: mint already registered")
	ErrInvalidCategory = errors.New("assets: invalid category")
	ErrInvalidStatus   = errors.New("assets: invalid status")
)

// Status tracks where an asset sits in the marketplace.
type Status string

const (
	StatusDraft    Status = "draft"     // Registered, not yet listed
	StatusListed   Status = "listed"    // Available for a new escrow
	StatusInEscrow Status = "in_escrow" // An active escrow holds it
	StatusSold     Status = "sold"      // Escrow released, ownership moved
	StatusPooled   Status = "pooled"    // Converted to a pooled-investment vehicle
)

// validStatuses guards SetStatus calls coming through the catalog
// boundary as plain strings.
var validStatuses = map[Status]bool{
	StatusDraft:    true,
	StatusListed:   true,
	StatusInEscrow: true,
	StatusSold:     true,
	StatusPooled:   true,
}

// KnownCategories is the marketplace taxonomy.
var KnownCategories = []string{
	"watch",
	"jewelry",
	"handbag",
	"sneaker",
	"art",
	"wine",
	"automobile",
	"collectible",
	"other",
}

// IsKnownCategory checks a category against the taxonomy.
func IsKnownCategory(c string) bool {
	for _, known := range KnownCategories {
		if known == c {
			return true
		}
	}
	return false
}

// Asset represents one vaulted physical item and its backing NFT.
type Asset struct {
	ID          string `json:"id"`
	MintAddress string `json:"mintAddress"` // NFT mint, unique
	OwnerWallet string `json:"ownerWallet"`

	Name        string `json:"name"`
	Brand       string `json:"brand,omitempty"`
	Category    string `json:"category"`
	Description string `json:"description,omitempty"`

	AppraisalUSD  float64 `json:"appraisalUsd,omitempty"`
	VaultLocation string  `json:"vaultLocation,omitempty"`
	MetadataURI   string  `json:"metadataUri,omitempty"` // ipfs:// or https://

	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists asset data.
type Store interface {
	Create(ctx context.Context, a *Asset) error
	Get(ctx context.Context, id string) (*Asset, error)
	GetByMint(ctx context.Context, mintAddress string) (*Asset, error)
	Update(ctx context.Context, a *Asset) error
	ListByOwner(ctx context.Context, wallet string, limit int) ([]*Asset, error)
	ListByStatus(ctx context.Context, status Status, limit int, opts ...ListOption) ([]*Asset, error)
}

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor filters results to items after the given cursor position.
// Malformed cursors are ignored and the listing starts from the top.
func WithCursor(cursor string) ListOption {
	return func(o *listOpts) {
		c, err := pagination.Decode(cursor)
		if err == nil {
			o.cursor = c
		}
	}
}
