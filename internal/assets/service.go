package assets

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/atelierhq/atelier/internal/idgen"
)

// RegisterRequest contains the parameters for registering an asset.
type RegisterRequest struct {
	MintAddress   string  `json:"mintAddress" binding:"required"`
	OwnerWallet   string  `json:"ownerWallet" binding:"required"`
	Name          string  `json:"name" binding:"required"`
	Brand         string  `json:"brand"`
	Category      string  `json:"category" binding:"required"`
	Description   string  `json:"description"`
	AppraisalUSD  float64 `json:"appraisalUsd"`
	VaultLocation string  `json:"vaultLocation"`
	MetadataURI   string  `json:"metadataUri"`
}

// Service manages the asset catalog. It doubles as the escrow engine's
// AssetCatalog collaborator.
type Service struct {
	store Store
}

// NewService creates a new asset catalog service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Register adds a vaulted asset to the catalog in draft status.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Asset, error) {
	if !IsKnownCategory(req.Category) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, req.Category)
	}

	now := time.Now()
	a := &Asset{
		ID:            idgen.WithPrefix("ast_"),
		MintAddress:   strings.TrimSpace(req.MintAddress),
		OwnerWallet:   strings.TrimSpace(req.OwnerWallet),
		Name:          strings.TrimSpace(req.Name),
		Brand:         strings.TrimSpace(req.Brand),
		Category:      req.Category,
		Description:   strings.TrimSpace(req.Description),
		AppraisalUSD:  req.AppraisalUSD,
		VaultLocation: strings.TrimSpace(req.VaultLocation),
		MetadataURI:   strings.TrimSpace(req.MetadataURI),
		Status:        StatusDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Publish moves a draft asset to listed so an escrow can pick it up.
func (s *Service) Publish(ctx context.Context, id, ownerWallet string) (*Asset, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.OwnerWallet != strings.TrimSpace(ownerWallet) {
		return nil, fmt.Errorf("%w: caller does not own asset", ErrAssetNotFound)
	}
	if a.Status != StatusDraft {
		return nil, fmt.Errorf("%w: asset is %s", ErrInvalidStatus, a.Status)
	}
	a.Status = StatusListed
	a.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// SetStatus implements the escrow engine's catalog boundary. The status
// string must name a known asset status.
func (s *Service) SetStatus(ctx context.Context, assetID, status string) error {
	st := Status(status)
	if !validStatuses[st] {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	a, err := s.store.Get(ctx, assetID)
	if err != nil {
		return err
	}
	a.Status = st
	a.UpdatedAt = time.Now()
	return s.store.Update(ctx, a)
}

// Get returns an asset by ID.
func (s *Service) Get(ctx context.Context, id string) (*Asset, error) {
	return s.store.Get(ctx, id)
}

// GetByMint returns an asset by its NFT mint address.
func (s *Service) GetByMint(ctx context.Context, mintAddress string) (*Asset, error) {
	return s.store.GetByMint(ctx, strings.TrimSpace(mintAddress))
}

// ListByOwner returns a wallet's assets.
func (s *Service) ListByOwner(ctx context.Context, wallet string, limit int) ([]*Asset, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByOwner(ctx, strings.TrimSpace(wallet), limit)
}

// ListByStatus returns assets in the given status, newest first.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int, opts ...ListOption) ([]*Asset, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByStatus(ctx, status, limit, opts...)
}
