package assets

import (
	"context"
	"sort"
	"sync"

	"github.com/atelierhq/atelier/internal/pagination"
)

// MemoryStore is an in-memory asset store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	assets map[string]*Asset
	byMint map[string]string // mint address -> asset ID
}

// NewMemoryStore creates a new in-memory asset store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets: make(map[string]*Asset),
		byMint: make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Create(_ context.Context, a *Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byMint[a.MintAddress]; exists {
		return ErrAssetExists
	}
	cp := *a
	s.assets[a.ID] = &cp
	s.byMint[a.MintAddress] = a.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[id]
	if !ok {
		return nil, ErrAssetNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) GetByMint(_ context.Context, mintAddress string) (*Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byMint[mintAddress]
	if !ok {
		return nil, ErrAssetNotFound
	}
	cp := *s.assets[id]
	return &cp, nil
}

func (s *MemoryStore) Update(_ context.Context, a *Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assets[a.ID]; !ok {
		return ErrAssetNotFound
	}
	cp := *a
	s.assets[a.ID] = &cp
	return nil
}

func (s *MemoryStore) ListByOwner(_ context.Context, wallet string, limit int) ([]*Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Asset
	for _, a := range s.assets {
		if a.OwnerWallet == wallet {
			cp := *a
			result = append(result, &cp)
		}
	}
	sortNewest(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int, opts ...ListOption) ([]*Asset, error) {
	o := applyListOpts(opts)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Asset
	for _, a := range s.assets {
		if a.Status != status {
			continue
		}
		if o.cursor != nil && !beforeCursor(a, o.cursor) {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}
	sortNewest(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// beforeCursor reports whether a sorts strictly after the cursor position
// in newest-first order.
func beforeCursor(a *Asset, c *pagination.Cursor) bool {
	if a.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return a.CreatedAt.Equal(c.CreatedAt) && a.ID < c.ID
}

func sortNewest(list []*Asset) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}
