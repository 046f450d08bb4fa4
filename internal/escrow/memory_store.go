package escrow

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Escrow
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// One active escrow per asset, enforced at write time.
	for _, existing := range m.escrows {
		if existing.AssetID == e.AssetID && !existing.IsTerminal() {
			return ErrDuplicateEscrow
		}
	}
	m.escrows[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryStore) GetActiveByAsset(ctx context.Context, assetID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.escrows {
		if e.AssetID == assetID && !e.IsTerminal() {
			return e.Clone(), nil
		}
	}
	return nil, ErrEscrowNotFound
}

// Update applies a compare-and-swap on Version: the stored version must
// match the caller's copy or the write is rejected with ErrConflict.
func (m *MemoryStore) Update(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if current.Version != e.Version {
		return ErrConflict
	}
	e.Version++
	m.escrows[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStore) ListBySeller(ctx context.Context, wallet string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.SellerWallet == wallet {
			result = append(result, e.Clone())
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByBuyer(ctx context.Context, wallet string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.BuyerWallet == wallet {
			result = append(result, e.Clone())
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == status {
			result = append(result, e.Clone())
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}
