package offers

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory offer store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	offers map[string]*Offer
}

// NewMemoryStore creates a new in-memory offer store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offers: make(map[string]*Offer)}
}

func (s *MemoryStore) Create(_ context.Context, o *Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers[o.ID] = o.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	return o.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, o *Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.offers[o.ID]
	if !ok {
		return ErrOfferNotFound
	}
	if cur.Version != o.Version {
		return ErrConflict
	}
	o.Version++
	s.offers[o.ID] = o.Clone()
	return nil
}

func (s *MemoryStore) ListByEscrow(_ context.Context, escrowID string) ([]*Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Offer
	for _, o := range s.offers {
		if o.EscrowID == escrowID {
			result = append(result, o.Clone())
		}
	}
	sortByCreated(result)
	return result, nil
}

func (s *MemoryStore) ListActiveByEscrow(_ context.Context, escrowID string) ([]*Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Offer
	for _, o := range s.offers {
		if o.EscrowID == escrowID && o.Active() {
			result = append(result, o.Clone())
		}
	}
	sortByCreated(result)
	return result, nil
}

func (s *MemoryStore) GetActiveByBuyer(_ context.Context, escrowID, buyerWallet string) (*Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.offers {
		if o.EscrowID == escrowID && o.BuyerWallet == buyerWallet && o.Active() {
			return o.Clone(), nil
		}
	}
	return nil, ErrOfferNotFound
}

func (s *MemoryStore) ListByBuyer(_ context.Context, buyerWallet string, limit int) ([]*Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Offer
	for _, o := range s.offers {
		if o.BuyerWallet == buyerWallet {
			result = append(result, o.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Offer
	for _, o := range s.offers {
		if o.Active() && o.ExpiredAt(now) {
			result = append(result, o.Clone())
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func sortByCreated(offers []*Offer) {
	sort.Slice(offers, func(i, j int) bool {
		return offers[i].CreatedAt.Before(offers[j].CreatedAt)
	})
}
