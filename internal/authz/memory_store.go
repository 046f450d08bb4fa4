package authz

import (
	"context"
	"sync"
)

// MemoryKeyStore is an in-memory API key store.
type MemoryKeyStore struct {
	mu     sync.RWMutex
	byHash map[string]*APIKey
}

// NewMemoryKeyStore creates a new in-memory key store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{byHash: make(map[string]*APIKey)}
}

var _ KeyStore = (*MemoryKeyStore)(nil)

func (s *MemoryKeyStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.byHash[key.Hash] = &cp
	return nil
}

func (s *MemoryKeyStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byHash[hash]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *key
	return &cp, nil
}

func (s *MemoryKeyStore) GetByWallet(_ context.Context, wallet string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, key := range s.byHash {
		if key.Wallet == wallet {
			cp := *key
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryKeyStore) Update(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[key.Hash]; !ok {
		return ErrKeyNotFound
	}
	cp := *key
	s.byHash[key.Hash] = &cp
	return nil
}

// MemoryRoleStore is an in-memory capability grant store.
type MemoryRoleStore struct {
	mu    sync.RWMutex
	roles map[string]*Role
}

// NewMemoryRoleStore creates a new in-memory role store.
func NewMemoryRoleStore() *MemoryRoleStore {
	return &MemoryRoleStore{roles: make(map[string]*Role)}
}

var _ RoleStore = (*MemoryRoleStore)(nil)

func (s *MemoryRoleStore) Upsert(_ context.Context, role *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *role
	cp.Permissions = append([]string(nil), role.Permissions...)
	s.roles[role.Wallet] = &cp
	return nil
}

func (s *MemoryRoleStore) Get(_ context.Context, wallet string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[wallet]
	if !ok {
		return nil, ErrRoleNotFound
	}
	cp := *role
	cp.Permissions = append([]string(nil), role.Permissions...)
	return &cp, nil
}

func (s *MemoryRoleStore) Delete(_ context.Context, wallet string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roles, wallet)
	return nil
}

func (s *MemoryRoleStore) List(_ context.Context) ([]*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Role
	for _, role := range s.roles {
		cp := *role
		cp.Permissions = append([]string(nil), role.Permissions...)
		result = append(result, &cp)
	}
	return result, nil
}
