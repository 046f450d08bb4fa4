// Package authz provides wallet authentication and admin capability
// checks.
//
// Model:
// - Public endpoints (catalog browsing, escrow reads): no auth.
// - Mutations: require an API key bound to a wallet; keys are issued
//   when a wallet first registers.
// - Admin operations: capability grants per wallet, checked through a
//   single IsAuthorized call.
package authz

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrKeyNotFound   = errors.New("API key not found")
	ErrRoleNotFound  = errors.New("no role grant for wallet")
)

// Capabilities admins can hold.
const (
	PermManageEscrows   = "manage_escrows"
	PermApproveListings = "approve_listings"
	PermArbitrate       = "arbitrate_disputes"
)

// APIKey is a wallet-bound credential. Only the SHA-256 hash is stored.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	Wallet    string     `json:"wallet"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Role is a set of capabilities granted to a wallet.
type Role struct {
	Wallet      string    `json:"wallet"`
	Permissions []string  `json:"permissions"`
	GrantedBy   string    `json:"grantedBy"`
	GrantedAt   time.Time `json:"grantedAt"`
}

// Has reports whether the role carries a permission.
func (r *Role) Has(permission string) bool {
	for _, p := range r.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// KeyStore persists API keys.
type KeyStore interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByWallet(ctx context.Context, wallet string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
}

// RoleStore persists capability grants.
type RoleStore interface {
	Upsert(ctx context.Context, role *Role) error
	Get(ctx context.Context, wallet string) (*Role, error)
	Delete(ctx context.Context, wallet string) error
	List(ctx context.Context) ([]*Role, error)
}

// Manager handles authentication and capability checks.
type Manager struct {
	keys  KeyStore
	roles RoleStore
}

// NewManager creates a new authz manager.
func NewManager(keys KeyStore, roles RoleStore) *Manager {
	return &Manager{keys: keys, roles: roles}
}

// GenerateKey creates a new API key for a wallet. The raw key is shown
// once and never stored.
func (m *Manager) GenerateKey(ctx context.Context, wallet, name string) (rawKey string, key *APIKey, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey = "atk_" + hex.EncodeToString(b)

	key = &APIKey{
		ID:        "key_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		Wallet:    strings.TrimSpace(wallet),
		Name:      name,
		CreatedAt: time.Now(),
	}
	if err := m.keys.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ValidateKey resolves a raw API key to its metadata.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)
	if !strings.HasPrefix(rawKey, "atk_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.keys.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Best-effort usage stamp.
	go func() {
		key.LastUsed = time.Now()
		_ = m.keys.Update(context.Background(), key)
	}()

	return key, nil
}

// RevokeKey disables an API key by ID for a wallet.
func (m *Manager) RevokeKey(ctx context.Context, wallet, keyID string) error {
	keys, err := m.keys.GetByWallet(ctx, strings.TrimSpace(wallet))
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.keys.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

// Grant assigns capabilities to a wallet, replacing any prior grant.
func (m *Manager) Grant(ctx context.Context, wallet, grantedBy string, permissions []string) (*Role, error) {
	role := &Role{
		Wallet:      strings.TrimSpace(wallet),
		Permissions: permissions,
		GrantedBy:   strings.TrimSpace(grantedBy),
		GrantedAt:   time.Now(),
	}
	if err := m.roles.Upsert(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

// Revoke removes all capabilities from a wallet.
func (m *Manager) Revoke(ctx context.Context, wallet string) error {
	return m.roles.Delete(ctx, strings.TrimSpace(wallet))
}

// IsAuthorized reports whether a wallet holds a capability. Unknown
// wallets simply aren't authorized; only store failures surface as
// errors.
func (m *Manager) IsAuthorized(ctx context.Context, wallet, permission string) (bool, error) {
	role, err := m.roles.Get(ctx, strings.TrimSpace(wallet))
	if err != nil {
		if errors.Is(err, ErrRoleNotFound) {
			return false, nil
		}
		return false, err
	}
	return role.Has(permission), nil
}

// ListRoles returns every capability grant.
func (m *Manager) ListRoles(ctx context.Context) ([]*Role, error) {
	return m.roles.List(ctx)
}

func hashKey(rawKey string) string {
	h := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(h[:])
}
