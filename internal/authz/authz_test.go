package authz

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

const testWallet = "7Np41oeYqPefeNQEHSv1UDhYrehxin3NStELsSKCT4K2"

func newTestManager() *Manager {
	return NewManager(NewMemoryKeyStore(), NewMemoryRoleStore())
}

func TestGenerateAndValidateKey(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	rawKey, key, err := m.GenerateKey(ctx, testWallet, "trading bot")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(rawKey, "atk_") {
		t.Errorf("raw key prefix = %q", rawKey[:4])
	}
	if key.Hash == rawKey {
		t.Error("raw key stored verbatim")
	}

	got, err := m.ValidateKey(ctx, "Bearer "+rawKey)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got.Wallet != testWallet {
		t.Errorf("wallet = %q, want %q", got.Wallet, testWallet)
	}
}

func TestValidateKeyRejections(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	if _, err := m.ValidateKey(ctx, ""); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("empty key: got %v, want ErrNoAPIKey", err)
	}
	if _, err := m.ValidateKey(ctx, "sk_wrong_prefix"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("bad prefix: got %v, want ErrInvalidAPIKey", err)
	}
	if _, err := m.ValidateKey(ctx, "atk_deadbeef"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("unknown key: got %v, want ErrInvalidAPIKey", err)
	}
}

func TestExpiredKeyRejected(t *testing.T) {
	keys := NewMemoryKeyStore()
	m := NewManager(keys, NewMemoryRoleStore())
	ctx := context.Background()

	rawKey, key, err := m.GenerateKey(ctx, testWallet, "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	past := time.Now().Add(-time.Hour)
	key.ExpiresAt = &past
	if err := keys.Update(ctx, key); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := m.ValidateKey(ctx, rawKey); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expired key: got %v, want ErrInvalidAPIKey", err)
	}
}

func TestRevokeKey(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	rawKey, key, err := m.GenerateKey(ctx, testWallet, "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if err := m.RevokeKey(ctx, testWallet, "key_nope"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("unknown id: got %v, want ErrKeyNotFound", err)
	}
	if err := m.RevokeKey(ctx, testWallet, key.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := m.ValidateKey(ctx, rawKey); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("revoked key: got %v, want ErrInvalidAPIKey", err)
	}
}

func TestGrantAndAuthorize(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	ok, err := m.IsAuthorized(ctx, testWallet, PermManageEscrows)
	if err != nil || ok {
		t.Fatalf("ungranted wallet: ok=%v err=%v", ok, err)
	}

	if _, err := m.Grant(ctx, testWallet, "ops", []string{PermManageEscrows, PermApproveListings}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	ok, err = m.IsAuthorized(ctx, testWallet, PermManageEscrows)
	if err != nil || !ok {
		t.Fatalf("granted capability: ok=%v err=%v", ok, err)
	}
	ok, _ = m.IsAuthorized(ctx, testWallet, PermArbitrate)
	if ok {
		t.Error("wallet authorized for an ungranted capability")
	}

	if err := m.Revoke(ctx, testWallet); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	ok, _ = m.IsAuthorized(ctx, testWallet, PermManageEscrows)
	if ok {
		t.Error("wallet still authorized after revoke")
	}
}

func TestRequirePermissionMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	m := newTestManager()
	ctx := context.Background()
	rawKey, _, err := m.GenerateKey(ctx, testWallet, "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	r := gin.New()
	r.Use(Middleware(m))
	r.GET("/admin", RequirePermission(m, PermManageEscrows), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"wallet": c.GetString(ContextKeyWallet)})
	})

	do := func(key string) int {
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := do(""); code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", code)
	}
	if code := do(rawKey); code != http.StatusForbidden {
		t.Errorf("no capability: status = %d, want 403", code)
	}

	if _, err := m.Grant(ctx, testWallet, "ops", []string{PermManageEscrows}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if code := do(rawKey); code != http.StatusOK {
		t.Errorf("granted: status = %d, want 200", code)
	}
}
