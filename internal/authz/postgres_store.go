package authz

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresKeyStore persists API keys in PostgreSQL.
type PostgresKeyStore struct {
	db *sql.DB
}

// NewPostgresKeyStore creates a new PostgreSQL-backed key store.
func NewPostgresKeyStore(db *sql.DB) *PostgresKeyStore {
	return &PostgresKeyStore{db: db}
}

var _ KeyStore = (*PostgresKeyStore)(nil)

func (p *PostgresKeyStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS api_keys (
			id         VARCHAR(36) PRIMARY KEY,
			hash       VARCHAR(64) NOT NULL UNIQUE,
			wallet     VARCHAR(64) NOT NULL,
			name       VARCHAR(100),
			created_at TIMESTAMPTZ DEFAULT NOW(),
			last_used  TIMESTAMPTZ,
			expires_at TIMESTAMPTZ,
			revoked    BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS idx_api_keys_wallet ON api_keys(wallet);
	`)
	return err
}

func (p *PostgresKeyStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, wallet, name, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Hash, key.Wallet, key.Name, key.CreatedAt, nullTime(key.ExpiresAt), key.Revoked,
	)
	return err
}

func (p *PostgresKeyStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, hash, wallet, name, created_at, last_used, expires_at, revoked
		FROM api_keys WHERE hash = $1`, hash)
	return scanKey(row)
}

func (p *PostgresKeyStore) GetByWallet(ctx context.Context, wallet string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, hash, wallet, name, created_at, last_used, expires_at, revoked
		FROM api_keys WHERE wallet = $1`, wallet)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, key)
	}
	return result, rows.Err()
}

func (p *PostgresKeyStore) Update(ctx context.Context, key *APIKey) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used = $1, revoked = $2 WHERE id = $3`,
		key.LastUsed, key.Revoked, key.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrKeyNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanKey(row rowScanner) (*APIKey, error) {
	var key APIKey
	var name sql.NullString
	var lastUsed, expiresAt sql.NullTime

	err := row.Scan(&key.ID, &key.Hash, &key.Wallet, &name, &key.CreatedAt, &lastUsed, &expiresAt, &key.Revoked)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}

	key.Name = name.String
	if lastUsed.Valid {
		key.LastUsed = lastUsed.Time
	}
	if expiresAt.Valid {
		key.ExpiresAt = &expiresAt.Time
	}
	return &key, nil
}

// PostgresRoleStore persists capability grants in PostgreSQL.
type PostgresRoleStore struct {
	db *sql.DB
}

// NewPostgresRoleStore creates a new PostgreSQL-backed role store.
func NewPostgresRoleStore(db *sql.DB) *PostgresRoleStore {
	return &PostgresRoleStore{db: db}
}

var _ RoleStore = (*PostgresRoleStore)(nil)

func (p *PostgresRoleStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS admin_roles (
			wallet      VARCHAR(64) PRIMARY KEY,
			permissions TEXT[] NOT NULL,
			granted_by  VARCHAR(64) NOT NULL,
			granted_at  TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}

func (p *PostgresRoleStore) Upsert(ctx context.Context, role *Role) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO admin_roles (wallet, permissions, granted_by, granted_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (wallet) DO UPDATE SET
			permissions = EXCLUDED.permissions,
			granted_by = EXCLUDED.granted_by,
			granted_at = EXCLUDED.granted_at`,
		role.Wallet, pq.Array(role.Permissions), role.GrantedBy, role.GrantedAt,
	)
	return err
}

func (p *PostgresRoleStore) Get(ctx context.Context, wallet string) (*Role, error) {
	var role Role
	err := p.db.QueryRowContext(ctx, `
		SELECT wallet, permissions, granted_by, granted_at
		FROM admin_roles WHERE wallet = $1`, wallet).
		Scan(&role.Wallet, pq.Array(&role.Permissions), &role.GrantedBy, &role.GrantedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRoleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &role, nil
}

func (p *PostgresRoleStore) Delete(ctx context.Context, wallet string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM admin_roles WHERE wallet = $1`, wallet)
	return err
}

func (p *PostgresRoleStore) List(ctx context.Context) ([]*Role, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT wallet, permissions, granted_by, granted_at FROM admin_roles`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.Wallet, pq.Array(&role.Permissions), &role.GrantedBy, &role.GrantedAt); err != nil {
			return nil, err
		}
		result = append(result, &role)
	}
	return result, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
