package assets

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists asset data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed asset store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS assets (
			id             VARCHAR(36) PRIMARY KEY,
			mint_address   VARCHAR(64) NOT NULL UNIQUE,
			owner_wallet   VARCHAR(64) NOT NULL,
			name           VARCHAR(200) NOT NULL,
			brand          VARCHAR(100),
			category       VARCHAR(30) NOT NULL,
			description    TEXT,
			appraisal_usd  NUMERIC(20,2) NOT NULL DEFAULT 0,
			vault_location VARCHAR(100),
			metadata_uri   TEXT,
			status         VARCHAR(20) NOT NULL,
			created_at     TIMESTAMPTZ DEFAULT NOW(),
			updated_at     TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_assets_owner ON assets(owner_wallet);
		CREATE INDEX IF NOT EXISTS idx_assets_status ON assets(status);
	`)
	return err
}

const assetColumns = `id, mint_address, owner_wallet, name, brand, category,
		description, appraisal_usd, vault_location, metadata_uri, status,
		created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, a *Asset) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO assets (`+assetColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)`,
		a.ID, a.MintAddress, a.OwnerWallet, a.Name, nullString(a.Brand), a.Category,
		nullString(a.Description), a.AppraisalUSD, nullString(a.VaultLocation), nullString(a.MetadataURI), string(a.Status),
		a.CreatedAt, a.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrAssetExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Asset, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = $1`, id)
	a, err := scanAsset(row)
	if err == sql.ErrNoRows {
		return nil, ErrAssetNotFound
	}
	return a, err
}

func (p *PostgresStore) GetByMint(ctx context.Context, mintAddress string) (*Asset, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE mint_address = $1`, mintAddress)
	a, err := scanAsset(row)
	if err == sql.ErrNoRows {
		return nil, ErrAssetNotFound
	}
	return a, err
}

func (p *PostgresStore) Update(ctx context.Context, a *Asset) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE assets SET
			owner_wallet = $1, name = $2, brand = $3, category = $4,
			description = $5, appraisal_usd = $6, vault_location = $7,
			metadata_uri = $8, status = $9, updated_at = $10
		WHERE id = $11`,
		a.OwnerWallet, a.Name, nullString(a.Brand), a.Category,
		nullString(a.Description), a.AppraisalUSD, nullString(a.VaultLocation),
		nullString(a.MetadataURI), string(a.Status), a.UpdatedAt,
		a.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAssetNotFound
	}
	return nil
}

func (p *PostgresStore) ListByOwner(ctx context.Context, wallet string, limit int) ([]*Asset, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+assetColumns+` FROM assets
		WHERE owner_wallet = $1
		ORDER BY created_at DESC
		LIMIT $2`, wallet, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanAssets(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int, opts ...ListOption) ([]*Asset, error) {
	o := applyListOpts(opts)

	query := `
		SELECT ` + assetColumns + ` FROM assets
		WHERE status = $1`
	args := []interface{}{string(status)}

	if o.cursor != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, o.cursor.CreatedAt, o.cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanAssets(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAsset(row rowScanner) (*Asset, error) {
	var a Asset
	var brand, description, vaultLocation, metadataURI sql.NullString
	var status string

	err := row.Scan(
		&a.ID, &a.MintAddress, &a.OwnerWallet, &a.Name, &brand, &a.Category,
		&description, &a.AppraisalUSD, &vaultLocation, &metadataURI, &status,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Brand = brand.String
	a.Description = description.String
	a.VaultLocation = vaultLocation.String
	a.MetadataURI = metadataURI.String
	a.Status = Status(status)
	return &a, nil
}

func scanAssets(rows *sql.Rows) ([]*Asset, error) {
	var result []*Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
