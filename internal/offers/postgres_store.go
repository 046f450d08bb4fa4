package offers

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// PostgresStore persists offer data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed offer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS offers (
			id               VARCHAR(36) PRIMARY KEY,
			escrow_id        VARCHAR(36) NOT NULL,
			buyer_wallet     VARCHAR(64) NOT NULL,
			amount           BIGINT NOT NULL,
			amount_usd       NUMERIC(20,2) NOT NULL,
			message          TEXT,
			shipping_address JSONB NOT NULL,
			counter_offers   JSONB NOT NULL DEFAULT '[]',
			status           VARCHAR(20) NOT NULL,
			rejection_reason TEXT,
			expires_at       TIMESTAMPTZ,
			responded_at     TIMESTAMPTZ,
			version          BIGINT NOT NULL DEFAULT 1,
			created_at       TIMESTAMPTZ DEFAULT NOW(),
			updated_at       TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_offers_escrow ON offers(escrow_id);
		CREATE INDEX IF NOT EXISTS idx_offers_buyer ON offers(buyer_wallet);
		CREATE INDEX IF NOT EXISTS idx_offers_active ON offers(escrow_id, buyer_wallet)
			WHERE status IN ('pending', 'countered');
		CREATE INDEX IF NOT EXISTS idx_offers_expiry ON offers(expires_at)
			WHERE status IN ('pending', 'countered') AND expires_at IS NOT NULL;
	`)
	return err
}

const offerColumns = `id, escrow_id, buyer_wallet, amount, amount_usd, message,
		shipping_address, counter_offers, status, rejection_reason, expires_at,
		responded_at, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Offer) error {
	addressJSON, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return err
	}
	countersJSON, err := marshalCounters(o.CounterOffers)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO offers (`+offerColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)`,
		o.ID, o.EscrowID, o.BuyerWallet, o.Amount, o.AmountUSD, nullString(o.Message),
		addressJSON, countersJSON, string(o.Status), nullString(o.RejectionReason), nullTime(o.ExpiresAt),
		nullTime(o.RespondedAt), o.Version, o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id)

	o, err := scanOffer(row)
	if err == sql.ErrNoRows {
		return nil, ErrOfferNotFound
	}
	return o, err
}

// Update commits the record only when the stored version still matches
// the caller's copy, then bumps it.
func (p *PostgresStore) Update(ctx context.Context, o *Offer) error {
	countersJSON, err := marshalCounters(o.CounterOffers)
	if err != nil {
		return err
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE offers SET
			counter_offers = $1, status = $2, rejection_reason = $3,
			responded_at = $4, version = version + 1, updated_at = $5
		WHERE id = $6 AND version = $7`,
		countersJSON, string(o.Status), nullString(o.RejectionReason),
		nullTime(o.RespondedAt), o.UpdatedAt,
		o.ID, o.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM offers WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrOfferNotFound
		}
		return ErrConflict
	}
	o.Version++
	return nil
}

func (p *PostgresStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE escrow_id = $1
		ORDER BY created_at ASC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOffers(rows)
}

func (p *PostgresStore) ListActiveByEscrow(ctx context.Context, escrowID string) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE escrow_id = $1 AND status IN ('pending', 'countered')
		ORDER BY created_at ASC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOffers(rows)
}

func (p *PostgresStore) GetActiveByBuyer(ctx context.Context, escrowID, buyerWallet string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE escrow_id = $1 AND buyer_wallet = $2 AND status IN ('pending', 'countered')
		LIMIT 1`, escrowID, buyerWallet)

	o, err := scanOffer(row)
	if err == sql.ErrNoRows {
		return nil, ErrOfferNotFound
	}
	return o, err
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerWallet string, limit int) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE buyer_wallet = $1
		ORDER BY created_at DESC
		LIMIT $2`, buyerWallet, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOffers(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE status IN ('pending', 'countered')
		  AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOffers(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOffer(row rowScanner) (*Offer, error) {
	var o Offer
	var message, rejectionReason sql.NullString
	var status string
	var addressJSON, countersJSON []byte
	var expiresAt, respondedAt sql.NullTime

	err := row.Scan(
		&o.ID, &o.EscrowID, &o.BuyerWallet, &o.Amount, &o.AmountUSD, &message,
		&addressJSON, &countersJSON, &status, &rejectionReason, &expiresAt,
		&respondedAt, &o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Message = message.String
	o.Status = Status(status)
	o.RejectionReason = rejectionReason.String
	if expiresAt.Valid {
		o.ExpiresAt = &expiresAt.Time
	}
	if respondedAt.Valid {
		o.RespondedAt = &respondedAt.Time
	}
	if len(addressJSON) > 0 {
		if err := json.Unmarshal(addressJSON, &o.ShippingAddress); err != nil {
			return nil, err
		}
	}
	if len(countersJSON) > 0 {
		if err := json.Unmarshal(countersJSON, &o.CounterOffers); err != nil {
			return nil, err
		}
	}
	return &o, nil
}

func scanOffers(rows *sql.Rows) ([]*Offer, error) {
	var result []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func marshalCounters(counters []CounterOffer) ([]byte, error) {
	if counters == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(counters)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
