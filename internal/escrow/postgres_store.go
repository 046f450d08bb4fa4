package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS escrows (
			id                      VARCHAR(36) PRIMARY KEY,
			escrow_address          VARCHAR(64) NOT NULL UNIQUE,
			asset_id                VARCHAR(36) NOT NULL,
			seller_wallet           VARCHAR(64) NOT NULL,
			buyer_wallet            VARCHAR(64),
			sale_mode               VARCHAR(20) NOT NULL,
			listing_price           BIGINT NOT NULL,
			listing_price_usd       NUMERIC(20,2) NOT NULL,
			minimum_offer           BIGINT NOT NULL DEFAULT 0,
			minimum_offer_usd       NUMERIC(20,2) NOT NULL DEFAULT 0,
			accepting_offers        BOOLEAN NOT NULL DEFAULT FALSE,
			royalty_usd             NUMERIC(20,2) NOT NULL DEFAULT 0,
			status                  VARCHAR(20) NOT NULL,
			shipment                JSONB NOT NULL DEFAULT '{}',
			active_offer_count      INTEGER NOT NULL DEFAULT 0,
			highest_offer           BIGINT NOT NULL DEFAULT 0,
			accepted_offer_id       VARCHAR(36),
			confirmation            JSONB,
			settlement_proposal_ref VARCHAR(128),
			settlement_executed_at  TIMESTAMPTZ,
			funded_at               TIMESTAMPTZ,
			funded_amount           BIGINT NOT NULL DEFAULT 0,
			cancel_reason           TEXT,
			closed_at               TIMESTAMPTZ,
			version                 BIGINT NOT NULL DEFAULT 1,
			created_at              TIMESTAMPTZ DEFAULT NOW(),
			updated_at              TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_escrows_active_asset ON escrows(asset_id)
			WHERE status NOT IN ('released', 'cancelled', 'failed', 'converted');
		CREATE INDEX IF NOT EXISTS idx_escrows_seller ON escrows(seller_wallet);
		CREATE INDEX IF NOT EXISTS idx_escrows_buyer ON escrows(buyer_wallet) WHERE buyer_wallet IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_escrows_status ON escrows(status);
	`)
	return err
}

const escrowColumns = `id, escrow_address, asset_id, seller_wallet, buyer_wallet,
		sale_mode, listing_price, listing_price_usd, minimum_offer, minimum_offer_usd,
		accepting_offers, royalty_usd, status, shipment, active_offer_count,
		highest_offer, accepted_offer_id, confirmation, settlement_proposal_ref,
		settlement_executed_at, funded_at, funded_amount, cancel_reason, closed_at,
		version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	shipmentJSON, err := json.Marshal(e.Shipment)
	if err != nil {
		return err
	}
	var confirmationJSON []byte
	if e.Confirmation != nil {
		confirmationJSON, err = json.Marshal(e.Confirmation)
		if err != nil {
			return err
		}
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24, $25, $26, $27
		)`,
		e.ID, e.EscrowAddress, e.AssetID, e.SellerWallet, nullString(e.BuyerWallet),
		string(e.SaleMode), e.ListingPrice, e.ListingPriceUSD, e.MinimumOffer, e.MinimumOfferUSD,
		e.AcceptingOffers, e.RoyaltyUSD, string(e.Status), shipmentJSON, e.ActiveOfferCount,
		e.HighestOffer, nullString(e.AcceptedOfferID), nullBytes(confirmationJSON), nullString(e.SettlementProposalRef),
		nullTime(e.SettlementExecutedAt), nullTime(e.FundedAt), e.FundedAmount, nullString(e.CancelReason), nullTime(e.ClosedAt),
		e.Version, e.CreatedAt, e.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDuplicateEscrow
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) GetActiveByAsset(ctx context.Context, assetID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE asset_id = $1
		  AND status NOT IN ('released', 'cancelled', 'failed', 'converted')`, assetID)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// Update commits the record only when the stored version still matches the
// caller's copy, then bumps it. Zero rows affected means a concurrent
// writer got there first.
func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	shipmentJSON, err := json.Marshal(e.Shipment)
	if err != nil {
		return err
	}
	var confirmationJSON []byte
	if e.Confirmation != nil {
		confirmationJSON, err = json.Marshal(e.Confirmation)
		if err != nil {
			return err
		}
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			buyer_wallet = $1, listing_price = $2, listing_price_usd = $3,
			minimum_offer = $4, minimum_offer_usd = $5, accepting_offers = $6,
			royalty_usd = $7, status = $8, shipment = $9, active_offer_count = $10,
			highest_offer = $11, accepted_offer_id = $12, confirmation = $13,
			settlement_proposal_ref = $14, settlement_executed_at = $15,
			funded_at = $16, funded_amount = $17, cancel_reason = $18,
			closed_at = $19, version = version + 1, updated_at = $20
		WHERE id = $21 AND version = $22`,
		nullString(e.BuyerWallet), e.ListingPrice, e.ListingPriceUSD,
		e.MinimumOffer, e.MinimumOfferUSD, e.AcceptingOffers,
		e.RoyaltyUSD, string(e.Status), shipmentJSON, e.ActiveOfferCount,
		e.HighestOffer, nullString(e.AcceptedOfferID), nullBytes(confirmationJSON),
		nullString(e.SettlementProposalRef), nullTime(e.SettlementExecutedAt),
		nullTime(e.FundedAt), e.FundedAmount, nullString(e.CancelReason),
		nullTime(e.ClosedAt), e.UpdatedAt,
		e.ID, e.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing record from a version race.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM escrows WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrEscrowNotFound
		}
		return ErrConflict
	}
	e.Version++
	return nil
}

func (p *PostgresStore) ListBySeller(ctx context.Context, wallet string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE seller_wallet = $1
		ORDER BY created_at DESC
		LIMIT $2`, wallet, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, wallet string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE buyer_wallet = $1
		ORDER BY created_at DESC
		LIMIT $2`, wallet, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(row rowScanner) (*Escrow, error) {
	var e Escrow
	var buyerWallet, acceptedOfferID, settlementRef, cancelReason sql.NullString
	var saleMode, status string
	var shipmentJSON []byte
	var confirmationJSON []byte
	var settlementExecutedAt, fundedAt, closedAt sql.NullTime

	err := row.Scan(
		&e.ID, &e.EscrowAddress, &e.AssetID, &e.SellerWallet, &buyerWallet,
		&saleMode, &e.ListingPrice, &e.ListingPriceUSD, &e.MinimumOffer, &e.MinimumOfferUSD,
		&e.AcceptingOffers, &e.RoyaltyUSD, &status, &shipmentJSON, &e.ActiveOfferCount,
		&e.HighestOffer, &acceptedOfferID, &confirmationJSON, &settlementRef,
		&settlementExecutedAt, &fundedAt, &e.FundedAmount, &cancelReason, &closedAt,
		&e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.BuyerWallet = buyerWallet.String
	e.SaleMode = SaleMode(saleMode)
	e.Status = Status(status)
	e.AcceptedOfferID = acceptedOfferID.String
	e.SettlementProposalRef = settlementRef.String
	e.CancelReason = cancelReason.String
	if settlementExecutedAt.Valid {
		e.SettlementExecutedAt = &settlementExecutedAt.Time
	}
	if fundedAt.Valid {
		e.FundedAt = &fundedAt.Time
	}
	if closedAt.Valid {
		e.ClosedAt = &closedAt.Time
	}
	if len(shipmentJSON) > 0 {
		if err := json.Unmarshal(shipmentJSON, &e.Shipment); err != nil {
			return nil, err
		}
	}
	if len(confirmationJSON) > 0 {
		var conf DeliveryConfirmation
		if err := json.Unmarshal(confirmationJSON, &conf); err != nil {
			return nil, err
		}
		e.Confirmation = &conf
	}
	return &e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
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

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
