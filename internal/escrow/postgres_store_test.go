package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atelierhq/atelier/internal/testutil"
)

func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	db := testutil.StartPostgres(t)
	store := NewPostgresStore(db)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func pgEscrow(id, assetID string) *Escrow {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Escrow{
		ID:              id,
		EscrowAddress:   "vault_" + id,
		AssetID:         assetID,
		SellerWallet:    "7Np41oeYqPefeNQEHSv1UDhYrehxin3NStELsSKCT4K2",
		SaleMode:        SaleModeAcceptingOffers,
		ListingPrice:    100_000_000_000,
		ListingPriceUSD: 10000,
		MinimumOffer:    50_000_000_000,
		MinimumOfferUSD: 5000,
		AcceptingOffers: true,
		RoyaltyUSD:      300,
		Status:          StatusListed,
		Shipment:        Shipment{Status: ShipmentPending},
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()

	e := pgEscrow("esc_pg1", "ast_pg1")
	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, "esc_pg1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.EscrowAddress != e.EscrowAddress {
		t.Errorf("escrow address = %q", got.EscrowAddress)
	}
	if got.ListingPrice != e.ListingPrice || got.ListingPriceUSD != e.ListingPriceUSD {
		t.Errorf("price = %d / %.2f", got.ListingPrice, got.ListingPriceUSD)
	}
	if got.Shipment.Status != ShipmentPending {
		t.Errorf("shipment status = %s", got.Shipment.Status)
	}
	if got.Version != 1 {
		t.Errorf("version = %d", got.Version)
	}

	if _, err := store.Get(ctx, "esc_missing"); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("missing escrow: %v", err)
	}
}

func TestPostgresStoreActiveByAsset(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()

	e := pgEscrow("esc_pg2", "ast_pg2")
	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetActiveByAsset(ctx, "ast_pg2")
	if err != nil {
		t.Fatalf("active by asset: %v", err)
	}
	if got.ID != "esc_pg2" {
		t.Errorf("id = %s", got.ID)
	}

	// Closing the escrow frees the asset for a new sale attempt.
	got.Status = StatusCancelled
	got.CancelReason = "changed my mind"
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := store.GetActiveByAsset(ctx, "ast_pg2"); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("cancelled escrow still active: %v", err)
	}

	if err := store.Create(ctx, pgEscrow("esc_pg2b", "ast_pg2")); err != nil {
		t.Fatalf("re-list after cancel: %v", err)
	}
}

func TestPostgresStoreVersionConflict(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, pgEscrow("esc_pg3", "ast_pg3")); err != nil {
		t.Fatalf("create: %v", err)
	}

	a, _ := store.Get(ctx, "esc_pg3")
	b, _ := store.Get(ctx, "esc_pg3")

	a.Status = StatusOfferAccepted
	a.BuyerWallet = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	if err := store.Update(ctx, a); err != nil {
		t.Fatalf("first update: %v", err)
	}

	b.Status = StatusCancelled
	if err := store.Update(ctx, b); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale update: got %v, want ErrConflict", err)
	}

	got, _ := store.Get(ctx, "esc_pg3")
	if got.Status != StatusOfferAccepted {
		t.Errorf("status = %s, first writer should win", got.Status)
	}
	if got.Version != 2 {
		t.Errorf("version = %d, want 2", got.Version)
	}
}

func TestPostgresStoreJSONFields(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()

	e := pgEscrow("esc_pg4", "ast_pg4")
	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, _ := store.Get(ctx, "esc_pg4")
	now := time.Now().UTC().Truncate(time.Millisecond)
	got.Shipment = Shipment{
		Status:         ShipmentProofSubmitted,
		Carrier:        "fedex",
		TrackingNumber: "TRACK123",
		ProofURLs:      []string{"https://cdn.example.com/proof1.jpg"},
		SubmittedAt:    &now,
		RejectionHistory: []ShipmentRejection{{
			Reason:         "blurry photo",
			Carrier:        "ups",
			TrackingNumber: "OLD1",
			ProofURLs:      []string{"https://cdn.example.com/old.jpg"},
			RejectedBy:     "admin1",
			RejectedAt:     now,
		}},
	}
	got.Confirmation = &DeliveryConfirmation{
		ConfirmedBy: "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM",
		Type:        ConfirmedByBuyer,
		ConfirmedAt: now,
		Rating:      5,
	}
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}

	back, _ := store.Get(ctx, "esc_pg4")
	if back.Shipment.Carrier != "fedex" || back.Shipment.TrackingNumber != "TRACK123" {
		t.Errorf("shipment = %+v", back.Shipment)
	}
	if len(back.Shipment.RejectionHistory) != 1 || back.Shipment.RejectionHistory[0].Reason != "blurry photo" {
		t.Errorf("rejection history = %+v", back.Shipment.RejectionHistory)
	}
	if back.Confirmation == nil || back.Confirmation.Rating != 5 {
		t.Errorf("confirmation = %+v", back.Confirmation)
	}
}

func TestPostgresStoreLists(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()

	for i, id := range []string{"esc_l1", "esc_l2", "esc_l3"} {
		e := pgEscrow(id, "ast_l"+string(rune('1'+i)))
		if err := store.Create(ctx, e); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	bySeller, err := store.ListBySeller(ctx, "7Np41oeYqPefeNQEHSv1UDhYrehxin3NStELsSKCT4K2", 10)
	if err != nil {
		t.Fatalf("list by seller: %v", err)
	}
	if len(bySeller) != 3 {
		t.Errorf("seller escrows = %d, want 3", len(bySeller))
	}

	listed, err := store.ListByStatus(ctx, StatusListed, 2)
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(listed) != 2 {
		t.Errorf("limit not honored, got %d", len(listed))
	}
}
