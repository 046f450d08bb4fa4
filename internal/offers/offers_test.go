package offers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atelierhq/atelier/internal/escrow"
	"github.com/atelierhq/atelier/internal/pricing"
)

const (
	sellerWallet = "7Np41oeYqPefeNQEHSv1UDhYrehxin3NStELsSKCT4K2"
	buyerA       = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	buyerB       = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"
	buyerC       = "3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy4sJ4K2PmVJ"
	vaultAddress = "FvwEAhmxKfeiG8SnEvq42hc6whRyY3EFnQVhi2Eb1aBc"
)

const lamports = int64(1_000_000_000) // per SOL

type noopCatalog struct{}

func (noopCatalog) SetStatus(context.Context, string, string) error { return nil }

// Rate of 100 keeps the USD figures round: 90 SOL = $9,000.
func newTestServices(t *testing.T) (*Service, *escrow.Service) {
	t.Helper()
	conv, err := pricing.NewConverter(100)
	if err != nil {
		t.Fatalf("NewConverter: %v", err)
	}
	escrows := escrow.NewService(escrow.NewMemoryStore(), noopCatalog{}, conv)
	return NewService(NewMemoryStore(), escrows), escrows
}

// newListedEscrow creates a $10,000 listing with a $5,000 minimum offer.
func newListedEscrow(t *testing.T, escrows *escrow.Service) *escrow.Escrow {
	t.Helper()
	ctx := context.Background()
	e, err := escrows.Create(ctx, escrow.CreateRequest{
		AssetID:       "asset_1",
		SellerWallet:  sellerWallet,
		EscrowAddress: vaultAddress,
		SaleMode:      escrow.SaleModeAcceptingOffers,
		ListingPrice:  100 * lamports,
		MinimumOffer:  50 * lamports,
	})
	if err != nil {
		t.Fatalf("Create escrow: %v", err)
	}
	e, err = escrows.MarkListed(ctx, e.ID, sellerWallet)
	if err != nil {
		t.Fatalf("MarkListed: %v", err)
	}
	return e
}

func testAddress() ShippingAddress {
	return ShippingAddress{
		Name:       "Avery Collector",
		Line1:      "12 Rue de la Paix",
		City:       "Geneva",
		PostalCode: "1201",
		Country:    "CH",
	}
}

func mustOffer(t *testing.T, svc *Service, escrowID, buyer string, amount int64) *Offer {
	t.Helper()
	o, err := svc.Create(context.Background(), CreateRequest{
		EscrowID:        escrowID,
		BuyerWallet:     buyer,
		Amount:          amount,
		ShippingAddress: testAddress(),
	})
	if err != nil {
		t.Fatalf("Create offer: %v", err)
	}
	return o
}

func TestAcceptAutoRejectsCompetingOffers(t *testing.T) {
	svc, escrows := newTestServices(t)
	ctx := context.Background()
	e := newListedEscrow(t, escrows)

	offerA := mustOffer(t, svc, e.ID, buyerA, 90*lamports) // $9,000
	offerB := mustOffer(t, svc, e.ID, buyerB, 95*lamports) // $9,500

	e, _ = escrows.Get(ctx, e.ID)
	if e.ActiveOfferCount != 2 {
		t.Errorf("activeOfferCount = %d, want 2", e.ActiveOfferCount)
	}
	if e.HighestOffer != 95*lamports {
		t.Errorf("highestOffer = %d, want %d", e.HighestOffer, 95*lamports)
	}

	// Vendor may accept any active offer, not only the highest.
	accepted, err := svc.VendorRespond(ctx, offerA.ID, sellerWallet, VendorResponse{Action: VendorAccept})
	if err != nil {
		t.Fatalf("VendorRespond accept: %v", err)
	}
	if accepted.Status != StatusAccepted {
		t.Errorf("offer A status = %s, want accepted", accepted.Status)
	}

	e, _ = escrows.Get(ctx, e.ID)
	if e.Status != escrow.StatusOfferAccepted {
		t.Errorf("escrow status = %s, want offer_accepted", e.Status)
	}
	if e.BuyerWallet != buyerA {
		t.Errorf("buyer = %q, want %q", e.BuyerWallet, buyerA)
	}
	if e.AcceptedOfferID != offerA.ID {
		t.Errorf("acceptedOfferId = %q, want %q", e.AcceptedOfferID, offerA.ID)
	}
	if e.ListingPriceUSD != 9000 {
		t.Errorf("listing USD = %v, want 9000 (re-priced to accepted offer)", e.ListingPriceUSD)
	}
	if e.RoyaltyUSD != 270 {
		t.Errorf("royalty = %v, want 270", e.RoyaltyUSD)
	}

	b, _ := svc.Get(ctx, offerB.ID)
	if b.Status != StatusAutoRejected {
		t.Errorf("offer B status = %s, want auto_rejected", b.Status)
	}
	if e.ActiveOfferCount != 0 {
		t.Errorf("activeOfferCount after accept = %d, want 0", e.ActiveOfferCount)
	}
}

func TestSweepLeavesNoActiveOffers(t *testing.T) {
	svc, escrows := newTestServices(t)
	ctx := context.Background()
	e := newListedEscrow(t, escrows)

	target := mustOffer(t, svc, e.ID, buyerA, 90*lamports)
	mustOffer(t, svc, e.ID, buyerB, 80*lamports)
	mustOffer(t, svc, e.ID, buyerC, 70*lamports)

	if _, err := svc.VendorRespond(ctx, target.ID, sellerWallet, VendorResponse{Action: VendorAccept}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	all, _ := svc.ListByEscrow(ctx, e.ID)
	accepted := 0
	for _, o := range all {
		if o.Active() {
			t.Errorf("offer %s still %s after accept sweep", o.ID, o.Status)
		}
		if o.Status == StatusAccepted {
			accepted++
		}
	}
	if accepted != 1 {
		t.Errorf("accepted offers = %d, want exactly 1", accepted)
	}
}

func TestBelowMinimumOfferCreatesNothing(t *testing.T) {
	svc, escrows := newTestServices(t)
	ctx := context.Background()
	e := newListedEscrow(t, escrows)

	_, err := svc.Create(ctx, CreateRequest{
		EscrowID:        e.ID,
		BuyerWallet:     buyerA,
		Amount:          40 * lamports, // $4,000 against a $5,000 minimum
		ShippingAddress: testAddress(),
	})
	if !errors.Is(err, ErrBelowMinimumOffer) {
		t.Fatalf("err = %v, want ErrBelowMinimumOffer", err)
	}

	all, _ := svc.ListByEscrow(ctx, e.ID)
	if len(all) != 0 {
		t.Errorf("offers persisted = %d, want 0", len(all))
	}
	e, _ = escrows.Get(ctx, e.ID)
	if e.ActiveOfferCount != 0 {
		t.Errorf("activeOfferCount = %d, want 0", e.ActiveOfferCount)
	}
}

func TestCreateOfferGuards(t *testing.T) {
	svc, escrows := newTestServices(t)
	ctx := context.Background()
	e := newListedEscrow(t, escrows)

	if _, err := svc.Create(ctx, CreateRequest{
		EscrowID: e.ID, BuyerWallet: sellerWallet, Amount: 60 * lamports, ShippingAddress: testAddress(),
	}); !errors.Is(err, ErrSelfDealing) {
		t.Errorf("self-dealing: err = %v, want ErrSelfDealing", err)
	}

	mustOffer(t, svc, e.ID, buyerA, 60*lamports)
	if _, err := svc.Create(ctx, CreateRequest{
		EscrowID: e.ID, BuyerWallet: buyerA, Amount: 70 * lamports, ShippingAddress: testAddress(),
	}); !errors.Is(err, ErrDuplicateActiveOffer) {
		t.Errorf("duplicate: err = %v, want ErrDuplicateActiveOffer", err)
	}

	if _, err := svc.Create(ctx, CreateRequest{
		EscrowID: e.ID, BuyerWallet: buyerB, Amount: 60 * lamports,
		ShippingAddress: ShippingAddress{Name: "No Address"},
	}); !errors.Is(err, ErrValidation) {
		t.Errorf("missing address fields: err = %v, want ErrValidation", err)
	}
}

func TestCounterNegotiation(t *testing.T) {
	svc, escrows := newTestServices(t)
	ctx := context.Background()
	e := newListedEscrow(t, escrows)

	o := mustOffer(t, svc, e.ID, buyerA, 80*lamports)

	// Buyer cannot counter before the vendor has.
	if _, err := svc.BuyerRespond(ctx, o.ID, buyerA, BuyerResponse{Action: BuyerCounter, CounterAmount: 85 * lamports}); !errors.Is(err, ErrOfferNotActionable) {
		t.Errorf("premature buyer counter: err = %v, want ErrOfferNotActionable", err)
	}

	o, err := svc.VendorRespond(ctx, o.ID, sellerWallet, VendorResponse{
		Action: VendorCounter, CounterAmount: 95 * lamports, Message: "can't go below 9500",
	})
	if err != nil {
		t.Fatalf("vendor counter: %v", err)
	}
	if o.Status != StatusCountered {
		t.Errorf("status = %s, want countered", o.Status)
	}

	o, err = svc.BuyerRespond(ctx, o.ID, buyerA, BuyerResponse{
		Action: BuyerCounter, CounterAmount: 88 * lamports,
	})
	if err != nil {
		t.Fatalf("buyer counter: %v", err)
	}
	if len(o.CounterOffers) != 2 {
		t.Fatalf("counterOffers = %d entries, want 2", len(o.CounterOffers))
	}
	if o.CounterOffers[0].FromRole != CounterFromVendor || o.CounterOffers[1].FromRole != CounterFromBuyer {
		t.Error("counter history roles out of order")
	}

	o, err = svc.VendorRespond(ctx, o.ID, sellerWallet, VendorResponse{
		Action: VendorCounter, CounterAmount: 92 * lamports,
	})
	if err != nil {
		t.Fatalf("second vendor counter: %v", err)
	}

	// Accepting the counter binds the latest counter amount, not the
	// original bid.
	o, err = svc.BuyerRespond(ctx, o.ID, buyerA, BuyerResponse{Action: BuyerAcceptCounter})
	if err != nil {
		t.Fatalf("accept counter: %v", err)
	}
	if o.Status != StatusAccepted {
		t.Errorf("status = %s, want accepted", o.Status)
	}

	e, _ = escrows.Get(ctx, e.ID)
	if e.ListingPrice != 92*lamports {
		t.Errorf("escrow price = %d, want %d", e.ListingPrice, 92*lamports)
	}
	if e.ListingPriceUSD != 9200 {
		t.Errorf("escrow price USD = %v, want 9200", e.ListingPriceUSD)
	}
}

func TestAcceptCounterRequiresVendorCounter(t *testing.T) {
	svc, escrows := newTestServices(t)
	ctx := context.Background()
	e := newListedEscrow(t, escrows)

	o := mustOffer(t, svc, e.ID, buyerA, 80*lamports)
	if _, err := svc.BuyerRespond(ctx, o.ID, buyerA, BuyerResponse{Action: BuyerAcceptCounter}); !errors.Is(err, ErrOfferNotActionable) {
		t.Errorf("err = %v, want ErrOfferNotActionable", err)
	}
}

func TestVendorRejectRequiresReason(t *testing.T) {
	svc, escrows := newTestServices(t)
	ctx := context.Background()
	e := newListedEscrow(t, escrows)

	o := mustOffer(t, svc, e.ID, buyerA, 80*lamports)

	if _, err := svc.VendorRespond(ctx, o.ID, sellerWallet, VendorResponse{Action: VendorReject}); !errors.Is(err, ErrValidation) {
		t.Errorf("reject without reason: err = %v, want ErrValidation", err)
	}

	o, err := svc.VendorRespond(ctx, o.ID, sellerWallet, VendorResponse{
		Action: VendorReject, RejectionReason: "too low",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if o.Status != StatusRejected {
		t.Errorf("status = %s, want rejected", o.Status)
	}

	e, _ = escrows.Get(ctx, e.ID)
	if e.ActiveOfferCount != 0 {
		t.Errorf("activeOfferCount = %d, want 0", e.ActiveOfferCount)
	}
}

func TestWithdraw(t *testing.T) {
	svc, escrows := newTestServices(t)
	ctx := context.Background()
	e := newListedEscrow(t, escrows)

	o := mustOffer(t, svc, e.ID, buyerA, 80*lamports)

	if _, err := svc.BuyerRespond(ctx, o.ID, buyerB, BuyerResponse{Action: BuyerWithdraw}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("wrong wallet withdraw: err = %v, want ErrUnauthorized", err)
	}

	o, err := svc.BuyerRespond(ctx, o.ID, buyerA, BuyerResponse{Action: BuyerWithdraw})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if o.Status != StatusWithdrawn {
		t.Errorf("status = %s, want withdrawn", o.Status)
	}

	// The slot frees up for a fresh offer from the same buyer.
	mustOffer(t, svc, e.ID, buyerA, 85*lamports)
}

func TestExpiredOfferRejectsResponses(t *testing.T) {
	svc, escrows := newTestServices(t)
	ctx := context.Background()
	e := newListedEscrow(t, escrows)

	o := mustOffer(t, svc, e.ID, buyerA, 80*lamports)

	// Force the deadline into the past directly in the store.
	stored, _ := svc.store.Get(ctx, o.ID)
	past := time.Now().Add(-time.Hour)
	stored.ExpiresAt = &past
	if err := svc.store.Update(ctx, stored); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if _, err := svc.VendorRespond(ctx, o.ID, sellerWallet, VendorResponse{Action: VendorAccept}); !errors.Is(err, ErrOfferExpired) {
		t.Fatalf("err = %v, want ErrOfferExpired", err)
	}

	cur, _ := svc.Get(ctx, o.ID)
	if cur.Status != StatusExpired {
		t.Errorf("status = %s, want expired after lazy check", cur.Status)
	}
}

func TestSweepExpired(t *testing.T) {
	svc, escrows := newTestServices(t)
	ctx := context.Background()
	e := newListedEscrow(t, escrows)

	o := mustOffer(t, svc, e.ID, buyerA, 80*lamports)
	keep := mustOffer(t, svc, e.ID, buyerB, 85*lamports)

	stored, _ := svc.store.Get(ctx, o.ID)
	past := time.Now().Add(-time.Hour)
	stored.ExpiresAt = &past
	if err := svc.store.Update(ctx, stored); err != nil {
		t.Fatalf("Update: %v", err)
	}

	swept, err := svc.SweepExpired(ctx, 100)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if swept != 1 {
		t.Errorf("swept = %d, want 1", swept)
	}

	cur, _ := svc.Get(ctx, o.ID)
	if cur.Status != StatusExpired {
		t.Errorf("status = %s, want expired", cur.Status)
	}
	e, _ = escrows.Get(ctx, e.ID)
	if e.ActiveOfferCount != 1 {
		t.Errorf("activeOfferCount = %d, want 1", e.ActiveOfferCount)
	}
	if e.HighestOffer != 85*lamports {
		t.Errorf("highestOffer = %d, want %d", e.HighestOffer, 85*lamports)
	}
	cur, _ = svc.Get(ctx, keep.ID)
	if cur.Status != StatusPending {
		t.Errorf("undated offer status = %s, want pending", cur.Status)
	}
}

func TestConcurrentAcceptsExactlyOneWins(t *testing.T) {
	svc, escrows := newTestServices(t)
	ctx := context.Background()
	e := newListedEscrow(t, escrows)

	o := mustOffer(t, svc, e.ID, buyerA, 90*lamports)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.VendorRespond(ctx, o.ID, sellerWallet, VendorResponse{Action: VendorAccept})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		if !errors.Is(err, ErrOfferNotActionable) && !errors.Is(err, ErrEscrowNotListable) && !errors.Is(err, ErrConflict) {
			t.Errorf("loser error = %v, want not-actionable or conflict", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("accepts succeeded = %d, want exactly 1", succeeded)
	}

	cur, _ := svc.Get(ctx, o.ID)
	if cur.Status != StatusAccepted {
		t.Errorf("offer status = %s, want accepted", cur.Status)
	}
	e, _ = escrows.Get(ctx, e.ID)
	if e.AcceptedOfferID != o.ID {
		t.Errorf("acceptedOfferId = %q, want %q", e.AcceptedOfferID, o.ID)
	}
}

func TestOfferRejectedOnceEscrowAccepted(t *testing.T) {
	svc, escrows := newTestServices(t)
	ctx := context.Background()
	e := newListedEscrow(t, escrows)

	winner := mustOffer(t, svc, e.ID, buyerA, 90*lamports)
	if _, err := svc.VendorRespond(ctx, winner.ID, sellerWallet, VendorResponse{Action: VendorAccept}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// New offers bounce off the escrow's state, not a vanished record.
	_, err := svc.Create(ctx, CreateRequest{
		EscrowID:        e.ID,
		BuyerWallet:     buyerC,
		Amount:          99 * lamports,
		ShippingAddress: testAddress(),
	})
	if !errors.Is(err, ErrEscrowNotListable) {
		t.Fatalf("late offer: err = %v, want ErrEscrowNotListable", err)
	}
}

func TestVendorAcceptNeverBindsOwnCounter(t *testing.T) {
	svc, escrows := newTestServices(t)
	ctx := context.Background()
	e := newListedEscrow(t, escrows)

	o := mustOffer(t, svc, e.ID, buyerA, 90*lamports)
	if _, err := svc.VendorRespond(ctx, o.ID, sellerWallet, VendorResponse{
		Action: VendorCounter, CounterAmount: 120 * lamports,
	}); err != nil {
		t.Fatalf("vendor counter: %v", err)
	}

	// The vendor changes their mind and accepts. The binding price is
	// the buyer's bid, never the vendor's outstanding counter.
	accepted, err := svc.VendorRespond(ctx, o.ID, sellerWallet, VendorResponse{Action: VendorAccept})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != StatusAccepted {
		t.Errorf("status = %s, want accepted", accepted.Status)
	}

	e, _ = escrows.Get(ctx, e.ID)
	if e.ListingPrice != 90*lamports {
		t.Errorf("escrow price = %d, want %d (buyer's bid)", e.ListingPrice, 90*lamports)
	}
	if e.ListingPriceUSD != 9000 {
		t.Errorf("escrow price USD = %v, want 9000", e.ListingPriceUSD)
	}
}

func TestVendorAcceptBindsBuyersLatestCounter(t *testing.T) {
	svc, escrows := newTestServices(t)
	ctx := context.Background()
	e := newListedEscrow(t, escrows)

	o := mustOffer(t, svc, e.ID, buyerA, 80*lamports)
	if _, err := svc.VendorRespond(ctx, o.ID, sellerWallet, VendorResponse{
		Action: VendorCounter, CounterAmount: 95 * lamports,
	}); err != nil {
		t.Fatalf("vendor counter: %v", err)
	}
	if _, err := svc.BuyerRespond(ctx, o.ID, buyerA, BuyerResponse{
		Action: BuyerCounter, CounterAmount: 88 * lamports,
	}); err != nil {
		t.Fatalf("buyer counter: %v", err)
	}
	if _, err := svc.VendorRespond(ctx, o.ID, sellerWallet, VendorResponse{
		Action: VendorCounter, CounterAmount: 92 * lamports,
	}); err != nil {
		t.Fatalf("second vendor counter: %v", err)
	}

	if _, err := svc.VendorRespond(ctx, o.ID, sellerWallet, VendorResponse{Action: VendorAccept}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// The buyer's 88 counter binds, skipping over the vendor's 92.
	e, _ = escrows.Get(ctx, e.ID)
	if e.ListingPrice != 88*lamports {
		t.Errorf("escrow price = %d, want %d", e.ListingPrice, 88*lamports)
	}
}

// brokenDuplicateCheckStore simulates a store outage on the
// duplicate-offer lookup.
type brokenDuplicateCheckStore struct {
	*MemoryStore
	err error
}

func (s *brokenDuplicateCheckStore) GetActiveByBuyer(context.Context, string, string) (*Offer, error) {
	return nil, s.err
}

func TestCreatePropagatesDuplicateCheckFailure(t *testing.T) {
	conv, err := pricing.NewConverter(100)
	if err != nil {
		t.Fatalf("NewConverter: %v", err)
	}
	escrows := escrow.NewService(escrow.NewMemoryStore(), noopCatalog{}, conv)
	storeErr := errors.New("connection reset")
	store := &brokenDuplicateCheckStore{MemoryStore: NewMemoryStore(), err: storeErr}
	svc := NewService(store, escrows)
	ctx := context.Background()
	e := newListedEscrow(t, escrows)

	_, err = svc.Create(ctx, CreateRequest{
		EscrowID:        e.ID,
		BuyerWallet:     buyerA,
		Amount:          60 * lamports,
		ShippingAddress: testAddress(),
	})
	if !errors.Is(err, storeErr) {
		t.Fatalf("err = %v, want the store failure propagated", err)
	}
	if errors.Is(err, ErrDuplicateActiveOffer) {
		t.Error("store failure must not be reported as a duplicate offer")
	}

	all, _ := svc.ListByEscrow(ctx, e.ID)
	if len(all) != 0 {
		t.Errorf("offers persisted = %d, want 0", len(all))
	}
}
