package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/atelierhq/atelier/internal/config"
	"github.com/atelierhq/atelier/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	sellerWallet  = "7Np41oeYqPefeNQEHSv1UDhYrehxin3NStELsSKCT4K2"
	buyerWallet   = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	adminWallet   = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"
	mintAddress   = "So11111111111111111111111111111111111111112"
	escrowAddress = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

	testAdminSecret = "test-admin-secret"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:           "0",
		Env:            "development",
		LogLevel:       "error",
		TreasuryWallet: "FTreasry1111111111111111111111111111111111",
		SOLUSDRate:     100,
		AdminSecret:    testAdminSecret,
		RateLimitRPS:   1000,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithLogger(logging.New("error", "text")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// doJSON performs a request against the router and decodes the JSON body.
func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}, headers map[string]string) (int, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]interface{}
	if len(w.Body.Bytes()) > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode response %s %s: %v (body %s)", method, path, err, w.Body.String())
		}
	}
	return w.Code, out
}

func auth(key string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + key}
}

// nested pulls a string out of a nested JSON object, failing loudly on
// missing or mistyped fields.
func nested(t *testing.T, m map[string]interface{}, keys ...string) string {
	t.Helper()
	cur := m
	for i, k := range keys {
		v, ok := cur[k]
		if !ok {
			t.Fatalf("missing field %q in %v", k, m)
		}
		if i == len(keys)-1 {
			s, ok := v.(string)
			if !ok {
				t.Fatalf("field %q is %T, want string", k, v)
			}
			return s
		}
		cur, ok = v.(map[string]interface{})
		if !ok {
			t.Fatalf("field %q is %T, want object", k, v)
		}
	}
	return ""
}

func issueKey(t *testing.T, r *gin.Engine, wallet, name string) string {
	t.Helper()
	code, resp := doJSON(t, r, http.MethodPost, "/v1/keys",
		map[string]interface{}{"wallet": wallet, "name": name}, nil)
	if code != http.StatusCreated {
		t.Fatalf("issue key for %s: status %d, resp %v", name, code, resp)
	}
	return nested(t, resp, "apiKey")
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	code, resp := doJSON(t, s.Router(), http.MethodGet, "/health", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", resp["status"])
	}
	if _, ok := resp["checks"]; !ok {
		t.Error("expected checks in health response")
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	code, resp := doJSON(t, s.Router(), http.MethodGet, "/health/live", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp["status"] != "alive" {
		t.Errorf("status = %v, want alive", resp["status"])
	}
}

func TestReadinessBeforeRun(t *testing.T) {
	s := newTestServer(t)

	// Run() was never called, so the server must not report ready.
	code, resp := doJSON(t, s.Router(), http.MethodGet, "/health/ready", nil, nil)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp["status"] != "not_ready" {
		t.Errorf("status = %v, want not_ready", resp["status"])
	}
}

func TestAPIInfo(t *testing.T) {
	s := newTestServer(t)

	code, resp := doJSON(t, s.Router(), http.MethodGet, "/api", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp["name"] != "Atelier" {
		t.Errorf("name = %v, want Atelier", resp["name"])
	}
}

func TestProtectedRoutesRequireKey(t *testing.T) {
	s := newTestServer(t)

	code, _ := doJSON(t, s.Router(), http.MethodPost, "/v1/assets",
		map[string]interface{}{"mintAddress": mintAddress}, nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", code)
	}
}

func TestWalletParamValidation(t *testing.T) {
	s := newTestServer(t)

	code, resp := doJSON(t, s.Router(), http.MethodGet, "/v1/wallets/not-a-wallet/escrows", nil, nil)
	if code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (resp %v)", code, resp)
	}
}

func TestRoleManagementRequiresAdminSecret(t *testing.T) {
	s := newTestServer(t)

	body := map[string]interface{}{
		"wallet":      adminWallet,
		"permissions": []string{"manage_escrows"},
	}

	code, _ := doJSON(t, s.Router(), http.MethodPost, "/v1/admin/roles", body, nil)
	if code != http.StatusForbidden {
		t.Fatalf("no secret: status = %d, want 403", code)
	}

	code, _ = doJSON(t, s.Router(), http.MethodPost, "/v1/admin/roles", body,
		map[string]string{"X-Admin-Secret": "wrong"})
	if code != http.StatusForbidden {
		t.Fatalf("wrong secret: status = %d, want 403", code)
	}

	code, resp := doJSON(t, s.Router(), http.MethodPost, "/v1/admin/roles", body,
		map[string]string{"X-Admin-Secret": testAdminSecret})
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (resp %v)", code, resp)
	}
}

// TestFullLifecycle drives an escrow from asset registration to fund
// release over the HTTP surface: register and publish an asset, list it
// in an escrow, negotiate an offer, fund, ship, verify, confirm delivery
// and release through the stub settlement authority.
func TestFullLifecycle(t *testing.T) {
	s := newTestServer(t)
	r := s.Router()

	sellerKey := issueKey(t, r, sellerWallet, "seller")
	buyerKey := issueKey(t, r, buyerWallet, "buyer")
	adminKey := issueKey(t, r, adminWallet, "admin")

	// Bootstrap the admin capability.
	code, resp := doJSON(t, r, http.MethodPost, "/v1/admin/roles", map[string]interface{}{
		"wallet":      adminWallet,
		"permissions": []string{"manage_escrows"},
	}, map[string]string{"X-Admin-Secret": testAdminSecret})
	if code != http.StatusOK {
		t.Fatalf("grant role: status %d, resp %v", code, resp)
	}

	// Seller registers and publishes the asset.
	code, resp = doJSON(t, r, http.MethodPost, "/v1/assets", map[string]interface{}{
		"mintAddress":  mintAddress,
		"ownerWallet":  sellerWallet,
		"name":         "Patek Philippe Nautilus 5711",
		"brand":        "Patek Philippe",
		"category":     "watch",
		"appraisalUsd": 120000,
	}, auth(sellerKey))
	if code != http.StatusCreated {
		t.Fatalf("register asset: status %d, resp %v", code, resp)
	}
	assetID := nested(t, resp, "asset", "id")

	code, resp = doJSON(t, r, http.MethodPost, "/v1/assets/"+assetID+"/publish", nil, auth(sellerKey))
	if code != http.StatusOK {
		t.Fatalf("publish asset: status %d, resp %v", code, resp)
	}

	// Seller lists it for sale, accepting offers.
	code, resp = doJSON(t, r, http.MethodPost, "/v1/escrows", map[string]interface{}{
		"assetId":       assetID,
		"sellerWallet":  sellerWallet,
		"escrowAddress": escrowAddress,
		"saleMode":      "accepting_offers",
		"listingPrice":  2_000_000_000,
		"minimumOffer":  1_000_000_000,
	}, auth(sellerKey))
	if code != http.StatusCreated {
		t.Fatalf("create escrow: status %d, resp %v", code, resp)
	}
	escrowID := nested(t, resp, "escrow", "id")
	if got := nested(t, resp, "escrow", "status"); got != "initiated" {
		t.Fatalf("escrow status = %q, want initiated", got)
	}

	code, resp = doJSON(t, r, http.MethodPost, "/v1/escrows/"+escrowID+"/publish", nil, auth(sellerKey))
	if code != http.StatusOK {
		t.Fatalf("publish escrow: status %d, resp %v", code, resp)
	}
	if got := nested(t, resp, "escrow", "status"); got != "listed" {
		t.Fatalf("escrow status = %q, want listed", got)
	}

	// Buyer makes an offer above the minimum.
	code, resp = doJSON(t, r, http.MethodPost, "/v1/escrows/"+escrowID+"/offers", map[string]interface{}{
		"buyerWallet": buyerWallet,
		"amount":      1_500_000_000,
		"message":     "Cash ready",
		"shippingAddress": map[string]interface{}{
			"name":       "B. Uyer",
			"line1":      "1 Rue de la Paix",
			"city":       "Paris",
			"postalCode": "75002",
			"country":    "FR",
		},
	}, auth(buyerKey))
	if code != http.StatusCreated {
		t.Fatalf("create offer: status %d, resp %v", code, resp)
	}
	offerID := nested(t, resp, "offer", "id")

	// Vendor accepts; all competing offers would be swept here.
	code, resp = doJSON(t, r, http.MethodPost, "/v1/offers/"+offerID+"/vendor-response", map[string]interface{}{
		"action": "accept",
	}, auth(sellerKey))
	if code != http.StatusOK {
		t.Fatalf("vendor accept: status %d, resp %v", code, resp)
	}
	if got := nested(t, resp, "offer", "status"); got != "accepted" {
		t.Fatalf("offer status = %q, want accepted", got)
	}

	// Buyer funds the escrow address at the agreed amount.
	code, resp = doJSON(t, r, http.MethodPost, "/v1/escrows/"+escrowID+"/fund", map[string]interface{}{
		"buyerWallet":  buyerWallet,
		"fundedAmount": 1_500_000_000,
	}, auth(buyerKey))
	if code != http.StatusOK {
		t.Fatalf("fund escrow: status %d, resp %v", code, resp)
	}
	if got := nested(t, resp, "escrow", "status"); got != "funded" {
		t.Fatalf("escrow status = %q, want funded", got)
	}

	// Seller ships and submits proof.
	code, resp = doJSON(t, r, http.MethodPost, "/v1/escrows/"+escrowID+"/shipment", map[string]interface{}{
		"carrier":        "FedEx",
		"trackingNumber": "794629287651",
		"proofUrls":      []string{"https://proofs.example.com/794629287651.jpg"},
	}, auth(sellerKey))
	if code != http.StatusOK {
		t.Fatalf("submit shipment: status %d, resp %v", code, resp)
	}
	if got := nested(t, resp, "escrow", "status"); got != "shipped" {
		t.Fatalf("escrow status = %q, want shipped", got)
	}

	// Admin verifies the shipment proof.
	code, resp = doJSON(t, r, http.MethodPost, "/v1/escrows/"+escrowID+"/shipment/verify", map[string]interface{}{
		"approved": true,
	}, auth(adminKey))
	if code != http.StatusOK {
		t.Fatalf("verify shipment: status %d, resp %v", code, resp)
	}

	// Buyer confirms delivery; the stub authority records the proposal.
	code, resp = doJSON(t, r, http.MethodPost, "/v1/escrows/"+escrowID+"/confirm-delivery", map[string]interface{}{
		"confirmationType": "buyer",
		"rating":           5,
		"reviewText":       "Exactly as described",
	}, auth(buyerKey))
	if code != http.StatusOK {
		t.Fatalf("confirm delivery: status %d, resp %v", code, resp)
	}
	if got := nested(t, resp, "escrow", "status"); got != "delivered" {
		t.Fatalf("escrow status = %q, want delivered", got)
	}
	if ref := nested(t, resp, "proposalRef"); ref == "" {
		t.Fatal("expected a settlement proposal reference")
	}

	// A non-admin cannot release.
	code, _ = doJSON(t, r, http.MethodPost, "/v1/escrows/"+escrowID+"/release", nil, auth(buyerKey))
	if code != http.StatusForbidden {
		t.Fatalf("buyer release: status %d, want 403", code)
	}

	// Admin executes the proposal and releases the funds.
	code, resp = doJSON(t, r, http.MethodPost, "/v1/escrows/"+escrowID+"/release", nil, auth(adminKey))
	if code != http.StatusOK {
		t.Fatalf("release: status %d, resp %v", code, resp)
	}
	if got := nested(t, resp, "escrow", "status"); got != "released" {
		t.Fatalf("escrow status = %q, want released", got)
	}

	// The asset catalog reflects the sale.
	code, resp = doJSON(t, r, http.MethodGet, "/v1/assets/"+assetID, nil, nil)
	if code != http.StatusOK {
		t.Fatalf("get asset: status %d, resp %v", code, resp)
	}
	if got := nested(t, resp, "asset", "status"); got != "sold" {
		t.Fatalf("asset status = %q, want sold", got)
	}
}

// TestCounterOfferFlow exercises the vendor-counter / buyer-accept leg of
// the negotiation over HTTP.
func TestCounterOfferFlow(t *testing.T) {
	s := newTestServer(t)
	r := s.Router()

	sellerKey := issueKey(t, r, sellerWallet, "seller")
	buyerKey := issueKey(t, r, buyerWallet, "buyer")

	code, resp := doJSON(t, r, http.MethodPost, "/v1/assets", map[string]interface{}{
		"mintAddress": mintAddress,
		"ownerWallet": sellerWallet,
		"name":        "Hermes Birkin 30",
		"category":    "handbag",
	}, auth(sellerKey))
	if code != http.StatusCreated {
		t.Fatalf("register asset: status %d, resp %v", code, resp)
	}
	assetID := nested(t, resp, "asset", "id")

	if code, resp = doJSON(t, r, http.MethodPost, "/v1/assets/"+assetID+"/publish", nil, auth(sellerKey)); code != http.StatusOK {
		t.Fatalf("publish asset: status %d, resp %v", code, resp)
	}

	code, resp = doJSON(t, r, http.MethodPost, "/v1/escrows", map[string]interface{}{
		"assetId":       assetID,
		"sellerWallet":  sellerWallet,
		"escrowAddress": escrowAddress,
		"saleMode":      "accepting_offers",
		"listingPrice":  1_000_000_000,
	}, auth(sellerKey))
	if code != http.StatusCreated {
		t.Fatalf("create escrow: status %d, resp %v", code, resp)
	}
	escrowID := nested(t, resp, "escrow", "id")

	if code, resp = doJSON(t, r, http.MethodPost, "/v1/escrows/"+escrowID+"/publish", nil, auth(sellerKey)); code != http.StatusOK {
		t.Fatalf("publish escrow: status %d, resp %v", code, resp)
	}

	code, resp = doJSON(t, r, http.MethodPost, "/v1/escrows/"+escrowID+"/offers", map[string]interface{}{
		"buyerWallet": buyerWallet,
		"amount":      600_000_000,
		"shippingAddress": map[string]interface{}{
			"name": "B. Uyer", "line1": "5th Ave", "city": "NYC", "postalCode": "10001", "country": "US",
		},
	}, auth(buyerKey))
	if code != http.StatusCreated {
		t.Fatalf("create offer: status %d, resp %v", code, resp)
	}
	offerID := nested(t, resp, "offer", "id")

	code, resp = doJSON(t, r, http.MethodPost, "/v1/offers/"+offerID+"/vendor-response", map[string]interface{}{
		"action":        "counter",
		"counterAmount": 800_000_000,
	}, auth(sellerKey))
	if code != http.StatusOK {
		t.Fatalf("vendor counter: status %d, resp %v", code, resp)
	}
	if got := nested(t, resp, "offer", "status"); got != "countered" {
		t.Fatalf("offer status = %q, want countered", got)
	}

	code, resp = doJSON(t, r, http.MethodPost, "/v1/offers/"+offerID+"/buyer-response", map[string]interface{}{
		"action": "accept_counter",
	}, auth(buyerKey))
	if code != http.StatusOK {
		t.Fatalf("buyer accept: status %d, resp %v", code, resp)
	}
	if got := nested(t, resp, "offer", "status"); got != "accepted" {
		t.Fatalf("offer status = %q, want accepted", got)
	}

	// The escrow now awaits the accepted buyer's funds.
	code, resp = doJSON(t, r, http.MethodGet, "/v1/escrows/"+escrowID, nil, nil)
	if code != http.StatusOK {
		t.Fatalf("get escrow: status %d, resp %v", code, resp)
	}
	if got := nested(t, resp, "escrow", "status"); got != "offer_accepted" {
		t.Fatalf("escrow status = %q, want offer_accepted", got)
	}
	if got := nested(t, resp, "escrow", "buyerWallet"); got != buyerWallet {
		t.Fatalf("escrow buyer = %q, want %q", got, buyerWallet)
	}
}
