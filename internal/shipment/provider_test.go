package shipment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestHTTPProviderTripsCircuit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "test-key")
	ctx := context.Background()

	// Five consecutive failures open the tracking circuit.
	for i := 0; i < 5; i++ {
		if _, err := p.GetTracking(ctx, "fedex", "123"); err == nil {
			t.Fatalf("attempt %d: expected error from failing provider", i)
		}
	}
	if got := hits.Load(); got != 5 {
		t.Fatalf("provider hits = %d, want 5", got)
	}

	// The sixth call is shed without reaching the aggregator.
	_, err := p.GetTracking(ctx, "fedex", "123")
	if !errors.Is(err, ErrProviderTripped) {
		t.Fatalf("err = %v, want ErrProviderTripped", err)
	}
	if got := hits.Load(); got != 5 {
		t.Fatalf("provider hits after trip = %d, want 5", got)
	}
}

func TestHTTPProviderClientErrorsDoNotTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "test-key")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := p.GetTracking(ctx, "fedex", "missing")
		if err == nil {
			t.Fatal("expected error for 404")
		}
		if errors.Is(err, ErrProviderTripped) {
			t.Fatalf("attempt %d: 4xx responses must not open the circuit", i)
		}
	}
}
