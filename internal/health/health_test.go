package health

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("settlement_gateway", func(_ context.Context) Status {
		return Status{Name: "settlement_gateway", Healthy: true, Detail: "ok"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all-healthy registry should report healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("shipping_provider", func(_ context.Context) Status {
		return Status{Name: "shipping_provider", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestRegistryContextAwareCheckerFailsFast(t *testing.T) {
	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	r.Register("database", func(ctx context.Context) Status {
		<-ctx.Done()
		return Status{Name: "database", Healthy: false, Detail: ctx.Err().Error()}
	})

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("slow checker should report unhealthy")
	}
	if statuses[0].Healthy {
		t.Fatal("expected the database status to be unhealthy")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("CheckAll took %v, should return at the check timeout", elapsed)
	}
}

func TestRegistryHungCheckerReported(t *testing.T) {
	// A checker that ignores its context entirely must still be reported
	// as unhealthy without stalling the whole endpoint.
	hang := make(chan struct{})
	defer close(hang)

	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	r.Register("carrier_aggregator", func(_ context.Context) Status {
		<-hang
		return Status{Name: "carrier_aggregator", Healthy: true}
	})
	r.Register("database", func(_ context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("hung checker should make the registry unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Name != "carrier_aggregator" || statuses[0].Healthy {
		t.Fatalf("expected carrier_aggregator reported unhealthy, got %+v", statuses[0])
	}
	if statuses[0].Detail != "check timed out" {
		t.Fatalf("expected detail 'check timed out', got %q", statuses[0].Detail)
	}
	if !statuses[1].Healthy {
		t.Fatal("the healthy checker after the hung one must still run")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("CheckAll took %v, hung checker must not stall it", elapsed)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}()
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}
