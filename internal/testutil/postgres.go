// Package testutil provides shared helpers for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// StartPostgres returns a database connection for integration tests.
// POSTGRES_URL reuses an existing database; otherwise a throwaway
// Postgres 16 container is started and torn down with the test.
func StartPostgres(t *testing.T) *sql.DB {
	t.Helper()

	ctx := context.Background()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		if os.Getenv("CI") == "" && os.Getenv("DOCKER_HOST") == "" {
			if _, err := os.Stat("/var/run/docker.sock"); err != nil {
				t.Skip("no POSTGRES_URL and no docker, skipping integration test")
			}
		}

		pgC, err := postgres.Run(ctx,
			"postgres:16",
			postgres.WithDatabase("atelier_test"),
			postgres.WithUsername("atelier"),
			postgres.WithPassword("atelier"),
		)
		if err != nil {
			t.Fatalf("start postgres container: %v", err)
		}
		t.Cleanup(func() {
			_ = pgC.Terminate(context.Background())
		})

		dsn, err = pgC.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("container connection string: %v", err)
		}
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	// The container accepts connections slightly before it is ready.
	deadline := time.Now().Add(30 * time.Second)
	for {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("postgres never became ready: %v", err)
		}
		time.Sleep(250 * time.Millisecond)
	}

	return db
}
