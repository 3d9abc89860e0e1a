package storage

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startPostgres runs a throwaway PostgreSQL and returns a migrated DSN.
func startPostgres(t *testing.T) string {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION not set")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("filestore_test"),
		postgres.WithUsername("filestore"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	if err := Migrate(dsn, slog.New(slog.NewTextHandler(os.Stdout, nil))); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return dsn
}

func TestPostgresStore(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	runStoreSuite(t, func(t *testing.T) backend {
		p, err := NewPostgres(ctx, dsn)
		if err != nil {
			t.Fatalf("NewPostgres() error = %v", err)
		}
		t.Cleanup(p.Close)
		if _, err := p.db.Exec(ctx, `TRUNCATE file_records, file_payloads, file_access_logs`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return p
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	dsn := startPostgres(t)
	if err := Migrate(dsn, slog.New(slog.NewTextHandler(os.Stdout, nil))); err != nil {
		t.Errorf("second Migrate() error = %v", err)
	}
}
