// Package postgrestest starts a throwaway pgvector-enabled Postgres for
// integration tests.
package postgrestest

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/drfirst/go-priorauth/internal/infrastructure/postgres"
)

// Image ships the vector extension.
const Image = "pgvector/pgvector:pg16"

// Pool starts a container, applies the schema with embeddingDims and returns
// a connected pool. The container is removed when the test ends. It skips
// under -short.
func Pool(t *testing.T, embeddingDims int) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	pgC, err := tcPostgres.RunContainer(ctx,
		testcontainers.WithImage(Image),
		tcPostgres.WithDatabase("priorauth"),
		tcPostgres.WithUsername("priorauth"),
		tcPostgres.WithPassword("priorauth"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("postgres dsn: %v", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := postgres.EnsureSchema(ctx, pool, embeddingDims); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	return pool
}
