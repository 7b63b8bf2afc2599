package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/arenaledger/arena-stack/ledger/internal/models"
	"github.com/arenaledger/arena-stack/ledger/migrations"
)

// setupTestDatabase starts a PostgreSQL container, applies the embedded
// migrations and returns its connection string.
func setupTestDatabase(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("ledger_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "failed to start PostgreSQL container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, migrations.Up(connStr), "failed to run migrations")
	return connStr
}

func newTestRepository(t *testing.T, connStr string) *PostgresRepository {
	t.Helper()
	repo, err := NewPostgresRepository(context.Background(), connStr, DefaultPoolConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func truncateAll(t *testing.T, repo *PostgresRepository) {
	t.Helper()
	_, err := repo.pool.Exec(context.Background(), `
		TRUNCATE raw_events, aggregate_version_log, aggregates, registrations, attendances, feedback,
			read_models, accounts, bets, settlements, reconciliation_inconsistencies,
			reconciliation_reports, ingestion_cursors
	`)
	require.NoError(t, err)
}

func TestPostgresRepository(t *testing.T) {
	connStr := setupTestDatabase(t)
	repo := newTestRepository(t, connStr)

	t.Run("contract", func(t *testing.T) {
		storeContract(t, func(t *testing.T) Store {
			truncateAll(t, repo)
			return repo
		})
	})

	t.Run("concurrent compare and swap", func(t *testing.T) {
		truncateAll(t, repo)
		ctx := context.Background()
		now := time.Now().UTC()
		require.NoError(t, repo.InsertAggregate(ctx, &models.Aggregate{ID: "a1", Title: "t", Version: 3, CreatedAt: now, UpdatedAt: now}))

		const writers = 6
		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = RunInTx(ctx, repo, func(tx Tx) error {
					return tx.UpdateAggregate(ctx, &models.Aggregate{ID: "a1", Title: "w", UpdatedAt: now}, 3)
				})
			}(i)
		}
		wg.Wait()

		var ok int
		for _, err := range errs {
			if err == nil {
				ok++
				continue
			}
			assert.True(t, errors.Is(err, models.ErrConcurrencyConflict), "unexpected error: %v", err)
		}
		assert.Equal(t, 1, ok)

		agg, err := repo.GetAggregate(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, 4, agg.Version)
	})

	t.Run("migrations are idempotent", func(t *testing.T) {
		require.NoError(t, migrations.Up(connStr))
		v, dirty, err := migrations.Version(connStr)
		require.NoError(t, err)
		assert.False(t, dirty)
		assert.Equal(t, uint(2), v)
	})
}
