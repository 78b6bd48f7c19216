//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"cellar/internal/domain"
	"cellar/internal/matcher"
	"cellar/internal/repository/postgres"
)

func startPostgres(t *testing.T) *sqlx.DB {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:17-alpine",
		tcpostgres.WithDatabase("cellar_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminating postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, postgres.MigrateUp("file://../../../db/migrations", dsn))

	db, err := sqlx.Connect("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func ptr(v int64) *int64 { return &v }

func TestCellarAndCatalog_Postgres(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()
	catalog := postgres.NewCatalogRepo(db, matcher.New(matcher.Options{}))
	cellar := postgres.NewCellarRepo(db)

	price := 120.0
	first, err := cellar.Commit(ctx, domain.CellarSubmission{
		Region:   domain.EntityDraft{Name: "Margaux", Country: "France"},
		Producer: domain.EntityDraft{Name: "Château Margaux"},
		Wine: domain.WineDraft{
			EntityDraft: domain.EntityDraft{Name: "Grand Vin"},
			Vintage:     "2015",
			WineType:    "red",
			Grapes:      []string{"Cabernet Sauvignon", "Merlot"},
		},
		Bottle: domain.BottleDetails{Size: "750ml", StorageLocation: "Rack A", Quantity: 3, Price: &price, Currency: "eur", PurchaseDate: "2026-09-01"},
	})
	require.NoError(t, err)
	assert.NotZero(t, first.BottleID)

	t.Run("region exact match ignores accents and case", func(t *testing.T) {
		res, err := catalog.CheckDuplicate(ctx, domain.DuplicateCheckRequest{Type: domain.EntityRegion, Name: "margaux"})
		require.NoError(t, err)
		require.NotNil(t, res.ExactMatch)
		assert.Equal(t, first.RegionID, res.ExactMatch.ID)
	})

	t.Run("producer is scoped to its region", func(t *testing.T) {
		res, err := catalog.CheckDuplicate(ctx, domain.DuplicateCheckRequest{
			Type: domain.EntityProducer, Name: "Chateau Margaux",
			Context: domain.DuplicateCheckContext{RegionID: ptr(first.RegionID)},
		})
		require.NoError(t, err)
		require.NotNil(t, res.ExactMatch)
		assert.Equal(t, first.ProducerID, res.ExactMatch.ID)

		res, err = catalog.CheckDuplicate(ctx, domain.DuplicateCheckRequest{
			Type: domain.EntityProducer, Name: "Chateau Margaux",
			Context: domain.DuplicateCheckContext{RegionID: ptr(first.RegionID + 100)},
		})
		require.NoError(t, err)
		assert.False(t, res.HasMatches())
	})

	t.Run("wine match reports bottles in the cellar", func(t *testing.T) {
		res, err := catalog.CheckDuplicate(ctx, domain.DuplicateCheckRequest{
			Type: domain.EntityWine, Name: "Grand Vin",
			Context: domain.DuplicateCheckContext{Producer: "Château Margaux", Vintage: "2015"},
		})
		require.NoError(t, err)
		require.NotNil(t, res.ExistingWineID)
		assert.Equal(t, first.WineID, *res.ExistingWineID)
		assert.Equal(t, 3, res.ExistingBottleCount)
	})

	t.Run("existing entities are reused", func(t *testing.T) {
		second, err := cellar.Commit(ctx, domain.CellarSubmission{
			Region:   domain.EntityDraft{ExistingID: ptr(first.RegionID)},
			Producer: domain.EntityDraft{ExistingID: ptr(first.ProducerID)},
			Wine:     domain.WineDraft{EntityDraft: domain.EntityDraft{ExistingID: ptr(first.WineID)}},
			Bottle:   domain.BottleDetails{Size: "1.5L", StorageLocation: "Rack B"},
		})
		require.NoError(t, err)
		assert.Equal(t, first.WineID, second.WineID)
		assert.NotEqual(t, first.BottleID, second.BottleID)

		var n int
		require.NoError(t, db.GetContext(ctx, &n, "SELECT COUNT(*) FROM wines"))
		assert.Equal(t, 1, n)
	})

	t.Run("stale existing id rolls back", func(t *testing.T) {
		_, err := cellar.Commit(ctx, domain.CellarSubmission{
			Region:   domain.EntityDraft{Name: "Pauillac", Country: "France"},
			Producer: domain.EntityDraft{ExistingID: ptr(9999)},
			Wine:     domain.WineDraft{EntityDraft: domain.EntityDraft{Name: "X"}},
			Bottle:   domain.BottleDetails{Size: "750ml", StorageLocation: "Rack C"},
		})
		assert.ErrorIs(t, err, domain.ErrNotFound)

		var n int
		require.NoError(t, db.GetContext(ctx, &n, "SELECT COUNT(*) FROM regions WHERE name = 'Pauillac'"))
		assert.Zero(t, n)
	})
}
