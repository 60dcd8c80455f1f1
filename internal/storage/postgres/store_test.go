package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"market-pipeline/internal/config"
	"market-pipeline/internal/domain"
	"market-pipeline/internal/storage"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("prices"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := NewPool(ctx, config.DatabaseConfig{DSN: dsn, MaxOpenConns: 4})
	require.NoError(t, err)

	store := NewStore(pool)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))
	// migrations are idempotent
	require.NoError(t, store.Migrate(ctx))
	return store
}

func sample(ts time.Time, price string, seq uint64) domain.PriceRecord {
	return domain.PriceRecord{
		MarketZone:     "CAISO",
		PriceType:      domain.PriceTypeRealTime,
		Timestamp:      ts,
		Price:          decimal.RequireFromString(price),
		Volume:         decimal.NewFromInt(120),
		CongestionCost: domain.DecimalPtr(decimal.RequireFromString("1.25")),
		SourceID:       "caiso-rt",
		IngestSequence: seq,
	}
}

func TestStoreUpsertSequenceWins(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 1, 1, 0, 1, 40, 0, time.UTC)

	outcome, err := store.Upsert(ctx, sample(ts, "50", 10))
	require.NoError(t, err)
	assert.Equal(t, storage.Inserted, outcome)

	outcome, err = store.Upsert(ctx, sample(ts, "52", 11))
	require.NoError(t, err)
	assert.Equal(t, storage.Updated, outcome)

	outcome, err = store.Upsert(ctx, sample(ts, "50", 10))
	require.NoError(t, err)
	assert.Equal(t, storage.Unchanged, outcome)

	rows, err := store.QueryRange(ctx, storage.RangeQuery{
		Zone: "CAISO", PriceType: domain.PriceTypeRealTime,
		Start: ts, End: ts.Add(time.Second),
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "52", rows[0].Price.String())
	require.NotNil(t, rows[0].CongestionCost)
	assert.Equal(t, "1.25", rows[0].CongestionCost.String())
	assert.Nil(t, rows[0].LossCost)
}

func TestStoreRangeLatestAndStats(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	base := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 6; i++ {
		rec := sample(base.Add(time.Duration(i)*5*time.Minute), "40", uint64(i+1))
		rec.Anomaly = i == 3
		_, err := store.Upsert(ctx, rec)
		require.NoError(t, err)
	}

	rows, err := store.QueryRange(ctx, storage.RangeQuery{
		Zone: "CAISO", PriceType: domain.PriceTypeRealTime,
		Start: base, End: base.Add(15 * time.Minute), Limit: 2, Offset: 1,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, base.Add(5*time.Minute), rows[0].Timestamp)

	latest, ok, err := store.Latest(ctx, "CAISO", domain.PriceTypeRealTime)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, base.Add(25*time.Minute), latest.Timestamp)

	stats, err := store.WindowStats(ctx, "CAISO", base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(6), stats.Count)
	assert.Equal(t, int64(1), stats.Anomalies)
	require.NotNil(t, stats.Earliest)
	assert.False(t, stats.Earliest.Before(base))
	require.NotNil(t, stats.Latest)

	zones, err := store.Zones(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"CAISO"}, zones)

	removed, err := store.DeletePricesBefore(ctx, base.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
}

func TestStoreRunsAndQuality(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	run := domain.IngestionRun{
		ID: "run-1", SourceID: "caiso-rt", Kind: domain.RunKindBackfill,
		StartTime: now, Status: domain.RunRunning,
	}
	require.NoError(t, store.SaveRun(ctx, run))
	run.Status = domain.RunPartial
	run.RecordsIngested = 42
	run.LastIngestedAt = &now
	require.NoError(t, store.SaveRun(ctx, run))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunPartial, got.Status)
	assert.Equal(t, int64(42), got.RecordsIngested)
	require.NotNil(t, got.LastIngestedAt)

	_, err = store.GetRun(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.InsertQualityMetric(ctx, domain.QualityMetric{
			MarketZone: "CAISO", WindowStart: now, WindowEnd: now,
			ComputedAt: now.Add(time.Duration(i) * time.Minute), Status: domain.QualityHealthy,
		}))
	}
	history, err := store.ListQualityMetrics(ctx, "CAISO", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].ComputedAt.After(history[1].ComputedAt))
}

func TestStoreAdvisoryLockIsExclusive(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	unlock, acquired, err := store.TryAdvisoryLock(ctx, 99)
	require.NoError(t, err)
	require.True(t, acquired)

	_, again, err := store.TryAdvisoryLock(ctx, 99)
	require.NoError(t, err)
	assert.False(t, again)

	unlock()
	unlock2, acquired, err := store.TryAdvisoryLock(ctx, 99)
	require.NoError(t, err)
	assert.True(t, acquired)
	unlock2()
}

func TestNilStoreIsNotConfigured(t *testing.T) {
	var store *Store
	_, err := store.Upsert(context.Background(), sample(time.Now(), "1", 1))
	assert.ErrorIs(t, err, storage.ErrNotConfigured)
}
