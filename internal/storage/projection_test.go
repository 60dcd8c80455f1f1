package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-pipeline/internal/domain"
	"market-pipeline/internal/storage"
	"market-pipeline/internal/storage/memory"
)

func rec(ts time.Time, price int64, seq uint64) domain.PriceRecord {
	return domain.PriceRecord{
		MarketZone:     "PJM",
		PriceType:      domain.PriceTypeDayAhead,
		Timestamp:      ts,
		Price:          decimal.NewFromInt(price),
		SourceID:       "pjm",
		IngestSequence: seq,
	}
}

func TestProjectedLatestTracksNewestTimestamp(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	projected := storage.NewProjected(memory.NewStore())

	_, err := projected.Upsert(ctx, rec(base.Add(time.Hour), 40, 1))
	require.NoError(t, err)
	// an older backfilled hour must not move the projection backwards
	_, err = projected.Upsert(ctx, rec(base, 10, 2))
	require.NoError(t, err)

	latest, ok, err := projected.Latest(ctx, "PJM", domain.PriceTypeDayAhead)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Hour), latest.Timestamp)

	// a correction of the newest hour replaces it
	_, err = projected.Upsert(ctx, rec(base.Add(time.Hour), 42, 3))
	require.NoError(t, err)
	latest, _, err = projected.Latest(ctx, "PJM", domain.PriceTypeDayAhead)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(42).Equal(latest.Price))
}

func TestProjectedRebuildFromStore(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	inner := memory.NewStore()
	_, err := inner.Upsert(ctx, rec(base, 25, 1))
	require.NoError(t, err)

	projected := storage.NewProjected(inner)
	require.NoError(t, projected.Rebuild(ctx, nil))

	// the projection now answers without touching the store
	inner.SetUnavailable(true)
	latest, ok, err := projected.Latest(ctx, "PJM", domain.PriceTypeDayAhead)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(25).Equal(latest.Price))

	projected.Invalidate()
	_, _, err = projected.Latest(ctx, "PJM", domain.PriceTypeDayAhead)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestProjectedLockFallsBackWithoutLocker(t *testing.T) {
	unlock, acquired, err := storage.NewProjected(memory.NewStore()).TryAdvisoryLock(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, acquired)
	unlock()
}
