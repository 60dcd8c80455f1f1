package processor

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-pipeline/internal/domain"
)

func TestBaselineMedianExcludesCurrentAndOldSamples(t *testing.T) {
	b := newBaseline(time.Hour, 3, 10)
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, p := range []int64{10, 40, 20, 30, 1000} {
		r := rec(0, "0", uint64(i+1))
		r.Timestamp = base.Add(time.Duration(i) * 15 * time.Minute)
		r.Price = decimal.NewFromInt(p)
		b.Observe(r)
	}

	// samples at 0, 15, 30, 45 minutes; the one at 60 is the current record
	median, ok := b.Median(domain.PriceTypeSpot, base.Add(time.Hour))
	require.True(t, ok)
	assert.Equal(t, "25", median.String())

	// the sample at 0 has left the window ending at 75
	median, ok = b.Median(domain.PriceTypeSpot, base.Add(75*time.Minute))
	require.True(t, ok)
	assert.Equal(t, "35", median.String())

	_, ok = b.Median(domain.PriceTypeDayAhead, base.Add(time.Hour))
	assert.False(t, ok)
}

func TestBaselineSkipsNonPositiveMedian(t *testing.T) {
	b := newBaseline(time.Hour, 1, 10)
	r := rec(0, "-5", 1)
	b.Observe(r)
	_, ok := b.Median(domain.PriceTypeSpot, r.Timestamp.Add(time.Minute))
	assert.False(t, ok)
}

func TestBaselineReplacesKnownKey(t *testing.T) {
	b := newBaseline(time.Hour, 1, 10)
	b.Observe(rec(0, "10", 1))
	b.Observe(rec(0, "30", 2))

	median, ok := b.Median(domain.PriceTypeSpot, time.Unix(60, 0))
	require.True(t, ok)
	assert.Equal(t, "30", median.String())
	assert.Len(t, b.samples[domain.PriceTypeSpot], 1)
}

func TestBaselineVolatility(t *testing.T) {
	b := newBaseline(time.Hour, 1, 3)
	r1, r2, r3 := rec(0, "100", 1), rec(60, "110", 2), rec(120, "99", 3)
	b.Observe(r1)
	b.Observe(r2)
	assert.Nil(t, b.Volatility(r2))

	b.Observe(r3)
	v := b.Volatility(r3)
	require.NotNil(t, v)
	// returns 0.1 and -0.1: sample stdev sqrt(0.02)
	assert.InDelta(t, 0.14142136, v.InexactFloat64(), 1e-6)
}

func TestInBand(t *testing.T) {
	median := decimal.NewFromInt(100)
	band := Band{Lower: -1, Upper: 3}
	assert.True(t, inBand(decimal.NewFromInt(-100), median, band, 1))
	assert.True(t, inBand(decimal.NewFromInt(300), median, band, 1))
	assert.False(t, inBand(decimal.NewFromInt(301), median, band, 1))
	assert.True(t, inBand(decimal.NewFromInt(500), median, band, 2))
}

func TestDedupCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newDedupCache(2)
	a, b, d := rec(1, "1", 5), rec(2, "1", 5), rec(3, "1", 5)
	c.Remember(a, "a")
	c.Remember(b, "b")

	v, fp := c.Check(a)
	assert.Equal(t, verdictStale, v)
	assert.Equal(t, "a", fp)

	c.Remember(d, "d")
	assert.Equal(t, 2, c.Len())
	v, _ = c.Check(b)
	assert.Equal(t, verdictUnseen, v, "b was least recently used")

	higher := a
	higher.IngestSequence = 6
	v, _ = c.Check(higher)
	assert.Equal(t, verdictNewer, v)
}

func TestFingerprintIgnoresSequence(t *testing.T) {
	a := rec(1, "50", 1)
	b := rec(1, "50", 2)
	assert.Equal(t, fingerprint(a), fingerprint(b))
	b.LossCost = domain.DecimalPtr(decimal.NewFromInt(1))
	assert.NotEqual(t, fingerprint(a), fingerprint(b))
}
