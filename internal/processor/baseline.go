package processor

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"market-pipeline/internal/domain"
)

// Band is a plausible price range expressed as multiples of the trailing median.
type Band struct {
	Lower float64
	Upper float64
}

type sample struct {
	key   domain.DedupKey
	ts    time.Time
	price decimal.Decimal
}

// baseline keeps the trailing samples of one zone. It is owned by the zone's
// worker goroutine and is not safe for concurrent use.
type baseline struct {
	window     time.Duration
	minSamples int
	volWindow  int

	// samples per price type, sorted by timestamp, anomalies excluded
	samples map[domain.PriceType][]sample
	latest  map[domain.PriceType]time.Time
	// price series per (price type, location, source), sorted by timestamp
	series map[seriesKey][]sample
}

type seriesKey struct {
	pt       domain.PriceType
	location string
	source   string
}

func newBaseline(window time.Duration, minSamples, volWindow int) *baseline {
	if minSamples <= 0 {
		minSamples = 1
	}
	if volWindow < 3 {
		volWindow = 3
	}
	return &baseline{
		window:     window,
		minSamples: minSamples,
		volWindow:  volWindow,
		samples:    make(map[domain.PriceType][]sample),
		latest:     make(map[domain.PriceType]time.Time),
		series:     make(map[seriesKey][]sample),
	}
}

// Median returns the median price of the zone's price type over
// [ts-window, ts). ok is false when there are too few samples or the
// median is not positive, in which case the range check is skipped.
func (b *baseline) Median(pt domain.PriceType, ts time.Time) (decimal.Decimal, bool) {
	rows := b.samples[pt]
	from := ts.Add(-b.window)
	lo := sort.Search(len(rows), func(i int) bool { return !rows[i].ts.Before(from) })
	hi := sort.Search(len(rows), func(i int) bool { return !rows[i].ts.Before(ts) })
	if hi-lo < b.minSamples {
		return decimal.Zero, false
	}

	prices := make([]decimal.Decimal, 0, hi-lo)
	for _, s := range rows[lo:hi] {
		prices = append(prices, s.price)
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })
	mid := len(prices) / 2
	median := prices[mid]
	if len(prices)%2 == 0 {
		median = prices[mid-1].Add(prices[mid]).Div(decimal.NewFromInt(2))
	}
	if !median.IsPositive() {
		return decimal.Zero, false
	}
	return median, true
}

// Observe adds rec to the median samples (unless it is an anomaly) and to its
// volatility series. A record with an already known dedup key replaces the
// earlier price.
func (b *baseline) Observe(rec domain.PriceRecord) {
	s := sample{key: rec.Key(), ts: rec.Timestamp, price: rec.Price}

	if !rec.Anomaly {
		rows := insertSample(b.samples[rec.PriceType], s)
		if rec.Timestamp.After(b.latest[rec.PriceType]) {
			b.latest[rec.PriceType] = rec.Timestamp
		}
		cutoff := b.latest[rec.PriceType].Add(-b.window)
		drop := sort.Search(len(rows), func(i int) bool { return !rows[i].ts.Before(cutoff) })
		if drop > 0 {
			rows = append(rows[:0:0], rows[drop:]...)
		}
		b.samples[rec.PriceType] = rows
	}

	sk := seriesKey{rec.PriceType, rec.Location, rec.SourceID}
	series := insertSample(b.series[sk], s)
	if limit := 4 * b.volWindow; len(series) > limit {
		series = append(series[:0:0], series[len(series)-limit:]...)
	}
	b.series[sk] = series
}

// Volatility returns the sample standard deviation of simple returns over
// the last volatility window prices of rec's series, ending at rec. It must
// be called after Observe(rec).
func (b *baseline) Volatility(rec domain.PriceRecord) *decimal.Decimal {
	series := b.series[seriesKey{rec.PriceType, rec.Location, rec.SourceID}]
	end := sort.Search(len(series), func(i int) bool { return series[i].ts.After(rec.Timestamp) })
	start := max(0, end-b.volWindow)
	window := series[start:end]
	if len(window) < 3 {
		return nil
	}

	returns := make([]float64, 0, len(window)-1)
	for i := 1; i < len(window); i++ {
		prev := window[i-1].price.InexactFloat64()
		if prev == 0 {
			continue
		}
		returns = append(returns, (window[i].price.InexactFloat64()-prev)/prev)
	}
	if len(returns) < 2 {
		return nil
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var sq float64
	for _, r := range returns {
		sq += (r - mean) * (r - mean)
	}
	stdev := math.Sqrt(sq / float64(len(returns)-1))
	if math.IsNaN(stdev) || math.IsInf(stdev, 0) {
		return nil
	}
	v := decimal.NewFromFloat(stdev).Round(8)
	return &v
}

func insertSample(rows []sample, s sample) []sample {
	i := sort.Search(len(rows), func(i int) bool { return !rows[i].ts.Before(s.ts) })
	for j := i; j < len(rows) && rows[j].ts.Equal(s.ts); j++ {
		if rows[j].key == s.key {
			rows[j].price = s.price
			return rows
		}
	}
	rows = append(rows, sample{})
	copy(rows[i+1:], rows[i:])
	rows[i] = s
	return rows
}

// inBand reports whether price lies within band scaled by multiplier around median.
func inBand(price, median decimal.Decimal, band Band, multiplier float64) bool {
	if multiplier <= 0 {
		multiplier = 1
	}
	lower := median.Mul(decimal.NewFromFloat(band.Lower * multiplier))
	upper := median.Mul(decimal.NewFromFloat(band.Upper * multiplier))
	return !price.LessThan(lower) && !price.GreaterThan(upper)
}
