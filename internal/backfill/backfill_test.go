package backfill

import (
	"context"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-pipeline/internal/bus"
	busmem "market-pipeline/internal/bus/memory"
	"market-pipeline/internal/connector"
	"market-pipeline/internal/domain"
	"market-pipeline/internal/observability"
	"market-pipeline/internal/publisher"
	"market-pipeline/internal/runs"
	memstore "market-pipeline/internal/storage/memory"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func hourly(zone string, hours int) []domain.PriceRecord {
	out := make([]domain.PriceRecord, hours)
	for i := range out {
		out[i] = domain.PriceRecord{
			MarketZone:     zone,
			PriceType:      domain.PriceTypeSpot,
			Timestamp:      t0.Add(time.Duration(i) * time.Hour),
			Price:          decimal.NewFromInt(int64(40 + i%7)),
			SourceID:       "grid",
			IngestSequence: uint64(i + 1),
		}
	}
	return out
}

type alertLog struct {
	mu       sync.Mutex
	disabled []string
	failed   []domain.IngestionRun
}

func (a *alertLog) SourceDisabled(_ context.Context, id, _ string) {
	a.mu.Lock()
	a.disabled = append(a.disabled, id)
	a.mu.Unlock()
}

func (a *alertLog) BackfillFailed(_ context.Context, run domain.IngestionRun) {
	a.mu.Lock()
	a.failed = append(a.failed, run)
	a.mu.Unlock()
}

type harness struct {
	registry *connector.Registry
	bus      *busmem.Bus
	store    *memstore.Store
	tracker  *runs.Tracker
	alerts   *alertLog
	coord    *Coordinator
}

func newHarness(t *testing.T, conns ...connector.Connector) *harness {
	t.Helper()
	h := &harness{
		registry: connector.NewRegistry(),
		bus:      busmem.New(busmem.Options{PartitionCapacity: 100000}),
		store:    memstore.NewStore(),
		alerts:   &alertLog{},
	}
	for _, c := range conns {
		h.registry.Add(c)
	}
	h.tracker = runs.NewTracker(h.store, zerolog.Nop())
	pub := publisher.New(h.bus, publisher.Options{Acks: h.tracker, Drops: h.tracker}, zerolog.Nop())
	h.coord = New(h.registry, pub, h.tracker, h.alerts, Options{
		MaxRange:         365 * 24 * time.Hour,
		RecordsPerSecond: 1e6,
	}, zerolog.Nop())
	t.Cleanup(h.coord.Close)
	return h
}

// drainKeys consumes every queued message of a partition and returns the
// distinct dedup keys seen.
func (h *harness) drainKeys(t *testing.T, zone string) map[string]int {
	t.Helper()
	want := h.bus.Len(zone)
	keys := make(map[string]int)
	if want == 0 {
		return keys
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	seen := 0
	err := h.bus.Consume(ctx, zone, 64, func(_ context.Context, batch []bus.Message) error {
		for _, msg := range batch {
			keys[msg.Key]++
		}
		if seen += len(batch); seen >= want {
			cancel()
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, want, seen)
	return keys
}

func TestRangeTooLarge(t *testing.T) {
	src := connector.NewStatic("grid", hourly("ZONE_A", 10))
	h := newHarness(t, src)

	_, err := h.coord.Run(context.Background(), Request{
		SourceID: "grid", Zone: "ZONE_A", Start: t0, End: t0.AddDate(2, 0, 0),
	})
	require.ErrorIs(t, err, ErrRangeTooLarge)

	_, ranged := src.Calls()
	assert.Zero(t, ranged, "source must not be touched")
	runsList, err := h.store.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, runsList)
}

func TestThirtyDayBackfillCompletes(t *testing.T) {
	records := append(hourly("ZONE_A", 30*24), hourly("ZONE_B", 48)...)
	src := connector.NewStatic("grid", records).WithBatchSize(64)
	h := newHarness(t, src)

	run, err := h.coord.Run(context.Background(), Request{
		SourceID: "grid", Zone: "ZONE_A", Start: t0, End: t0.AddDate(0, 0, 30),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, int64(30*24), run.RecordsIngested)
	assert.Zero(t, run.RecordsRejected)
	require.NotNil(t, run.LastIngestedAt)
	assert.Equal(t, t0.Add(719*time.Hour), *run.LastIngestedAt)

	assert.Equal(t, 30*24, h.bus.Len("ZONE_A"))
	assert.Zero(t, h.bus.Len("ZONE_B"), "other zones are filtered out")

	stored, err := h.tracker.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, stored.Status)
	assert.Equal(t, domain.RunKindBackfill, stored.Kind)
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(t, connector.NewStatic("grid", nil))
	ctx := context.Background()

	_, err := h.coord.Run(ctx, Request{SourceID: "nope", Start: t0, End: t0.Add(time.Hour)})
	assert.ErrorIs(t, err, ErrUnknownSource)

	_, err = h.coord.Run(ctx, Request{SourceID: "grid", Start: t0, End: t0})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.coord.Run(ctx, Request{SourceID: "grid"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	h.registry.Disable("grid", "401")
	_, err = h.coord.Run(ctx, Request{SourceID: "grid", Start: t0, End: t0.Add(time.Hour)})
	assert.ErrorIs(t, err, ErrSourceDisabled)
}

func TestAuthFailureFailsRunAndDisablesSource(t *testing.T) {
	src := connector.NewStatic("grid", hourly("ZONE_A", 5))
	src.SetError(&connector.SourceError{Source: "grid", Op: "fetch range", Kind: connector.ErrSourceAuth})
	h := newHarness(t, src)

	run, err := h.coord.Run(context.Background(), Request{
		SourceID: "grid", Zone: "ZONE_A", Start: t0, End: t0.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Contains(t, run.Error, "rejected credentials")
	assert.True(t, h.registry.IsDisabled("grid"))
	assert.Equal(t, 1.0, testutil.ToFloat64(observability.DefaultMetrics.SourcesDisabled))

	h.alerts.mu.Lock()
	defer h.alerts.mu.Unlock()
	assert.Equal(t, []string{"grid"}, h.alerts.disabled)
	require.Len(t, h.alerts.failed, 1)
	assert.Equal(t, run.ID, h.alerts.failed[0].ID)
}

// brokenAfter yields pages of the wrapped records and fails with an
// unavailable error after the given number of pages.
type brokenAfter struct {
	*connector.Static
	pages int
	mu    sync.Mutex
	fail  bool
}

func (b *brokenAfter) heal() {
	b.mu.Lock()
	b.fail = false
	b.mu.Unlock()
}

func (b *brokenAfter) FetchRange(ctx context.Context, start, end time.Time) iter.Seq2[[]domain.PriceRecord, error] {
	return func(yield func([]domain.PriceRecord, error) bool) {
		b.mu.Lock()
		fail := b.fail
		b.mu.Unlock()
		n := 0
		for page, err := range b.Static.FetchRange(ctx, start, end) {
			if fail && n == b.pages {
				yield(nil, &connector.SourceError{Source: b.ID(), Op: "fetch range", Kind: connector.ErrSourceUnavailable})
				return
			}
			n++
			if !yield(page, err) {
				return
			}
		}
	}
}

func TestPartialRunResumes(t *testing.T) {
	src := &brokenAfter{Static: connector.NewStatic("grid", hourly("ZONE_A", 100)).WithBatchSize(10), pages: 4, fail: true}
	h := newHarness(t, src)
	ctx := context.Background()

	first, err := h.coord.Run(ctx, Request{SourceID: "grid", Zone: "ZONE_A", Start: t0, End: t0.Add(100 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, domain.RunPartial, first.Status)
	assert.Equal(t, int64(40), first.RecordsIngested)
	require.NotNil(t, first.LastIngestedAt)
	assert.Equal(t, t0.Add(39*time.Hour), *first.LastIngestedAt)
	assert.False(t, h.registry.IsDisabled("grid"))

	src.heal()
	second, err := h.coord.Run(ctx, Request{ResumeRunID: first.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, second.Status)
	// the last ingested hour is fetched again
	assert.Equal(t, int64(61), second.RecordsIngested)
	require.NotNil(t, second.RangeStart)
	assert.Equal(t, t0, *second.RangeStart)
	assert.Len(t, h.drainKeys(t, "ZONE_A"), 100)

	_, err = h.coord.Run(ctx, Request{ResumeRunID: second.ID})
	assert.ErrorIs(t, err, ErrNotResumable)
}

func TestResumeRefetchesSplitTimestamp(t *testing.T) {
	var records []domain.PriceRecord
	seq := uint64(0)
	for hour := 0; hour < 4; hour++ {
		for _, loc := range []string{"HUB_N", "HUB_S", "HUB_W"} {
			seq++
			records = append(records, domain.PriceRecord{
				MarketZone:     "ZONE_A",
				PriceType:      domain.PriceTypeSpot,
				Location:       loc,
				Timestamp:      t0.Add(time.Duration(hour) * time.Hour),
				Price:          decimal.NewFromInt(int64(40 + hour)),
				SourceID:       "grid",
				IngestSequence: seq,
			})
		}
	}
	// the first page ends after one of the three 01:00 locations
	src := &brokenAfter{Static: connector.NewStatic("grid", records).WithBatchSize(4), pages: 1, fail: true}
	h := newHarness(t, src)
	ctx := context.Background()

	first, err := h.coord.Run(ctx, Request{SourceID: "grid", Zone: "ZONE_A", Start: t0, End: t0.Add(4 * time.Hour)})
	require.NoError(t, err)
	require.Equal(t, domain.RunPartial, first.Status)
	assert.Equal(t, int64(4), first.RecordsIngested)
	require.NotNil(t, first.LastIngestedAt)
	assert.Equal(t, t0.Add(time.Hour), *first.LastIngestedAt)

	src.heal()
	second, err := h.coord.Run(ctx, Request{ResumeRunID: first.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, second.Status)
	assert.Equal(t, int64(9), second.RecordsIngested)

	keys := h.drainKeys(t, "ZONE_A")
	require.Len(t, keys, len(records))
	for _, rec := range records {
		assert.Contains(t, keys, rec.Key().String())
	}
}

func TestStartAndCancel(t *testing.T) {
	src := connector.NewStatic("grid", hourly("ZONE_A", 2000)).WithBatchSize(10)
	h := newHarness(t, src)
	// slow enough that cancellation lands mid-range
	h.coord.opts.RecordsPerSecond = 200

	run, err := h.coord.Start(context.Background(), Request{SourceID: "grid", Zone: "ZONE_A", Start: t0, End: t0.Add(2000 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, domain.RunRunning, run.Status)

	require.NoError(t, h.coord.Cancel(run.ID))
	require.Eventually(t, func() bool {
		got, err := h.tracker.Get(context.Background(), run.ID)
		return err == nil && got.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	got, err := h.tracker.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunPartial, got.Status)
	assert.Less(t, got.RecordsIngested, int64(2000))
	assert.ErrorIs(t, h.coord.Cancel(run.ID), runs.ErrUnknownRun)
}
