package service

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	busmem "market-pipeline/internal/bus/memory"
	"market-pipeline/internal/connector"
	"market-pipeline/internal/domain"
	"market-pipeline/internal/publisher"
	"market-pipeline/internal/runs"
	memstore "market-pipeline/internal/storage/memory"
)

var authErr = &connector.SourceError{Source: "grid", Op: "fetch latest", Kind: connector.ErrSourceAuth}

func latest(zone string, price int64) domain.PriceRecord {
	return domain.PriceRecord{
		MarketZone:     zone,
		PriceType:      domain.PriceTypeSpot,
		Timestamp:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Price:          decimal.NewFromInt(price),
		SourceID:       "grid",
		IngestSequence: 1,
	}
}

type disabledAlerts struct {
	mu  sync.Mutex
	ids []string
}

func (a *disabledAlerts) SourceDisabled(_ context.Context, id, _ string) {
	a.mu.Lock()
	a.ids = append(a.ids, id)
	a.mu.Unlock()
}

func (a *disabledAlerts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ids)
}

type harness struct {
	registry *connector.Registry
	bus      *busmem.Bus
	store    *memstore.Store
	alerts   *disabledAlerts
	svc      *Service
}

func start(t *testing.T, conn connector.Connector, src Source) *harness {
	t.Helper()
	h := &harness{
		registry: connector.NewRegistry(),
		bus:      busmem.New(busmem.Options{PartitionCapacity: 100000}),
		store:    memstore.NewStore(),
		alerts:   &disabledAlerts{},
	}
	h.registry.Add(conn)
	tracker := runs.NewTracker(h.store, zerolog.Nop())
	pub := publisher.New(h.bus, publisher.Options{Acks: tracker, Drops: tracker}, zerolog.Nop())
	h.svc = New(h.registry, []Source{src}, pub, tracker, h.alerts, Options{MaxBackoff: 50 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return h
}

func (h *harness) runsByStatus(t *testing.T) map[domain.RunStatus]int {
	t.Helper()
	list, err := h.store.ListRuns(context.Background(), 100)
	require.NoError(t, err)
	out := make(map[domain.RunStatus]int)
	for _, r := range list {
		out[r.Status]++
	}
	return out
}

func TestPollsAndPublishes(t *testing.T) {
	src := connector.NewStatic("grid", []domain.PriceRecord{latest("ZONE_A", 50)})
	h := start(t, src, Source{ID: "grid", Zones: []string{"ZONE_A"}, PollInterval: 5 * time.Millisecond})

	require.Eventually(t, func() bool { return h.bus.Len("ZONE_A") >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.runsByStatus(t)[domain.RunRunning])
}

func TestAuthFailureDisablesUntilReEnabled(t *testing.T) {
	src := connector.NewStatic("grid", []domain.PriceRecord{latest("ZONE_A", 50)})
	src.SetError(authErr)
	h := start(t, src, Source{ID: "grid", Zones: []string{"ZONE_A"}, PollInterval: 5 * time.Millisecond})

	require.Eventually(t, func() bool { return h.registry.IsDisabled("grid") }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return h.runsByStatus(t)[domain.RunFailed] == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.alerts.count())

	calls, _ := src.Calls()
	time.Sleep(50 * time.Millisecond)
	after, _ := src.Calls()
	assert.Equal(t, calls, after, "a disabled source is not polled")
	assert.Zero(t, h.bus.Len("ZONE_A"))

	src.SetError(nil)
	require.NoError(t, h.registry.Enable(context.Background(), "grid"))
	require.Eventually(t, func() bool { return h.bus.Len("ZONE_A") > 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.runsByStatus(t)[domain.RunRunning], "re-enabling starts a new live run")
	assert.Equal(t, 1, h.alerts.count())
}

func TestUnavailableSourceKeepsPolling(t *testing.T) {
	src := connector.NewStatic("grid", []domain.PriceRecord{latest("ZONE_A", 50)})
	src.SetError(&connector.SourceError{Source: "grid", Op: "fetch latest", Kind: connector.ErrSourceUnavailable})
	h := start(t, src, Source{ID: "grid", Zones: []string{"ZONE_A"}, PollInterval: 5 * time.Millisecond})

	require.Eventually(t, func() bool {
		n, _ := src.Calls()
		return n >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, h.registry.IsDisabled("grid"))

	src.SetError(nil)
	require.Eventually(t, func() bool { return h.bus.Len("ZONE_A") > 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestForeignZonesAreRejected(t *testing.T) {
	src := connector.NewStatic("grid", []domain.PriceRecord{latest("ZONE_A", 50), latest("ZONE_X", 51)})
	h := start(t, src, Source{ID: "grid", Zones: []string{"ZONE_A"}, PollInterval: 5 * time.Millisecond})

	require.Eventually(t, func() bool { return h.bus.Len("ZONE_A") >= 2 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, h.bus.Len("ZONE_X"))

	ids := h.svc.tracker.Active()
	require.Len(t, ids, 1)
	run, ok := h.svc.tracker.Snapshot(ids[0])
	require.True(t, ok)
	assert.GreaterOrEqual(t, run.RecordsRejected, int64(2))
}

// hanging never answers until its context ends.
type hanging struct{ calls atomic.Int64 }

func (h *hanging) ID() string { return "grid" }

func (h *hanging) FetchLatest(ctx context.Context) ([]domain.PriceRecord, error) {
	h.calls.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}

func (h *hanging) FetchRange(context.Context, time.Time, time.Time) iter.Seq2[[]domain.PriceRecord, error] {
	return func(func([]domain.PriceRecord, error) bool) {}
}

func TestPollTimeoutIsUnavailable(t *testing.T) {
	conn := &hanging{}
	h := start(t, conn, Source{ID: "grid", PollInterval: time.Millisecond, PollTimeout: 10 * time.Millisecond})

	require.Eventually(t, func() bool { return conn.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, h.registry.IsDisabled("grid"))
}

func TestRunValidatesSources(t *testing.T) {
	registry := connector.NewRegistry()
	svc := New(registry, nil, nil, nil, nil, Options{}, zerolog.Nop())
	assert.Error(t, svc.Run(context.Background()))

	svc = New(registry, []Source{{ID: "missing", PollInterval: time.Second}}, nil, nil, nil, Options{}, zerolog.Nop())
	assert.Error(t, svc.Run(context.Background()))
}
