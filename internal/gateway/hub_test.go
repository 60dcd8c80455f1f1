package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-pipeline/internal/domain"
)

func price(zone string, pt domain.PriceType, p int64) domain.PriceRecord {
	return domain.PriceRecord{
		MarketZone: zone,
		PriceType:  pt,
		Timestamp:  time.Unix(p, 0).UTC(),
		Price:      decimal.NewFromInt(p),
		SourceID:   "grid",
	}
}

func prices(records []domain.PriceRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Price.String()
	}
	return out
}

func runHub(t *testing.T, opts Options) *Hub {
	t.Helper()
	h := NewHub(opts, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func waitQueued(t *testing.T, c *Client, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.size >= n
	}, time.Second, time.Millisecond)
}

func TestHubZoneFilterIsolation(t *testing.T) {
	h := runHub(t, Options{QueueSize: 10})
	a, b := h.Register(), h.Register()
	require.NoError(t, h.Subscribe(a.ID, Filter{Zones: []string{"ZONE_A"}}))
	require.NoError(t, h.Subscribe(b.ID, Filter{Zones: []string{"ZONE_B"}, PriceType: domain.PriceTypeDayAhead}))

	h.Publish(price("ZONE_A", domain.PriceTypeSpot, 1))
	h.Publish(price("ZONE_B", domain.PriceTypeSpot, 2))
	h.Publish(price("ZONE_B", domain.PriceTypeDayAhead, 3))
	h.Publish(price("ZONE_A", domain.PriceTypeDayAhead, 4))

	waitQueued(t, a, 2)
	waitQueued(t, b, 1)
	// a sentinel proves the earlier records have been distributed
	h.Publish(price("ZONE_B", domain.PriceTypeDayAhead, 5))
	waitQueued(t, b, 2)

	assert.Equal(t, []string{"1", "4"}, prices(a.Drain()))
	assert.Equal(t, []string{"3", "5"}, prices(b.Drain()))
}

func TestHubSlowSubscriberDropsOldest(t *testing.T) {
	h := runHub(t, Options{QueueSize: 2})
	slow := h.Register()
	require.NoError(t, h.Subscribe(slow.ID, Filter{Zones: []string{"ZONE_A"}}))

	for i := int64(1); i <= 5; i++ {
		h.Publish(price("ZONE_A", domain.PriceTypeSpot, i))
	}
	require.Eventually(t, func() bool { return slow.Dropped() == 3 }, time.Second, time.Millisecond)

	// the connection is kept and holds the newest records
	_, ok := h.Client(slow.ID)
	require.True(t, ok)
	assert.Equal(t, []string{"4", "5"}, prices(slow.Drain()))

	h.Publish(price("ZONE_A", domain.PriceTypeSpot, 6))
	waitQueued(t, slow, 1)
	assert.Equal(t, []string{"6"}, prices(slow.Drain()))
	assert.Equal(t, int64(3), slow.Dropped())
}

func TestHubResubscribeReplacesFilter(t *testing.T) {
	h := runHub(t, Options{QueueSize: 10})
	c := h.Register()
	require.NoError(t, h.Subscribe(c.ID, Filter{Zones: []string{"ZONE_A"}}))
	require.NoError(t, h.Subscribe(c.ID, Filter{Zones: []string{"ZONE_C", "ZONE_B"}}))
	assert.Equal(t, []string{"ZONE_B", "ZONE_C"}, c.Filter().Zones)

	h.Publish(price("ZONE_A", domain.PriceTypeSpot, 1))
	h.Publish(price("ZONE_B", domain.PriceTypeSpot, 2))
	waitQueued(t, c, 1)
	assert.Equal(t, []string{"2"}, prices(c.Drain()))
}

func TestHubUnregisterDiscardsSubscription(t *testing.T) {
	h := NewHub(Options{}, zerolog.Nop())
	c := h.Register()
	assert.Equal(t, 1, h.Clients())
	h.Unregister(c.ID)
	h.Unregister(c.ID)
	assert.Zero(t, h.Clients())
	assert.Error(t, h.Subscribe(c.ID, Filter{Zones: []string{"ZONE_A"}}))
}

func TestHubPublishNeverBlocks(t *testing.T) {
	// no distribution loop: the intake fills and sheds its oldest entries
	h := NewHub(Options{IntakeSize: 2}, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		for i := int64(1); i <= 10; i++ {
			h.Publish(price("ZONE_A", domain.PriceTypeSpot, i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked")
	}
	assert.Equal(t, int64(8), h.intakeDropped.Load())
	assert.Equal(t, "9", (<-h.intake).Price.String())
}
