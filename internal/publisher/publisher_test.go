package publisher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-pipeline/internal/bus"
	"market-pipeline/internal/bus/memory"
	"market-pipeline/internal/domain"
)

type counts struct {
	mu      sync.Mutex
	dropped map[string]int
	acked   map[string]int
}

func newCounts() *counts {
	return &counts{dropped: map[string]int{}, acked: map[string]int{}}
}

func (c *counts) RecordsDropped(runID string, n int) {
	c.mu.Lock()
	c.dropped[runID] += n
	c.mu.Unlock()
}

func (c *counts) RecordIngested(runID string, n int, _ time.Time) {
	c.mu.Lock()
	c.acked[runID] += n
	c.mu.Unlock()
}

func (c *counts) get(m map[string]int, runID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return m[runID]
}

func records(zone string, from, n int) []domain.PriceRecord {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	out := make([]domain.PriceRecord, n)
	for i := range out {
		out[i] = domain.PriceRecord{
			MarketZone:     zone,
			PriceType:      domain.PriceTypeSpot,
			Timestamp:      base.Add(time.Duration(from+i) * time.Minute),
			Price:          decimal.NewFromInt(int64(from + i)),
			SourceID:       "src",
			IngestSequence: uint64(from + i + 1),
		}
	}
	return out
}

// drain reads every queued message of a partition in order.
func drain(t *testing.T, b *memory.Bus, zone string) []string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu    sync.Mutex
		order []string
	)
	want := b.Len(zone)
	go func() {
		_ = b.Consume(ctx, zone, 100, func(_ context.Context, batch []bus.Message) error {
			mu.Lock()
			defer mu.Unlock()
			for _, m := range batch {
				_, rec, err := bus.Decode(m.Payload)
				assert.NoError(t, err)
				order = append(order, rec.Price.String())
			}
			return nil
		})
	}()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == want
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	return order
}

func TestPublishPartitionsByZone(t *testing.T) {
	b := memory.New(memory.Options{PartitionCapacity: 100})
	c := newCounts()
	p := New(b, Options{BufferCapacity: 10, Acks: c, Drops: c}, zerolog.Nop())

	res, err := p.Publish(context.Background(), "run-1", append(records("A", 0, 3), records("B", 0, 2)...))
	require.NoError(t, err)
	assert.Equal(t, Result{Published: 5}, res)
	assert.Equal(t, 3, b.Len("A"))
	assert.Equal(t, 2, b.Len("B"))
	assert.Equal(t, 5, c.get(c.acked, "run-1"))
	assert.False(t, p.Backpressured())
	require.NoError(t, p.WaitDrained(context.Background()))
}

func TestPublishBuffersWhileBusDown(t *testing.T) {
	b := memory.New(memory.Options{PartitionCapacity: 100})
	c := newCounts()
	p := New(b, Options{BufferCapacity: 10, Acks: c, Drops: c}, zerolog.Nop())

	b.SetUnavailable(true)
	res, err := p.Publish(context.Background(), "run-1", records("A", 0, 3))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Buffered)
	assert.True(t, p.Backpressured())

	// new records queue behind the buffered ones
	res, err = p.Publish(context.Background(), "run-1", records("A", 3, 2))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Buffered)
	assert.Equal(t, 5, p.Buffered())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.WaitDrained(ctx), context.DeadlineExceeded)

	b.SetUnavailable(false)
	p.Flush(context.Background())
	assert.False(t, p.Backpressured())
	require.NoError(t, p.WaitDrained(context.Background()))
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, drain(t, b, "A"))
	assert.Equal(t, 5, c.get(c.acked, "run-1"))
}

func TestPublishDropsOldestWhenBufferFull(t *testing.T) {
	b := memory.New(memory.Options{PartitionCapacity: 100})
	c := newCounts()
	p := New(b, Options{BufferCapacity: 4, Acks: c, Drops: c}, zerolog.Nop())

	b.SetUnavailable(true)
	_, err := p.Publish(context.Background(), "old", records("A", 0, 3))
	require.NoError(t, err)
	res, err := p.Publish(context.Background(), "new", records("A", 3, 3))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Buffered)
	assert.Zero(t, res.Dropped)
	assert.Equal(t, 4, p.Buffered())
	assert.Equal(t, 2, c.get(c.dropped, "old"))

	b.SetUnavailable(false)
	p.Flush(context.Background())
	assert.Equal(t, []string{"2", "3", "4", "5"}, drain(t, b, "A"))
	assert.Equal(t, 1, c.get(c.acked, "old"))
	assert.Equal(t, 3, c.get(c.acked, "new"))
}

func TestPublishPartialAcceptance(t *testing.T) {
	b := memory.New(memory.Options{PartitionCapacity: 2})
	c := newCounts()
	p := New(b, Options{BufferCapacity: 10, Acks: c, Drops: c}, zerolog.Nop())

	res, err := p.Publish(context.Background(), "run", records("A", 0, 3))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Published)
	assert.Equal(t, 1, res.Buffered)
	assert.True(t, p.Backpressured())
}

func TestRunFlushesBuffer(t *testing.T) {
	b := memory.New(memory.Options{PartitionCapacity: 100})
	p := New(b, Options{BufferCapacity: 10, RetryInterval: 5 * time.Millisecond}, zerolog.Nop())

	b.SetUnavailable(true)
	_, err := p.Publish(context.Background(), "run", records("A", 0, 2))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	b.SetUnavailable(false)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	require.NoError(t, p.WaitDrained(waitCtx))
	assert.Equal(t, 2, b.Len("A"))

	cancel()
	require.NoError(t, <-done)
}
