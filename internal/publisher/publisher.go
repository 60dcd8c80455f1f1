// Package publisher hands connector output to the bus, partitioned by
// market zone, and buffers it while the bus is unreachable.
package publisher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"market-pipeline/internal/bus"
	"market-pipeline/internal/domain"
	"market-pipeline/internal/observability"
)

// DropRecorder is told about records evicted from a full buffer so the
// owning run can count them as rejected.
type DropRecorder interface {
	RecordsDropped(runID string, n int)
}

// AckRecorder is told about records the bus acknowledged.
type AckRecorder interface {
	RecordIngested(runID string, n int, last time.Time)
}

// Options configures the publisher.
type Options struct {
	BufferCapacity int
	PublishTimeout time.Duration
	RetryInterval  time.Duration
	Drops          DropRecorder
	Acks           AckRecorder
}

// Result describes what happened to one Publish call's records.
type Result struct {
	Published int
	Buffered  int
	Dropped   int
	Rejected  int
}

type pending struct {
	runID string
	ts    time.Time
	msg   bus.Message
}

// Publisher writes to the bus in call order. While its buffer is non-empty
// new records queue behind the buffered ones, so per-zone order is kept
// across outages.
type Publisher struct {
	producer bus.Producer
	opts     Options
	logger   zerolog.Logger

	mu      sync.Mutex
	buffer  []pending
	drained chan struct{}
}

// New creates a publisher on top of producer.
func New(producer bus.Producer, opts Options, logger zerolog.Logger) *Publisher {
	if opts.BufferCapacity <= 0 {
		opts.BufferCapacity = 10000
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 2 * time.Second
	}
	drained := make(chan struct{})
	close(drained)
	return &Publisher{
		producer: producer,
		opts:     opts,
		logger:   logger.With().Str("component", "publisher").Logger(),
		drained:  drained,
	}
}

// Publish encodes records and appends them to their zone partitions. An
// unreachable bus is not an error: the records are buffered and Result
// says so. Only a cancelled ctx is returned as an error, after buffering.
func (p *Publisher) Publish(ctx context.Context, runID string, records []domain.PriceRecord) (Result, error) {
	var res Result
	batch := make([]pending, 0, len(records))
	for _, rec := range records {
		msg, err := bus.Encode(runID, rec)
		if err != nil {
			res.Rejected++
			p.logger.Warn().Err(err).Str("run_id", runID).Str("zone", rec.MarketZone).Msg("record could not be encoded")
			continue
		}
		batch = append(batch, pending{runID: runID, ts: rec.Timestamp, msg: msg})
	}
	if res.Rejected > 0 && p.opts.Drops != nil {
		p.opts.Drops.RecordsDropped(runID, res.Rejected)
	}
	if len(batch) == 0 {
		return res, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buffer) > 0 {
		p.flushLocked(ctx)
	}
	if len(p.buffer) > 0 {
		res.Dropped = p.enqueueLocked(batch)
		res.Buffered = len(batch) - res.Dropped
		return res, ctx.Err()
	}

	sent, err := p.send(ctx, batch)
	res.Published = sent
	if err != nil {
		rest := batch[sent:]
		res.Dropped = p.enqueueLocked(rest)
		res.Buffered = len(rest) - res.Dropped
		p.logger.Warn().Err(err).Int("buffered", len(p.buffer)).Msg("bus unavailable, buffering records")
		return res, ctx.Err()
	}
	return res, nil
}

// send writes items under the publish timeout and reports acknowledgements.
func (p *Publisher) send(ctx context.Context, items []pending) (int, error) {
	msgs := make([]bus.Message, len(items))
	for i, it := range items {
		msgs[i] = it.msg
	}
	sendCtx, cancel := context.WithTimeout(ctx, p.opts.PublishTimeout)
	defer cancel()

	n, err := p.producer.Publish(sendCtx, msgs)
	n = max(0, min(n, len(items)))
	p.acknowledge(items[:n])
	if err == nil && n < len(items) {
		err = bus.ErrUnavailable
	}
	return n, err
}

func (p *Publisher) acknowledge(items []pending) {
	if len(items) == 0 {
		return
	}
	type tally struct {
		n    int
		last time.Time
	}
	perRun := make(map[string]*tally)
	perZone := make(map[string]int)
	for _, it := range items {
		perZone[it.msg.Partition]++
		t, ok := perRun[it.runID]
		if !ok {
			t = &tally{}
			perRun[it.runID] = t
		}
		t.n++
		if it.ts.After(t.last) {
			t.last = it.ts
		}
	}
	for zone, n := range perZone {
		observability.RecordPublished(zone, n)
	}
	if p.opts.Acks != nil {
		for runID, t := range perRun {
			p.opts.Acks.RecordIngested(runID, t.n, t.last)
		}
	}
}

// enqueueLocked appends items to the buffer, evicting the oldest entries
// beyond capacity. It returns how many of the new items were themselves
// evicted.
func (p *Publisher) enqueueLocked(items []pending) int {
	if len(items) == 0 {
		return 0
	}
	if len(p.buffer) == 0 {
		p.drained = make(chan struct{})
	}
	p.buffer = append(p.buffer, items...)

	overflow := len(p.buffer) - p.opts.BufferCapacity
	droppedNew := 0
	if overflow > 0 {
		evicted := p.buffer[:overflow]
		perRun := make(map[string]int)
		for _, it := range evicted {
			perRun[it.runID]++
		}
		if p.opts.Drops != nil {
			for runID, n := range perRun {
				p.opts.Drops.RecordsDropped(runID, n)
			}
		}
		observability.RecordDropped(overflow)
		p.logger.Warn().Int("dropped", overflow).Msg("publisher buffer full, dropping oldest records")

		// evicted entries belonging to this call
		droppedNew = max(0, overflow-(len(p.buffer)-len(items)))
		p.buffer = append([]pending(nil), p.buffer[overflow:]...)
	}
	observability.SetPublishBuffer(len(p.buffer))
	return droppedNew
}

// flushLocked sends as much of the buffer as the bus accepts.
func (p *Publisher) flushLocked(ctx context.Context) {
	for len(p.buffer) > 0 {
		if ctx.Err() != nil {
			return
		}
		chunk := p.buffer[:min(len(p.buffer), 512)]
		sent, err := p.send(ctx, chunk)
		p.buffer = p.buffer[sent:]
		if err != nil {
			break
		}
	}
	if len(p.buffer) == 0 {
		p.buffer = nil
		select {
		case <-p.drained:
		default:
			close(p.drained)
		}
		p.logger.Info().Msg("publisher buffer drained")
	}
	observability.SetPublishBuffer(len(p.buffer))
}

// Flush tries to send the buffered records now.
func (p *Publisher) Flush(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffer) > 0 {
		p.flushLocked(ctx)
	}
}

// Backpressured reports whether records are waiting in the buffer.
func (p *Publisher) Backpressured() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer) > 0
}

// Buffered reports the buffer length.
func (p *Publisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// WaitDrained blocks until the buffer is empty or ctx is done.
func (p *Publisher) WaitDrained(ctx context.Context) error {
	p.mu.Lock()
	ch := p.drained
	p.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run retries the buffer every retry interval until ctx is done, then makes
// one last attempt bounded by the publish timeout.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), p.opts.PublishTimeout)
			p.Flush(final)
			cancel()
			if n := p.Buffered(); n > 0 {
				p.logger.Warn().Int("buffered", n).Msg("shutting down with unsent records")
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			p.Flush(ctx)
		}
	}
}
