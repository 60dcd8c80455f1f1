// Package backfill ingests historical ranges from a source through the same
// publish path live polling uses.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"market-pipeline/internal/config"
	"market-pipeline/internal/connector"
	"market-pipeline/internal/domain"
	"market-pipeline/internal/publisher"
	"market-pipeline/internal/runs"
)

var (
	ErrRangeTooLarge  = errors.New("backfill range exceeds the maximum")
	ErrUnknownSource  = connector.ErrUnknownSource
	ErrSourceDisabled = errors.New("source is disabled")
	ErrInvalidRequest = errors.New("invalid backfill request")
	// ErrNotResumable is returned when the run to resume is not a partial backfill.
	ErrNotResumable = errors.New("run cannot be resumed")
)

// Sources resolves connectors and tracks which of them are disabled.
type Sources interface {
	Get(id string) (connector.Connector, bool)
	IsDisabled(id string) bool
	Disable(id, reason string) bool
}

// Publisher is the ingestion publish path.
type Publisher interface {
	Publish(ctx context.Context, runID string, records []domain.PriceRecord) (publisher.Result, error)
	WaitDrained(ctx context.Context) error
}

// Alerts receives operator-facing backfill events.
type Alerts interface {
	SourceDisabled(ctx context.Context, sourceID, reason string)
	BackfillFailed(ctx context.Context, run domain.IngestionRun)
}

// Request selects the range to ingest. With ResumeRunID set the source,
// zone and range come from that run and ingestion continues one second
// after its last ingested record.
type Request struct {
	SourceID    string    `json:"source_id"`
	Zone        string    `json:"zone"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	ResumeRunID string    `json:"resume_run_id,omitempty"`
}

// Options bounds backfills.
type Options struct {
	MaxRange         time.Duration
	RecordsPerSecond float64
	// FinishTimeout bounds the final drain and run save after cancellation.
	FinishTimeout time.Duration
}

// OptionsFromConfig maps backfill configuration.
func OptionsFromConfig(cfg config.BackfillConfig) Options {
	return Options{MaxRange: cfg.MaxRange, RecordsPerSecond: cfg.RecordsPerSecond}
}

type plan struct {
	source     connector.Connector
	zone       string
	start, end time.Time
	// rangeStart is the originally requested start, kept on resumed runs.
	rangeStart time.Time
}

// Coordinator runs backfills one source range at a time per call.
type Coordinator struct {
	sources Sources
	pub     Publisher
	tracker *runs.Tracker
	alerts  Alerts
	opts    Options
	logger  zerolog.Logger

	root   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[string]*atomic.Bool
}

// New creates a coordinator. alerts may be nil.
func New(sources Sources, pub Publisher, tracker *runs.Tracker, alerts Alerts, opts Options, logger zerolog.Logger) *Coordinator {
	if opts.MaxRange <= 0 {
		opts.MaxRange = 365 * 24 * time.Hour
	}
	if opts.RecordsPerSecond <= 0 {
		opts.RecordsPerSecond = 500
	}
	if opts.FinishTimeout <= 0 {
		opts.FinishTimeout = 30 * time.Second
	}
	root, stop := context.WithCancel(context.Background())
	return &Coordinator{
		sources: sources,
		pub:     pub,
		tracker: tracker,
		alerts:  alerts,
		opts:    opts,
		logger:  logger.With().Str("component", "backfill").Logger(),
		root:    root,
		stop:    stop,
		active:  make(map[string]*atomic.Bool),
	}
}

// Run ingests the requested range and blocks until the run finished. An
// error is returned only when the request is refused; once a run started
// its outcome is carried by the returned run's status.
func (c *Coordinator) Run(ctx context.Context, req Request) (domain.IngestionRun, error) {
	p, err := c.prepare(ctx, req)
	if err != nil {
		return domain.IngestionRun{}, err
	}
	run, cancelled := c.open(ctx, p)
	return c.execute(ctx, p, run, cancelled), nil
}

// Start validates req, opens the run and ingests in the background. The
// returned run is in running status.
func (c *Coordinator) Start(ctx context.Context, req Request) (domain.IngestionRun, error) {
	p, err := c.prepare(ctx, req)
	if err != nil {
		return domain.IngestionRun{}, err
	}
	if c.root.Err() != nil {
		return domain.IngestionRun{}, fmt.Errorf("backfill coordinator closed: %w", c.root.Err())
	}
	run, cancelled := c.open(ctx, p)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.execute(c.root, p, run, cancelled)
	}()
	return run, nil
}

// Cancel asks a running backfill to stop after its current batch. The run
// finishes as partial and can be resumed.
func (c *Coordinator) Cancel(runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	flag, ok := c.active[runID]
	if !ok {
		return fmt.Errorf("%w: %s", runs.ErrUnknownRun, runID)
	}
	flag.Store(true)
	return nil
}

// Close stops background backfills and waits for them to record their
// final state.
func (c *Coordinator) Close() {
	c.stop()
	c.wg.Wait()
}

func (c *Coordinator) prepare(ctx context.Context, req Request) (plan, error) {
	var p plan
	if req.ResumeRunID != "" {
		prev, err := c.tracker.Get(ctx, req.ResumeRunID)
		if err != nil {
			return p, err
		}
		if prev.Kind != domain.RunKindBackfill || prev.Status != domain.RunPartial || prev.RangeStart == nil || prev.RangeEnd == nil {
			return p, fmt.Errorf("%w: %s is %s %s", ErrNotResumable, prev.ID, prev.Kind, prev.Status)
		}
		req.SourceID, req.Zone = prev.SourceID, prev.MarketZone
		req.Start, req.End = *prev.RangeStart, *prev.RangeEnd
		p.rangeStart = req.Start
		// a page can end inside a timestamp, so the last one is fetched
		// again; the dedup key absorbs the repeats
		if prev.LastIngestedAt != nil {
			req.Start = *prev.LastIngestedAt
		}
	}

	start, end := req.Start.UTC(), req.End.UTC()
	if start.IsZero() || end.IsZero() {
		return p, fmt.Errorf("%w: start and end are required", ErrInvalidRequest)
	}
	if p.rangeStart.IsZero() {
		p.rangeStart = start
	}
	if end.Sub(p.rangeStart) > c.opts.MaxRange {
		return p, fmt.Errorf("%w: %s > %s", ErrRangeTooLarge, end.Sub(p.rangeStart), c.opts.MaxRange)
	}
	if req.ResumeRunID == "" && !start.Before(end) {
		return p, fmt.Errorf("%w: start must be before end", ErrInvalidRequest)
	}

	src, ok := c.sources.Get(req.SourceID)
	if !ok {
		return p, fmt.Errorf("%w: %q", ErrUnknownSource, req.SourceID)
	}
	if c.sources.IsDisabled(req.SourceID) {
		return p, fmt.Errorf("%w: %s", ErrSourceDisabled, req.SourceID)
	}
	p.source, p.zone, p.start, p.end = src, req.Zone, start, end
	return p, nil
}

func (c *Coordinator) open(ctx context.Context, p plan) (domain.IngestionRun, *atomic.Bool) {
	rangeStart, rangeEnd := p.rangeStart, p.end
	run := c.tracker.Start(ctx, runs.StartOptions{
		SourceID:   p.source.ID(),
		Zone:       p.zone,
		Kind:       domain.RunKindBackfill,
		RangeStart: &rangeStart,
		RangeEnd:   &rangeEnd,
	})
	cancelled := new(atomic.Bool)
	c.mu.Lock()
	c.active[run.ID] = cancelled
	c.mu.Unlock()
	return run, cancelled
}

func (c *Coordinator) execute(ctx context.Context, p plan, run domain.IngestionRun, cancelled *atomic.Bool) domain.IngestionRun {
	defer func() {
		c.mu.Lock()
		delete(c.active, run.ID)
		c.mu.Unlock()
	}()

	logger := c.logger.With().
		Str("run_id", run.ID).
		Str("source", p.source.ID()).
		Str("zone", p.zone).
		Time("from", p.start).
		Time("to", p.end).
		Logger()
	logger.Info().Msg("backfill started")

	cause := c.ingest(ctx, p, run.ID, cancelled, logger)

	// counters settle once the publisher acknowledged everything it holds
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.FinishTimeout)
	defer cancel()
	if err := c.pub.WaitDrained(finishCtx); err != nil {
		logger.Warn().Err(err).Msg("publisher still buffering at backfill end")
		if cause == nil {
			cause = fmt.Errorf("publisher did not drain: %w", err)
		}
	}

	status := domain.RunCompleted
	switch {
	case cause == nil:
	case errors.Is(cause, connector.ErrSourceAuth):
		status = domain.RunFailed
		if c.sources.Disable(p.source.ID(), cause.Error()) && c.alerts != nil {
			c.alerts.SourceDisabled(finishCtx, p.source.ID(), cause.Error())
		}
	default:
		status = domain.RunPartial
	}

	finished, err := c.tracker.Finish(finishCtx, run.ID, status, cause)
	if err != nil {
		logger.Error().Err(err).Msg("failed to record backfill outcome")
	}
	if status == domain.RunFailed && c.alerts != nil {
		c.alerts.BackfillFailed(finishCtx, finished)
	}
	return finished
}

// ingest pages through the range and publishes every record of the zone.
// It returns the reason the run stopped early, if any.
func (c *Coordinator) ingest(ctx context.Context, p plan, runID string, cancelled *atomic.Bool, logger zerolog.Logger) error {
	if !p.start.Before(p.end) {
		return nil
	}
	burst := max(1, int(math.Ceil(c.opts.RecordsPerSecond)))
	limiter := rate.NewLimiter(rate.Limit(c.opts.RecordsPerSecond), burst)

	pages := 0
	for page, err := range p.source.FetchRange(ctx, p.start, p.end) {
		if err != nil && !connector.IsPartial(err) {
			logger.Warn().Err(err).Int("pages", pages).Msg("backfill stopped by source error")
			return err
		}
		if n := connector.Rejected(err); n > 0 {
			c.tracker.RecordRejected(runID, n)
			logger.Warn().Err(err).Msg("page contained malformed records")
		}
		pages++

		records := page
		if p.zone != "" {
			records = filterZone(page, p.zone)
		}
		for len(records) > 0 {
			chunk := records[:min(len(records), burst)]
			records = records[len(chunk):]
			if err := limiter.WaitN(ctx, len(chunk)); err != nil {
				return fmt.Errorf("backfill interrupted: %w", err)
			}
			if _, err := c.pub.Publish(ctx, runID, chunk); err != nil {
				return fmt.Errorf("backfill interrupted: %w", err)
			}
		}
		// pause while the bus is backed up instead of growing the buffer
		if err := c.pub.WaitDrained(ctx); err != nil {
			return fmt.Errorf("backfill interrupted: %w", err)
		}
		if err := c.tracker.Checkpoint(ctx, runID); err != nil {
			logger.Debug().Err(err).Msg("checkpoint failed")
		}
		if cancelled.Load() {
			logger.Info().Int("pages", pages).Msg("backfill cancelled")
			return errors.New("backfill cancelled")
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("backfill interrupted: %w", err)
	}
	return nil
}

func filterZone(records []domain.PriceRecord, zone string) []domain.PriceRecord {
	out := make([]domain.PriceRecord, 0, len(records))
	for _, rec := range records {
		if rec.MarketZone == zone {
			out = append(out, rec)
		}
	}
	return out
}
