// Package processor consumes the bus one market zone at a time, validates and
// enriches records, writes them idempotently to the store and emits what was
// stored to live subscribers.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"market-pipeline/internal/bus"
	"market-pipeline/internal/config"
	"market-pipeline/internal/domain"
	"market-pipeline/internal/observability"
	"market-pipeline/internal/storage"
)

// Sink receives every record that changed stored state. Publish must not block.
type Sink interface {
	Publish(rec domain.PriceRecord)
}

// RejectRecorder is told about records of a run that failed the shape check.
type RejectRecorder interface {
	RecordRejected(runID string, n int)
}

// Options configures the processor.
type Options struct {
	Zones              []string
	BatchSize          int
	BaselineWindow     time.Duration
	MinBaselineSamples int
	VolatilityWindow   int
	DedupCacheSize     int
	Bands              map[domain.PriceType]Band
	// BandMultipliers scales the band per source id.
	BandMultipliers   map[string]float64
	StoreRetryInitial time.Duration
	StoreRetryMax     time.Duration
	// QualityDebounce bounds how often a busy zone is re-evaluated after batches.
	QualityDebounce time.Duration
	Rejects         RejectRecorder
}

// OptionsFromConfig derives processor options from configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	bands := make(map[domain.PriceType]Band, len(cfg.Processor.Bands))
	for name, b := range cfg.Processor.Bands {
		pt, err := domain.ParsePriceType(name)
		if err != nil {
			continue
		}
		bands[pt] = Band{Lower: b.Lower, Upper: b.Upper}
	}
	multipliers := make(map[string]float64, len(cfg.Sources))
	for _, s := range cfg.Sources {
		multipliers[s.ID] = s.BandMultiplier()
	}
	return Options{
		Zones:              cfg.Zones(),
		BatchSize:          cfg.Processor.BatchSize,
		BaselineWindow:     cfg.Processor.BaselineWindow,
		MinBaselineSamples: cfg.Processor.MinBaselineSamples,
		VolatilityWindow:   cfg.Processor.VolatilityWindow,
		DedupCacheSize:     cfg.Processor.DedupCacheSize,
		Bands:              bands,
		BandMultipliers:    multipliers,
		StoreRetryInitial:  cfg.Processor.StoreRetryInitial,
		StoreRetryMax:      cfg.Processor.StoreRetryMax,
	}
}

// Counts tallies processing outcomes for one zone.
type Counts struct {
	Received   int64 `json:"received"`
	Rejected   int64 `json:"rejected"`
	Anomalies  int64 `json:"anomalies"`
	Duplicates int64 `json:"duplicates"`
	Inserted   int64 `json:"inserted"`
	Updated    int64 `json:"updated"`
	Emitted    int64 `json:"emitted"`
}

// Processor runs one worker per zone partition.
type Processor struct {
	consumer bus.Consumer
	store    storage.PriceStore
	sink     Sink
	quality  *QualityEvaluator
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time

	mu     sync.Mutex
	counts map[string]*Counts
}

// New constructs a processor. sink and quality may be nil.
func New(consumer bus.Consumer, store storage.PriceStore, sink Sink, quality *QualityEvaluator, opts Options, logger zerolog.Logger) *Processor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 256
	}
	if opts.BaselineWindow <= 0 {
		opts.BaselineWindow = 24 * time.Hour
	}
	if opts.VolatilityWindow <= 0 {
		opts.VolatilityWindow = 48
	}
	if opts.StoreRetryInitial <= 0 {
		opts.StoreRetryInitial = 500 * time.Millisecond
	}
	if opts.StoreRetryMax <= 0 {
		opts.StoreRetryMax = 30 * time.Second
	}
	if opts.QualityDebounce <= 0 {
		opts.QualityDebounce = time.Second
	}
	return &Processor{
		consumer: consumer,
		store:    store,
		sink:     sink,
		quality:  quality,
		opts:     opts,
		logger:   logger.With().Str("component", "processor").Logger(),
		now:      time.Now,
		counts:   make(map[string]*Counts),
	}
}

// Run starts one worker per zone and blocks until ctx is done or a worker
// fails for good.
func (p *Processor) Run(ctx context.Context) error {
	if len(p.opts.Zones) == 0 {
		return fmt.Errorf("processor: no zones configured")
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, zone := range p.opts.Zones {
		w := p.newWorker(zone)
		g.Go(func() error {
			return w.run(gctx)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stats returns a copy of the per-zone counters.
func (p *Processor) Stats() map[string]Counts {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Counts, len(p.counts))
	for zone, c := range p.counts {
		out[zone] = *c
	}
	return out
}

func (p *Processor) tally(zone string, fn func(*Counts)) {
	p.mu.Lock()
	c, ok := p.counts[zone]
	if !ok {
		c = &Counts{}
		p.counts[zone] = c
	}
	fn(c)
	p.mu.Unlock()
}

type worker struct {
	p        *Processor
	zone     string
	logger   zerolog.Logger
	baseline *baseline
	dedup    *dedupCache
	lastEval time.Time
}

func (p *Processor) newWorker(zone string) *worker {
	return &worker{
		p:        p,
		zone:     zone,
		logger:   p.logger.With().Str("zone", zone).Logger(),
		baseline: newBaseline(p.opts.BaselineWindow, p.opts.MinBaselineSamples, p.opts.VolatilityWindow),
		dedup:    newDedupCache(p.opts.DedupCacheSize),
	}
}

func (w *worker) run(ctx context.Context) error {
	w.warm(ctx)
	w.logger.Info().Int("batch_size", w.p.opts.BatchSize).Msg("zone worker started")
	err := w.p.consumer.Consume(ctx, w.zone, w.p.opts.BatchSize, w.handle)
	if err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Error().Err(err).Msg("zone worker stopped")
		return fmt.Errorf("zone %s: %w", w.zone, err)
	}
	return nil
}

// warm loads the trailing baseline window from the store. Failure only means
// range checks are skipped until enough live samples arrive.
func (w *worker) warm(ctx context.Context) {
	end := w.p.now().UTC()
	start := end.Add(-w.p.opts.BaselineWindow)
	loaded := 0
	for _, pt := range domain.PriceTypes {
		rows, err := w.p.store.QueryRange(ctx, storage.RangeQuery{Zone: w.zone, PriceType: pt, Start: start, End: end, Limit: 20000})
		if err != nil {
			w.logger.Warn().Err(err).Str("price_type", string(pt)).Msg("baseline warm-up failed")
			continue
		}
		for _, rec := range rows {
			w.baseline.Observe(rec)
			w.dedup.Remember(rec, fingerprint(rec))
		}
		loaded += len(rows)
	}
	if loaded > 0 {
		w.logger.Debug().Int("records", loaded).Msg("baseline warmed from store")
	}
}

// handle processes one batch in order. Returning an error leaves the batch
// unacknowledged so the bus redelivers it.
func (w *worker) handle(ctx context.Context, batch []bus.Message) error {
	for _, msg := range batch {
		if err := w.process(ctx, msg); err != nil {
			return err
		}
	}
	w.evaluateQuality(ctx)
	return nil
}

func (w *worker) process(ctx context.Context, msg bus.Message) error {
	w.p.tally(w.zone, func(c *Counts) { c.Received++ })

	// shape check
	runID, rec, err := bus.Decode(msg.Payload)
	if err == nil && rec.MarketZone != w.zone {
		err = fmt.Errorf("%w: record for zone %s on partition %s", bus.ErrMalformed, rec.MarketZone, w.zone)
	}
	if err != nil {
		w.reject(runID, err)
		return nil
	}
	rec.ReceivedAt = w.p.now().UTC()

	// range check
	if band, ok := w.p.opts.Bands[rec.PriceType]; ok {
		if median, ok := w.baseline.Median(rec.PriceType, rec.Timestamp); ok {
			if !inBand(rec.Price, median, band, w.p.opts.BandMultipliers[rec.SourceID]) {
				rec.Anomaly = true
				w.logger.Warn().
					Str("price_type", string(rec.PriceType)).
					Str("source", rec.SourceID).
					Str("price", rec.Price.String()).
					Str("median", median.String()).
					Time("ts", rec.Timestamp).
					Msg("price outside plausible band")
			}
		}
	}

	// duplicate check
	fp := fingerprint(rec)
	v, cachedFP := w.dedup.Check(rec)
	if v == verdictStale {
		w.duplicate()
		return nil
	}

	// enrichment
	w.baseline.Observe(rec)
	rec.Volatility = w.baseline.Volatility(rec)

	outcome, err := w.write(ctx, rec)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			w.reject(runID, err)
			return nil
		}
		return err
	}
	w.dedup.Remember(rec, fp)

	if !outcome.Written() {
		w.duplicate()
		return nil
	}
	w.p.tally(w.zone, func(c *Counts) {
		if outcome == storage.Inserted {
			c.Inserted++
		} else {
			c.Updated++
		}
		if rec.Anomaly {
			c.Anomalies++
		}
	})
	observability.RecordProcessed(w.zone, outcome.String())
	if rec.Anomaly {
		observability.RecordProcessed(w.zone, "anomaly")
	}

	// a higher sequence carrying identical content is not news to subscribers
	if v == verdictNewer && cachedFP == fp {
		return nil
	}
	if w.p.sink != nil {
		w.p.sink.Publish(rec)
		w.p.tally(w.zone, func(c *Counts) { c.Emitted++ })
	}
	return nil
}

// write upserts rec, retrying with exponential backoff while the store is
// unavailable. Only ctx cancellation or a non-transient error ends the retry.
func (w *worker) write(ctx context.Context, rec domain.PriceRecord) (storage.UpsertOutcome, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.p.opts.StoreRetryInitial
	policy.MaxInterval = w.p.opts.StoreRetryMax
	policy.MaxElapsedTime = 0

	attempt := 0
	return backoff.RetryWithData(func() (storage.UpsertOutcome, error) {
		attempt++
		outcome, err := w.p.store.Upsert(ctx, rec)
		if err == nil {
			return outcome, nil
		}
		if ctx.Err() != nil {
			return outcome, backoff.Permanent(ctx.Err())
		}
		if !errors.Is(err, storage.ErrUnavailable) {
			return outcome, backoff.Permanent(err)
		}
		observability.RecordStoreRetry(w.zone)
		if attempt == 1 || attempt%10 == 0 {
			w.logger.Warn().Err(err).Int("attempt", attempt).Msg("store unavailable, pausing partition")
		}
		return outcome, err
	}, backoff.WithContext(policy, ctx))
}

func (w *worker) reject(runID string, err error) {
	w.p.tally(w.zone, func(c *Counts) { c.Rejected++ })
	observability.RecordProcessed(w.zone, "rejected")
	if runID != "" && w.p.opts.Rejects != nil {
		w.p.opts.Rejects.RecordRejected(runID, 1)
	}
	w.logger.Debug().Err(err).Str("run_id", runID).Msg("record rejected")
}

func (w *worker) duplicate() {
	w.p.tally(w.zone, func(c *Counts) { c.Duplicates++ })
	observability.RecordProcessed(w.zone, "duplicate")
}

func (w *worker) evaluateQuality(ctx context.Context) {
	if w.p.quality == nil {
		return
	}
	now := w.p.now()
	if !w.lastEval.IsZero() && now.Sub(w.lastEval) < w.p.opts.QualityDebounce {
		return
	}
	w.lastEval = now
	if _, err := w.p.quality.Evaluate(ctx, w.zone); err != nil {
		w.logger.Warn().Err(err).Msg("quality evaluation after batch failed")
	}
}
