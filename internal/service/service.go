// Package service drives live polling: one loop per configured source,
// publishing what each poll returns.
package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"market-pipeline/internal/config"
	"market-pipeline/internal/connector"
	"market-pipeline/internal/domain"
	"market-pipeline/internal/observability"
	"market-pipeline/internal/publisher"
	"market-pipeline/internal/runs"
)

// Publisher is the ingestion publish path.
type Publisher interface {
	Publish(ctx context.Context, runID string, records []domain.PriceRecord) (publisher.Result, error)
	Backpressured() bool
	WaitDrained(ctx context.Context) error
}

// Alerts receives source lifecycle events.
type Alerts interface {
	SourceDisabled(ctx context.Context, sourceID, reason string)
}

// Source is one polled connector and its cadence.
type Source struct {
	ID           string
	Zones        []string
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// SourcesFromConfig maps the configured sources.
func SourcesFromConfig(cfg []config.SourceConfig) []Source {
	out := make([]Source, 0, len(cfg))
	for _, s := range cfg {
		out = append(out, Source{ID: s.ID, Zones: s.Zones, PollInterval: s.PollInterval(), PollTimeout: s.PollTimeout})
	}
	return out
}

// Options tunes the poll loops.
type Options struct {
	// MaxBackoff caps the delay between polls of an unavailable source.
	MaxBackoff time.Duration
}

// Service orchestrates polling, publishing and run bookkeeping.
type Service struct {
	registry *connector.Registry
	sources  []Source
	pub      Publisher
	tracker  *runs.Tracker
	alerts   Alerts
	opts     Options
	logger   zerolog.Logger
}

// New constructs the polling service. alerts may be nil.
func New(registry *connector.Registry, sources []Source, pub Publisher, tracker *runs.Tracker, alerts Alerts, opts Options, logger zerolog.Logger) *Service {
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Minute
	}
	return &Service{
		registry: registry,
		sources:  sources,
		pub:      pub,
		tracker:  tracker,
		alerts:   alerts,
		opts:     opts,
		logger:   logger.With().Str("component", "service").Logger(),
	}
}

// Run polls every source until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if len(s.sources) == 0 {
		return fmt.Errorf("no sources configured")
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range s.sources {
		conn, ok := s.registry.Get(src.ID)
		if !ok {
			return fmt.Errorf("source %s not registered", src.ID)
		}
		if src.PollInterval <= 0 {
			return fmt.Errorf("source %s: poll interval must be positive", src.ID)
		}
		g.Go(func() error { return s.loop(ctx, src, conn) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loop runs one source. A live run spans the time the source is enabled;
// it fails when the source is disabled and a new one starts once an
// operator re-enables it.
func (s *Service) loop(ctx context.Context, src Source, conn connector.Connector) error {
	logger := s.logger.With().Str("source", src.ID).Logger()

	for {
		if err := s.registry.WaitEnabled(ctx, src.ID); err != nil {
			return err
		}
		run := s.tracker.Start(ctx, runs.StartOptions{SourceID: src.ID, Kind: domain.RunKindLive})
		logger.Info().Str("run_id", run.ID).Dur("interval", src.PollInterval).Msg("polling source")

		cause := s.session(ctx, src, conn, run.ID, logger)

		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		status := domain.RunCompleted
		if errors.Is(cause, connector.ErrSourceAuth) {
			status = domain.RunFailed
		} else {
			cause = nil
		}
		if _, err := s.tracker.Finish(finishCtx, run.ID, status, cause); err != nil {
			logger.Warn().Err(err).Str("run_id", run.ID).Msg("failed to record live run outcome")
		}
		cancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// session polls until the source is disabled or ctx is done and returns the
// error that ended it.
func (s *Service) session(ctx context.Context, src Source, conn connector.Connector, runID string, logger zerolog.Logger) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = src.PollInterval
	exp.MaxInterval = max(s.opts.MaxBackoff, src.PollInterval)
	exp.MaxElapsedTime = 0
	exp.Reset()

	for {
		// a backfill may disable the source between polls
		if d, ok := s.registry.DisabledSources()[src.ID]; ok {
			return fmt.Errorf("%w: disabled: %s", connector.ErrSourceAuth, d.Reason)
		}
		if s.pub.Backpressured() {
			logger.Debug().Msg("publisher backpressured, pausing poll")
			if err := s.pub.WaitDrained(ctx); err != nil {
				return err
			}
		}

		wait := src.PollInterval
		err := s.poll(ctx, src, conn, runID, logger)
		switch {
		case err == nil:
			exp.Reset()
		case errors.Is(err, connector.ErrSourceAuth):
			if s.registry.Disable(src.ID, err.Error()) {
				logger.Error().Err(err).Msg("source rejected credentials, disabling")
				if s.alerts != nil {
					s.alerts.SourceDisabled(ctx, src.ID, err.Error())
				}
			}
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			wait = exp.NextBackOff()
			logger.Warn().Err(err).Dur("retry_in", wait).Msg("poll failed")
		}

		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// poll fetches the latest observations under the poll timeout and
// publishes them. Records for zones the source is not configured for are
// rejected.
func (s *Service) poll(ctx context.Context, src Source, conn connector.Connector, runID string, logger zerolog.Logger) error {
	pollCtx := ctx
	if src.PollTimeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, src.PollTimeout)
		defer cancel()
	}

	started := time.Now()
	records, err := conn.FetchLatest(pollCtx)
	if err != nil && !connector.IsPartial(err) {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && !errors.Is(err, connector.ErrSourceUnavailable) {
			err = &connector.SourceError{Source: src.ID, Op: "fetch latest", Kind: connector.ErrSourceUnavailable, Err: err}
		}
		observability.RecordFetch(src.ID, outcome(err), time.Since(started))
		return err
	}
	observability.RecordFetch(src.ID, "ok", time.Since(started))

	rejected := connector.Rejected(err)
	if rejected > 0 {
		logger.Warn().Err(err).Int("rejected", rejected).Msg("poll returned malformed records")
	}
	kept := records[:0:0]
	for _, rec := range records {
		if len(src.Zones) > 0 && !slices.Contains(src.Zones, rec.MarketZone) {
			rejected++
			continue
		}
		kept = append(kept, rec)
	}
	if rejected > 0 {
		s.tracker.RecordRejected(runID, rejected)
	}
	if len(kept) > 0 {
		res, err := s.pub.Publish(ctx, runID, kept)
		if err != nil {
			return err
		}
		if res.Buffered > 0 || res.Dropped > 0 {
			logger.Warn().Int("buffered", res.Buffered).Int("dropped", res.Dropped).Msg("bus unavailable, records held by publisher")
		}
	}
	if err := s.tracker.Checkpoint(ctx, runID); err != nil {
		logger.Debug().Err(err).Str("run_id", runID).Msg("checkpoint failed")
	}
	return nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, connector.ErrSourceAuth):
		return "auth"
	case errors.Is(err, connector.ErrSourceFormat):
		return "format"
	default:
		return "unavailable"
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
