package processor

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"market-pipeline/internal/config"
	"market-pipeline/internal/domain"
	"market-pipeline/internal/observability"
	"market-pipeline/internal/storage"
)

// SourceSpec is what the quality evaluator needs to know about a source
// feeding a zone.
type SourceSpec struct {
	ID             string
	PollInterval   time.Duration
	RecordsPerPoll int
}

// DisabledChecker reports sources taken out of rotation.
type DisabledChecker interface {
	IsDisabled(id string) bool
}

// QualityListener is told about every status transition of a zone.
type QualityListener interface {
	QualityChanged(ctx context.Context, prev, cur domain.QualityMetric)
}

// QualityOptions configures the evaluator.
type QualityOptions struct {
	Window                time.Duration
	StaleThreshold        time.Duration
	StaleMultiplier       float64
	CompletenessThreshold float64
	AnomalyThreshold      int64
	// Sources maps each zone to the sources feeding it.
	Sources map[string][]SourceSpec
}

// QualityOptionsFromConfig derives evaluator options from configuration.
func QualityOptionsFromConfig(cfg *config.Config) QualityOptions {
	sources := make(map[string][]SourceSpec)
	for _, s := range cfg.Sources {
		spec := SourceSpec{ID: s.ID, PollInterval: s.PollInterval(), RecordsPerPoll: s.RecordsPerPoll}
		for _, zone := range s.Zones {
			sources[zone] = append(sources[zone], spec)
		}
	}
	return QualityOptions{
		Window:                cfg.Quality.Window,
		StaleThreshold:        cfg.Quality.StaleThreshold,
		StaleMultiplier:       cfg.Quality.StaleMultiplier,
		CompletenessThreshold: cfg.Quality.CompletenessThreshold,
		AnomalyThreshold:      cfg.Quality.AnomalyThreshold,
		Sources:               sources,
	}
}

var qualityStatuses = []string{string(domain.QualityHealthy), string(domain.QualityDegraded), string(domain.QualityStale)}

// QualityEvaluator recomputes zone quality metrics and appends them to the store.
type QualityEvaluator struct {
	prices   storage.PriceStore
	history  storage.QualityStore
	disabled DisabledChecker
	listener QualityListener
	opts     QualityOptions
	logger   zerolog.Logger
	now      func() time.Time

	mu   sync.Mutex
	last map[string]domain.QualityMetric
	// outage holds the newest record seen while a zone was stale.
	outage map[string]time.Time
	// resumed holds the first record after a zone's last outage; until it
	// falls out of the window, completeness is measured from there.
	resumed map[string]time.Time
}

// NewQualityEvaluator builds an evaluator. disabled and listener may be nil.
func NewQualityEvaluator(prices storage.PriceStore, history storage.QualityStore, disabled DisabledChecker, listener QualityListener, opts QualityOptions, logger zerolog.Logger) *QualityEvaluator {
	if opts.Window <= 0 {
		opts.Window = time.Hour
	}
	if opts.CompletenessThreshold <= 0 {
		opts.CompletenessThreshold = 90
	}
	return &QualityEvaluator{
		prices:   prices,
		history:  history,
		disabled: disabled,
		listener: listener,
		opts:     opts,
		logger:   logger.With().Str("component", "quality").Logger(),
		now:      time.Now,
		last:     make(map[string]domain.QualityMetric),
		outage:   make(map[string]time.Time),
		resumed:  make(map[string]time.Time),
	}
}

// Zones lists every zone with configured sources, sorted.
func (q *QualityEvaluator) Zones() []string {
	zones := make([]string, 0, len(q.opts.Sources))
	for z := range q.opts.Sources {
		zones = append(zones, z)
	}
	sort.Strings(zones)
	return zones
}

// Last returns the most recent metric computed for zone.
func (q *QualityEvaluator) Last(zone string) (domain.QualityMetric, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.last[zone]
	return m, ok
}

// Evaluate computes, persists and returns the zone's current metric.
//
// After a stale period the gap would keep completeness low for a whole
// window, so a zone that recovers is measured from its first record after
// the outage until that record leaves the window.
func (q *QualityEvaluator) Evaluate(ctx context.Context, zone string) (domain.QualityMetric, error) {
	now := q.now().UTC()
	from := now.Add(-q.opts.Window)

	q.mu.Lock()
	resumed, recovering := q.resumed[zone]
	outageAt, inOutage := q.outage[zone]
	q.mu.Unlock()
	if recovering && resumed.After(from) {
		from = resumed
	}

	stats, err := q.prices.WindowStats(ctx, zone, from, now)
	if err != nil {
		return domain.QualityMetric{}, fmt.Errorf("window stats for %s: %w", zone, err)
	}
	m := q.compute(zone, from, now, stats)

	if inOutage && m.Status != domain.QualityStale {
		if m, err = q.afterOutage(ctx, zone, outageAt, now, m); err != nil {
			return domain.QualityMetric{}, err
		}
	}

	q.mu.Lock()
	switch {
	case m.Status == domain.QualityStale:
		var latest time.Time
		if stats.Latest != nil {
			latest = *stats.Latest
		}
		q.outage[zone] = latest
		delete(q.resumed, zone)
	case recovering && !resumed.After(now.Add(-q.opts.Window)):
		delete(q.resumed, zone)
	}
	q.mu.Unlock()

	if err := q.history.InsertQualityMetric(ctx, m); err != nil {
		q.logger.Warn().Err(err).Str("zone", zone).Msg("failed to persist quality metric")
	}
	observability.SetZoneQuality(zone, string(m.Status), m.FreshnessSeconds, qualityStatuses...)

	q.mu.Lock()
	prev, seen := q.last[zone]
	q.last[zone] = m
	q.mu.Unlock()

	if !seen || prev.Status != m.Status {
		event := q.logger.Info()
		if m.Status != domain.QualityHealthy {
			event = q.logger.Warn()
		}
		event.Str("zone", zone).
			Str("from", string(prev.Status)).
			Str("to", string(m.Status)).
			Str("reason", m.Reason).
			Msg("zone quality changed")
		if q.listener != nil {
			q.listener.QualityChanged(ctx, prev, m)
		}
	}
	return m, nil
}

// afterOutage re-measures a zone that just left the stale state from its
// first record newer than the outage.
func (q *QualityEvaluator) afterOutage(ctx context.Context, zone string, outageAt, now time.Time, m domain.QualityMetric) (domain.QualityMetric, error) {
	from := now.Add(-q.opts.Window)
	if edge := outageAt.Add(time.Nanosecond); edge.After(from) {
		from = edge
	}
	resumedStats, err := q.prices.WindowStats(ctx, zone, from, now)
	if err != nil {
		return domain.QualityMetric{}, fmt.Errorf("window stats for %s: %w", zone, err)
	}

	q.mu.Lock()
	delete(q.outage, zone)
	q.mu.Unlock()
	if resumedStats.Earliest == nil {
		return m, nil
	}

	resumed := *resumedStats.Earliest
	stats, err := q.prices.WindowStats(ctx, zone, resumed, now)
	if err != nil {
		return domain.QualityMetric{}, fmt.Errorf("window stats for %s: %w", zone, err)
	}
	q.mu.Lock()
	q.resumed[zone] = resumed
	q.mu.Unlock()
	return q.compute(zone, resumed, now, stats), nil
}

// EvaluateAll recomputes every configured zone, logging per-zone failures.
func (q *QualityEvaluator) EvaluateAll(ctx context.Context) error {
	var failed int
	for _, zone := range q.Zones() {
		if _, err := q.Evaluate(ctx, zone); err != nil {
			failed++
			q.logger.Error().Err(err).Str("zone", zone).Msg("quality evaluation failed")
		}
	}
	if failed > 0 {
		return fmt.Errorf("quality evaluation failed for %d zones", failed)
	}
	return nil
}

// compute derives the metric for records in [from, now). Expected counts
// scale with the measured span.
func (q *QualityEvaluator) compute(zone string, from, now time.Time, stats storage.WindowStats) domain.QualityMetric {
	sources := q.opts.Sources[zone]
	span := now.Sub(from)
	m := domain.QualityMetric{
		MarketZone:    zone,
		WindowStart:   from,
		WindowEnd:     now,
		ComputedAt:    now,
		ReceivedCount: stats.Count,
		AnomalyCount:  stats.Anomalies,
	}

	var expected float64
	for _, s := range sources {
		if s.PollInterval <= 0 {
			continue
		}
		expected += float64(max(s.RecordsPerPoll, 1)) * span.Seconds() / s.PollInterval.Seconds()
	}
	m.ExpectedCount = int64(math.Round(expected))
	if expected <= 0 {
		m.CompletenessPercent = 100
	} else {
		m.CompletenessPercent = math.Min(100, float64(stats.Count)/expected*100)
	}
	m.CompletenessPercent = math.Round(m.CompletenessPercent*100) / 100

	if stats.Latest == nil {
		m.FreshnessSeconds = (q.opts.Window + time.Second).Seconds()
	} else {
		m.FreshnessSeconds = math.Max(0, now.Sub(*stats.Latest).Seconds())
	}

	var disabled []string
	if q.disabled != nil {
		for _, s := range sources {
			if q.disabled.IsDisabled(s.ID) {
				disabled = append(disabled, s.ID)
			}
		}
	}

	stale := q.staleThreshold(sources)
	switch {
	case m.FreshnessSeconds > stale.Seconds():
		m.Status = domain.QualityStale
		m.Reason = fmt.Sprintf("no records for %s (threshold %s)", time.Duration(m.FreshnessSeconds*float64(time.Second)).Truncate(time.Second), stale)
	case len(disabled) > 0:
		m.Status = domain.QualityDegraded
		m.Reason = "disabled sources: " + strings.Join(disabled, ", ")
	case m.CompletenessPercent < q.opts.CompletenessThreshold:
		m.Status = domain.QualityDegraded
		m.Reason = fmt.Sprintf("completeness %.1f%% below %.1f%%", m.CompletenessPercent, q.opts.CompletenessThreshold)
	case q.opts.AnomalyThreshold > 0 && m.AnomalyCount > q.opts.AnomalyThreshold:
		m.Status = domain.QualityDegraded
		m.Reason = fmt.Sprintf("%d anomalies above threshold %d", m.AnomalyCount, q.opts.AnomalyThreshold)
	default:
		m.Status = domain.QualityHealthy
	}
	return m
}

// staleThreshold is the configured threshold, else the multiplier times
// the shortest poll interval of the zone's sources, else the window.
func (q *QualityEvaluator) staleThreshold(sources []SourceSpec) time.Duration {
	if q.opts.StaleThreshold > 0 {
		return q.opts.StaleThreshold
	}
	var shortest time.Duration
	for _, s := range sources {
		if s.PollInterval > 0 && (shortest == 0 || s.PollInterval < shortest) {
			shortest = s.PollInterval
		}
	}
	if shortest == 0 || q.opts.StaleMultiplier <= 0 {
		return q.opts.Window
	}
	return time.Duration(float64(shortest) * q.opts.StaleMultiplier)
}

// Tick adapts EvaluateAll to the scheduler cadence.
func (q *QualityEvaluator) Tick(ctx context.Context, _ time.Time) error {
	return q.EvaluateAll(ctx)
}
