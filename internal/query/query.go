// Package query answers read-only analytical questions from the store.
package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-pipeline/internal/connector"
	"market-pipeline/internal/domain"
	"market-pipeline/internal/storage"
)

var (
	// ErrRangeTooLarge is returned when a requested range exceeds the maximum span.
	ErrRangeTooLarge = errors.New("requested range too large")
	// ErrUnknownZone is returned for zones that are neither configured nor stored.
	ErrUnknownZone = errors.New("unknown market zone")
	// ErrStoreUnavailable means the store could not answer; callers may retry.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrInvalidRequest covers malformed parameters.
	ErrInvalidRequest = errors.New("invalid request")
)

// Reader is the subset of the store the query service needs.
type Reader interface {
	storage.PriceStore
	storage.QualityStore
	storage.RunStore
}

// DisabledLister exposes the disabled sources.
type DisabledLister interface {
	DisabledSources() map[string]connector.Disabled
}

// Options configures the query service.
type Options struct {
	Zones           []string
	Sources         []string
	MaxRange        time.Duration
	DefaultPageSize int
	MaxPageSize     int
	SummaryWindow   time.Duration
	MaxWindows      int
}

// Service serves zone summaries, paged ranges, quality history and status.
type Service struct {
	store    Reader
	disabled DisabledLister
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
}

// New builds the query service. disabled may be nil.
func New(store Reader, disabled DisabledLister, opts Options, logger zerolog.Logger) *Service {
	if opts.MaxRange <= 0 {
		opts.MaxRange = 365 * 24 * time.Hour
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = 5000
	}
	if opts.DefaultPageSize <= 0 || opts.DefaultPageSize > opts.MaxPageSize {
		opts.DefaultPageSize = min(500, opts.MaxPageSize)
	}
	if opts.SummaryWindow <= 0 {
		opts.SummaryWindow = 24 * time.Hour
	}
	if opts.MaxWindows <= 0 {
		opts.MaxWindows = 1000
	}
	return &Service{
		store:    store,
		disabled: disabled,
		opts:     opts,
		logger:   logger.With().Str("component", "query").Logger(),
		now:      time.Now,
	}
}

// PriceTypeSummary aggregates one price type over the trailing window ending
// at its latest record.
type PriceTypeSummary struct {
	PriceType   domain.PriceType   `json:"price_type"`
	Latest      domain.PriceRecord `json:"latest"`
	High        decimal.Decimal    `json:"high"`
	Low         decimal.Decimal    `json:"low"`
	Average     decimal.Decimal    `json:"average"`
	Volatility  *decimal.Decimal   `json:"volatility,omitempty"`
	Count       int                `json:"count"`
	WindowStart time.Time          `json:"window_start"`
	WindowEnd   time.Time          `json:"window_end"`
}

// ZoneSummary is the dashboard view of a zone.
type ZoneSummary struct {
	Zone        string             `json:"zone"`
	GeneratedAt time.Time          `json:"generated_at"`
	PriceTypes  []PriceTypeSummary `json:"price_types"`
}

// Summary returns, per price type, the latest record and the statistics of
// (latest-24h, latest].
func (s *Service) Summary(ctx context.Context, zone string) (ZoneSummary, error) {
	if err := s.checkZone(ctx, zone); err != nil {
		return ZoneSummary{}, err
	}
	out := ZoneSummary{Zone: zone, GeneratedAt: s.now().UTC(), PriceTypes: []PriceTypeSummary{}}
	for _, pt := range domain.PriceTypes {
		latest, ok, err := s.store.Latest(ctx, zone, pt)
		if err != nil {
			return ZoneSummary{}, s.storeError("latest", zone, err)
		}
		if !ok {
			continue
		}
		end := latest.Timestamp.Add(time.Second)
		start := end.Add(-s.opts.SummaryWindow)
		rows, err := s.store.QueryRange(ctx, storage.RangeQuery{Zone: zone, PriceType: pt, Start: start, End: end})
		if err != nil {
			return ZoneSummary{}, s.storeError("summary range", zone, err)
		}
		out.PriceTypes = append(out.PriceTypes, summarize(pt, latest, rows, start, end))
	}
	return out, nil
}

func summarize(pt domain.PriceType, latest domain.PriceRecord, rows []domain.PriceRecord, start, end time.Time) PriceTypeSummary {
	sum := PriceTypeSummary{PriceType: pt, Latest: latest, Count: len(rows), WindowStart: start, WindowEnd: end}
	if len(rows) == 0 {
		sum.High, sum.Low, sum.Average = latest.Price, latest.Price, latest.Price
		return sum
	}
	total := decimal.Zero
	sum.High, sum.Low = rows[0].Price, rows[0].Price
	for _, r := range rows {
		total = total.Add(r.Price)
		if r.Price.GreaterThan(sum.High) {
			sum.High = r.Price
		}
		if r.Price.LessThan(sum.Low) {
			sum.Low = r.Price
		}
	}
	sum.Average = total.Div(decimal.NewFromInt(int64(len(rows)))).Round(6)
	sum.Volatility = returnsStdev(rows)
	return sum
}

// returnsStdev is the sample standard deviation of simple returns of rows
// in timestamp order.
func returnsStdev(rows []domain.PriceRecord) *decimal.Decimal {
	var returns []float64
	for i := 1; i < len(rows); i++ {
		prev := rows[i-1].Price.InexactFloat64()
		if prev == 0 {
			continue
		}
		returns = append(returns, (rows[i].Price.InexactFloat64()-prev)/prev)
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
	v := decimal.NewFromFloat(math.Sqrt(sq / float64(len(returns)-1))).Round(8)
	return &v
}

// RangeRequest selects a page of records.
type RangeRequest struct {
	Zone      string
	PriceType domain.PriceType
	Start     time.Time
	End       time.Time
	// Location filters to one sub-node when non-nil.
	Location *string
	Page     int
	PageSize int
}

// Page is one page of a range query.
type Page struct {
	Records  []domain.PriceRecord `json:"records"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"page_size"`
	HasMore  bool                 `json:"has_more"`
}

// Range returns records with Start <= ts < End, paged.
func (s *Service) Range(ctx context.Context, req RangeRequest) (Page, error) {
	if req.PriceType == "" {
		req.PriceType = domain.PriceTypeSpot
	}
	if !req.PriceType.Valid() {
		return Page{}, fmt.Errorf("%w: price type %q", ErrInvalidRequest, req.PriceType)
	}
	if req.Start.IsZero() || req.End.IsZero() || !req.Start.Before(req.End) {
		return Page{}, fmt.Errorf("%w: start must be before end", ErrInvalidRequest)
	}
	if req.End.Sub(req.Start) > s.opts.MaxRange {
		return Page{}, fmt.Errorf("%w: %s exceeds %s", ErrRangeTooLarge, req.End.Sub(req.Start), s.opts.MaxRange)
	}
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.PageSize <= 0 {
		req.PageSize = s.opts.DefaultPageSize
	}
	if req.PageSize > s.opts.MaxPageSize {
		return Page{}, fmt.Errorf("%w: page size %d exceeds %d", ErrInvalidRequest, req.PageSize, s.opts.MaxPageSize)
	}
	if err := s.checkZone(ctx, req.Zone); err != nil {
		return Page{}, err
	}

	rows, err := s.store.QueryRange(ctx, storage.RangeQuery{
		Zone:      req.Zone,
		PriceType: req.PriceType,
		Start:     req.Start.UTC(),
		End:       req.End.UTC(),
		Location:  req.Location,
		Limit:     req.PageSize + 1,
		Offset:    (req.Page - 1) * req.PageSize,
	})
	if err != nil {
		return Page{}, s.storeError("range", req.Zone, err)
	}
	page := Page{Page: req.Page, PageSize: req.PageSize, Records: rows}
	if len(rows) > req.PageSize {
		page.HasMore = true
		page.Records = rows[:req.PageSize]
	}
	return page, nil
}

// QualityHistory returns the newest windowCount quality metrics of a zone.
func (s *Service) QualityHistory(ctx context.Context, zone string, windowCount int) ([]domain.QualityMetric, error) {
	if windowCount <= 0 {
		windowCount = 24
	}
	if windowCount > s.opts.MaxWindows {
		return nil, fmt.Errorf("%w: at most %d windows", ErrInvalidRequest, s.opts.MaxWindows)
	}
	if err := s.checkZone(ctx, zone); err != nil {
		return nil, err
	}
	metrics, err := s.store.ListQualityMetrics(ctx, zone, windowCount)
	if err != nil {
		return nil, s.storeError("quality history", zone, err)
	}
	return metrics, nil
}

// ZoneStatus is the latest quality verdict of a zone.
type ZoneStatus struct {
	Zone                string               `json:"zone"`
	Status              domain.QualityStatus `json:"status"`
	Reason              string               `json:"reason,omitempty"`
	ComputedAt          *time.Time           `json:"computed_at,omitempty"`
	CompletenessPercent float64              `json:"completeness_percent"`
	FreshnessSeconds    float64              `json:"freshness_seconds"`
}

// SourceStatus describes one source's operational state.
type SourceStatus struct {
	ID       string               `json:"id"`
	Disabled *connector.Disabled  `json:"disabled,omitempty"`
	LastRun  *domain.IngestionRun `json:"last_run,omitempty"`
}

// StatusReport is the operational overview.
type StatusReport struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Zones       []ZoneStatus   `json:"zones"`
	Sources     []SourceStatus `json:"sources"`
}

// Status reports per-zone quality, per-source latest run and disabled sources.
func (s *Service) Status(ctx context.Context) (StatusReport, error) {
	report := StatusReport{GeneratedAt: s.now().UTC(), Zones: []ZoneStatus{}, Sources: []SourceStatus{}}

	zones, err := s.zones(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	for _, zone := range zones {
		zs := ZoneStatus{Zone: zone}
		metrics, err := s.store.ListQualityMetrics(ctx, zone, 1)
		if err != nil {
			return StatusReport{}, s.storeError("status quality", zone, err)
		}
		if len(metrics) > 0 {
			m := metrics[0]
			zs.Status = m.Status
			zs.Reason = m.Reason
			zs.ComputedAt = &m.ComputedAt
			zs.CompletenessPercent = m.CompletenessPercent
			zs.FreshnessSeconds = m.FreshnessSeconds
		}
		report.Zones = append(report.Zones, zs)
	}

	runs, err := s.store.ListRuns(ctx, 500)
	if err != nil {
		return StatusReport{}, s.storeError("status runs", "", err)
	}
	var disabled map[string]connector.Disabled
	if s.disabled != nil {
		disabled = s.disabled.DisabledSources()
	}

	ids := slices.Clone(s.opts.Sources)
	for id := range disabled {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		ss := SourceStatus{ID: id}
		if d, ok := disabled[id]; ok {
			ss.Disabled = &d
		}
		for _, run := range runs {
			if run.SourceID == id {
				ss.LastRun = &run
				break
			}
		}
		report.Sources = append(report.Sources, ss)
	}
	return report, nil
}

// zones merges configured and stored zones.
func (s *Service) zones(ctx context.Context) ([]string, error) {
	stored, err := s.store.Zones(ctx)
	if err != nil {
		return nil, s.storeError("zones", "", err)
	}
	all := slices.Clone(s.opts.Zones)
	for _, z := range stored {
		if !slices.Contains(all, z) {
			all = append(all, z)
		}
	}
	sort.Strings(all)
	return all, nil
}

func (s *Service) checkZone(ctx context.Context, zone string) error {
	if zone == "" {
		return fmt.Errorf("%w: zone is required", ErrInvalidRequest)
	}
	if slices.Contains(s.opts.Zones, zone) {
		return nil
	}
	stored, err := s.store.Zones(ctx)
	if err != nil {
		return s.storeError("zones", zone, err)
	}
	if slices.Contains(stored, zone) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownZone, zone)
}

func (s *Service) storeError(op, zone string, err error) error {
	switch {
	case errors.Is(err, storage.ErrUnavailable), errors.Is(err, storage.ErrNotConfigured):
		s.logger.Warn().Err(err).Str("op", op).Str("zone", zone).Msg("store unavailable")
		return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
	case errors.Is(err, storage.ErrInvalidInput):
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	s.logger.Error().Err(err).Str("op", op).Str("zone", zone).Msg("query failed")
	return fmt.Errorf("%s: %w", op, err)
}
