package connector

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-pipeline/internal/config"
	"market-pipeline/internal/domain"
)

// CSVFeed reads an exchange that publishes one CSV file per zone and
// delivery day at {base_url}/{zone}/{YYYY-MM-DD}.csv.
type CSVFeed struct {
	id        string
	zones     []string
	baseURL   string
	batchSize int
	credsRef  string
	creds     CredentialsResolver
	http      *transport
	logger    zerolog.Logger
	authReady atomic.Bool
	now       func() time.Time

	mu        sync.Mutex
	watermark map[string]time.Time
}

// NewCSVFeed constructs a day-file CSV connector.
func NewCSVFeed(cfg config.SourceConfig, creds CredentialsResolver, logger zerolog.Logger) (*CSVFeed, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base_url is required for csv sources")
	}
	if creds == nil {
		creds = EnvCredentials{}
	}
	batch := cfg.RangeBatchSize
	if batch <= 0 {
		batch = 500
	}
	l := logger.With().Str("component", "csv_connector").Str("source", cfg.ID).Logger()
	return &CSVFeed{
		id:        cfg.ID,
		zones:     append([]string(nil), cfg.Zones...),
		baseURL:   baseURL,
		batchSize: batch,
		credsRef:  cfg.AuthCredentialsRef,
		creds:     creds,
		http:      newTransport(cfg, l),
		logger:    l,
		now:       time.Now,
		watermark: make(map[string]time.Time),
	}, nil
}

// ID implements Connector.
func (c *CSVFeed) ID() string { return c.id }

// ReloadCredentials re-resolves the bearer token.
func (c *CSVFeed) ReloadCredentials(ctx context.Context) error {
	token, err := c.creds.Resolve(ctx, c.credsRef)
	if err != nil {
		return newError(c.id, "resolve credentials", ErrSourceAuth, err)
	}
	c.http.setToken(token)
	c.authReady.Store(true)
	return nil
}

func (c *CSVFeed) ensureAuth(ctx context.Context) error {
	if c.authReady.Load() {
		return nil
	}
	return c.ReloadCredentials(ctx)
}

// FetchLatest reads today's file for every zone and returns the rows newer
// than the last ones this connector handed out.
func (c *CSVFeed) FetchLatest(ctx context.Context) ([]domain.PriceRecord, error) {
	if err := c.ensureAuth(ctx); err != nil {
		return nil, err
	}
	day := c.now().UTC().Truncate(24 * time.Hour)

	var (
		out     []domain.PriceRecord
		partial error
		marks   = make(map[string]time.Time, len(c.zones))
	)
	for _, zone := range c.zones {
		records, err := c.fetchDay(ctx, zone, day)
		if err != nil && !IsPartial(err) {
			return nil, err
		}
		if err != nil {
			partial = err
		}

		c.mu.Lock()
		mark := c.watermark[zone]
		c.mu.Unlock()
		newest := mark
		for _, rec := range records {
			if !rec.Timestamp.After(mark) {
				continue
			}
			out = append(out, rec)
			if rec.Timestamp.After(newest) {
				newest = rec.Timestamp
			}
		}
		marks[zone] = newest
	}

	// watermarks only advance once every zone was read
	c.mu.Lock()
	for zone, mark := range marks {
		c.watermark[zone] = mark
	}
	c.mu.Unlock()
	return out, partial
}

// FetchRange reads every day file overlapping [start, end) and yields pages
// of at most range_batch_size records.
func (c *CSVFeed) FetchRange(ctx context.Context, start, end time.Time) iter.Seq2[[]domain.PriceRecord, error] {
	return func(yield func([]domain.PriceRecord, error) bool) {
		if err := c.ensureAuth(ctx); err != nil {
			yield(nil, err)
			return
		}

		var (
			page    = make([]domain.PriceRecord, 0, c.batchSize)
			partial error
		)
		flush := func() bool {
			if len(page) == 0 && partial == nil {
				return true
			}
			ok := yield(page, partial)
			page = make([]domain.PriceRecord, 0, c.batchSize)
			partial = nil
			return ok
		}

		for day := start.UTC().Truncate(24 * time.Hour); day.Before(end); day = day.Add(24 * time.Hour) {
			for _, zone := range c.zones {
				records, err := c.fetchDay(ctx, zone, day)
				if err != nil && !IsPartial(err) {
					yield(nil, err)
					return
				}
				if err != nil {
					partial = err
				}
				for _, rec := range records {
					if rec.Timestamp.Before(start) || !rec.Timestamp.Before(end) {
						continue
					}
					page = append(page, rec)
					if len(page) >= c.batchSize {
						if !flush() {
							return
						}
					}
				}
			}
		}
		flush()
	}
}

func (c *CSVFeed) fetchDay(ctx context.Context, zone string, day time.Time) ([]domain.PriceRecord, error) {
	url := fmt.Sprintf("%s/%s/%s.csv", c.baseURL, zone, day.Format(time.DateOnly))
	payload, err := c.http.get(ctx, "fetch day file", url)
	if err != nil {
		var status *StatusError
		if errors.As(err, &status) && status.Code == http.StatusNotFound {
			// not published yet
			return nil, nil
		}
		return nil, err
	}
	return c.parse(zone, payload)
}

var csvColumns = []string{"timestamp", "price_type", "location", "price", "volume",
	"congestion_cost", "loss_cost", "renewable_pct", "load_forecast"}

func (c *CSVFeed) parse(zone string, payload []byte) ([]domain.PriceRecord, error) {
	r := csv.NewReader(bytes.NewReader(payload))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, newError(c.id, "parse day file", ErrSourceFormat, err)
	}
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"timestamp", "price_type", "price"} {
		if _, ok := idx[required]; !ok {
			return nil, newError(c.id, "parse day file", ErrSourceFormat, fmt.Errorf("missing column %q", required))
		}
	}

	fe := &FormatErrors{Source: c.id}
	var records []domain.PriceRecord
	for line := 1; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fe.add(line, "%v", err)
			continue
		}
		field := func(name string) string {
			if i, ok := idx[name]; ok && i < len(row) {
				return strings.TrimSpace(row[i])
			}
			return ""
		}

		rec, reason := c.row(zone, field)
		if reason != "" {
			fe.add(line, "%s", reason)
			continue
		}
		records = append(records, rec)
	}
	return records, fe.orNil()
}

func (c *CSVFeed) row(zone string, field func(string) string) (domain.PriceRecord, string) {
	ts, err := time.Parse(time.RFC3339, field("timestamp"))
	if err != nil {
		return domain.PriceRecord{}, "timestamp: " + err.Error()
	}
	pt, err := domain.ParsePriceType(field("price_type"))
	if err != nil {
		return domain.PriceRecord{}, err.Error()
	}
	price, err := decimal.NewFromString(field("price"))
	if err != nil {
		return domain.PriceRecord{}, "price: " + err.Error()
	}

	rec := domain.PriceRecord{
		MarketZone: zone,
		PriceType:  pt,
		Location:   field("location"),
		Timestamp:  ts,
		Price:      price,
		SourceID:   c.id,
	}
	optional := map[string]**decimal.Decimal{
		"congestion_cost": &rec.CongestionCost,
		"loss_cost":       &rec.LossCost,
		"renewable_pct":   &rec.RenewablePercentage,
		"load_forecast":   &rec.LoadForecast,
	}
	for _, name := range csvColumns[4:] {
		raw := field(name)
		if raw == "" {
			continue
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return domain.PriceRecord{}, name + ": " + err.Error()
		}
		if name == "volume" {
			rec.Volume = d
			continue
		}
		*optional[name] = domain.DecimalPtr(d)
	}
	if err := rec.Normalize().Validate(); err != nil {
		return domain.PriceRecord{}, err.Error()
	}
	return rec, ""
}

var (
	_ Connector      = (*CSVFeed)(nil)
	_ Reconfigurable = (*CSVFeed)(nil)
)
