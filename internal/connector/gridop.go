package connector

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-pipeline/internal/config"
	"market-pipeline/internal/domain"
)

const (
	gridLatestPath = "/v1/prices/latest"
	gridRangePath  = "/v1/prices"
)

// GridOperator reads a grid operator's JSON price API. Range requests are
// cursor-paginated; authentication is a bearer token.
type GridOperator struct {
	id        string
	zones     []string
	baseURL   string
	batchSize int
	credsRef  string
	creds     CredentialsResolver
	http      *transport
	logger    zerolog.Logger
	authReady atomic.Bool
}

// NewGridOperator constructs a grid-operator connector.
func NewGridOperator(cfg config.SourceConfig, creds CredentialsResolver, logger zerolog.Logger) (*GridOperator, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base_url is required for gridop sources")
	}
	if creds == nil {
		creds = EnvCredentials{}
	}
	batch := cfg.RangeBatchSize
	if batch <= 0 {
		batch = 500
	}

	l := logger.With().Str("component", "gridop_connector").Str("source", cfg.ID).Logger()
	return &GridOperator{
		id:        cfg.ID,
		zones:     append([]string(nil), cfg.Zones...),
		baseURL:   baseURL,
		batchSize: batch,
		credsRef:  cfg.AuthCredentialsRef,
		creds:     creds,
		http:      newTransport(cfg, l),
		logger:    l,
	}, nil
}

// ID implements Connector.
func (g *GridOperator) ID() string { return g.id }

// ReloadCredentials re-resolves the bearer token.
func (g *GridOperator) ReloadCredentials(ctx context.Context) error {
	token, err := g.creds.Resolve(ctx, g.credsRef)
	if err != nil {
		return newError(g.id, "resolve credentials", ErrSourceAuth, err)
	}
	g.http.setToken(token)
	g.authReady.Store(true)
	return nil
}

func (g *GridOperator) ensureAuth(ctx context.Context) error {
	if g.authReady.Load() {
		return nil
	}
	return g.ReloadCredentials(ctx)
}

// FetchLatest returns the most recent interval for every configured zone.
func (g *GridOperator) FetchLatest(ctx context.Context) ([]domain.PriceRecord, error) {
	if err := g.ensureAuth(ctx); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("zones", strings.Join(g.zones, ","))

	payload, err := g.http.get(ctx, "fetch latest", g.baseURL+gridLatestPath+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	records, _, err := g.decode("fetch latest", payload, time.Time{}, time.Time{})
	return records, err
}

// FetchRange walks the cursor pages covering [start, end).
func (g *GridOperator) FetchRange(ctx context.Context, start, end time.Time) iter.Seq2[[]domain.PriceRecord, error] {
	return func(yield func([]domain.PriceRecord, error) bool) {
		if err := g.ensureAuth(ctx); err != nil {
			yield(nil, err)
			return
		}

		cursor := ""
		for {
			q := url.Values{}
			q.Set("zones", strings.Join(g.zones, ","))
			q.Set("start", start.UTC().Format(time.RFC3339))
			q.Set("end", end.UTC().Format(time.RFC3339))
			q.Set("limit", strconv.Itoa(g.batchSize))
			if cursor != "" {
				q.Set("cursor", cursor)
			}

			payload, err := g.http.get(ctx, "fetch range", g.baseURL+gridRangePath+"?"+q.Encode())
			if err != nil {
				yield(nil, err)
				return
			}
			records, next, err := g.decode("fetch range", payload, start, end)
			if err != nil && !IsPartial(err) {
				yield(nil, err)
				return
			}
			if len(records) > 0 || err != nil {
				if !yield(records, err) {
					return
				}
			}
			if next == "" || next == cursor {
				return
			}
			cursor = next
		}
	}
}

type gridPage struct {
	Data       []gridPrice `json:"data"`
	NextCursor string      `json:"next_cursor"`
}

type gridPrice struct {
	Zone           string           `json:"zone"`
	PriceType      string           `json:"price_type"`
	Location       string           `json:"location"`
	IntervalStart  string           `json:"interval_start"`
	Price          *decimal.Decimal `json:"price"`
	Volume         *decimal.Decimal `json:"volume"`
	CongestionCost *decimal.Decimal `json:"congestion_cost"`
	LossCost       *decimal.Decimal `json:"loss_cost"`
	RenewablePct   *decimal.Decimal `json:"renewable_pct"`
	LoadForecast   *decimal.Decimal `json:"load_forecast"`
}

// decode parses one page. Entries outside [start, end) (when bounded) or for
// zones this source does not feed are skipped; malformed entries are
// reported through *FormatErrors.
func (g *GridOperator) decode(op string, payload []byte, start, end time.Time) ([]domain.PriceRecord, string, error) {
	var page gridPage
	if err := json.Unmarshal(payload, &page); err != nil {
		return nil, "", newError(g.id, op, ErrSourceFormat, err)
	}

	bounded := !start.IsZero() && !end.IsZero()
	fe := &FormatErrors{Source: g.id}
	records := make([]domain.PriceRecord, 0, len(page.Data))
	for i, item := range page.Data {
		if !g.feeds(item.Zone) {
			g.logger.Debug().Str("zone", item.Zone).Msg("skipping record for unconfigured zone")
			continue
		}
		pt, err := domain.ParsePriceType(item.PriceType)
		if err != nil {
			fe.add(i, "%v", err)
			continue
		}
		ts, err := time.Parse(time.RFC3339, item.IntervalStart)
		if err != nil {
			fe.add(i, "interval_start: %v", err)
			continue
		}
		if item.Price == nil {
			fe.add(i, "price is missing")
			continue
		}
		if bounded && (ts.Before(start) || !ts.Before(end)) {
			continue
		}

		rec := domain.PriceRecord{
			MarketZone:          item.Zone,
			PriceType:           pt,
			Location:            item.Location,
			Timestamp:           ts,
			Price:               *item.Price,
			CongestionCost:      item.CongestionCost,
			LossCost:            item.LossCost,
			RenewablePercentage: item.RenewablePct,
			LoadForecast:        item.LoadForecast,
			SourceID:            g.id,
		}
		if item.Volume != nil {
			rec.Volume = *item.Volume
		}
		if err := rec.Normalize().Validate(); err != nil {
			fe.add(i, "%v", err)
			continue
		}
		records = append(records, rec)
	}

	return records, page.NextCursor, fe.orNil()
}

func (g *GridOperator) feeds(zone string) bool {
	for _, z := range g.zones {
		if z == zone {
			return true
		}
	}
	return false
}

var (
	_ Connector      = (*GridOperator)(nil)
	_ Reconfigurable = (*GridOperator)(nil)
)
