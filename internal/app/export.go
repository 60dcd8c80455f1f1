package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"market-pipeline/internal/domain"
	"market-pipeline/internal/storage"
)

const defaultExportWindow = 7 * 24 * time.Hour

// Export renders a stored price range as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Zone == "" {
		return errors.New("--zone is required")
	}
	pt := domain.PriceTypeSpot
	if opts.PriceType != "" {
		var err error
		if pt, err = domain.ParsePriceType(opts.PriceType); err != nil {
			return err
		}
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}
	if to.Sub(from) > a.Config.API.MaxRange {
		return fmt.Errorf("export range %s exceeds %s", to.Sub(from), a.Config.API.MaxRange)
	}

	store, err := a.openStore(ctx, false)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := readRange(ctx, store, storage.RangeQuery{
		Zone:      opts.Zone,
		PriceType: pt,
		Start:     from,
		End:       to,
		Location:  opts.Location,
	}, a.Config.API.MaxPageSize)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Str("zone", opts.Zone).Msg("no records found for export window")
		return nil
	}

	downsampled := downsampleRecords(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting records")

	if opts.CSVPath != "" {
		if err := writeRecordsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		title := fmt.Sprintf("%s %s", opts.Zone, pt)
		if err := writeRecordsPNG(opts.PNGPath, title, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// readRange pages through the store so a large export never asks the
// backend for the whole range at once.
func readRange(ctx context.Context, store storage.PriceStore, q storage.RangeQuery, pageSize int) ([]domain.PriceRecord, error) {
	if pageSize <= 0 {
		pageSize = 5000
	}
	q.Limit = pageSize
	var out []domain.PriceRecord
	for {
		page, err := store.QueryRange(ctx, q)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < pageSize {
			return out, nil
		}
		q.Offset += len(page)
	}
}

func downsampleRecords(records []domain.PriceRecord, max int) []domain.PriceRecord {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[:1]
	}

	result := make([]domain.PriceRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeRecordsCSV(path string, records []domain.PriceRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"timestamp", "market_zone", "price_type", "location", "price", "volume", "congestion_cost", "loss_cost", "renewable_pct", "load_forecast", "volatility", "anomaly", "source_id"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		row := []string{
			rec.Timestamp.UTC().Format(time.RFC3339),
			rec.MarketZone,
			string(rec.PriceType),
			rec.Location,
			rec.Price.String(),
			rec.Volume.String(),
			optional(rec.CongestionCost),
			optional(rec.LossCost),
			optional(rec.RenewablePercentage),
			optional(rec.LoadForecast),
			optional(rec.Volatility),
			strconv.FormatBool(rec.Anomaly),
			rec.SourceID,
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeRecordsPNG(path, title string, records []domain.PriceRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(records))
	price := make([]float64, len(records))
	volume := make([]float64, len(records))
	var anomalyX []time.Time
	var anomalyY []float64

	for i, rec := range records {
		x[i] = rec.Timestamp
		price[i] = rec.Price.InexactFloat64()
		volume[i] = rec.Volume.InexactFloat64()
		if rec.Anomaly {
			anomalyX = append(anomalyX, rec.Timestamp)
			anomalyY = append(anomalyY, price[i])
		}
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	series := []chart.Series{
		chart.TimeSeries{
			Name:    "Price",
			XValues: x,
			YValues: price,
		},
		chart.TimeSeries{
			Name:    "Volume",
			XValues: x,
			YValues: volume,
			YAxis:   chart.YAxisSecondary,
		},
	}
	if len(anomalyX) > 0 {
		series = append(series, chart.TimeSeries{
			Name: "Anomaly",
			Style: chart.Style{
				StrokeColor: chart.ColorTransparent,
				DotWidth:    4,
				DotColor:    chart.ColorRed,
			},
			XValues: anomalyX,
			YValues: anomalyY,
		})
	}

	graph := chart.Chart{
		Title:  title,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Volume",
			ValueFormatter: priceFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func optional(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
