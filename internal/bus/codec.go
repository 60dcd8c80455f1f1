package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"market-pipeline/internal/domain"
)

// ErrMalformed marks payloads that fail the shape check.
var ErrMalformed = errors.New("malformed record")

// Envelope is the wire form of a price record. Numbers travel as decimal
// strings and times as RFC3339 so no precision is lost between processes.
type Envelope struct {
	RunID          string  `json:"run_id,omitempty"`
	MarketZone     string  `json:"market_zone"`
	PriceType      string  `json:"price_type"`
	Location       string  `json:"location,omitempty"`
	Timestamp      string  `json:"timestamp"`
	Price          string  `json:"price"`
	Volume         string  `json:"volume,omitempty"`
	CongestionCost *string `json:"congestion_cost,omitempty"`
	LossCost       *string `json:"loss_cost,omitempty"`
	RenewablePct   *string `json:"renewable_pct,omitempty"`
	LoadForecast   *string `json:"load_forecast,omitempty"`
	SourceID       string  `json:"source_id"`
	IngestSequence uint64  `json:"ingest_sequence"`
	ReceivedAt     string  `json:"received_at,omitempty"`
}

// Encode builds the message for rec, partitioned by market zone.
func Encode(runID string, rec domain.PriceRecord) (Message, error) {
	env := Envelope{
		RunID:          runID,
		MarketZone:     rec.MarketZone,
		PriceType:      string(rec.PriceType),
		Location:       rec.Location,
		Timestamp:      rec.Timestamp.UTC().Format(time.RFC3339),
		Price:          rec.Price.String(),
		Volume:         rec.Volume.String(),
		CongestionCost: decimalString(rec.CongestionCost),
		LossCost:       decimalString(rec.LossCost),
		RenewablePct:   decimalString(rec.RenewablePercentage),
		LoadForecast:   decimalString(rec.LoadForecast),
		SourceID:       rec.SourceID,
		IngestSequence: rec.IngestSequence,
	}
	if !rec.ReceivedAt.IsZero() {
		env.ReceivedAt = rec.ReceivedAt.UTC().Format(time.RFC3339Nano)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return Message{}, fmt.Errorf("encode record: %w", err)
	}
	return Message{
		Partition: rec.MarketZone,
		Key:       rec.Key().String(),
		Payload:   payload,
	}, nil
}

// Decode parses and shape-checks a payload. Every failure wraps ErrMalformed.
func Decode(payload []byte) (string, domain.PriceRecord, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", domain.PriceRecord{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	malformed := func(field string, err error) (string, domain.PriceRecord, error) {
		return env.RunID, domain.PriceRecord{}, fmt.Errorf("%w: %s: %v", ErrMalformed, field, err)
	}

	pt, err := domain.ParsePriceType(env.PriceType)
	if err != nil {
		return malformed("price_type", err)
	}
	ts, err := time.Parse(time.RFC3339, env.Timestamp)
	if err != nil {
		return malformed("timestamp", err)
	}
	if env.Price == "" {
		return malformed("price", errors.New("missing"))
	}
	price, err := decimal.NewFromString(env.Price)
	if err != nil {
		return malformed("price", err)
	}
	volume := decimal.Zero
	if env.Volume != "" {
		if volume, err = decimal.NewFromString(env.Volume); err != nil {
			return malformed("volume", err)
		}
	}

	rec := domain.PriceRecord{
		MarketZone:     env.MarketZone,
		PriceType:      pt,
		Location:       env.Location,
		Timestamp:      ts,
		Price:          price,
		Volume:         volume,
		SourceID:       env.SourceID,
		IngestSequence: env.IngestSequence,
	}
	optional := []struct {
		name string
		raw  *string
		dst  **decimal.Decimal
	}{
		{"congestion_cost", env.CongestionCost, &rec.CongestionCost},
		{"loss_cost", env.LossCost, &rec.LossCost},
		{"renewable_pct", env.RenewablePct, &rec.RenewablePercentage},
		{"load_forecast", env.LoadForecast, &rec.LoadForecast},
	}
	for _, o := range optional {
		if o.raw == nil {
			continue
		}
		d, err := decimal.NewFromString(*o.raw)
		if err != nil {
			return malformed(o.name, err)
		}
		*o.dst = domain.DecimalPtr(d)
	}
	if env.ReceivedAt != "" {
		if rec.ReceivedAt, err = time.Parse(time.RFC3339Nano, env.ReceivedAt); err != nil {
			return malformed("received_at", err)
		}
	}

	rec = rec.Normalize()
	if err := rec.Validate(); err != nil {
		return env.RunID, domain.PriceRecord{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env.RunID, rec, nil
}

func decimalString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
