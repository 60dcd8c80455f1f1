package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PriceType classifies the market a price was cleared in.
type PriceType string

const (
	PriceTypeSpot      PriceType = "spot"
	PriceTypeDayAhead  PriceType = "day_ahead"
	PriceTypeRealTime  PriceType = "real_time"
	PriceTypeAncillary PriceType = "ancillary"
)

// PriceTypes lists every known price type in a stable order.
var PriceTypes = []PriceType{PriceTypeSpot, PriceTypeDayAhead, PriceTypeRealTime, PriceTypeAncillary}

// ParsePriceType accepts the canonical names plus the hyphenated spellings
// some sources publish ("day-ahead", "real-time").
func ParsePriceType(v string) (PriceType, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(v)), "-", "_")
	for _, pt := range PriceTypes {
		if string(pt) == normalized {
			return pt, nil
		}
	}
	return "", fmt.Errorf("unknown price type %q", v)
}

// Valid reports whether pt is a known price type.
func (pt PriceType) Valid() bool {
	switch pt {
	case PriceTypeSpot, PriceTypeDayAhead, PriceTypeRealTime, PriceTypeAncillary:
		return true
	}
	return false
}

var hundred = decimal.NewFromInt(100)

// PriceRecord is one normalised market observation.
type PriceRecord struct {
	MarketZone          string           `json:"market_zone"`
	PriceType           PriceType        `json:"price_type"`
	Location            string           `json:"location,omitempty"`
	Timestamp           time.Time        `json:"timestamp"`
	Price               decimal.Decimal  `json:"price"`
	Volume              decimal.Decimal  `json:"volume"`
	CongestionCost      *decimal.Decimal `json:"congestion_cost,omitempty"`
	LossCost            *decimal.Decimal `json:"loss_cost,omitempty"`
	RenewablePercentage *decimal.Decimal `json:"renewable_percentage,omitempty"`
	LoadForecast        *decimal.Decimal `json:"load_forecast,omitempty"`
	SourceID            string           `json:"source_id"`
	IngestSequence      uint64           `json:"ingest_sequence"`

	Anomaly    bool             `json:"anomaly"`
	Volatility *decimal.Decimal `json:"volatility,omitempty"`
	ReceivedAt time.Time        `json:"received_at,omitempty"`
}

// DedupKey identifies one logical observation.
type DedupKey struct {
	MarketZone string
	PriceType  PriceType
	Location   string
	Timestamp  int64
	SourceID   string
}

// Key returns the record's dedup key.
func (r PriceRecord) Key() DedupKey {
	return DedupKey{
		MarketZone: r.MarketZone,
		PriceType:  r.PriceType,
		Location:   r.Location,
		Timestamp:  r.Timestamp.Unix(),
		SourceID:   r.SourceID,
	}
}

func (k DedupKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%d|%s", k.MarketZone, k.PriceType, k.Location, k.Timestamp, k.SourceID)
}

// Normalize truncates the timestamp to second precision in UTC.
func (r PriceRecord) Normalize() PriceRecord {
	r.Timestamp = r.Timestamp.UTC().Truncate(time.Second)
	r.MarketZone = strings.TrimSpace(r.MarketZone)
	r.Location = strings.TrimSpace(r.Location)
	return r
}

// Validate checks the record constraints that do not depend on history.
func (r PriceRecord) Validate() error {
	switch {
	case r.MarketZone == "":
		return fmt.Errorf("market zone is required")
	case !r.PriceType.Valid():
		return fmt.Errorf("invalid price type %q", r.PriceType)
	case r.Timestamp.IsZero():
		return fmt.Errorf("timestamp is required")
	case r.SourceID == "":
		return fmt.Errorf("source id is required")
	case r.Volume.IsNegative():
		return fmt.Errorf("volume cannot be negative")
	}
	if p := r.RenewablePercentage; p != nil && (p.IsNegative() || p.GreaterThan(hundred)) {
		return fmt.Errorf("renewable percentage %s outside [0,100]", p.String())
	}
	return nil
}

// Matches reports whether the record belongs to zone and, when set, price type.
func (r PriceRecord) Matches(zone string, pt PriceType) bool {
	if r.MarketZone != zone {
		return false
	}
	return pt == "" || r.PriceType == pt
}

// DecimalPtr is a small helper for optional decimal fields.
func DecimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
