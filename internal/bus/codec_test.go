package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-pipeline/internal/domain"
)

func TestEncodeDecode(t *testing.T) {
	rec := domain.PriceRecord{
		MarketZone:          "PJM_WEST",
		PriceType:           domain.PriceTypeRealTime,
		Location:            "BUS_12",
		Timestamp:           time.Date(2024, 6, 1, 14, 5, 0, 0, time.UTC),
		Price:               decimal.RequireFromString("31.0425"),
		Volume:              decimal.RequireFromString("820.5"),
		CongestionCost:      domain.DecimalPtr(decimal.RequireFromString("-1.20")),
		RenewablePercentage: domain.DecimalPtr(decimal.NewFromInt(22)),
		SourceID:            "pjm",
		IngestSequence:      1717250700000001,
		ReceivedAt:          time.Date(2024, 6, 1, 14, 5, 2, 123456000, time.UTC),
	}

	msg, err := Encode("run-1", rec)
	require.NoError(t, err)
	assert.Equal(t, "PJM_WEST", msg.Partition)
	assert.Equal(t, rec.Key().String(), msg.Key)

	runID, got, err := Decode(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, "run-1", runID)
	assert.True(t, rec.Price.Equal(got.Price))
	assert.True(t, rec.Volume.Equal(got.Volume))
	require.NotNil(t, got.CongestionCost)
	assert.True(t, rec.CongestionCost.Equal(*got.CongestionCost))
	assert.Nil(t, got.LossCost)
	assert.Equal(t, rec.Key(), got.Key())
	assert.Equal(t, rec.IngestSequence, got.IngestSequence)
	assert.True(t, rec.ReceivedAt.Equal(got.ReceivedAt))
}

func TestDecodeShapeCheck(t *testing.T) {
	valid := map[string]any{
		"market_zone": "A", "price_type": "spot", "timestamp": "2024-06-01T00:00:00Z",
		"price": "10", "source_id": "s", "ingest_sequence": 1,
	}
	cases := map[string]func(map[string]any){
		"unknown price type":  func(m map[string]any) { m["price_type"] = "futures" },
		"bad timestamp":       func(m map[string]any) { m["timestamp"] = "2024-06-01" },
		"missing price":       func(m map[string]any) { delete(m, "price") },
		"non numeric price":   func(m map[string]any) { m["price"] = "ten" },
		"negative volume":     func(m map[string]any) { m["volume"] = "-1" },
		"renewable above 100": func(m map[string]any) { m["renewable_pct"] = "120" },
		"missing zone":        func(m map[string]any) { m["market_zone"] = "" },
		"missing source":      func(m map[string]any) { delete(m, "source_id") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			m := make(map[string]any, len(valid))
			for k, v := range valid {
				m[k] = v
			}
			mutate(m)
			payload, err := json.Marshal(m)
			require.NoError(t, err)
			_, _, err = Decode(payload)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}

	payload, err := json.Marshal(valid)
	require.NoError(t, err)
	_, rec, err := Decode(payload)
	require.NoError(t, err)
	assert.True(t, rec.Volume.IsZero())

	_, _, err = Decode([]byte("{not json"))
	assert.ErrorIs(t, err, ErrMalformed)
}
