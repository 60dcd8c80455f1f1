package connector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-pipeline/internal/config"
	"market-pipeline/internal/domain"
)

func gridConfig(baseURL string) config.SourceConfig {
	return config.SourceConfig{
		ID:                 "grid-a",
		Kind:               KindGridOperator,
		Zones:              []string{"ZONE_A", "ZONE_B"},
		BaseURL:            baseURL,
		AuthCredentialsRef: "grid",
		RangeBatchSize:     2,
		Timeout:            time.Second,
		RateLimitPerSecond: 1000,
		RateBurst:          10,
		MaxRetries:         3,
	}
}

func newTestGrid(t *testing.T, srv *httptest.Server) *GridOperator {
	t.Helper()
	g, err := NewGridOperator(gridConfig(srv.URL), StaticCredentials{"grid": "secret"}, zerolog.Nop())
	require.NoError(t, err)
	g.http.retryInitial = time.Millisecond
	return g
}

func TestGridOperatorRequiresBaseURL(t *testing.T) {
	_, err := NewGridOperator(gridConfig(""), nil, zerolog.Nop())
	require.Error(t, err)
}

func TestGridOperatorFetchLatest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, gridLatestPath, r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "ZONE_A,ZONE_B", r.URL.Query().Get("zones"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"zone": "ZONE_A", "price_type": "real-time", "interval_start": "2024-03-01T10:00:00.750Z", "price": "42.5", "volume": "100", "renewable_pct": "35"},
				{"zone": "ZONE_B", "price_type": "day_ahead", "location": "NODE_1", "interval_start": "2024-03-01T10:00:00Z", "price": "-3.25"},
				{"zone": "ZONE_X", "price_type": "spot", "interval_start": "2024-03-01T10:00:00Z", "price": "1"},
			},
		})
	}))
	defer srv.Close()

	records, err := newTestGrid(t, srv).FetchLatest(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "ZONE_A", records[0].MarketZone)
	assert.Equal(t, domain.PriceTypeRealTime, records[0].PriceType)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), records[0].Timestamp)
	assert.Equal(t, "42.5", records[0].Price.String())
	require.NotNil(t, records[0].RenewablePercentage)
	assert.Equal(t, "35", records[0].RenewablePercentage.String())

	assert.Equal(t, "NODE_1", records[1].Location)
	assert.True(t, records[1].Price.IsNegative())
	assert.Equal(t, "grid-a", records[1].SourceID)
}

func TestGridOperatorAuthFailureIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "token expired"})
	}))
	defer srv.Close()

	_, err := newTestGrid(t, srv).FetchLatest(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceAuth)
	assert.NotErrorIs(t, err, ErrSourceUnavailable)
	assert.Contains(t, err.Error(), "token expired")
	assert.Equal(t, int32(1), calls.Load())
}

func TestGridOperatorRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{
			{"zone": "ZONE_A", "price_type": "spot", "interval_start": "2024-03-01T10:00:00Z", "price": "10"},
		}})
	}))
	defer srv.Close()

	records, err := newTestGrid(t, srv).FetchLatest(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGridOperatorRetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestGrid(t, srv).FetchLatest(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceUnavailable)

	var status *StatusError
	require.True(t, errors.As(err, &status))
	assert.Equal(t, http.StatusTooManyRequests, status.Code)
	// initial attempt plus max_retries
	assert.Equal(t, int32(4), calls.Load())
}

func TestGridOperatorMalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>maintenance</html>"))
	}))
	defer srv.Close()

	_, err := newTestGrid(t, srv).FetchLatest(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceFormat)
	assert.False(t, IsPartial(err))
}

func TestGridOperatorPartialPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{
			{"zone": "ZONE_A", "price_type": "spot", "interval_start": "2024-03-01T10:00:00Z", "price": "10"},
			{"zone": "ZONE_A", "price_type": "futures", "interval_start": "2024-03-01T10:00:00Z", "price": "10"},
			{"zone": "ZONE_A", "price_type": "spot", "interval_start": "yesterday", "price": "10"},
			{"zone": "ZONE_A", "price_type": "spot", "interval_start": "2024-03-01T10:05:00Z"},
		}})
	}))
	defer srv.Close()

	records, err := newTestGrid(t, srv).FetchLatest(context.Background())
	require.Len(t, records, 1)
	require.Error(t, err)
	assert.True(t, IsPartial(err))
	assert.ErrorIs(t, err, ErrSourceFormat)
	assert.Equal(t, 3, Rejected(err))
}

func TestGridOperatorFetchRangeFollowsCursor(t *testing.T) {
	pages := map[string]map[string]any{
		"": {"data": []map[string]any{
			{"zone": "ZONE_A", "price_type": "spot", "interval_start": "2024-03-01T00:00:00Z", "price": "1"},
			{"zone": "ZONE_A", "price_type": "spot", "interval_start": "2024-03-01T01:00:00Z", "price": "2"},
		}, "next_cursor": "p2"},
		"p2": {"data": []map[string]any{
			{"zone": "ZONE_A", "price_type": "spot", "interval_start": "2024-03-01T02:00:00Z", "price": "3"},
			{"zone": "ZONE_A", "price_type": "spot", "interval_start": "2024-03-02T00:00:00Z", "price": "4"},
		}},
	}
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, gridRangePath, r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(pages[r.URL.Query().Get("cursor")])
	}))
	defer srv.Close()

	g := newTestGrid(t, srv)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	var got []string
	for page, err := range g.FetchRange(context.Background(), start, end) {
		require.NoError(t, err)
		for _, rec := range page {
			got = append(got, rec.Price.String())
		}
	}
	// the record at end is excluded
	assert.Equal(t, []string{"1", "2", "3"}, got)
	assert.Equal(t, int32(2), calls.Load())

	// restartable: a second iteration starts from the first page again
	var pagesSeen int
	for range g.FetchRange(context.Background(), start, end) {
		pagesSeen++
		break
	}
	assert.Equal(t, 1, pagesSeen)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGridOperatorReloadCredentials(t *testing.T) {
	creds := StaticCredentials{"grid": "first"}
	var seen atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	}))
	defer srv.Close()

	g, err := NewGridOperator(gridConfig(srv.URL), creds, zerolog.Nop())
	require.NoError(t, err)

	_, err = g.FetchLatest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer first", seen.Load())

	creds["grid"] = "rotated"
	require.NoError(t, g.ReloadCredentials(context.Background()))
	_, err = g.FetchLatest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer rotated", seen.Load())

	delete(creds, "grid")
	err = g.ReloadCredentials(context.Background())
	assert.ErrorIs(t, err, ErrSourceAuth)
}
