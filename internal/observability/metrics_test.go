package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetZoneQualityFlagsOneStatus(t *testing.T) {
	statuses := []string{"healthy", "degraded", "stale"}
	SetZoneQuality("ZONE_Q", "degraded", 42, statuses...)

	assert.Equal(t, 0.0, testutil.ToFloat64(DefaultMetrics.ZoneQuality.WithLabelValues("ZONE_Q", "healthy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(DefaultMetrics.ZoneQuality.WithLabelValues("ZONE_Q", "degraded")))
	assert.Equal(t, 42.0, testutil.ToFloat64(DefaultMetrics.ZoneFreshness.WithLabelValues("ZONE_Q")))

	SetZoneQuality("ZONE_Q", "stale", 600, statuses...)
	assert.Equal(t, 0.0, testutil.ToFloat64(DefaultMetrics.ZoneQuality.WithLabelValues("ZONE_Q", "degraded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(DefaultMetrics.ZoneQuality.WithLabelValues("ZONE_Q", "stale")))
}

func TestCountersAccumulate(t *testing.T) {
	before := testutil.ToFloat64(DefaultMetrics.RetentionDeleted.WithLabelValues("prices"))
	RecordRetention("prices", 7)
	RecordRetention("prices", 3)
	assert.Equal(t, before+10, testutil.ToFloat64(DefaultMetrics.RetentionDeleted.WithLabelValues("prices")))

	RecordPublished("ZONE_M", 5)
	assert.Equal(t, 5.0, testutil.ToFloat64(DefaultMetrics.RecordsPublished.WithLabelValues("ZONE_M")))
}

func TestStatusText(t *testing.T) {
	assert.Equal(t, "2xx", statusText(http.StatusOK))
	assert.Equal(t, "3xx", statusText(http.StatusNotModified))
	assert.Equal(t, "4xx", statusText(http.StatusNotFound))
	assert.Equal(t, "5xx", statusText(http.StatusServiceUnavailable))
}

func TestHandlerExposesNamespace(t *testing.T) {
	RecordFetch("grid-test", "ok", 150*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `pricepipe_connector_fetches_total{outcome="ok",source="grid-test"} 1`))
}
