// Package observability provides Prometheus metrics for the pipeline.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the pipeline exports.
type Metrics struct {
	// Connector metrics
	SourceFetches       *prometheus.CounterVec
	SourceFetchDuration *prometheus.HistogramVec
	SourcesDisabled     prometheus.Gauge

	// Publisher metrics
	RecordsPublished *prometheus.CounterVec
	PublishBuffer    prometheus.Gauge
	RecordsDropped   prometheus.Counter

	// Processor metrics
	RecordsProcessed *prometheus.CounterVec
	StoreRetries     *prometheus.CounterVec
	ZoneQuality      *prometheus.GaugeVec
	ZoneFreshness    *prometheus.GaugeVec

	// Gateway metrics
	GatewayClients   prometheus.Gauge
	GatewayDelivered prometheus.Counter
	GatewayDropped   prometheus.Counter

	// Backfill and maintenance
	RunsFinished     *prometheus.CounterVec
	RetentionDeleted *prometheus.CounterVec

	// API
	HTTPRequests *prometheus.HistogramVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "pricepipe"
	}

	return &Metrics{
		SourceFetches: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connector",
			Name:      "fetches_total",
			Help:      "Source fetches by source and outcome",
		}, []string{"source", "outcome"}),
		SourceFetchDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "connector",
			Name:      "fetch_duration_seconds",
			Help:      "Source fetch latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		SourcesDisabled: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connector",
			Name:      "sources_disabled",
			Help:      "Number of sources disabled after rejected credentials",
		}),

		RecordsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "records_published_total",
			Help:      "Records acknowledged by the bus per zone",
		}, []string{"zone"}),
		PublishBuffer: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "buffer_size",
			Help:      "Records waiting in the publisher buffer",
		}),
		RecordsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "records_dropped_total",
			Help:      "Records evicted from a full publisher buffer",
		}),

		RecordsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "records_total",
			Help:      "Processed records by zone and outcome",
		}, []string{"zone", "outcome"}),
		StoreRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "store_retries_total",
			Help:      "Store writes retried after the backend was unavailable",
		}, []string{"zone"}),
		ZoneQuality: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "quality",
			Name:      "zone_status",
			Help:      "1 for the zone's current quality status",
		}, []string{"zone", "status"}),
		ZoneFreshness: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "quality",
			Name:      "freshness_seconds",
			Help:      "Age of the newest record per zone",
		}, []string{"zone"}),

		GatewayClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "clients",
			Help:      "Connected live subscribers",
		}),
		GatewayDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "messages_delivered_total",
			Help:      "Price messages queued to subscribers",
		}),
		GatewayDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped from full subscriber queues",
		}),

		RunsFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "finished_total",
			Help:      "Finished ingestion runs by kind and status",
		}, []string{"kind", "status"}),
		RetentionDeleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "rows_deleted_total",
			Help:      "Rows removed by the retention job",
		}, []string{"table"}),

		HTTPRequests: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route and status code",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "code"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the process-wide metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordFetch records one source fetch.
func RecordFetch(source, outcome string, d time.Duration) {
	DefaultMetrics.SourceFetches.WithLabelValues(source, outcome).Inc()
	DefaultMetrics.SourceFetchDuration.WithLabelValues(source).Observe(d.Seconds())
}

// SetDisabledSources updates the disabled source gauge.
func SetDisabledSources(n int) {
	DefaultMetrics.SourcesDisabled.Set(float64(n))
}

// RecordPublished counts bus-acknowledged records for a zone.
func RecordPublished(zone string, n int) {
	DefaultMetrics.RecordsPublished.WithLabelValues(zone).Add(float64(n))
}

// SetPublishBuffer updates the buffered record gauge.
func SetPublishBuffer(n int) {
	DefaultMetrics.PublishBuffer.Set(float64(n))
}

// RecordDropped counts records evicted from the publisher buffer.
func RecordDropped(n int) {
	DefaultMetrics.RecordsDropped.Add(float64(n))
}

// RecordProcessed counts one processor outcome for a zone.
func RecordProcessed(zone, outcome string) {
	DefaultMetrics.RecordsProcessed.WithLabelValues(zone, outcome).Inc()
}

// RecordStoreRetry counts a retried store write.
func RecordStoreRetry(zone string) {
	DefaultMetrics.StoreRetries.WithLabelValues(zone).Inc()
}

// SetZoneQuality marks status as the zone's current quality.
func SetZoneQuality(zone, status string, freshness float64, statuses ...string) {
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		DefaultMetrics.ZoneQuality.WithLabelValues(zone, s).Set(v)
	}
	DefaultMetrics.ZoneFreshness.WithLabelValues(zone).Set(freshness)
}

// SetGatewayClients updates the connected client gauge.
func SetGatewayClients(n int) {
	DefaultMetrics.GatewayClients.Set(float64(n))
}

// RecordGatewayDelivery counts queued and dropped subscriber messages.
func RecordGatewayDelivery(delivered, dropped int) {
	DefaultMetrics.GatewayDelivered.Add(float64(delivered))
	DefaultMetrics.GatewayDropped.Add(float64(dropped))
}

// RecordRunFinished counts a finished run.
func RecordRunFinished(kind, status string) {
	DefaultMetrics.RunsFinished.WithLabelValues(kind, status).Inc()
}

// RecordRetention counts rows removed from table.
func RecordRetention(table string, n int64) {
	DefaultMetrics.RetentionDeleted.WithLabelValues(table).Add(float64(n))
}

// RecordHTTP observes one API request.
func RecordHTTP(route string, code int, d time.Duration) {
	DefaultMetrics.HTTPRequests.WithLabelValues(route, statusText(code)).Observe(d.Seconds())
}

func statusText(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
