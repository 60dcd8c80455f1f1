package domain

import "time"

// QualityStatus summarises a zone's data health.
type QualityStatus string

const (
	QualityHealthy  QualityStatus = "healthy"
	QualityDegraded QualityStatus = "degraded"
	QualityStale    QualityStatus = "stale"
)

// QualityMetric is one recomputation of a zone's data quality over a window.
// Rows are appended each cycle and never mutated.
type QualityMetric struct {
	MarketZone          string        `json:"market_zone"`
	WindowStart         time.Time     `json:"window_start"`
	WindowEnd           time.Time     `json:"window_end"`
	ComputedAt          time.Time     `json:"computed_at"`
	ReceivedCount       int64         `json:"received_count"`
	ExpectedCount       int64         `json:"expected_count"`
	CompletenessPercent float64       `json:"completeness_percent"`
	AnomalyCount        int64         `json:"anomaly_count"`
	FreshnessSeconds    float64       `json:"freshness_seconds"`
	Status              QualityStatus `json:"status"`
	Reason              string        `json:"reason,omitempty"`
}
