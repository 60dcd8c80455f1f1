package domain

import "time"

// RunStatus is the lifecycle state of an IngestionRun.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunPartial   RunStatus = "partial"
)

// Terminal reports whether the run can no longer change.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunPartial
}

// RunKind distinguishes live polling sessions from backfills.
type RunKind string

const (
	RunKindLive     RunKind = "live"
	RunKindBackfill RunKind = "backfill"
)

// IngestionRun tracks one live session or backfill attempt of a source.
type IngestionRun struct {
	ID              string     `json:"id"`
	SourceID        string     `json:"source_id"`
	MarketZone      string     `json:"market_zone,omitempty"`
	Kind            RunKind    `json:"kind"`
	RangeStart      *time.Time `json:"range_start,omitempty"`
	RangeEnd        *time.Time `json:"range_end,omitempty"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	RecordsIngested int64      `json:"records_ingested"`
	RecordsRejected int64      `json:"records_rejected"`
	Status          RunStatus  `json:"status"`
	LastIngestedAt  *time.Time `json:"last_ingested_at,omitempty"`
	Error           string     `json:"error,omitempty"`
}
