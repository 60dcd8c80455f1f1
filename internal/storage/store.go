package storage

import (
	"context"
	"errors"
	"time"

	"market-pipeline/internal/domain"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrUnavailable indicates the backend could not be reached; callers retry.
	ErrUnavailable = errors.New("storage: backend unavailable")
	// ErrInvalidInput is returned when a record or query fails validation.
	ErrInvalidInput = errors.New("storage: invalid input")
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

// UpsertOutcome reports what an idempotent upsert did.
type UpsertOutcome int

const (
	// Unchanged means an existing row had an equal or higher ingest sequence.
	Unchanged UpsertOutcome = iota
	Inserted
	Updated
)

func (o UpsertOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// Written reports whether the upsert changed stored state.
func (o UpsertOutcome) Written() bool {
	return o == Inserted || o == Updated
}

// RangeQuery selects records for one zone and price type within [Start, End).
type RangeQuery struct {
	Zone      string
	PriceType domain.PriceType
	Start     time.Time
	End       time.Time
	// Location filters to one sub-node when non-nil; a pointer to "" selects zone-level rows.
	Location *string
	Limit    int
	Offset   int
}

// Validate checks the query bounds.
func (q RangeQuery) Validate() error {
	if q.Zone == "" || !q.PriceType.Valid() {
		return ErrInvalidInput
	}
	if !q.Start.Before(q.End) || q.Limit < 0 || q.Offset < 0 {
		return ErrInvalidInput
	}
	return nil
}

// WindowStats summarises a zone's stored records for quality computation.
type WindowStats struct {
	Count     int64
	Anomalies int64
	// Earliest is the oldest record timestamp inside the window.
	Earliest *time.Time
	// Latest is the newest record timestamp for the zone, regardless of window.
	Latest *time.Time
}

// PriceStore persists price records keyed by their dedup key.
type PriceStore interface {
	// Upsert is idempotent per dedup key; a row is replaced only by a strictly higher ingest sequence.
	Upsert(ctx context.Context, rec domain.PriceRecord) (UpsertOutcome, error)
	// QueryRange returns records with Start <= ts < End ordered by (ts, location, source).
	QueryRange(ctx context.Context, q RangeQuery) ([]domain.PriceRecord, error)
	// Latest returns the newest record for a zone and price type.
	Latest(ctx context.Context, zone string, pt domain.PriceType) (domain.PriceRecord, bool, error)
	// WindowStats counts records and anomalies in [from, to) and reports the zone's newest timestamp.
	WindowStats(ctx context.Context, zone string, from, to time.Time) (WindowStats, error)
	// Zones lists every zone with at least one stored record.
	Zones(ctx context.Context) ([]string, error)
	// DeletePricesBefore removes records older than cutoff and returns the count removed.
	DeletePricesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// QualityStore keeps the append-only quality metric history.
type QualityStore interface {
	InsertQualityMetric(ctx context.Context, m domain.QualityMetric) error
	// ListQualityMetrics returns the newest metrics first.
	ListQualityMetrics(ctx context.Context, zone string, limit int) ([]domain.QualityMetric, error)
	DeleteQualityBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RunStore persists ingestion runs.
type RunStore interface {
	SaveRun(ctx context.Context, run domain.IngestionRun) error
	GetRun(ctx context.Context, id string) (domain.IngestionRun, error)
	// ListRuns returns the most recently started runs first.
	ListRuns(ctx context.Context, limit int) ([]domain.IngestionRun, error)
}

// Store aggregates every persistence concern of the pipeline.
type Store interface {
	PriceStore
	QualityStore
	RunStore
	Close() error
}

// AdvisoryLocker is implemented by backends that can elect a single
// instance for maintenance work.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Migrator is implemented by backends with schema migrations.
type Migrator interface {
	Migrate(ctx context.Context) error
}
