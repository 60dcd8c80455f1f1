package clickhouse

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"market-pipeline/internal/domain"
	"market-pipeline/internal/storage"
)

const keyStripes = 64

const priceColumns = `market_zone, price_type, location, ts, source_id,
        price, volume, congestion_cost, loss_cost, renewable_pct, load_forecast,
        ingest_seq, anomaly, volatility, received_at`

const runColumns = `id, source_id, market_zone, kind, range_start, range_end, start_time, end_time,
        records_ingested, records_rejected, status, last_ingested_at, error`

// Store implements storage.Store on ClickHouse. Duplicate keys are collapsed
// by ReplacingMergeTree(ingest_seq); Upsert additionally serialises writers of
// the same key in-process so the reported outcome is exact.
type Store struct {
	conn    *Conn
	stripes [keyStripes]sync.Mutex
}

// NewStore creates a Store over an open connection.
func NewStore(conn *Conn) *Store {
	return &Store{conn: conn}
}

// Close closes the connection.
func (s *Store) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Migrate applies the embedded schema.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.conn == nil {
		return storage.ErrNotConfigured
	}
	return migrate(ctx, s.conn)
}

func (s *Store) stripe(key domain.DedupKey) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return &s.stripes[h.Sum32()%keyStripes]
}

// Upsert writes the record unless a row with an equal or higher ingest sequence exists.
func (s *Store) Upsert(ctx context.Context, rec domain.PriceRecord) (storage.UpsertOutcome, error) {
	if s == nil || s.conn == nil {
		return storage.Unchanged, storage.ErrNotConfigured
	}
	rec = rec.Normalize()
	if err := rec.Validate(); err != nil {
		return storage.Unchanged, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}

	mu := s.stripe(rec.Key())
	mu.Lock()
	defer mu.Unlock()

	var (
		existing uint64
		count    uint64
	)
	if err := s.conn.QueryRow(ctx, `
		SELECT count(), max(ingest_seq) FROM price_records FINAL
		WHERE market_zone = ? AND price_type = ? AND location = ? AND ts = ? AND source_id = ?
	`, rec.MarketZone, string(rec.PriceType), rec.Location, rec.Timestamp, rec.SourceID).Scan(&count, &existing); err != nil {
		return storage.Unchanged, wrap("lookup existing record", err)
	}
	if count > 0 && existing >= rec.IngestSequence {
		return storage.Unchanged, nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO price_records (`+priceColumns+`)`)
	if err != nil {
		return storage.Unchanged, wrap("prepare batch", err)
	}
	if err := batch.Append(
		rec.MarketZone, string(rec.PriceType), rec.Location, rec.Timestamp, rec.SourceID,
		rec.Price, rec.Volume, rec.CongestionCost, rec.LossCost, rec.RenewablePercentage, rec.LoadForecast,
		rec.IngestSequence, rec.Anomaly, rec.Volatility, rec.ReceivedAt,
	); err != nil {
		return storage.Unchanged, fmt.Errorf("append to batch: %w", err)
	}
	if err := batch.Send(); err != nil {
		return storage.Unchanged, wrap("send batch", err)
	}

	if count > 0 {
		return storage.Updated, nil
	}
	return storage.Inserted, nil
}

// QueryRange returns records within [Start, End).
func (s *Store) QueryRange(ctx context.Context, q storage.RangeQuery) ([]domain.PriceRecord, error) {
	if s == nil || s.conn == nil {
		return nil, storage.ErrNotConfigured
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString(`SELECT ` + priceColumns + ` FROM price_records FINAL
		WHERE market_zone = ? AND price_type = ? AND ts >= ? AND ts < ?`)
	args := []any{q.Zone, string(q.PriceType), q.Start.UTC(), q.End.UTC()}
	if q.Location != nil {
		sb.WriteString(` AND location = ?`)
		args = append(args, *q.Location)
	}
	sb.WriteString(` ORDER BY ts, location, source_id`)
	if q.Limit > 0 {
		sb.WriteString(` LIMIT ? OFFSET ?`)
		args = append(args, q.Limit, q.Offset)
	} else if q.Offset > 0 {
		sb.WriteString(` OFFSET ?`)
		args = append(args, q.Offset)
	}

	rows, err := s.conn.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, wrap("query price range", err)
	}
	defer rows.Close()
	return scanPriceRecords(rows)
}

// Latest returns the newest record for a zone and price type.
func (s *Store) Latest(ctx context.Context, zone string, pt domain.PriceType) (domain.PriceRecord, bool, error) {
	if s == nil || s.conn == nil {
		return domain.PriceRecord{}, false, storage.ErrNotConfigured
	}
	rows, err := s.conn.Query(ctx, `SELECT `+priceColumns+` FROM price_records FINAL
		WHERE market_zone = ? AND price_type = ?
		ORDER BY ts DESC, ingest_seq DESC
		LIMIT 1`, zone, string(pt))
	if err != nil {
		return domain.PriceRecord{}, false, wrap("query latest price", err)
	}
	defer rows.Close()

	records, err := scanPriceRecords(rows)
	if err != nil || len(records) == 0 {
		return domain.PriceRecord{}, false, err
	}
	return records[0], true, nil
}

// WindowStats counts a zone's records and anomalies in [from, to).
func (s *Store) WindowStats(ctx context.Context, zone string, from, to time.Time) (storage.WindowStats, error) {
	if s == nil || s.conn == nil {
		return storage.WindowStats{}, storage.ErrNotConfigured
	}
	var (
		total, inWindow, anomalies uint64
		earliest, latest           time.Time
	)
	if err := s.conn.QueryRow(ctx, `
		SELECT count(), countIf(ts >= ? AND ts < ?), countIf(anomaly AND ts >= ? AND ts < ?), minIf(ts, ts >= ? AND ts < ?), max(ts)
		FROM price_records FINAL
		WHERE market_zone = ?
	`, from.UTC(), to.UTC(), from.UTC(), to.UTC(), from.UTC(), to.UTC(), zone).Scan(&total, &inWindow, &anomalies, &earliest, &latest); err != nil {
		return storage.WindowStats{}, wrap("window stats", err)
	}

	stats := storage.WindowStats{Count: int64(inWindow), Anomalies: int64(anomalies)}
	if inWindow > 0 {
		earliest = earliest.UTC()
		stats.Earliest = &earliest
	}
	if total > 0 {
		latest = latest.UTC()
		stats.Latest = &latest
	}
	return stats, nil
}

// Zones lists zones with stored records.
func (s *Store) Zones(ctx context.Context) ([]string, error) {
	if s == nil || s.conn == nil {
		return nil, storage.ErrNotConfigured
	}
	rows, err := s.conn.Query(ctx, `SELECT DISTINCT market_zone FROM price_records ORDER BY market_zone`)
	if err != nil {
		return nil, wrap("list zones", err)
	}
	defer rows.Close()

	zones := make([]string, 0)
	for rows.Next() {
		var zone string
		if err := rows.Scan(&zone); err != nil {
			return nil, fmt.Errorf("scan zone: %w", err)
		}
		zones = append(zones, zone)
	}
	return zones, rows.Err()
}

// DeletePricesBefore issues a delete mutation for rows older than cutoff.
func (s *Store) DeletePricesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.conn == nil {
		return 0, storage.ErrNotConfigured
	}
	var count uint64
	if err := s.conn.QueryRow(ctx, `SELECT count() FROM price_records FINAL WHERE ts < ?`, cutoff.UTC()).Scan(&count); err != nil {
		return 0, wrap("count expired prices", err)
	}
	if count == 0 {
		return 0, nil
	}
	if err := s.conn.Exec(ctx, `ALTER TABLE price_records DELETE WHERE ts < ? SETTINGS mutations_sync = 1`, cutoff.UTC()); err != nil {
		return 0, wrap("delete prices before", err)
	}
	return int64(count), nil
}

// InsertQualityMetric appends a quality metric row.
func (s *Store) InsertQualityMetric(ctx context.Context, m domain.QualityMetric) error {
	if s == nil || s.conn == nil {
		return storage.ErrNotConfigured
	}
	if err := s.conn.Exec(ctx, `INSERT INTO quality_metrics (
			market_zone, window_start, window_end, computed_at, received_count, expected_count,
			completeness_percent, anomaly_count, freshness_seconds, status, reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MarketZone, m.WindowStart.UTC(), m.WindowEnd.UTC(), m.ComputedAt.UTC(),
		m.ReceivedCount, m.ExpectedCount, m.CompletenessPercent, m.AnomalyCount,
		m.FreshnessSeconds, string(m.Status), m.Reason,
	); err != nil {
		return wrap("insert quality metric", err)
	}
	return nil
}

// ListQualityMetrics lists the newest metrics for a zone first.
func (s *Store) ListQualityMetrics(ctx context.Context, zone string, limit int) ([]domain.QualityMetric, error) {
	if s == nil || s.conn == nil {
		return nil, storage.ErrNotConfigured
	}
	query := `SELECT market_zone, window_start, window_end, computed_at, received_count, expected_count,
			completeness_percent, anomaly_count, freshness_seconds, status, reason
		FROM quality_metrics
		WHERE market_zone = ?
		ORDER BY computed_at DESC`
	args := []any{zone}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap("list quality metrics", err)
	}
	defer rows.Close()

	metrics := make([]domain.QualityMetric, 0)
	for rows.Next() {
		var (
			m      domain.QualityMetric
			status string
		)
		if err := rows.Scan(
			&m.MarketZone, &m.WindowStart, &m.WindowEnd, &m.ComputedAt,
			&m.ReceivedCount, &m.ExpectedCount, &m.CompletenessPercent,
			&m.AnomalyCount, &m.FreshnessSeconds, &status, &m.Reason,
		); err != nil {
			return nil, fmt.Errorf("scan quality metric: %w", err)
		}
		m.Status = domain.QualityStatus(status)
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// DeleteQualityBefore issues a delete mutation for old quality metrics.
func (s *Store) DeleteQualityBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.conn == nil {
		return 0, storage.ErrNotConfigured
	}
	var count uint64
	if err := s.conn.QueryRow(ctx, `SELECT count() FROM quality_metrics WHERE computed_at < ?`, cutoff.UTC()).Scan(&count); err != nil {
		return 0, wrap("count expired quality metrics", err)
	}
	if count == 0 {
		return 0, nil
	}
	if err := s.conn.Exec(ctx, `ALTER TABLE quality_metrics DELETE WHERE computed_at < ? SETTINGS mutations_sync = 1`, cutoff.UTC()); err != nil {
		return 0, wrap("delete quality before", err)
	}
	return int64(count), nil
}

// SaveRun appends a new version of the run; reads collapse to the newest.
func (s *Store) SaveRun(ctx context.Context, run domain.IngestionRun) error {
	if s == nil || s.conn == nil {
		return storage.ErrNotConfigured
	}
	if run.ID == "" {
		return storage.ErrInvalidInput
	}
	if err := s.conn.Exec(ctx, `INSERT INTO ingestion_runs (`+runColumns+`, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SourceID, run.MarketZone, string(run.Kind), run.RangeStart, run.RangeEnd,
		run.StartTime.UTC(), run.EndTime, run.RecordsIngested, run.RecordsRejected,
		string(run.Status), run.LastIngestedAt, run.Error, uint64(time.Now().UnixNano()),
	); err != nil {
		return wrap("save run", err)
	}
	return nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (domain.IngestionRun, error) {
	if s == nil || s.conn == nil {
		return domain.IngestionRun{}, storage.ErrNotConfigured
	}
	rows, err := s.conn.Query(ctx, `SELECT `+runColumns+` FROM ingestion_runs FINAL WHERE id = ?`, id)
	if err != nil {
		return domain.IngestionRun{}, wrap("get run", err)
	}
	defer rows.Close()

	runs, err := scanRuns(rows)
	if err != nil {
		return domain.IngestionRun{}, err
	}
	if len(runs) == 0 {
		return domain.IngestionRun{}, storage.ErrNotFound
	}
	return runs[0], nil
}

// ListRuns lists the most recently started runs.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]domain.IngestionRun, error) {
	if s == nil || s.conn == nil {
		return nil, storage.ErrNotConfigured
	}
	query := `SELECT ` + runColumns + ` FROM ingestion_runs FINAL ORDER BY start_time DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap("list runs", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// chRows is the subset of driver.Rows the scanners need.
type chRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanPriceRecords(rows chRows) ([]domain.PriceRecord, error) {
	records := make([]domain.PriceRecord, 0)
	for rows.Next() {
		var (
			rec        domain.PriceRecord
			priceType  string
			congestion *decimal.Decimal
			loss       *decimal.Decimal
			renewable  *decimal.Decimal
			load       *decimal.Decimal
			volatility *decimal.Decimal
		)
		if err := rows.Scan(
			&rec.MarketZone, &priceType, &rec.Location, &rec.Timestamp, &rec.SourceID,
			&rec.Price, &rec.Volume, &congestion, &loss, &renewable, &load,
			&rec.IngestSequence, &rec.Anomaly, &volatility, &rec.ReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("scan price record: %w", err)
		}
		rec.PriceType = domain.PriceType(priceType)
		rec.Timestamp = rec.Timestamp.UTC()
		rec.ReceivedAt = rec.ReceivedAt.UTC()
		rec.CongestionCost = congestion
		rec.LossCost = loss
		rec.RenewablePercentage = renewable
		rec.LoadForecast = load
		rec.Volatility = volatility
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate price records", err)
	}
	return records, nil
}

func scanRuns(rows chRows) ([]domain.IngestionRun, error) {
	runs := make([]domain.IngestionRun, 0)
	for rows.Next() {
		var (
			run    domain.IngestionRun
			kind   string
			status string
		)
		if err := rows.Scan(
			&run.ID, &run.SourceID, &run.MarketZone, &kind, &run.RangeStart, &run.RangeEnd,
			&run.StartTime, &run.EndTime, &run.RecordsIngested, &run.RecordsRejected,
			&status, &run.LastIngestedAt, &run.Error,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Kind = domain.RunKind(kind)
		run.Status = domain.RunStatus(status)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate runs", err)
	}
	return runs, nil
}

var (
	_ storage.Store    = (*Store)(nil)
	_ storage.Migrator = (*Store)(nil)
)
