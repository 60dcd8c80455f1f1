package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"market-pipeline/internal/domain"
	"market-pipeline/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const deleteBatchSize = 10000

const (
	upsertPriceSQL = `INSERT INTO price_records (
        market_zone,
        price_type,
        location,
        ts,
        source_id,
        price,
        volume,
        congestion_cost,
        loss_cost,
        renewable_pct,
        load_forecast,
        ingest_seq,
        anomaly,
        volatility,
        received_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
    )
    ON CONFLICT (market_zone, price_type, location, ts, source_id) DO UPDATE
    SET
        price           = EXCLUDED.price,
        volume          = EXCLUDED.volume,
        congestion_cost = EXCLUDED.congestion_cost,
        loss_cost       = EXCLUDED.loss_cost,
        renewable_pct   = EXCLUDED.renewable_pct,
        load_forecast   = EXCLUDED.load_forecast,
        ingest_seq      = EXCLUDED.ingest_seq,
        anomaly         = EXCLUDED.anomaly,
        volatility      = EXCLUDED.volatility,
        received_at     = EXCLUDED.received_at
    WHERE price_records.ingest_seq < EXCLUDED.ingest_seq
    RETURNING (xmax = 0) AS inserted;`

	selectPriceColumns = `SELECT
        market_zone,
        price_type,
        location,
        ts,
        source_id,
        price::text,
        volume::text,
        congestion_cost::text,
        loss_cost::text,
        renewable_pct::text,
        load_forecast::text,
        ingest_seq,
        anomaly,
        volatility::text,
        received_at
    FROM price_records`

	queryRangeSQL = selectPriceColumns + `
    WHERE market_zone = $1
      AND price_type = $2
      AND ts >= $3
      AND ts < $4
      AND ($5::text IS NULL OR location = $5)
    ORDER BY ts, location, source_id
    LIMIT NULLIF($6::int, 0)
    OFFSET $7;`

	latestPriceSQL = selectPriceColumns + `
    WHERE market_zone = $1
      AND price_type = $2
    ORDER BY ts DESC, ingest_seq DESC
    LIMIT 1;`

	windowStatsSQL = `SELECT
        (SELECT COUNT(*) FROM price_records WHERE market_zone = $1 AND ts >= $2 AND ts < $3),
        (SELECT COUNT(*) FROM price_records WHERE market_zone = $1 AND ts >= $2 AND ts < $3 AND anomaly),
        (SELECT MIN(ts) FROM price_records WHERE market_zone = $1 AND ts >= $2 AND ts < $3),
        (SELECT MAX(ts) FROM price_records WHERE market_zone = $1);`

	listZonesSQL = `SELECT DISTINCT market_zone FROM price_records ORDER BY market_zone;`

	deletePricesBeforeSQL = `DELETE FROM price_records
    WHERE ctid IN (
        SELECT ctid FROM price_records WHERE ts < $1 LIMIT $2
    );`

	insertQualitySQL = `INSERT INTO quality_metrics (
        market_zone,
        window_start,
        window_end,
        computed_at,
        received_count,
        expected_count,
        completeness_percent,
        anomaly_count,
        freshness_seconds,
        status,
        reason
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    );`

	listQualitySQL = `SELECT
        market_zone,
        window_start,
        window_end,
        computed_at,
        received_count,
        expected_count,
        completeness_percent,
        anomaly_count,
        freshness_seconds,
        status,
        reason
    FROM quality_metrics
    WHERE market_zone = $1
    ORDER BY computed_at DESC, id DESC
    LIMIT NULLIF($2::int, 0);`

	deleteQualityBeforeSQL = `DELETE FROM quality_metrics WHERE computed_at < $1;`

	upsertRunSQL = `INSERT INTO ingestion_runs (
        id,
        source_id,
        market_zone,
        kind,
        range_start,
        range_end,
        start_time,
        end_time,
        records_ingested,
        records_rejected,
        status,
        last_ingested_at,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    )
    ON CONFLICT (id) DO UPDATE
    SET
        end_time         = EXCLUDED.end_time,
        records_ingested = EXCLUDED.records_ingested,
        records_rejected = EXCLUDED.records_rejected,
        status           = EXCLUDED.status,
        last_ingested_at = EXCLUDED.last_ingested_at,
        error            = EXCLUDED.error;`

	selectRunColumns = `SELECT
        id,
        source_id,
        market_zone,
        kind,
        range_start,
        range_end,
        start_time,
        end_time,
        records_ingested,
        records_rejected,
        status,
        last_ingested_at,
        error
    FROM ingestion_runs`

	getRunSQL   = selectRunColumns + ` WHERE id = $1;`
	listRunsSQL = selectRunColumns + ` ORDER BY start_time DESC LIMIT NULLIF($1::int, 0);`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store persists price records, quality metrics and runs in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, storage.ErrNotConfigured
	}
	return s.pool, nil
}

// Migrate applies the embedded SQL files in lexical order. Every file is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		data, err := fs.ReadFile(migrationsFS, "migrations/"+file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return wrap("apply migration "+file, err)
		}
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, wrap("acquire connection", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, wrap("try advisory lock", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// Upsert inserts the record or replaces the stored row when its ingest sequence is lower.
func (s *Store) Upsert(ctx context.Context, rec domain.PriceRecord) (storage.UpsertOutcome, error) {
	pool, err := s.getPool()
	if err != nil {
		return storage.Unchanged, err
	}
	rec = rec.Normalize()
	if err := rec.Validate(); err != nil {
		return storage.Unchanged, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	receivedAt := rec.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	var inserted bool
	err = pool.QueryRow(ctx, upsertPriceSQL,
		rec.MarketZone,
		string(rec.PriceType),
		rec.Location,
		rec.Timestamp,
		rec.SourceID,
		rec.Price.String(),
		rec.Volume.String(),
		decimalArg(rec.CongestionCost),
		decimalArg(rec.LossCost),
		decimalArg(rec.RenewablePercentage),
		decimalArg(rec.LoadForecast),
		int64(rec.IngestSequence),
		rec.Anomaly,
		decimalArg(rec.Volatility),
		receivedAt,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Unchanged, nil
	}
	if err != nil {
		return storage.Unchanged, wrap("upsert price record", err)
	}
	if inserted {
		return storage.Inserted, nil
	}
	return storage.Updated, nil
}

// QueryRange lists records within [Start, End).
func (s *Store) QueryRange(ctx context.Context, q storage.RangeQuery) ([]domain.PriceRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, queryRangeSQL,
		q.Zone, string(q.PriceType), q.Start.UTC(), q.End.UTC(), q.Location, q.Limit, q.Offset)
	if queryErr != nil {
		return nil, wrap("query price range", queryErr)
	}
	defer rows.Close()

	records := make([]domain.PriceRecord, 0)
	for rows.Next() {
		rec, scanErr := scanPriceRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate price range", err)
	}
	return records, nil
}

// Latest returns the newest record for a zone and price type.
func (s *Store) Latest(ctx context.Context, zone string, pt domain.PriceType) (domain.PriceRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.PriceRecord{}, false, err
	}

	rows, queryErr := pool.Query(ctx, latestPriceSQL, zone, string(pt))
	if queryErr != nil {
		return domain.PriceRecord{}, false, wrap("query latest price", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.PriceRecord{}, false, wrap("query latest price", err)
		}
		return domain.PriceRecord{}, false, nil
	}
	rec, err := scanPriceRecord(rows)
	if err != nil {
		return domain.PriceRecord{}, false, err
	}
	return rec, true, nil
}

// WindowStats counts a zone's records and anomalies in [from, to).
func (s *Store) WindowStats(ctx context.Context, zone string, from, to time.Time) (storage.WindowStats, error) {
	pool, err := s.getPool()
	if err != nil {
		return storage.WindowStats{}, err
	}

	var stats storage.WindowStats
	if scanErr := pool.QueryRow(ctx, windowStatsSQL, zone, from.UTC(), to.UTC()).
		Scan(&stats.Count, &stats.Anomalies, &stats.Earliest, &stats.Latest); scanErr != nil {
		return storage.WindowStats{}, wrap("window stats", scanErr)
	}
	if stats.Earliest != nil {
		earliest := stats.Earliest.UTC()
		stats.Earliest = &earliest
	}
	if stats.Latest != nil {
		latest := stats.Latest.UTC()
		stats.Latest = &latest
	}
	return stats, nil
}

// Zones lists zones with stored records.
func (s *Store) Zones(ctx context.Context) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listZonesSQL)
	if queryErr != nil {
		return nil, wrap("list zones", queryErr)
	}
	zones, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, wrap("collect zones", err)
	}
	return zones, nil
}

// DeletePricesBefore removes old records in bounded batches.
func (s *Store) DeletePricesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var removed int64
	for {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		tag, execErr := pool.Exec(ctx, deletePricesBeforeSQL, cutoff.UTC(), deleteBatchSize)
		if execErr != nil {
			return removed, wrap("delete prices before", execErr)
		}
		removed += tag.RowsAffected()
		if tag.RowsAffected() < deleteBatchSize {
			return removed, nil
		}
	}
}

// InsertQualityMetric appends a quality metric row.
func (s *Store) InsertQualityMetric(ctx context.Context, m domain.QualityMetric) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertQualitySQL,
		m.MarketZone,
		m.WindowStart.UTC(),
		m.WindowEnd.UTC(),
		m.ComputedAt.UTC(),
		m.ReceivedCount,
		m.ExpectedCount,
		m.CompletenessPercent,
		m.AnomalyCount,
		m.FreshnessSeconds,
		string(m.Status),
		m.Reason,
	); execErr != nil {
		return wrap("insert quality metric", execErr)
	}
	return nil
}

// ListQualityMetrics lists the newest metrics for a zone first.
func (s *Store) ListQualityMetrics(ctx context.Context, zone string, limit int) ([]domain.QualityMetric, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listQualitySQL, zone, limit)
	if queryErr != nil {
		return nil, wrap("list quality metrics", queryErr)
	}
	defer rows.Close()

	metrics := make([]domain.QualityMetric, 0)
	for rows.Next() {
		var (
			m      domain.QualityMetric
			status string
		)
		if err := rows.Scan(
			&m.MarketZone,
			&m.WindowStart,
			&m.WindowEnd,
			&m.ComputedAt,
			&m.ReceivedCount,
			&m.ExpectedCount,
			&m.CompletenessPercent,
			&m.AnomalyCount,
			&m.FreshnessSeconds,
			&status,
			&m.Reason,
		); err != nil {
			return nil, fmt.Errorf("scan quality metric: %w", err)
		}
		m.Status = domain.QualityStatus(status)
		metrics = append(metrics, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate quality metrics", err)
	}
	return metrics, nil
}

// DeleteQualityBefore deletes historical quality metrics.
func (s *Store) DeleteQualityBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteQualityBeforeSQL, cutoff.UTC())
	if execErr != nil {
		return 0, wrap("delete quality before", execErr)
	}
	return tag.RowsAffected(), nil
}

// SaveRun creates or updates an ingestion run.
func (s *Store) SaveRun(ctx context.Context, run domain.IngestionRun) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if run.ID == "" {
		return storage.ErrInvalidInput
	}
	if _, execErr := pool.Exec(ctx, upsertRunSQL,
		run.ID,
		run.SourceID,
		run.MarketZone,
		string(run.Kind),
		run.RangeStart,
		run.RangeEnd,
		run.StartTime,
		run.EndTime,
		run.RecordsIngested,
		run.RecordsRejected,
		string(run.Status),
		run.LastIngestedAt,
		run.Error,
	); execErr != nil {
		return wrap("save run", execErr)
	}
	return nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (domain.IngestionRun, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.IngestionRun{}, err
	}
	rows, queryErr := pool.Query(ctx, getRunSQL, id)
	if queryErr != nil {
		return domain.IngestionRun{}, wrap("get run", queryErr)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.IngestionRun{}, wrap("get run", err)
		}
		return domain.IngestionRun{}, storage.ErrNotFound
	}
	return scanRun(rows)
}

// ListRuns lists the most recently started runs.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]domain.IngestionRun, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRunsSQL, limit)
	if queryErr != nil {
		return nil, wrap("list runs", queryErr)
	}
	defer rows.Close()

	runs := make([]domain.IngestionRun, 0)
	for rows.Next() {
		run, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate runs", err)
	}
	return runs, nil
}

func decimalArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseOptional(field string, v *string) (*decimal.Decimal, error) {
	if v == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*v)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return &d, nil
}

func scanPriceRecord(rows pgx.Rows) (domain.PriceRecord, error) {
	var (
		rec           domain.PriceRecord
		priceType     string
		priceStr      string
		volumeStr     string
		congestionStr *string
		lossStr       *string
		renewableStr  *string
		loadStr       *string
		volatilityStr *string
		seq           int64
	)

	if err := rows.Scan(
		&rec.MarketZone,
		&priceType,
		&rec.Location,
		&rec.Timestamp,
		&rec.SourceID,
		&priceStr,
		&volumeStr,
		&congestionStr,
		&lossStr,
		&renewableStr,
		&loadStr,
		&seq,
		&rec.Anomaly,
		&volatilityStr,
		&rec.ReceivedAt,
	); err != nil {
		return domain.PriceRecord{}, fmt.Errorf("scan price record: %w", err)
	}

	rec.PriceType = domain.PriceType(priceType)
	rec.Timestamp = rec.Timestamp.UTC()
	rec.ReceivedAt = rec.ReceivedAt.UTC()
	rec.IngestSequence = uint64(seq)

	var err error
	if rec.Price, err = decimal.NewFromString(priceStr); err != nil {
		return domain.PriceRecord{}, fmt.Errorf("parse price: %w", err)
	}
	if rec.Volume, err = decimal.NewFromString(volumeStr); err != nil {
		return domain.PriceRecord{}, fmt.Errorf("parse volume: %w", err)
	}
	if rec.CongestionCost, err = parseOptional("congestion cost", congestionStr); err != nil {
		return domain.PriceRecord{}, err
	}
	if rec.LossCost, err = parseOptional("loss cost", lossStr); err != nil {
		return domain.PriceRecord{}, err
	}
	if rec.RenewablePercentage, err = parseOptional("renewable percentage", renewableStr); err != nil {
		return domain.PriceRecord{}, err
	}
	if rec.LoadForecast, err = parseOptional("load forecast", loadStr); err != nil {
		return domain.PriceRecord{}, err
	}
	if rec.Volatility, err = parseOptional("volatility", volatilityStr); err != nil {
		return domain.PriceRecord{}, err
	}
	return rec, nil
}

func scanRun(rows pgx.Rows) (domain.IngestionRun, error) {
	var (
		run    domain.IngestionRun
		kind   string
		status string
	)
	if err := rows.Scan(
		&run.ID,
		&run.SourceID,
		&run.MarketZone,
		&kind,
		&run.RangeStart,
		&run.RangeEnd,
		&run.StartTime,
		&run.EndTime,
		&run.RecordsIngested,
		&run.RecordsRejected,
		&status,
		&run.LastIngestedAt,
		&run.Error,
	); err != nil {
		return domain.IngestionRun{}, fmt.Errorf("scan run: %w", err)
	}
	run.Kind = domain.RunKind(kind)
	run.Status = domain.RunStatus(status)
	return run, nil
}

var (
	_ storage.Store          = (*Store)(nil)
	_ storage.AdvisoryLocker = (*Store)(nil)
	_ storage.Migrator       = (*Store)(nil)
)
