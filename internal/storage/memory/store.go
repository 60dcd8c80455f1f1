package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"market-pipeline/internal/domain"
	"market-pipeline/internal/storage"
)

// Store is an in-memory implementation of storage.Store. Records are kept in
// one shard per market zone, sorted by (timestamp, location, source, price
// type), so writers to different zones never contend.
type Store struct {
	mu     sync.RWMutex
	shards map[string]*shard

	qmu     sync.RWMutex
	quality map[string][]domain.QualityMetric

	rmu  sync.RWMutex
	runs map[string]domain.IngestionRun

	unavailable atomic.Bool
}

type shard struct {
	mu   sync.RWMutex
	keys map[domain.DedupKey]struct{}
	rows []domain.PriceRecord
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		shards:  make(map[string]*shard),
		quality: make(map[string][]domain.QualityMetric),
		runs:    make(map[string]domain.IngestionRun),
	}
}

// SetUnavailable makes every operation fail with storage.ErrUnavailable,
// simulating a backend outage.
func (s *Store) SetUnavailable(down bool) {
	s.unavailable.Store(down)
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) check() error {
	if s.unavailable.Load() {
		return storage.ErrUnavailable
	}
	return nil
}

func (s *Store) shard(zone string, create bool) *shard {
	s.mu.RLock()
	sh := s.shards[zone]
	s.mu.RUnlock()
	if sh != nil || !create {
		return sh
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sh = s.shards[zone]; sh == nil {
		sh = &shard{keys: make(map[domain.DedupKey]struct{})}
		s.shards[zone] = sh
	}
	return sh
}

func less(a, b domain.PriceRecord) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if a.Location != b.Location {
		return a.Location < b.Location
	}
	if a.SourceID != b.SourceID {
		return a.SourceID < b.SourceID
	}
	return a.PriceType < b.PriceType
}

// Upsert inserts the record or replaces it when the ingest sequence is higher.
func (s *Store) Upsert(_ context.Context, rec domain.PriceRecord) (storage.UpsertOutcome, error) {
	if err := s.check(); err != nil {
		return storage.Unchanged, err
	}
	rec = rec.Normalize()
	if err := rec.Validate(); err != nil {
		return storage.Unchanged, storage.ErrInvalidInput
	}

	sh := s.shard(rec.MarketZone, true)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	idx := sort.Search(len(sh.rows), func(i int) bool { return !less(sh.rows[i], rec) })
	if _, exists := sh.keys[rec.Key()]; exists {
		if sh.rows[idx].IngestSequence >= rec.IngestSequence {
			return storage.Unchanged, nil
		}
		sh.rows[idx] = rec
		return storage.Updated, nil
	}

	sh.rows = append(sh.rows, domain.PriceRecord{})
	copy(sh.rows[idx+1:], sh.rows[idx:])
	sh.rows[idx] = rec
	sh.keys[rec.Key()] = struct{}{}
	return storage.Inserted, nil
}

// QueryRange returns records with Start <= ts < End.
func (s *Store) QueryRange(_ context.Context, q storage.RangeQuery) ([]domain.PriceRecord, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	sh := s.shard(q.Zone, false)
	if sh == nil {
		return []domain.PriceRecord{}, nil
	}

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	start := sort.Search(len(sh.rows), func(i int) bool { return !sh.rows[i].Timestamp.Before(q.Start) })
	out := make([]domain.PriceRecord, 0)
	skipped := 0
	for i := start; i < len(sh.rows); i++ {
		row := sh.rows[i]
		if !row.Timestamp.Before(q.End) {
			break
		}
		if row.PriceType != q.PriceType {
			continue
		}
		if q.Location != nil && row.Location != *q.Location {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		out = append(out, row)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Latest returns the newest record for a zone and price type.
func (s *Store) Latest(_ context.Context, zone string, pt domain.PriceType) (domain.PriceRecord, bool, error) {
	if err := s.check(); err != nil {
		return domain.PriceRecord{}, false, err
	}
	sh := s.shard(zone, false)
	if sh == nil {
		return domain.PriceRecord{}, false, nil
	}

	sh.mu.RLock()
	defer sh.mu.RUnlock()
	for i := len(sh.rows) - 1; i >= 0; i-- {
		if sh.rows[i].PriceType == pt {
			return sh.rows[i], true, nil
		}
	}
	return domain.PriceRecord{}, false, nil
}

// WindowStats counts records and anomalies for a zone in [from, to).
func (s *Store) WindowStats(_ context.Context, zone string, from, to time.Time) (storage.WindowStats, error) {
	if err := s.check(); err != nil {
		return storage.WindowStats{}, err
	}
	var stats storage.WindowStats
	sh := s.shard(zone, false)
	if sh == nil {
		return stats, nil
	}

	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if n := len(sh.rows); n > 0 {
		latest := sh.rows[n-1].Timestamp
		stats.Latest = &latest
	}
	start := sort.Search(len(sh.rows), func(i int) bool { return !sh.rows[i].Timestamp.Before(from) })
	for i := start; i < len(sh.rows) && sh.rows[i].Timestamp.Before(to); i++ {
		if stats.Count == 0 {
			earliest := sh.rows[i].Timestamp
			stats.Earliest = &earliest
		}
		stats.Count++
		if sh.rows[i].Anomaly {
			stats.Anomalies++
		}
	}
	return stats, nil
}

// Zones lists zones with stored records.
func (s *Store) Zones(_ context.Context) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	zones := make([]string, 0, len(s.shards))
	for zone, sh := range s.shards {
		sh.mu.RLock()
		n := len(sh.rows)
		sh.mu.RUnlock()
		if n > 0 {
			zones = append(zones, zone)
		}
	}
	sort.Strings(zones)
	return zones, nil
}

// DeletePricesBefore drops records older than cutoff.
func (s *Store) DeletePricesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	shards := make([]*shard, 0, len(s.shards))
	for _, sh := range s.shards {
		shards = append(shards, sh)
	}
	s.mu.RUnlock()

	var removed int64
	for _, sh := range shards {
		sh.mu.Lock()
		cut := sort.Search(len(sh.rows), func(i int) bool { return !sh.rows[i].Timestamp.Before(cutoff) })
		for _, row := range sh.rows[:cut] {
			delete(sh.keys, row.Key())
		}
		sh.rows = append([]domain.PriceRecord(nil), sh.rows[cut:]...)
		removed += int64(cut)
		sh.mu.Unlock()
	}
	return removed, nil
}

// InsertQualityMetric appends a quality metric.
func (s *Store) InsertQualityMetric(_ context.Context, m domain.QualityMetric) error {
	if err := s.check(); err != nil {
		return err
	}
	s.qmu.Lock()
	s.quality[m.MarketZone] = append(s.quality[m.MarketZone], m)
	s.qmu.Unlock()
	return nil
}

// ListQualityMetrics returns the newest metrics first.
func (s *Store) ListQualityMetrics(_ context.Context, zone string, limit int) ([]domain.QualityMetric, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.qmu.RLock()
	defer s.qmu.RUnlock()
	history := s.quality[zone]
	out := make([]domain.QualityMetric, 0, min(limit, len(history)))
	for i := len(history) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, history[i])
	}
	return out, nil
}

// DeleteQualityBefore drops metrics computed before cutoff.
func (s *Store) DeleteQualityBefore(_ context.Context, cutoff time.Time) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	s.qmu.Lock()
	defer s.qmu.Unlock()
	var removed int64
	for zone, history := range s.quality {
		kept := history[:0]
		for _, m := range history {
			if m.ComputedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, m)
		}
		s.quality[zone] = kept
	}
	return removed, nil
}

// SaveRun creates or replaces a run.
func (s *Store) SaveRun(_ context.Context, run domain.IngestionRun) error {
	if err := s.check(); err != nil {
		return err
	}
	if run.ID == "" {
		return storage.ErrInvalidInput
	}
	s.rmu.Lock()
	s.runs[run.ID] = run
	s.rmu.Unlock()
	return nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(_ context.Context, id string) (domain.IngestionRun, error) {
	if err := s.check(); err != nil {
		return domain.IngestionRun{}, err
	}
	s.rmu.RLock()
	defer s.rmu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return domain.IngestionRun{}, storage.ErrNotFound
	}
	return run, nil
}

// ListRuns returns the most recently started runs first.
func (s *Store) ListRuns(_ context.Context, limit int) ([]domain.IngestionRun, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.rmu.RLock()
	runs := make([]domain.IngestionRun, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	s.rmu.RUnlock()

	sort.Slice(runs, func(i, j int) bool { return runs[i].StartTime.After(runs[j].StartTime) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

var _ storage.Store = (*Store)(nil)
