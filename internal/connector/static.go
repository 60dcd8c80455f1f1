package connector

import (
	"context"
	"iter"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"market-pipeline/internal/domain"
)

// Static serves a fixed record set. It backs dry runs and tests; failures
// can be injected with SetError.
type Static struct {
	id        string
	batchSize int

	mu      sync.RWMutex
	records []domain.PriceRecord
	err     error

	latestCalls atomic.Int64
	rangeCalls  atomic.Int64
}

// NewStatic creates a static connector holding records.
func NewStatic(id string, records []domain.PriceRecord) *Static {
	s := &Static{id: id, batchSize: 100}
	s.SetRecords(records)
	return s
}

// WithBatchSize sets the FetchRange page size.
func (s *Static) WithBatchSize(n int) *Static {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

// SetRecords replaces the record set.
func (s *Static) SetRecords(records []domain.PriceRecord) {
	sorted := append([]domain.PriceRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	s.mu.Lock()
	s.records = sorted
	s.mu.Unlock()
}

// SetError makes every fetch fail with err until cleared with nil.
func (s *Static) SetError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Calls reports how many FetchLatest and FetchRange calls were made.
func (s *Static) Calls() (latest, ranged int64) {
	return s.latestCalls.Load(), s.rangeCalls.Load()
}

// ID implements Connector.
func (s *Static) ID() string { return s.id }

// FetchLatest returns the records sharing the newest timestamp.
func (s *Static) FetchLatest(ctx context.Context) ([]domain.PriceRecord, error) {
	s.latestCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, newError(s.id, "fetch latest", ErrSourceUnavailable, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	if len(s.records) == 0 {
		return nil, nil
	}
	newest := s.records[len(s.records)-1].Timestamp
	var out []domain.PriceRecord
	for _, rec := range s.records {
		if rec.Timestamp.Equal(newest) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// FetchRange pages through the stored records in [start, end).
func (s *Static) FetchRange(ctx context.Context, start, end time.Time) iter.Seq2[[]domain.PriceRecord, error] {
	return func(yield func([]domain.PriceRecord, error) bool) {
		s.rangeCalls.Add(1)
		s.mu.RLock()
		records, injected := s.records, s.err
		s.mu.RUnlock()
		if injected != nil {
			yield(nil, injected)
			return
		}

		page := make([]domain.PriceRecord, 0, s.batchSize)
		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				yield(nil, newError(s.id, "fetch range", ErrSourceUnavailable, err))
				return
			}
			if rec.Timestamp.Before(start) || !rec.Timestamp.Before(end) {
				continue
			}
			page = append(page, rec)
			if len(page) == s.batchSize {
				if !yield(page, nil) {
					return
				}
				page = make([]domain.PriceRecord, 0, s.batchSize)
			}
		}
		if len(page) > 0 {
			yield(page, nil)
		}
	}
}

var _ Connector = (*Static)(nil)
