package connector

import (
	"context"
	"iter"
	"sync"
	"time"

	"market-pipeline/internal/domain"
)

// Sequencer hands out strictly increasing ingest sequences derived from the
// wall clock in microseconds, so sequences keep growing across restarts.
type Sequencer struct {
	mu   sync.Mutex
	last uint64
	now  func() time.Time
}

// NewSequencer creates a wall-clock sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{now: time.Now}
}

// Next returns max(previous+1, now in µs).
func (s *Sequencer) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := uint64(s.now().UnixMicro())
	if next <= s.last {
		next = s.last + 1
	}
	s.last = next
	return next
}

// Sequenced stamps every record fetched through the wrapped connector with
// the source id, an ingest sequence and the receive time.
type Sequenced struct {
	inner Connector
	seq   *Sequencer
}

// NewSequenced wraps c.
func NewSequenced(c Connector) *Sequenced {
	return &Sequenced{inner: c, seq: NewSequencer()}
}

// ID returns the wrapped connector id.
func (s *Sequenced) ID() string { return s.inner.ID() }

// Unwrap exposes the variant behind the wrapper.
func (s *Sequenced) Unwrap() Connector { return s.inner }

// FetchLatest fetches and stamps the latest records.
func (s *Sequenced) FetchLatest(ctx context.Context) ([]domain.PriceRecord, error) {
	records, err := s.inner.FetchLatest(ctx)
	s.stamp(records)
	return records, err
}

// FetchRange stamps every page of the wrapped range.
func (s *Sequenced) FetchRange(ctx context.Context, start, end time.Time) iter.Seq2[[]domain.PriceRecord, error] {
	return func(yield func([]domain.PriceRecord, error) bool) {
		for page, err := range s.inner.FetchRange(ctx, start, end) {
			s.stamp(page)
			if !yield(page, err) {
				return
			}
		}
	}
}

// ReloadCredentials forwards to the wrapped connector when supported.
func (s *Sequenced) ReloadCredentials(ctx context.Context) error {
	if r, ok := s.inner.(Reconfigurable); ok {
		return r.ReloadCredentials(ctx)
	}
	return nil
}

func (s *Sequenced) stamp(records []domain.PriceRecord) {
	received := time.Now().UTC()
	for i := range records {
		records[i] = records[i].Normalize()
		records[i].SourceID = s.inner.ID()
		records[i].IngestSequence = s.seq.Next()
		records[i].ReceivedAt = received
	}
}

var (
	_ Connector      = (*Sequenced)(nil)
	_ Reconfigurable = (*Sequenced)(nil)
)
