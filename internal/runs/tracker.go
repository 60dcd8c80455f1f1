// Package runs tracks IngestionRun lifecycles and their counters.
package runs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"market-pipeline/internal/domain"
	"market-pipeline/internal/observability"
	"market-pipeline/internal/storage"
)

// ErrUnknownRun is returned for ids that are neither active nor stored.
var ErrUnknownRun = errors.New("unknown ingestion run")

// StartOptions describes a new run.
type StartOptions struct {
	SourceID   string
	Zone       string
	Kind       domain.RunKind
	RangeStart *time.Time
	RangeEnd   *time.Time
}

// Tracker keeps active runs in memory and persists them on start,
// checkpoint and finish. Counter updates are cheap and safe to call from
// the publisher's hot path.
type Tracker struct {
	store  storage.RunStore
	logger zerolog.Logger
	now    func() time.Time
	retry  time.Duration

	mu     sync.Mutex
	active map[string]*domain.IngestionRun
}

// NewTracker creates a tracker persisting to store.
func NewTracker(store storage.RunStore, logger zerolog.Logger) *Tracker {
	return &Tracker{
		store:  store,
		logger: logger.With().Str("component", "runs").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		retry:  500 * time.Millisecond,
		active: make(map[string]*domain.IngestionRun),
	}
}

// Start opens a run. A store failure is logged; the run is still tracked
// and persisted again at the next checkpoint.
func (t *Tracker) Start(ctx context.Context, opts StartOptions) domain.IngestionRun {
	run := &domain.IngestionRun{
		ID:         uuid.NewString(),
		SourceID:   opts.SourceID,
		MarketZone: opts.Zone,
		Kind:       opts.Kind,
		RangeStart: opts.RangeStart,
		RangeEnd:   opts.RangeEnd,
		StartTime:  t.now(),
		Status:     domain.RunRunning,
	}
	t.mu.Lock()
	t.active[run.ID] = run
	snapshot := *run
	t.mu.Unlock()

	if err := t.store.SaveRun(ctx, snapshot); err != nil {
		t.logger.Warn().Err(err).Str("run_id", run.ID).Str("source", run.SourceID).Msg("failed to persist new run")
	}
	t.logger.Debug().Str("run_id", run.ID).Str("source", run.SourceID).Str("kind", string(run.Kind)).Msg("run started")
	return snapshot
}

// RecordIngested adds n accepted records; last is the newest record
// timestamp among them.
func (t *Tracker) RecordIngested(runID string, n int, last time.Time) {
	t.update(runID, func(r *domain.IngestionRun) {
		r.RecordsIngested += int64(n)
		if !last.IsZero() && (r.LastIngestedAt == nil || last.After(*r.LastIngestedAt)) {
			ts := last.UTC()
			r.LastIngestedAt = &ts
		}
	})
}

// RecordRejected adds n rejected records.
func (t *Tracker) RecordRejected(runID string, n int) {
	t.update(runID, func(r *domain.IngestionRun) { r.RecordsRejected += int64(n) })
}

// RecordsDropped counts records the publisher evicted from its buffer.
func (t *Tracker) RecordsDropped(runID string, n int) {
	t.RecordRejected(runID, n)
}

func (t *Tracker) update(runID string, fn func(*domain.IngestionRun)) {
	if runID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.active[runID]; ok {
		fn(r)
	}
}

// Snapshot returns a copy of an active run.
func (t *Tracker) Snapshot(runID string) (domain.IngestionRun, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.active[runID]
	if !ok {
		return domain.IngestionRun{}, false
	}
	return *r, true
}

// Checkpoint persists the current counters of an active run.
func (t *Tracker) Checkpoint(ctx context.Context, runID string) error {
	run, ok := t.Snapshot(runID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return t.store.SaveRun(ctx, run)
}

// Finish closes the run with status and persists it, retrying briefly while
// the store is unavailable. The run stays readable through Get if the final
// save fails.
func (t *Tracker) Finish(ctx context.Context, runID string, status domain.RunStatus, cause error) (domain.IngestionRun, error) {
	if !status.Terminal() {
		return domain.IngestionRun{}, fmt.Errorf("status %q is not terminal", status)
	}
	t.mu.Lock()
	r, ok := t.active[runID]
	if !ok {
		t.mu.Unlock()
		return domain.IngestionRun{}, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	end := t.now()
	r.EndTime = &end
	r.Status = status
	if cause != nil {
		r.Error = cause.Error()
	}
	run := *r
	t.mu.Unlock()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = t.retry
	b := backoff.WithContext(backoff.WithMaxRetries(exp, 3), ctx)
	err := backoff.Retry(func() error {
		err := t.store.SaveRun(ctx, run)
		if err != nil && !errors.Is(err, storage.ErrUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err != nil {
		t.logger.Error().Err(err).Str("run_id", runID).Msg("failed to persist finished run")
		return run, err
	}

	t.mu.Lock()
	delete(t.active, runID)
	t.mu.Unlock()
	observability.RecordRunFinished(string(run.Kind), string(run.Status))

	event := t.logger.Info()
	if status == domain.RunFailed {
		event = t.logger.Warn()
	}
	event.Str("run_id", run.ID).
		Str("source", run.SourceID).
		Str("status", string(run.Status)).
		Int64("ingested", run.RecordsIngested).
		Int64("rejected", run.RecordsRejected).
		Msg("run finished")
	return run, nil
}

// Get returns an active run or falls back to the store.
func (t *Tracker) Get(ctx context.Context, runID string) (domain.IngestionRun, error) {
	if run, ok := t.Snapshot(runID); ok {
		return run, nil
	}
	run, err := t.store.GetRun(ctx, runID)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.IngestionRun{}, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return run, err
}

// Active lists the ids of runs that have not finished.
func (t *Tracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.active))
	for id := range t.active {
		ids = append(ids, id)
	}
	return ids
}
