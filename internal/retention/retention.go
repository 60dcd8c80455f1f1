// Package retention deletes price and quality rows past their retention
// period on a cron schedule.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"market-pipeline/internal/config"
	"market-pipeline/internal/observability"
	"market-pipeline/internal/storage"
)

// Store is the subset of the store retention needs.
type Store interface {
	DeletePricesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteQualityBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Options configures the job.
type Options struct {
	// Schedule is a six-field cron expression (with seconds), evaluated in UTC.
	Schedule         string
	PriceRetention   time.Duration
	QualityRetention time.Duration
	LockKey          int64
}

// OptionsFromConfig maps retention configuration.
func OptionsFromConfig(cfg config.RetentionConfig, lockKey int64) Options {
	return Options{
		Schedule:         cfg.Schedule,
		PriceRetention:   time.Duration(cfg.PriceDays) * 24 * time.Hour,
		QualityRetention: time.Duration(cfg.QualityDays) * 24 * time.Hour,
		LockKey:          lockKey,
	}
}

// Result reports one pass.
type Result struct {
	Skipped        bool
	PricesDeleted  int64
	QualityDeleted int64
}

// Job removes expired rows. With several instances sharing a Postgres
// store only the holder of the advisory lock does the work.
type Job struct {
	store  Store
	locker storage.AdvisoryLocker
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New creates the job. Lock support and projection invalidation are picked
// up from store when it provides them.
func New(store Store, opts Options, logger zerolog.Logger) *Job {
	j := &Job{
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "retention").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if l, ok := store.(storage.AdvisoryLocker); ok {
		j.locker = l
	}
	return j
}

// Run executes the job on its schedule until ctx is done.
func (j *Job) Run(ctx context.Context) error {
	c := cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(j.opts.Schedule, func() {
		if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
			j.logger.Error().Err(err).Msg("retention pass failed")
		}
	}); err != nil {
		return fmt.Errorf("register retention schedule %q: %w", j.opts.Schedule, err)
	}
	c.Start()
	j.logger.Info().Str("schedule", j.opts.Schedule).Msg("retention scheduled")

	<-ctx.Done()
	<-c.Stop().Done()
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// RunOnce performs one pass immediately.
func (j *Job) RunOnce(ctx context.Context) (Result, error) {
	unlock, proceed, err := j.acquireLock(ctx)
	if err != nil {
		return Result{}, err
	}
	if !proceed {
		j.logger.Debug().Msg("skip retention because advisory lock held elsewhere")
		return Result{Skipped: true}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	var res Result
	now := j.now()
	if j.opts.PriceRetention > 0 {
		cutoff := now.Add(-j.opts.PriceRetention)
		n, err := j.store.DeletePricesBefore(ctx, cutoff)
		if err != nil {
			return res, fmt.Errorf("delete prices before %s: %w", cutoff.Format(time.RFC3339), err)
		}
		res.PricesDeleted = n
		observability.RecordRetention("prices", n)
		if n > 0 {
			if inv, ok := j.store.(interface{ Invalidate() }); ok {
				inv.Invalidate()
			}
		}
	}
	if j.opts.QualityRetention > 0 {
		cutoff := now.Add(-j.opts.QualityRetention)
		n, err := j.store.DeleteQualityBefore(ctx, cutoff)
		if err != nil {
			return res, fmt.Errorf("delete quality metrics before %s: %w", cutoff.Format(time.RFC3339), err)
		}
		res.QualityDeleted = n
		observability.RecordRetention("quality_metrics", n)
	}

	j.logger.Info().Int64("prices", res.PricesDeleted).Int64("quality_metrics", res.QualityDeleted).Msg("retention pass complete")
	return res, nil
}

func (j *Job) acquireLock(ctx context.Context) (func(), bool, error) {
	if j.opts.LockKey == 0 || j.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := j.locker.TryAdvisoryLock(ctx, j.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
