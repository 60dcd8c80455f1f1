package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"market-pipeline/internal/backfill"
	busmem "market-pipeline/internal/bus/memory"
	"market-pipeline/internal/domain"
	"market-pipeline/internal/processor"
)

// Backfill ingests a historical range through the publish path and waits
// for the run to finish. With the in-process bus the command runs its own
// processor; with Redis the records are stored by the running pipeline.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) (domain.IngestionRun, error) {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	in, err := a.openIngest(ctx)
	if err != nil {
		return domain.IngestionRun{}, err
	}
	defer in.Close(a.Logger)

	runCtx, stop := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return in.publisher.Run(gctx) })
	if a.Config.Bus.Driver == "memory" {
		procOpts := processor.OptionsFromConfig(a.Config)
		procOpts.Rejects = in.tracker
		proc := processor.New(in.bus, in.store, nil, nil, procOpts, a.Logger)
		g.Go(func() error { return proc.Run(gctx) })
	}

	coordinator := backfill.New(in.registry, in.publisher, in.tracker, in.alerts, backfill.OptionsFromConfig(a.Config.Backfill), a.Logger)
	defer coordinator.Close()

	run, runErr := coordinator.Run(ctx, backfill.Request{
		SourceID:    opts.Source,
		Zone:        opts.Zone,
		Start:       opts.From,
		End:         opts.To,
		ResumeRunID: opts.Resume,
	})

	if runErr == nil && a.Config.Bus.Driver == "memory" {
		a.waitStored(ctx, in)
	}
	stop()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Warn().Err(err).Msg("ingest path stopped with error")
	}
	if runErr != nil {
		return domain.IngestionRun{}, runErr
	}

	a.Logger.Info().
		Str("run_id", run.ID).
		Str("status", string(run.Status)).
		Int64("ingested", run.RecordsIngested).
		Int64("rejected", run.RecordsRejected).
		Msg("backfill finished")
	if run.Status != domain.RunCompleted {
		return run, fmt.Errorf("backfill %s ended %s: %s", run.ID, run.Status, run.Error)
	}
	return run, nil
}

// waitStored blocks until the in-process processor consumed every partition.
func (a *App) waitStored(ctx context.Context, in *ingest) {
	mem, ok := in.bus.(*busmem.Bus)
	if !ok {
		return
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = a.Config.Publisher.PublishTimeout * 12

	err := backoff.Retry(func() error {
		for _, name := range mem.Partitions() {
			if n := mem.Len(name); n > 0 {
				return fmt.Errorf("partition %s holds %d records", name, n)
			}
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		a.Logger.Warn().Err(err).Msg("backfill records not fully stored before exit")
	}
}
