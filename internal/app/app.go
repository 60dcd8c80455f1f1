package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"market-pipeline/internal/alerting"
	"market-pipeline/internal/api"
	"market-pipeline/internal/backfill"
	"market-pipeline/internal/bus"
	busmem "market-pipeline/internal/bus/memory"
	busredis "market-pipeline/internal/bus/redis"
	"market-pipeline/internal/config"
	"market-pipeline/internal/connector"
	"market-pipeline/internal/gateway"
	"market-pipeline/internal/logging"
	"market-pipeline/internal/processor"
	"market-pipeline/internal/publisher"
	"market-pipeline/internal/query"
	"market-pipeline/internal/retention"
	"market-pipeline/internal/runs"
	"market-pipeline/internal/scheduler"
	"market-pipeline/internal/service"
	"market-pipeline/internal/storage"
	"market-pipeline/internal/storage/clickhouse"
	memstore "market-pipeline/internal/storage/memory"
	"market-pipeline/internal/storage/postgres"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app")}
}

// openStore connects the configured backend and wraps it with the latest
// price projection. Migrations run when migrate is set.
func (a *App) openStore(ctx context.Context, migrate bool) (*storage.Projected, error) {
	var store storage.Store
	switch a.Config.Database.Driver {
	case "memory":
		a.Logger.Warn().Msg("database.driver is memory; nothing survives a restart")
		store = memstore.NewStore()
	case "postgres":
		pool, err := postgres.NewPool(ctx, a.Config.Database)
		if err != nil {
			return nil, err
		}
		store = postgres.NewStore(pool)
	case "clickhouse":
		conn, err := clickhouse.NewConn(ctx, a.Config.Database.DSN)
		if err != nil {
			return nil, err
		}
		store = clickhouse.NewStore(conn)
	default:
		return nil, fmt.Errorf("database.driver %q not supported", a.Config.Database.Driver)
	}

	projected := storage.NewProjected(store)
	if migrate {
		if err := projected.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate %s: %w", a.Config.Database.Driver, err)
		}
	}
	return projected, nil
}

func (a *App) openBus(ctx context.Context) (bus.Bus, error) {
	switch a.Config.Bus.Driver {
	case "memory":
		return busmem.New(busmem.Options{PartitionCapacity: a.Config.Bus.PartitionCapacity}), nil
	case "redis":
		return busredis.New(ctx, a.Config.Bus.Redis, a.Logger)
	default:
		return nil, fmt.Errorf("bus.driver %q not supported", a.Config.Bus.Driver)
	}
}

func (a *App) newRegistry() (*connector.Registry, error) {
	registry := connector.NewRegistry()
	creds := connector.EnvCredentials{}
	for _, src := range a.Config.Sources {
		conn, err := connector.New(src, creds, a.Logger)
		if err != nil {
			return nil, err
		}
		registry.Add(conn)
	}
	return registry, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return alerting.NewLogNotifier(a.Logger)
}

// ingest is the publish half of the pipeline shared by the long-running
// service and the one-shot backfill command.
type ingest struct {
	store     *storage.Projected
	bus       bus.Bus
	registry  *connector.Registry
	tracker   *runs.Tracker
	publisher *publisher.Publisher
	alerts    *alerting.Dispatcher
}

func (a *App) openIngest(ctx context.Context) (*ingest, error) {
	registry, err := a.newRegistry()
	if err != nil {
		return nil, err
	}
	store, err := a.openStore(ctx, a.Config.Database.AutoMigrate)
	if err != nil {
		return nil, err
	}
	if err := store.Rebuild(ctx, a.Config.Zones()); err != nil {
		a.Logger.Warn().Err(err).Msg("latest price projection not rebuilt; it fills as records arrive")
	}
	b, err := a.openBus(ctx)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	tracker := runs.NewTracker(store, a.Logger)
	pub := publisher.New(b, publisher.Options{
		BufferCapacity: a.Config.Publisher.BufferCapacity,
		PublishTimeout: a.Config.Publisher.PublishTimeout,
		RetryInterval:  a.Config.Publisher.RetryInterval,
		Drops:          tracker,
		Acks:           tracker,
	}, a.Logger)

	return &ingest{
		store:     store,
		bus:       b,
		registry:  registry,
		tracker:   tracker,
		publisher: pub,
		alerts:    alerting.NewDispatcher(a.newNotifier(), a.Config.Alerting.Cooldown, a.Logger),
	}, nil
}

func (in *ingest) Close(logger zerolog.Logger) {
	if err := in.bus.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close bus")
	}
	if err := in.store.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close store")
	}
}

// Run executes the long-running pipeline: live polling, processing,
// quality evaluation, retention, the live feed and the HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	in, err := a.openIngest(ctx)
	if err != nil {
		return err
	}
	defer in.Close(a.Logger)

	hub := gateway.NewHub(gateway.OptionsFromConfig(a.Config.Gateway), a.Logger)

	quality := processor.NewQualityEvaluator(in.store, in.store, in.registry, in.alerts, processor.QualityOptionsFromConfig(a.Config), a.Logger)
	procOpts := processor.OptionsFromConfig(a.Config)
	procOpts.Rejects = in.tracker
	proc := processor.New(in.bus, in.store, hub, quality, procOpts, a.Logger)

	qualitySched := scheduler.New(scheduler.Options{
		Name:         "quality",
		Interval:     a.Config.Quality.Interval,
		AlignToStart: a.Config.Quality.AlignToInterval,
	}, a.Logger)

	svc := service.New(in.registry, service.SourcesFromConfig(a.Config.Sources), in.publisher, in.tracker, in.alerts, service.Options{}, a.Logger)

	backfills := backfill.New(in.registry, in.publisher, in.tracker, in.alerts, backfill.OptionsFromConfig(a.Config.Backfill), a.Logger)
	defer backfills.Close()

	queries := query.New(in.store, in.registry, query.Options{
		Zones:           a.Config.Zones(),
		Sources:         in.registry.IDs(),
		MaxRange:        a.Config.API.MaxRange,
		DefaultPageSize: a.Config.API.DefaultPageSize,
		MaxPageSize:     a.Config.API.MaxPageSize,
	}, a.Logger)

	server := api.New(api.Deps{
		Query:     queries,
		Live:      hub.Handler(),
		Backfills: backfills,
		Runs:      in.tracker,
		Sources:   in.registry,
		Enabled:   in.alerts,
	}, api.OptionsFromConfig(a.Config.API), a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return in.publisher.Run(gctx) })
	g.Go(func() error { return proc.Run(gctx) })
	g.Go(func() error { return qualitySched.Run(gctx, quality.Tick) })
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	if a.Config.Retention.Enabled {
		job := retention.New(in.store, retention.OptionsFromConfig(a.Config.Retention, a.Config.Database.AdvisoryLockKey), a.Logger)
		g.Go(func() error { return job.Run(gctx) })
	}

	a.Logger.Info().
		Int("sources", len(a.Config.Sources)).
		Strs("zones", a.Config.Zones()).
		Str("store", a.Config.Database.Driver).
		Str("bus", a.Config.Bus.Driver).
		Msg("starting pipeline")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("pipeline terminated with error")
		return err
	}

	a.Logger.Info().Msg("pipeline stopped")
	return nil
}

// Migrate applies the schema of the configured store.
func (a *App) Migrate(ctx context.Context) error {
	store, err := a.openStore(ctx, true)
	if err != nil {
		return err
	}
	defer store.Close()
	a.Logger.Info().Str("driver", a.Config.Database.Driver).Msg("schema up to date")
	return nil
}

// ExportOptions hold parameters for exporting a price range.
type ExportOptions struct {
	Zone      string
	PriceType string
	Location  *string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Runs int
}

// BackfillOptions configure a one-shot backfill.
type BackfillOptions struct {
	Source string
	Zone   string
	From   time.Time
	To     time.Time
	Resume string
}
