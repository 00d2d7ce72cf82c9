// Package app builds and holds the long-lived services of one process. It is
// the only place that turns configuration into concrete collaborators.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/alcalor-scraper/internal/api"
	"github.com/JakeFAU/alcalor-scraper/internal/backfill"
	"github.com/JakeFAU/alcalor-scraper/internal/clock/system"
	"github.com/JakeFAU/alcalor-scraper/internal/config"
	"github.com/JakeFAU/alcalor-scraper/internal/extract"
	"github.com/JakeFAU/alcalor-scraper/internal/extract/alcalor"
	collyfetcher "github.com/JakeFAU/alcalor-scraper/internal/fetcher/colly"
	"github.com/JakeFAU/alcalor-scraper/internal/fetchpolicy"
	"github.com/JakeFAU/alcalor-scraper/internal/harvest"
	"github.com/JakeFAU/alcalor-scraper/internal/hash/sha256"
	"github.com/JakeFAU/alcalor-scraper/internal/id/uuid"
	"github.com/JakeFAU/alcalor-scraper/internal/metrics"
	"github.com/JakeFAU/alcalor-scraper/internal/persist"
	"github.com/JakeFAU/alcalor-scraper/internal/policy/backoff"
	"github.com/JakeFAU/alcalor-scraper/internal/policy/ratelimit"
	pubsubpublisher "github.com/JakeFAU/alcalor-scraper/internal/publisher/pubsub"
	"github.com/JakeFAU/alcalor-scraper/internal/runner"
	"github.com/JakeFAU/alcalor-scraper/internal/scheduler"
	"github.com/JakeFAU/alcalor-scraper/internal/sink"
	"github.com/JakeFAU/alcalor-scraper/internal/storage/gcs"
	"github.com/JakeFAU/alcalor-scraper/internal/storage/local"
	"github.com/JakeFAU/alcalor-scraper/internal/storage/memory"
	"github.com/JakeFAU/alcalor-scraper/internal/storage/postgres"
	"github.com/JakeFAU/alcalor-scraper/internal/storage/sqlite"
	"github.com/JakeFAU/alcalor-scraper/internal/telemetry"
)

// Options are command-line overrides applied on top of the configuration.
type Options struct {
	// Concurrency overrides scraper.concurrency when > 0.
	Concurrency int
	// DBOnly skips the file sink.
	DBOnly bool
	// NoDB keeps articles and runs in memory; only the file sink persists.
	NoDB bool
	// Transport replaces the Colly transport (tests).
	Transport harvest.Transport
}

// migrator is implemented by stores with embedded schema migrations.
type migrator interface {
	Migrate(ctx context.Context) ([]string, error)
}

// App holds the shared services of one process.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     harvest.Store
	registry  *extract.Registry
	runner    *runner.Runner
	backfill  *backfill.Machine
	health    *runner.HealthChecker
	sinkOn    bool
	publishOn bool
	closers   []func() error
}

// New builds every service from cfg. On error, whatever was opened is closed.
func New(ctx context.Context, cfg config.Config, opts Options, logger *zap.Logger) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DBOnly && opts.NoDB {
		return nil, &harvest.ConfigurationError{Field: "db-only", Reason: "cannot be combined with --no-db"}
	}
	if opts.Concurrency > 0 {
		cfg.Scraper.Concurrency = opts.Concurrency
	}
	metrics.Init()

	a = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	if err = a.openStore(ctx, opts.NoDB); err != nil {
		return a, err
	}
	sinkWriter, err := a.openSink(ctx, opts.DBOnly)
	if err != nil {
		return a, err
	}
	publisher, err := a.openPublisher(ctx)
	if err != nil {
		return a, err
	}

	ex, err := alcalor.New(alcalor.Config{BaseURL: cfg.Source.BaseURL})
	if err != nil {
		return a, &harvest.ConfigurationError{Field: "source.base_url", Reason: err.Error()}
	}
	if a.registry, err = extract.NewRegistry(ex); err != nil {
		return a, err
	}
	extractor, err := a.registry.Lookup(cfg.Source.Name)
	if err != nil {
		return a, &harvest.ConfigurationError{Field: "source.name", Reason: err.Error()}
	}

	transport := opts.Transport
	if transport == nil {
		if transport, err = collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Scraper.UserAgent,
			Timeout:       cfg.Scraper.RequestTimeout,
			ProxyURL:      cfg.Proxy.URL,
			ProxyUsername: cfg.Proxy.Username,
			ProxyPassword: cfg.Proxy.Password,
		}); err != nil {
			return a, &harvest.ConfigurationError{Field: "proxy.url", Reason: err.Error()}
		}
	}
	policyCfg := fetchpolicy.Config{
		Timeout: cfg.Scraper.RequestTimeout,
		Retry: backoff.Config{
			MaxRetries:        cfg.Scraper.MaxRetries,
			BaseDelay:         cfg.Scraper.RetryBaseDelay,
			MaxDelay:          cfg.Scraper.RetryMaxDelay,
			RateLimitCooldown: cfg.Scraper.RateLimitCooldown,
			Jitter:            cfg.Scraper.Jitter,
		},
	}
	// Every lane owns its throttle, so the delay spaces requests per worker.
	newLane := func(int) harvest.PageFetcher {
		return fetchpolicy.New(transport, ratelimit.NewThrottle(cfg.Scraper.RequestDelay), policyCfg, logger)
	}
	sched, err := scheduler.New(scheduler.Config{Concurrency: cfg.Scraper.Concurrency}, newLane, extractor, logger)
	if err != nil {
		return a, err
	}

	clock := system.New()
	coord, err := persist.New(a.store, sinkWriter, sha256.New(), clock, logger)
	if err != nil {
		return a, err
	}
	rec, err := telemetry.NewRecorder(a.store, uuid.New(), clock, publisher, telemetry.Config{
		MaxErrors: cfg.Run.MaxErrors,
		Topic:     cfg.PubSub.TopicName,
	}, logger)
	if err != nil {
		return a, err
	}
	a.runner, err = runner.New(runner.Deps{
		Extractor: extractor,
		Listing:   newLane(-1),
		Scheduler: sched,
		Persist:   coord,
		Telemetry: rec,
		Clock:     clock,
	}, runner.Config{RescrapeDays: cfg.Run.RescrapeDays, ProxyUsed: cfg.Proxy.Enabled()}, logger)
	if err != nil {
		return a, err
	}

	epoch, err := cfg.Backfill.Epoch()
	if err != nil {
		return a, &harvest.ConfigurationError{Field: "backfill.start_date", Reason: err.Error()}
	}
	if a.backfill, err = backfill.New(a.runner, a.store, clock, backfill.Config{
		Epoch:         epoch,
		ProgressEvery: cfg.Backfill.ProgressEvery,
	}, logger); err != nil {
		return a, err
	}
	a.health = runner.NewHealthChecker(a.store, rec, logger)

	logger.Info("application services initialized",
		zap.String("source", extractor.Source()),
		zap.String("db_driver", a.driver(opts.NoDB)),
		zap.Bool("sink", a.sinkOn),
		zap.Bool("publish", a.publishOn),
		zap.Int("concurrency", sched.Concurrency()),
		zap.Bool("proxy", cfg.Proxy.Enabled()),
	)
	return a, nil
}

func (a *App) driver(noDB bool) string {
	if noDB {
		return config.DriverMemory
	}
	return a.cfg.DB.Driver
}

func (a *App) openStore(ctx context.Context, noDB bool) error {
	switch a.driver(noDB) {
	case config.DriverMemory:
		a.store = memory.NewStore()
	case config.DriverSQLite:
		s, err := sqlite.New(ctx, sqlite.Config{Path: a.cfg.DB.DSN})
		if err != nil {
			return err
		}
		a.store = s
	case config.DriverPostgres:
		s, err := postgres.New(ctx, postgres.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return err
		}
		a.store = s
		if a.cfg.DB.AutoMigrate {
			if _, err := a.Migrate(ctx); err != nil {
				return err
			}
		}
	default:
		return &harvest.ConfigurationError{Field: "db.driver", Reason: fmt.Sprintf("unknown driver %q", a.cfg.DB.Driver)}
	}
	a.closers = append(a.closers, func() error {
		a.store.Close()
		return nil
	})
	return nil
}

func (a *App) openSink(ctx context.Context, dbOnly bool) (*sink.Writer, error) {
	if dbOnly || a.cfg.Sink.Backend == config.SinkNone {
		return nil, nil
	}
	var blobs harvest.BlobStore
	switch a.cfg.Sink.Backend {
	case config.SinkLocal:
		b, err := local.New(local.Config{OutputDir: a.cfg.Sink.OutputDir})
		if err != nil {
			return nil, &harvest.ConfigurationError{Field: "sink.output_dir", Reason: err.Error()}
		}
		blobs = b
	case config.SinkGCS:
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, &harvest.StorageUnavailableError{Op: "gcs client", Err: err}
		}
		b, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Sink.GCSBucket})
		if err != nil {
			_ = client.Close()
			return nil, &harvest.ConfigurationError{Field: "sink.gcs_bucket", Reason: err.Error()}
		}
		a.closers = append(a.closers, b.Close)
		blobs = b
	default:
		return nil, &harvest.ConfigurationError{Field: "sink.backend", Reason: fmt.Sprintf("unknown backend %q", a.cfg.Sink.Backend)}
	}
	w, err := sink.NewWriter(blobs, a.cfg.Sink.Prefix)
	if err != nil {
		return nil, err
	}
	a.sinkOn = true
	return w, nil
}

// openPublisher returns an untyped nil when publishing is off so the
// recorder's nil check holds.
func (a *App) openPublisher(ctx context.Context) (harvest.Publisher, error) {
	if !a.cfg.PubSub.Enabled() {
		return nil, nil
	}
	client, err := pubsubpublisher.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, err
	}
	p := pubsubpublisher.New(client)
	a.closers = append(a.closers, p.Close)
	a.publishOn = true
	return p, nil
}

// Config returns the effective configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the relational store.
func (a *App) Store() harvest.Store { return a.store }

// Runner returns the day driver.
func (a *App) Runner() *runner.Runner { return a.runner }

// Backfill returns the backfill machine.
func (a *App) Backfill() *backfill.Machine { return a.backfill }

// Health returns the health checker.
func (a *App) Health() *runner.HealthChecker { return a.health }

// Sources lists the registered extractors.
func (a *App) Sources() []string { return a.registry.Sources() }

// Server builds the HTTP surface over the store.
func (a *App) Server() *api.Server {
	return api.NewServer(a.store, a.cfg.Source.Name, a.logger)
}

// Migrate applies pending schema migrations. Stores without a schema are a
// no-op.
func (a *App) Migrate(ctx context.Context) ([]string, error) {
	m, ok := a.store.(migrator)
	if !ok {
		a.logger.Info("store has no schema to migrate")
		return nil, nil
	}
	applied, err := m.Migrate(ctx)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.logger.Info("migrations applied", zap.Strings("files", applied))
	return applied, nil
}

// Close releases services in reverse order of creation.
func (a *App) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error closing application services", zap.Error(err))
	}
}
