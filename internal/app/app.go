// Package app constructs the sync layer and owns every component, so
// nothing in it is a process-wide singleton.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"zapstream-sync/internal/api"
	"zapstream-sync/internal/assets"
	"zapstream-sync/internal/config"
	"zapstream-sync/internal/ingest"
	"zapstream-sync/internal/localdb"
	"zapstream-sync/internal/logging"
	"zapstream-sync/internal/profiles"
	"zapstream-sync/internal/query"
	"zapstream-sync/internal/queue"
	"zapstream-sync/internal/relaypool"
	"zapstream-sync/internal/repaint"
	"zapstream-sync/internal/subscription"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Metrics   *prometheus.Registry
	Repaint   *repaint.Signal
	Store     localdb.Store
	Pool      *relaypool.Pool
	Coalescer *query.Coalescer
	Registry  *subscription.Registry
	Assets    *assets.Cache
	Profiles  *profiles.Service
	Publisher queue.Publisher
	Ingester  *ingest.Ingester
	Status    *api.StatusServer

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds every component from cfg. Nothing runs until Start.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	logger = logging.OrDiscard(logger)
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: prometheus.NewRegistry(),
		Repaint: repaint.New(),
	}

	a.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics.MustRegister(query.Collectors()...)
	a.Metrics.MustRegister(assets.Collectors()...)
	a.Metrics.MustRegister(ingest.Collectors()...)

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a.Store = store

	if cfg.RabbitMQ.Enabled {
		publisher, err := queue.NewRabbitMQ(cfg.RabbitMQ)
		if err != nil {
			store.Close()
			return nil, err
		}
		a.Publisher = publisher
	} else {
		a.Publisher = queue.Nop{}
	}

	cache, err := assets.New(assets.Options{
		Dir:          cfg.Assets.CacheDir,
		Capacity:     cfg.Assets.Capacity,
		Workers:      cfg.Assets.Workers,
		FetchTimeout: cfg.Assets.FetchTimeout,
		MaxBytes:     cfg.Assets.MaxBytes,
		MaxPixels:    cfg.Assets.MaxPixels,
		UserAgent:    cfg.Assets.UserAgent,
		Repaint:      a.Repaint,
		Logger:       logger,
	})
	if err != nil {
		a.Publisher.Close()
		store.Close()
		return nil, err
	}
	a.Assets = cache

	a.Pool = relaypool.New(relaypool.Options{
		Relays:            cfg.Relays.EnabledRelays(),
		ReconnectInterval: cfg.Relays.ReconnectInterval,
		WriteTimeout:      cfg.Relays.WriteTimeout,
		Timeout:           cfg.Relays.Timeout,
		Logger:            logger,
	})
	a.Coalescer = query.NewCoalescer(a.Pool, query.Options{
		FlushInterval:   cfg.Coalescer.FlushInterval,
		DispatchTimeout: cfg.Coalescer.DispatchTimeout,
		Logger:          logger,
	})
	a.Registry = subscription.NewRegistry(a.Store, a.Coalescer, logger)
	a.Profiles = profiles.NewService(a.Registry, a.Store, profiles.Options{
		Timeout: cfg.Profiles.Timeout,
		Queries: a.Coalescer,
		Repaint: a.Repaint,
		Logger:  logger,
	})
	a.Ingester = ingest.New(a.Store, a.Coalescer, ingest.Options{
		VerifySignatures: cfg.Relays.VerifySignatures,
		Publisher:        a.Publisher,
		Repaint:          a.Repaint,
		Logger:           logger,
	})

	if cfg.StatusAPI.Enabled {
		a.Status = api.NewStatusServer(cfg.StatusAPI, api.Sources{
			Store:    a.Store,
			Queries:  a.Coalescer,
			Relays:   a.Pool,
			Assets:   a.Assets,
			Gatherer: a.Metrics,
		}, logger)
	}
	return a, nil
}

func openStore(cfg *config.Config) (localdb.Store, error) {
	switch cfg.LocalDB.Backend {
	case "memory":
		return localdb.NewMemory(), nil
	case "redis":
		return localdb.NewRedis(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown local_db backend %q", cfg.LocalDB.Backend)
	}
}

// Start launches the relay pool, the coalescer ticker, ingestion and the
// status API. They stop when ctx is done or Close is called.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.Pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start relay pool: %w", err)
	}

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.Coalescer.Run(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.Ingester.Run(ctx, a.Pool.Notifications())
	}()

	if a.Status != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.Status.Start(ctx); err != nil {
				a.Logger.Error("Status API stopped", "error", err)
			}
		}()
	}

	a.Logger.Info("Sync layer started",
		"backend", a.Config.LocalDB.Backend,
		"relays", len(a.Config.Relays.EnabledRelays()),
		"asset_dir", a.Config.Assets.CacheDir)
	return nil
}

// Close stops background work and releases every resource, subscriptions
// first and the store last.
func (a *App) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		a.Profiles.Close()
		if err := a.Registry.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := a.Pool.Close(); err != nil {
			errs = append(errs, err)
		}
		a.wg.Wait()
		if err := a.Assets.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := a.Publisher.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := a.Store.Close(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}
