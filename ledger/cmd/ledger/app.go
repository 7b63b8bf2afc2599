package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/arenaledger/arena-stack/common/logging"
	natsclient "github.com/arenaledger/arena-stack/common/messaging/nats"
	"github.com/arenaledger/arena-stack/ledger/internal/config"
	"github.com/arenaledger/arena-stack/ledger/internal/listener"
	"github.com/arenaledger/arena-stack/ledger/internal/metrics"
	"github.com/arenaledger/arena-stack/ledger/internal/processor"
	"github.com/arenaledger/arena-stack/ledger/internal/projection"
	"github.com/arenaledger/arena-stack/ledger/internal/reconciliation"
	"github.com/arenaledger/arena-stack/ledger/internal/repository"
	"github.com/arenaledger/arena-stack/ledger/internal/runlock"
	"github.com/arenaledger/arena-stack/ledger/internal/scheduler"
	"github.com/arenaledger/arena-stack/ledger/internal/search"
	"github.com/arenaledger/arena-stack/ledger/internal/writemodel"
	"github.com/arenaledger/arena-stack/ledger/migrations"
)

// app is the wired component graph shared by the commands.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	store     repository.Store
	writes    *writemodel.Service
	views     *projection.Service
	processor *processor.Processor
	recon     *reconciliation.Service
	scheduler *scheduler.Scheduler

	locker   *runlock.Locker
	js       *natsclient.JetStreamClient
	listener *listener.Listener

	closers []func() error
}

// newLogger builds the process logger from config.
func newLogger(cfg config.LoggingConfig) *logging.Logger {
	return logging.New(logging.ParseLevel(cfg.Level), cfg.Format)
}

// openStore opens the configured store, applying migrations first when
// migrate is set.
func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger, migrate bool) (repository.Store, error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn("Using in-memory store; state is lost on exit")
		return repository.NewInMemoryRepository(), nil
	}

	connString := cfg.Database.Postgres.ConnString()
	if migrate {
		logger.Info("Running database migrations")
		if err := migrations.Up(connString); err != nil {
			return nil, err
		}
		logger.Info("Database migrations completed")
	}

	pc := repository.DefaultPoolConfig()
	pc.MaxConns = cfg.Database.Postgres.MaxConns
	pc.MinConns = cfg.Database.Postgres.MinConns
	repo, err := repository.NewPostgresRepository(ctx, connString, pc)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return repo, nil
}

// buildApp wires storage, services and the optional edges. withStream
// connects the chain listener when NATS is enabled.
func buildApp(ctx context.Context, cfg *config.Config, logger *logging.Logger, withStream bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	store, err := openStore(ctx, cfg, logger, withStream)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	var viewOpts []projection.Option
	viewOpts = append(viewOpts, projection.WithQueueSize(cfg.Projection.QueueSize))
	if cfg.OpenSearch.Enabled {
		mirror, err := search.NewMirror(cfg.OpenSearch)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to OpenSearch: %w", err)
		}
		viewOpts = append(viewOpts, projection.WithSink(mirror))
		logger.Info("Mirroring read model to OpenSearch", "index", cfg.OpenSearch.Index)
	}

	a.writes = writemodel.NewService(store, logger, a.metrics)
	a.views = projection.NewService(store, logger, a.metrics, viewOpts...)
	a.processor = processor.New(store, a.writes, a.views, logger, a.metrics, processor.Config{
		MaxConflictRetries: cfg.Processor.MaxConflictRetries,
		MaxAttempts:        cfg.Processor.MaxAttempts,
		AsyncRefresh:       cfg.Projection.Async,
	})
	a.recon = reconciliation.NewService(store, reconciliation.DefaultRules(cfg.Reconciliation.StuckThreshold), logger, a.metrics)

	var schedOpts []scheduler.Option
	if cfg.Redis.Enabled {
		locker, err := runlock.NewLocker(cfg.Redis.URL, cfg.Redis.LockTTL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		a.locker = locker
		a.closers = append(a.closers, locker.Close)
		schedOpts = append(schedOpts, scheduler.WithLock(locker))
	}
	schedOpts = append(schedOpts,
		scheduler.WithViewRefresh(func(ctx context.Context) error {
			_, err := a.views.FullRefresh(ctx)
			return err
		}),
		scheduler.WithReprocess(func(ctx context.Context) error {
			_, err := a.processor.Reprocess(ctx, cfg.Processor.ReprocessBatch)
			return err
		}),
	)
	a.scheduler = scheduler.New(a.recon, scheduler.Config{
		Enabled:           cfg.Scheduler.Enabled,
		FullInterval:      cfg.Scheduler.FullInterval,
		QuickInterval:     cfg.Scheduler.QuickInterval,
		RefreshInterval:   cfg.Scheduler.RefreshInterval,
		ReprocessInterval: cfg.Scheduler.ReprocessInterval,
	}, logger, a.metrics, schedOpts...)

	if withStream && cfg.NATS.Enabled {
		if err := a.connectStream(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) connectStream(ctx context.Context) error {
	js, err := connectJetStream(a.cfg.NATS)
	if err != nil {
		return err
	}
	a.js = js
	a.closers = append(a.closers, js.Drain)

	for _, sc := range []natsclient.StreamConfig{natsclient.ChainEventsStream, natsclient.LedgerDLQStream} {
		if _, err := js.CreateOrUpdateStream(ctx, sc); err != nil {
			return err
		}
	}

	lc := a.cfg.Listener
	consumer := natsclient.DefaultConsumerConfig(lc.FilterSubject)
	consumer.AckWait = lc.AckWait
	consumer.MaxDeliver = lc.MaxDeliver
	consumer.NakDelay = lc.NakDelay

	source := listener.NewJetStreamSource(js, lc.Stream, consumer, a.logger)
	a.listener = listener.New(source, a.processor, a.store, js, listener.Config{
		Source:         lc.Source,
		InitialBackoff: lc.InitialBackoff,
		MaxBackoff:     lc.MaxBackoff,
	}, a.logger, a.metrics)
	return nil
}

func connectJetStream(cfg config.NATSConfig) (*natsclient.JetStreamClient, error) {
	nc := natsclient.DefaultConfig()
	nc.URL = cfg.URL
	nc.Name = "arena-ledger"
	nc.MaxReconnects = cfg.MaxReconnects
	if cfg.ReconnectWait > 0 {
		nc.ReconnectWait = cfg.ReconnectWait
	}
	nc.Token = cfg.Token
	return natsclient.NewJetStreamClient(nc)
}

// Close releases connections in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Close failed", logging.Error(err))
		}
	}
	a.closers = nil
}
