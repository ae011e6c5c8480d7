package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/agentworkforce/hookdb/internal/conncache"
	"github.com/agentworkforce/hookdb/internal/hookdb"
	"github.com/agentworkforce/hookdb/internal/replicators"
)

// appRuntime is everything a command needs, built from one Config.
type appRuntime struct {
	cfg    Config
	level  *slog.LevelVar
	logger *slog.Logger
	store  hookdb.AppStore
	queue  hookdb.JobQueue
	cache  *conncache.Cache
	engine *hookdb.Engine
}

type runtimeOptions struct {
	disableWorkers bool
}

func buildRuntime(cfg Config, logger *slog.Logger, level *slog.LevelVar, opts runtimeOptions) (*appRuntime, error) {
	store, err := hookdb.BuildAppStoreFromDSN(cfg.AppDatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("app store: %w", err)
	}
	queue, err := hookdb.BuildJobQueueFromDSN(cfg.JobQueueDSN, cfg.JobQueueSize)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("job queue: %w", err)
	}
	registry, err := replicators.NewRegistry(replicators.Options{})
	if err != nil {
		_ = store.Close()
		_ = queue.Close()
		return nil, err
	}
	cache := conncache.New(conncache.Config{
		PruneInterval:     cfg.PruneInterval,
		TimeoutFast:       cfg.TimeoutFast,
		TimeoutSlowSchema: cfg.TimeoutSlowSchema,
		Logger:            logger,
	})
	var builder hookdb.DatabaseBuilder
	if cfg.SuperuserDatabaseURL != "" {
		builder = hookdb.PostgresDatabaseBuilder{SuperuserURL: cfg.SuperuserDatabaseURL}
	}
	engine, err := hookdb.NewEngine(hookdb.EngineOptions{
		Store:           store,
		Registry:        registry,
		Cache:           cache,
		JobQueue:        queue,
		HTTP:            hookdb.NewUpstreamClient(hookdb.UpstreamClientOptions{UserAgent: "hookdb"}),
		DatabaseBuilder: builder,
		Workers:         cfg.Workers,
		MaxJobAttempts:  cfg.MaxJobAttempts,
		JobRetryDelay:   cfg.JobRetryDelay,
		DisableWorkers:  opts.disableWorkers,
		Settings:        cfg.Settings(),
		Logger:          logger,
	})
	if err != nil {
		cache.ForceDisconnectAll()
		_ = store.Close()
		_ = queue.Close()
		return nil, err
	}
	return &appRuntime{
		cfg:    cfg,
		level:  level,
		logger: logger,
		store:  store,
		queue:  queue,
		cache:  cache,
		engine: engine,
	}, nil
}

// applyReload takes the reloadable settings from next. Everything else
// needs a restart.
func (r *appRuntime) applyReload(next Config) error {
	level, err := parseLevel(next.LogLevel)
	if err != nil {
		return err
	}
	r.level.Set(level)
	r.engine.UpdateSettings(next.Settings())
	r.cache.SetPruneInterval(next.PruneInterval)
	r.cfg.LogLevel = next.LogLevel
	r.cfg.CalendarSweepInterval = next.CalendarSweepInterval
	r.cfg.CalendarFreshnessWindow = next.CalendarFreshnessWindow
	r.cfg.RecurrenceProjection = next.RecurrenceProjection
	r.cfg.PruneInterval = next.PruneInterval
	return nil
}

// Close stops the engine, which closes the queue, before the connections
// and the app store.
func (r *appRuntime) Close() error {
	err := r.engine.Close()
	r.cache.ForceDisconnectAll()
	return errors.Join(err, r.store.Close())
}
