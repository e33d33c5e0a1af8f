package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/yairfalse/liftsync/internal/auth"
	"github.com/yairfalse/liftsync/internal/config"
	"github.com/yairfalse/liftsync/internal/emitter"
	"github.com/yairfalse/liftsync/internal/filter"
	"github.com/yairfalse/liftsync/internal/graphql"
	"github.com/yairfalse/liftsync/internal/mapping"
	"github.com/yairfalse/liftsync/internal/orchestrator"
	"github.com/yairfalse/liftsync/internal/spacelift"
	"github.com/yairfalse/liftsync/internal/telemetry"
	"github.com/yairfalse/liftsync/internal/transport"
)

// app is the wired service shared by serve and resync.
type app struct {
	cfg          *config.Config
	logger       *telemetry.Logger
	telemetry    *telemetry.Provider
	catalog      emitter.Emitter
	orchestrator *orchestrator.Orchestrator
}

// loadConfig reads and validates the config file and applies the log level.
func loadConfig(opts *globalOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := opts.applyLogLevel(cfg.Log.Level); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newApp(ctx context.Context, opts *globalOptions) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := telemetry.NewLogger(cfg.OTEL.ServiceName)

	tp, err := telemetry.NewProvider(ctx, cfg.OTEL, telemetry.WithServiceVersion(transport.Version))
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	registry, err := mapping.LoadDir(ctx, cfg.Sync.MappingsDir)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	for _, kind := range cfg.SyncKinds() {
		if _, ok := registry.Lookup(kind); !ok {
			logger.Warn().
				Str("kind", string(kind)).
				Str("mappings_dir", cfg.Sync.MappingsDir).
				Msg("no mapping for configured kind, its resyncs will not deliver")
		}
	}

	sink, err := emitter.New(ctx, cfg.Catalog, logger)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	catalog, err := emitter.NewMetricsEmitter(sink)
	if err != nil {
		_ = sink.Close()
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	client := transport.New(cfg.Spacelift.Timeout)
	tokens := auth.FromConfig(cfg.Spacelift, client, logger)
	executor := graphql.NewExecutor(cfg.Spacelift.Endpoint, client, tokens, graphql.ExecutorConfigFrom(cfg), logger)

	o := orchestrator.New(
		spacelift.NewClient(executor, logger),
		mapping.NewEngine(registry, logger),
		catalog,
		orchestrator.WithFilter(filter.New(cfg.Sync.ExcludeKinds, cfg.Sync.IncludeFields, cfg.Sync.ExcludeFields)),
		orchestrator.WithDeploymentDefaults(cfg.Filters.Deployment.Filter()),
		orchestrator.WithLogger(logger),
	)

	return &app{
		cfg:          cfg,
		logger:       logger,
		telemetry:    tp,
		catalog:      catalog,
		orchestrator: o,
	}, nil
}

// Close flushes telemetry and closes the catalog.
func (a *app) Close(ctx context.Context) error {
	return errors.Join(a.catalog.Close(), a.telemetry.Shutdown(ctx))
}
