package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/polisai/stageflow/internal/governance"
	"github.com/polisai/stageflow/pkg/config"
	"github.com/polisai/stageflow/pkg/domain"
	"github.com/polisai/stageflow/pkg/engine"
	"github.com/polisai/stageflow/pkg/facade"
	"github.com/polisai/stageflow/pkg/flags"
	"github.com/polisai/stageflow/pkg/plan"
	"github.com/polisai/stageflow/pkg/policy"
	"github.com/polisai/stageflow/pkg/stages"
	"github.com/polisai/stageflow/pkg/storage"
	"github.com/polisai/stageflow/pkg/storage/sqlite"
	"github.com/polisai/stageflow/pkg/telemetry"
)

// app wires configuration into a dispatcher and keeps the pipeline file
// and the compiled plans in step.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *stages.Registry
	metrics  *telemetry.Metrics
	plans    *engine.PlanRegistry
	guards   *governance.Guards
	limiter  *governance.RateLimiter
	store    storage.ReplayStore

	dispatcher *facade.Dispatcher

	mu        sync.RWMutex
	pipelines *config.PipelineFile
	provider  *config.FileProvider
	closeOnce sync.Once
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:       cfg,
		logger:    logger,
		registry:  stages.GlobalRegistry(),
		metrics:   telemetry.NewMetrics(),
		plans:     engine.NewPlanRegistry(logger),
		pipelines: &config.PipelineFile{Pipelines: map[string]config.PipelineSpec{}},
	}
	a.plans.SetMaxSessions(cfg.Engine.MaxSessions)

	if cfg.Pipeline.File != "" {
		file, err := config.LoadPipelineFile(cfg.Pipeline.File)
		if err != nil {
			return nil, err
		}
		if err := a.apply(file); err != nil {
			return nil, err
		}
	}

	filter, err := buildPolicy(ctx, cfg.Policy, logger)
	if err != nil {
		return nil, err
	}

	var rollback flags.RollbackSource
	if cfg.Guard.Enabled {
		a.guards = governance.NewGuards(cfg.Guard.ToGovernance(nil))
		rollback = a.guards
	}
	resolver, err := flags.NewResolver(cfg.ToFlags(), rollback)
	if err != nil {
		return nil, err
	}

	if len(cfg.RateLimits) > 0 {
		a.limiter = governance.NewRateLimiter(cfg.RateLimiters(), nil)
	}

	var retry *governance.RetryPolicy
	if cfg.Retry.MaxRetries > 0 {
		retry = governance.NewRetryPolicy(cfg.Retry.ToGovernance())
	}

	a.store, err = openStore(cfg.Storage)
	if err != nil {
		return nil, err
	}

	execOpts := cfg.Engine.Options(logger)
	execOpts.Observer = a.metrics

	a.dispatcher, err = facade.NewDispatcher(facade.Options{
		Executor:        engine.New(execOpts),
		Plans:           a.plans,
		Catalog:         facade.CatalogFunc(a.stagesFor),
		Policy:          filter,
		Flags:           resolver,
		Guards:          a.guards,
		Limiter:         a.limiter,
		Retry:           retry,
		Store:           a.store,
		Metrics:         a.metrics,
		DefaultPipeline: cfg.Pipeline.Default,
		Logger:          logger,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// buildPolicy returns AllowAll when no modules are configured.
func buildPolicy(ctx context.Context, cfg config.PolicyConfig, logger *slog.Logger) (policy.Filter, error) {
	if len(cfg.Modules) == 0 {
		return policy.AllowAll{}, nil
	}
	modules, err := policy.LoadModules(cfg.Modules)
	if err != nil {
		return nil, err
	}
	eng, err := policy.NewEngine(ctx, policy.EngineOptions{
		Modules:         modules,
		Entrypoint:      cfg.Entrypoint,
		CacheMaxEntries: cfg.CacheMaxEntries,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	mode, err := policy.ParseMode(cfg.FailurePosture)
	if err != nil {
		return nil, err
	}
	return policy.Postured{Filter: eng, Mode: mode}, nil
}

func openStore(cfg config.StorageConfig) (storage.ReplayStore, error) {
	switch cfg.Driver {
	case "none":
		return nil, nil
	case "sqlite":
		store, err := sqlite.New(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return storage.NewMemoryStore(), nil
	}
}

// apply compiles every pipeline in file and swaps the registered plans.
// Nothing changes when any pipeline fails to compile.
func (a *app) apply(file *config.PipelineFile) error {
	compiled, err := file.CompileAll(a.registry, a.cfg.Plan, a.logger)
	if err != nil {
		a.metrics.RecordConfigReload("error")
		return err
	}
	if err := a.plans.Update(compiled); err != nil {
		a.metrics.RecordConfigReload("error")
		return err
	}

	a.mu.Lock()
	a.pipelines = file
	a.mu.Unlock()

	a.metrics.RecordConfigReload("ok")
	for _, name := range file.Names() {
		a.logger.Info("Pipeline active", "pipeline", name, "plan_version", compiled[name].Version())
	}
	return nil
}

func (a *app) stagesFor(name string) ([]domain.Stage, plan.Config, error) {
	a.mu.RLock()
	spec, ok := a.pipelines.Get(name)
	a.mu.RUnlock()
	if !ok {
		return nil, plan.Config{}, fmt.Errorf("%w: %s", facade.ErrUnknownPipeline, name)
	}
	return spec.Build(a.registry, a.cfg.Plan, a.logger)
}

// watchPipelines applies every new revision of the pipeline file until ctx
// ends. A revision that fails to compile leaves the current plans in place.
func (a *app) watchPipelines(ctx context.Context) error {
	if a.cfg.Pipeline.File == "" {
		return errors.New("pipeline.watch needs pipeline.file")
	}
	provider, err := config.NewFileProvider(a.cfg.Pipeline.File, a.logger)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.provider = provider
	a.mu.Unlock()

	updates := provider.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-updates:
				a.logger.Info("Pipeline file update received", "generation", snap.Generation)
				if err := a.apply(snap.Pipelines); err != nil {
					a.logger.Error("Failed to apply pipeline file", "generation", snap.Generation, "error", err)
				}
			}
		}
	}()
	return nil
}

// Close stops the watcher and closes the replay store.
func (a *app) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		a.mu.RLock()
		provider := a.provider
		a.mu.RUnlock()
		if provider != nil {
			errs = append(errs, provider.Close())
		}
		if a.store != nil {
			errs = append(errs, a.store.Close())
		}
	})
	return errors.Join(errs...)
}
