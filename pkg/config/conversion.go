package config

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/polisai/stageflow/internal/governance"
	"github.com/polisai/stageflow/pkg/domain"
	"github.com/polisai/stageflow/pkg/engine"
	"github.com/polisai/stageflow/pkg/flags"
	"github.com/polisai/stageflow/pkg/plan"
	"github.com/polisai/stageflow/pkg/stages"
)

// ToPlan converts the limits into a compiler configuration.
func (c PlanConfig) ToPlan(fallback *domain.FallbackStage) plan.Config {
	return plan.Config{
		MaxStages:     c.MaxStages,
		MaxEdges:      c.MaxEdges,
		MaxFanIn:      c.MaxFanIn,
		MaxFanOut:     c.MaxFanOut,
		MaxDepth:      c.MaxDepth,
		HeapThreshold: c.HeapThreshold,
		Fallback:      fallback,
	}
}

// ToGovernance converts the guard section. Zero fields select the guard's
// defaults.
func (c GuardConfig) ToGovernance(clock domain.Clock) governance.GuardConfig {
	return governance.GuardConfig{
		Window:           c.Window.Duration(),
		MinRuns:          c.MinRuns,
		FailureThreshold: c.FailureThreshold,
		Cooldown:         c.Cooldown.Duration(),
		Clock:            clock,
	}
}

// ToGovernance converts the retry section.
func (c RetryConfig) ToGovernance() governance.RetryConfig {
	out := governance.RetryConfig{
		MaxRetries:     c.MaxRetries,
		InitialBackoff: c.InitialBackoff.Duration(),
		MaxBackoff:     c.MaxBackoff.Duration(),
		Jitter:         c.Jitter,
	}
	for _, r := range c.Reasons {
		out.RetryableReasons = append(out.RetryableReasons, domain.ReasonKind(strings.ToUpper(r)))
	}
	return out
}

// RateLimiters converts the per-pipeline limits.
func (c *Config) RateLimiters() map[string]governance.RateLimiterConfig {
	out := make(map[string]governance.RateLimiterConfig, len(c.RateLimits))
	for name, rl := range c.RateLimits {
		out[name] = governance.RateLimiterConfig{RequestsPerSecond: rl.RequestsPerSecond, BurstSize: rl.Burst}
	}
	return out
}

// ToFlags converts the flag section.
func (c *Config) ToFlags() []flags.Flag {
	out := make([]flags.Flag, 0, len(c.Flags))
	for _, f := range c.Flags {
		flag := flags.Flag{Name: f.Name, Stable: f.Stable}
		for _, v := range f.Variants {
			flag.Variants = append(flag.Variants, flags.Variant{Pipeline: v.Pipeline, Percent: v.Percent})
		}
		out = append(out, flag)
	}
	return out
}

// Options converts the engine section into executor options.
func (c EngineConfig) Options(logger *slog.Logger) engine.Options {
	targets := make([]domain.SlotID, 0, len(c.Targets))
	for _, t := range c.Targets {
		targets = append(targets, domain.SlotID(t))
	}
	return engine.Options{
		Timeout:               c.Timeout.Duration(),
		StrictSlots:           c.StrictSlots,
		AllowParallel:         c.Parallel,
		MaxConcurrency:        c.MaxConcurrency,
		AllowLazy:             c.Lazy,
		Targets:               targets,
		AllowPartialRecompute: c.PartialRecompute,
		Logger:                logger,
	}
}

// Build turns the definitions into stages and a compiler configuration
// without compiling them. Limits in the pipeline's own plan section replace
// the global ones.
func (s PipelineSpec) Build(reg *stages.Registry, global PlanConfig, logger *slog.Logger) ([]domain.Stage, plan.Config, error) {
	if reg == nil {
		reg = stages.GlobalRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}

	built, err := reg.BuildAll(s.Stages)
	if err != nil {
		return nil, plan.Config{}, fmt.Errorf("pipeline %s: %w", s.Name, err)
	}

	limits := global
	if s.Plan != nil {
		limits = *s.Plan
	}

	var fb *domain.FallbackStage
	if s.Fallback != nil {
		fb = loggingFallback(s.Name, domain.StageID(s.Fallback.ID), logger)
	}
	return built, limits.ToPlan(fb), nil
}

// Compile builds and compiles the pipeline.
func (s PipelineSpec) Compile(reg *stages.Registry, global PlanConfig, logger *slog.Logger) (*plan.ExecutionPlan, error) {
	built, cfg, err := s.Build(reg, global, logger)
	if err != nil {
		return nil, err
	}
	p, err := plan.Compile(built, cfg)
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", s.Name, err)
	}
	return p, nil
}

// CompileAll compiles every pipeline in the file.
func (f *PipelineFile) CompileAll(reg *stages.Registry, global PlanConfig, logger *slog.Logger) (map[string]*plan.ExecutionPlan, error) {
	out := make(map[string]*plan.ExecutionPlan, len(f.Pipelines))
	for _, name := range f.Names() {
		p, err := f.Pipelines[name].Compile(reg, global, logger)
		if err != nil {
			return nil, err
		}
		out[name] = p
	}
	return out, nil
}

func loggingFallback(pipeline string, id domain.StageID, logger *slog.Logger) *domain.FallbackStage {
	return &domain.FallbackStage{
		ID: id,
		Run: func(_ context.Context, sc domain.StageContext, failure domain.PipelineFailure) error {
			logger.Warn("pipeline fallback invoked",
				"pipeline", pipeline,
				"plan_version", sc.Metadata.PlanVersion,
				"failure_kind", failure.Kind,
				"stage_id", failure.StageID,
				"slots_available", sc.Slots.Len(),
			)
			return nil
		},
	}
}
