package domain

import (
	"context"
	"time"
)

// StageEvent describes one stage transition.
type StageEvent struct {
	RunID       string
	PlanVersion string
	StageID     StageID
	Index       int
	State       StageState
	Reason      *StageError
	Duration    time.Duration
}

// PipelineEvent describes a finished run.
type PipelineEvent struct {
	RunID       string
	PlanVersion string
	Outcome     Outcome
	Failure     *PipelineFailure
	Duration    time.Duration
	StagesRun   int
}

// Observer receives run-time hooks. Implementations must not block; they are
// called from the engine's walk.
type Observer interface {
	BeforeStage(ctx context.Context, ev StageEvent)
	AfterStage(ctx context.Context, ev StageEvent)
	AfterPipeline(ctx context.Context, ev PipelineEvent)
}

// Observers fans events out to each non-nil member in order.
type Observers []Observer

func (o Observers) BeforeStage(ctx context.Context, ev StageEvent) {
	for _, obs := range o {
		if obs != nil {
			obs.BeforeStage(ctx, ev)
		}
	}
}

func (o Observers) AfterStage(ctx context.Context, ev StageEvent) {
	for _, obs := range o {
		if obs != nil {
			obs.AfterStage(ctx, ev)
		}
	}
}

func (o Observers) AfterPipeline(ctx context.Context, ev PipelineEvent) {
	for _, obs := range o {
		if obs != nil {
			obs.AfterPipeline(ctx, ev)
		}
	}
}
