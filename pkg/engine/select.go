package engine

import (
	"context"
	"fmt"

	"github.com/polisai/stageflow/pkg/domain"
)

// validatePlan repeats the ordering checks the compiler guarantees. A plan
// failing them was not produced by this version of the compiler.
func (r *run) validatePlan() *domain.PipelineFailure {
	invalid := func(kind domain.ReasonKind, id domain.StageID, format string, args ...any) *domain.PipelineFailure {
		return &domain.PipelineFailure{
			Kind:    domain.FailureInvalidExecutionPlan,
			StageID: id,
			Reason:  r.stageError(kind, id, nil, fmt.Errorf(format, args...)),
		}
	}

	if r.plan == nil || r.plan.Len() == 0 {
		return invalid(domain.ReasonInvalidPlugin, "", "plan has no stages")
	}
	for i, id := range r.plan.ExecutionOrder() {
		stage, ok := r.plan.Stage(id)
		if !ok || stage.Run == nil || len(stage.Provides) == 0 {
			return invalid(domain.ReasonInvalidPlugin, id, "stage %q is not runnable", id)
		}
		for _, dep := range r.plan.Dependencies(id) {
			j, ok := r.plan.Index(dep)
			if !ok || j >= i {
				return invalid(domain.ReasonCircularDependency, id, "stage %q runs before its dependency %q", id, dep)
			}
		}
	}
	return nil
}

// selectStages returns the stages lazy evaluation keeps, or nil when every
// stage runs.
func (r *run) selectStages() (map[domain.StageID]bool, *domain.PipelineFailure) {
	if !r.e.opts.AllowLazy || len(r.e.opts.Targets) == 0 {
		return nil, nil
	}

	keep := make(map[domain.StageID]bool)
	var queue []domain.StageID
	var unknown []domain.SlotID
	for _, slot := range r.e.opts.Targets {
		id, ok := r.plan.Producer(slot)
		if !ok {
			if _, seeded := r.initial[slot]; !seeded {
				unknown = append(unknown, slot)
			}
			continue
		}
		if !keep[id] {
			keep[id] = true
			queue = append(queue, id)
		}
	}
	if len(unknown) > 0 {
		domain.SortSlots(unknown)
		return nil, &domain.PipelineFailure{
			Kind:   domain.FailureInvalidExecutionPlan,
			Reason: r.stageError(domain.ReasonMissingDependency, "", unknown, fmt.Errorf("no stage provides targets %v", unknown)),
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range r.plan.Dependencies(id) {
			if !keep[dep] {
				keep[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	return keep, nil
}

// skip reports whether the stage is pruned, marking it SKIPPED if so.
func (r *run) skip(ctx context.Context, index int, stage domain.Stage) bool {
	pruned := r.selected != nil && !r.selected[stage.ID]
	if !pruned && r.e.opts.AllowPartialRecompute {
		pruned = r.reusable(stage)
	}
	if !pruned {
		return false
	}

	r.transition(stage.ID, domain.StateSkipped)
	r.e.logger.Debug("stage skipped",
		"run_id", r.runID,
		"stage_id", stage.ID,
	)
	r.finish(ctx, index, stage.ID, domain.StateSkipped, nil, 0)
	return true
}

// reusable reports whether every slot the stage provides was seeded by the
// caller and no producer the stage depends on ran in this run.
func (r *run) reusable(stage domain.Stage) bool {
	for _, slot := range stage.Provides {
		if _, ok := r.initial[slot]; !ok {
			return false
		}
	}
	for _, dep := range r.plan.Dependencies(stage.ID) {
		if r.ran[dep] {
			return false
		}
	}
	return true
}

// runFallback invokes the fallback stage for its side effects. Its own
// failure is recorded on the original failure and never replaces it.
func (r *run) runFallback(ctx context.Context, failure *domain.PipelineFailure) {
	fb, ok := r.plan.Fallback()
	if !ok {
		return
	}

	sc := r.stageContext(ctx, r.plan.Len(), fb.ID, domain.NewSnapshot(r.acc))
	ctx, span := r.e.tracer.Start(ctx, "pipeline.fallback")
	defer span.End()

	if serr := r.callFallback(ctx, fb, sc, *failure); serr != nil {
		failure.Fallback = serr
		span.RecordError(serr)
		r.e.logger.Error("fallback stage failed",
			"run_id", r.runID,
			"stage_id", fb.ID,
			"error", serr,
		)
		return
	}
	r.e.logger.Info("fallback stage completed",
		"run_id", r.runID,
		"stage_id", fb.ID,
		"failure_kind", failure.Kind,
	)
}

func (r *run) callFallback(ctx context.Context, fb domain.FallbackStage, sc domain.StageContext, failure domain.PipelineFailure) (serr *domain.StageError) {
	defer func() {
		if rec := recover(); rec != nil {
			serr = r.stageError(domain.ReasonIsolationError, fb.ID, nil, fmt.Errorf("fallback panicked: %v", rec))
		}
	}()
	if err := fb.Run(ctx, sc, failure); err != nil {
		return r.classify(fb.ID, err)
	}
	return nil
}
