package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/polisai/stageflow/pkg/domain"
	"github.com/polisai/stageflow/pkg/plan"
	"golang.org/x/sync/errgroup"
)

// run is the state of one Execute call. Only the walk goroutine touches it.
type run struct {
	e       *Executor
	plan    *plan.ExecutionPlan
	version string
	runID   string
	start   time.Time
	budget  time.Duration
	strict  bool

	token    domain.CancellationToken
	observer domain.Observer

	acc      domain.Slots
	initial  domain.Slots
	states   map[domain.StageID]domain.StageState
	executed []domain.StageID
	ran      map[domain.StageID]bool
	selected map[domain.StageID]bool
}

func (r *run) walk(ctx context.Context) *domain.PipelineFailure {
	if f := r.validatePlan(); f != nil {
		return f
	}
	order := r.plan.ExecutionOrder()

	if r.cancelled(ctx) {
		return r.cancelFailure(order[0])
	}

	selected, f := r.selectStages()
	if f != nil {
		return f
	}
	r.selected = selected

	var failure *domain.PipelineFailure
	if r.e.opts.AllowParallel {
		failure = r.walkLevels(ctx)
	} else {
		failure = r.walkSequential(ctx, order)
	}

	if failure != nil && (failure.Kind == domain.FailureStageFailed || failure.Kind == domain.FailureExecutionTimeout) {
		r.runFallback(ctx, failure)
	}
	return failure
}

func (r *run) walkSequential(ctx context.Context, order []domain.StageID) *domain.PipelineFailure {
	for i, id := range order {
		stage, _ := r.plan.Stage(id)
		if r.skip(ctx, i, stage) {
			continue
		}
		if f := r.boundary(ctx, id); f != nil {
			return f
		}
		if f := r.checkInputs(ctx, i, stage); f != nil {
			return f
		}

		sc := r.stageContext(ctx, i, id, domain.NewSnapshot(r.acc))
		r.begin(ctx, i, id)
		out := r.invoke(ctx, i, stage, sc)
		if f := r.settle(ctx, i, stage, sc, out); f != nil {
			return f
		}
	}
	return nil
}

// walkLevels runs each dependency level as one batch. Outcomes are settled
// on this goroutine in execution-order index, so recovery hooks and merges
// happen exactly as in a sequential walk.
func (r *run) walkLevels(ctx context.Context) *domain.PipelineFailure {
	for _, level := range r.plan.Levels() {
		type pending struct {
			index int
			stage domain.Stage
			sc    domain.StageContext
			out   invocation
		}

		batch := make([]*pending, 0, len(level))
		for _, id := range level {
			i, _ := r.plan.Index(id)
			stage, _ := r.plan.Stage(id)
			if r.skip(ctx, i, stage) {
				continue
			}
			batch = append(batch, &pending{index: i, stage: stage})
		}
		if len(batch) == 0 {
			continue
		}

		if f := r.boundary(ctx, batch[0].stage.ID); f != nil {
			return f
		}
		for _, p := range batch {
			if f := r.checkInputs(ctx, p.index, p.stage); f != nil {
				return f
			}
		}

		snap := domain.NewSnapshot(r.acc)
		for _, p := range batch {
			p.sc = r.stageContext(ctx, p.index, p.stage.ID, snap)
			r.begin(ctx, p.index, p.stage.ID)
		}

		var g errgroup.Group
		g.SetLimit(r.e.opts.MaxConcurrency)
		for _, p := range batch {
			g.Go(func() error {
				p.out = r.invoke(ctx, p.index, p.stage, p.sc)
				return nil
			})
		}
		_ = g.Wait()

		for n, p := range batch {
			if f := r.settle(ctx, p.index, p.stage, p.sc, p.out); f != nil {
				for _, rest := range batch[n+1:] {
					r.discard(ctx, rest.index, rest.stage.ID, rest.out)
				}
				return f
			}
		}
	}
	return nil
}

// discard closes out a batch member whose outcome is not merged because an
// earlier member halted the run. Recovery hooks are not called.
func (r *run) discard(ctx context.Context, index int, id domain.StageID, inv invocation) {
	if inv.err == nil {
		r.transition(id, domain.StateDiscarded)
		r.finish(ctx, index, id, domain.StateDiscarded, nil, inv.duration)
		return
	}
	r.transition(id, domain.StateFailed)
	r.transition(id, domain.StateAborted)
	r.finish(ctx, index, id, domain.StateAborted, inv.err, inv.duration)
}

// boundary applies the cooperative checks made before a stage starts.
func (r *run) boundary(ctx context.Context, next domain.StageID) *domain.PipelineFailure {
	if r.cancelled(ctx) {
		return r.cancelFailure(next)
	}
	if r.budget > 0 {
		elapsed := r.e.clock.Now().Sub(r.start)
		if elapsed > r.budget {
			return &domain.PipelineFailure{
				Kind:    domain.FailureExecutionTimeout,
				StageID: next,
				Reason:  r.stageError(domain.ReasonTimeout, next, nil, fmt.Errorf("run budget %s exhausted", r.budget)),
				Elapsed: elapsed,
				Budget:  r.budget,
			}
		}
	}
	return nil
}

func (r *run) cancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return r.token != nil && r.token.Aborted()
}

func (r *run) cancelFailure(next domain.StageID) *domain.PipelineFailure {
	return &domain.PipelineFailure{
		Kind:    domain.FailureCancelled,
		StageID: next,
		Reason:  r.stageError(domain.ReasonCancelled, next, nil, nil),
		Elapsed: r.e.clock.Now().Sub(r.start),
		Budget:  r.budget,
	}
}

// checkInputs verifies every required slot is present. A compiled plan
// guarantees this, so a miss means the plan and engine disagree; the stage
// is aborted without calling its recovery hook.
func (r *run) checkInputs(ctx context.Context, index int, stage domain.Stage) *domain.PipelineFailure {
	var missing []domain.SlotID
	for _, slot := range stage.DependsOn {
		if _, ok := r.acc[slot]; !ok {
			missing = append(missing, slot)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	reason := r.stageError(domain.ReasonMissingDependency, stage.ID, missing, nil)
	r.begin(ctx, index, stage.ID)
	r.transition(stage.ID, domain.StateFailed)
	r.transition(stage.ID, domain.StateAborted)
	r.finish(ctx, index, stage.ID, domain.StateAborted, reason, 0)
	return &domain.PipelineFailure{Kind: domain.FailureStageFailed, StageID: stage.ID, Reason: reason}
}

func (r *run) stageContext(ctx context.Context, index int, id domain.StageID, snap domain.Snapshot) domain.StageContext {
	token := r.token
	if token == nil {
		token = domain.ContextToken(ctx)
	}
	return domain.StageContext{
		Slots: snap,
		Metadata: domain.StageMetadata{
			StageID:        id,
			ExecutionIndex: index,
			PlanVersion:    r.version,
			StartTime:      r.e.clock.Now(),
			Cancelled:      r.cancelled(ctx),
		},
		Cancellation: token,
	}
}

func (r *run) begin(ctx context.Context, index int, id domain.StageID) {
	r.transition(id, domain.StateRunning)
	if r.observer != nil {
		r.observer.BeforeStage(ctx, domain.StageEvent{
			RunID:       r.runID,
			PlanVersion: r.version,
			StageID:     id,
			Index:       index,
			State:       domain.StateRunning,
		})
	}
}

func (r *run) transition(id domain.StageID, to domain.StageState) {
	if from := r.states[id]; !domain.CanTransition(from, to) {
		r.e.logger.Error("illegal stage transition",
			"run_id", r.runID,
			"stage_id", id,
			"from", from,
			"to", to,
		)
	}
	r.states[id] = to
}

func (r *run) stageError(kind domain.ReasonKind, id domain.StageID, slots []domain.SlotID, cause error) *domain.StageError {
	return &domain.StageError{
		Kind:      kind,
		StageID:   id,
		Timestamp: r.e.clock.Now(),
		Slots:     slots,
		Cause:     cause,
	}
}

func (r *run) result(failure *domain.PipelineFailure) domain.PipelineResult {
	res := domain.PipelineResult{
		OK:          failure == nil,
		Outcome:     outcomeFor(failure),
		Slots:       r.acc.Clone(),
		Executed:    append([]domain.StageID(nil), r.executed...),
		States:      make(map[domain.StageID]domain.StageState, len(r.states)),
		Failure:     failure,
		PlanVersion: r.version,
		Duration:    r.e.clock.Now().Sub(r.start),
	}
	if r.plan != nil {
		res.ExecutionOrder = r.plan.ExecutionOrder()
	}
	for id, st := range r.states {
		res.States[id] = st
	}
	return res
}
