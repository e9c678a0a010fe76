package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/polisai/stageflow/pkg/domain"
	"github.com/polisai/stageflow/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// invocation is what one call of a stage's run function produced.
type invocation struct {
	out      domain.Slots
	err      *domain.StageError
	duration time.Duration
}

// invoke calls the stage's run function. It is safe to call from several
// goroutines at once: it reads the run but never writes it.
func (r *run) invoke(ctx context.Context, index int, stage domain.Stage, sc domain.StageContext) invocation {
	stageCtx, span := r.e.tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(
		attribute.String("stage.id", string(stage.ID)),
		attribute.Int("stage.index", index),
	))
	defer span.End()

	started := r.e.clock.Now()
	out, err := r.callRun(stageCtx, stage, sc)
	inv := invocation{out: out, duration: r.e.clock.Now().Sub(started)}
	if err != nil {
		inv.err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, string(err.Kind))
	}
	return inv
}

func (r *run) callRun(ctx context.Context, stage domain.Stage, sc domain.StageContext) (out domain.Slots, serr *domain.StageError) {
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			serr = r.stageError(domain.ReasonIsolationError, stage.ID, nil, fmt.Errorf("stage panicked: %v", rec))
		}
	}()

	out, err := stage.Run(ctx, sc)
	if err != nil {
		return nil, r.classify(stage.ID, err)
	}
	return out, nil
}

// classify maps a stage's returned error onto the closed reason set.
func (r *run) classify(id domain.StageID, err error) *domain.StageError {
	var se *domain.StageError
	if errors.As(err, &se) && se.Kind.Valid() {
		return r.stageError(se.Kind, id, se.Slots, se.Cause)
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return r.stageError(domain.ReasonTimeout, id, nil, err)
	case errors.Is(err, context.Canceled):
		return r.stageError(domain.ReasonCancelled, id, nil, err)
	default:
		return r.stageError(domain.ReasonExecutionError, id, nil, err)
	}
}

// checkSlots validates returned keys against the declared provides. Strict
// mode requires equality; otherwise any subset is accepted.
func (r *run) checkSlots(stage domain.Stage, out domain.Slots) *domain.StageError {
	declared := make(map[domain.SlotID]struct{}, len(stage.Provides))
	for _, s := range stage.Provides {
		declared[s] = struct{}{}
	}

	var extra []domain.SlotID
	for k := range out {
		if _, ok := declared[k]; !ok {
			extra = append(extra, k)
		}
	}
	domain.SortSlots(extra)

	if r.strict {
		var missing []domain.SlotID
		for _, s := range stage.Provides {
			if _, ok := out[s]; !ok {
				missing = append(missing, s)
			}
		}
		if len(extra) > 0 || len(missing) > 0 {
			bad := append(append([]domain.SlotID{}, extra...), missing...)
			domain.SortSlots(bad)
			return r.stageError(domain.ReasonSlotMismatch, stage.ID, bad,
				fmt.Errorf("returned %v, declared %v", out.Keys(), stage.Provides))
		}
		return nil
	}

	if len(extra) > 0 {
		return r.stageError(domain.ReasonInvalidSlot, stage.ID, extra,
			fmt.Errorf("undeclared slots %v", extra))
	}
	return nil
}

// settle applies an invocation to the run: validate, merge or recover. It
// returns the failure that halts the run, if any.
func (r *run) settle(ctx context.Context, index int, stage domain.Stage, sc domain.StageContext, inv invocation) *domain.PipelineFailure {
	serr := inv.err
	if serr == nil {
		serr = r.checkSlots(stage, inv.out)
	}
	if serr == nil {
		r.merge(stage.ID, inv.out)
		r.transition(stage.ID, domain.StateSucceeded)
		r.finish(ctx, index, stage.ID, domain.StateSucceeded, nil, inv.duration)
		return nil
	}

	r.transition(stage.ID, domain.StateFailed)
	r.e.logger.Error("stage execution failed",
		"run_id", r.runID,
		"plan_version", r.version,
		"stage_id", stage.ID,
		"reason", serr.Kind,
		"error", serr,
	)

	if stage.OnError == nil {
		return r.abort(ctx, index, stage.ID, serr, inv.duration)
	}

	recovered, ok, herr := r.callRecover(ctx, stage, serr, sc)
	switch {
	case herr != nil:
		return r.abort(ctx, index, stage.ID, herr, inv.duration)
	case !ok:
		return r.abort(ctx, index, stage.ID, serr, inv.duration)
	}
	if verr := r.checkSlots(stage, recovered); verr != nil {
		return r.abort(ctx, index, stage.ID, verr, inv.duration)
	}

	r.merge(stage.ID, recovered)
	r.transition(stage.ID, domain.StateRecovered)
	r.e.logger.Info("stage recovered",
		"run_id", r.runID,
		"stage_id", stage.ID,
		"reason", serr.Kind,
	)
	r.finish(ctx, index, stage.ID, domain.StateRecovered, serr, inv.duration)
	return nil
}

func (r *run) callRecover(ctx context.Context, stage domain.Stage, failure *domain.StageError, sc domain.StageContext) (out domain.Slots, ok bool, herr *domain.StageError) {
	defer func() {
		if rec := recover(); rec != nil {
			out, ok = nil, false
			herr = r.stageError(domain.ReasonIsolationError, stage.ID, nil, fmt.Errorf("recovery hook panicked: %v", rec))
		}
	}()
	out, ok = stage.OnError(ctx, failure, sc)
	return out, ok, nil
}

func (r *run) abort(ctx context.Context, index int, id domain.StageID, reason *domain.StageError, d time.Duration) *domain.PipelineFailure {
	r.transition(id, domain.StateAborted)
	r.finish(ctx, index, id, domain.StateAborted, reason, d)
	return &domain.PipelineFailure{Kind: domain.FailureStageFailed, StageID: id, Reason: reason}
}

// merge writes declared slots into the accumulator.
func (r *run) merge(id domain.StageID, out domain.Slots) {
	for k, v := range out {
		r.acc[k] = v
	}
	r.executed = append(r.executed, id)
	r.ran[id] = true
}

func (r *run) finish(ctx context.Context, index int, id domain.StageID, state domain.StageState, reason *domain.StageError, d time.Duration) {
	m := telemetry.StageMetrics{PlanVersion: r.version, StageID: id, State: state, Duration: d}
	if reason != nil {
		m.Reason = reason.Kind
	}
	telemetry.RecordStageMetrics(ctx, m)

	if r.observer != nil {
		r.observer.AfterStage(ctx, domain.StageEvent{
			RunID:       r.runID,
			PlanVersion: r.version,
			StageID:     id,
			Index:       index,
			State:       state,
			Reason:      reason,
			Duration:    d,
		})
	}
}
