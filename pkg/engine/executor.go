package engine

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/polisai/stageflow/pkg/domain"
	"github.com/polisai/stageflow/pkg/plan"
	"github.com/polisai/stageflow/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "stageflow.pipeline"

// Options configures an Executor. The zero value runs sequentially with no
// budget, lenient slot checking and the system clock.
type Options struct {
	// Timeout is the overall budget for one run. It is checked before each
	// stage (or batch) starts. Zero means no budget.
	Timeout time.Duration
	// StrictSlots requires a stage to return exactly its declared slots.
	// Otherwise a stage may return a subset.
	StrictSlots bool

	// AllowParallel runs the stages of one dependency level concurrently,
	// at most MaxConcurrency at a time (GOMAXPROCS when zero).
	AllowParallel  bool
	MaxConcurrency int

	// AllowLazy restricts the run to the producers of Targets and their
	// transitive dependencies.
	AllowLazy bool
	Targets   []domain.SlotID

	// AllowPartialRecompute skips a stage whose slots are all present in
	// the initial slots when none of its producers ran.
	AllowPartialRecompute bool

	Clock        domain.Clock
	Cancellation domain.CancellationToken
	Logger       *slog.Logger
	Observer     domain.Observer
	Redaction    telemetry.RedactionPolicy
}

// Executor runs compiled plans. It holds no per-run state and is safe for
// concurrent use.
type Executor struct {
	opts   Options
	clock  domain.Clock
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates an Executor with the given options.
func New(opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = runtime.GOMAXPROCS(0)
	}
	if opts.Redaction.Strategies == nil && opts.Redaction.Drop == nil {
		opts.Redaction = telemetry.DefaultRedaction()
	}
	return &Executor{
		opts:   opts,
		clock:  clock,
		logger: logger,
		tracer: otel.Tracer(tracerName),
	}
}

// Options returns the effective options.
func (e *Executor) Options() Options { return e.opts }

// Execute runs p seeded with initial. It never panics on stage misbehaviour
// and never returns an error: every outcome is described by the result.
func (e *Executor) Execute(ctx context.Context, p *plan.ExecutionPlan, initial domain.Slots) domain.PipelineResult {
	r := e.newRun(p, initial)

	version := ""
	if p != nil {
		version = p.Version()
	}

	ctx, span := e.tracer.Start(ctx, "pipeline.execute", trace.WithAttributes(
		attribute.String("run.id", r.runID),
		attribute.String("plan.version", version),
		attribute.Bool("run.parallel", e.opts.AllowParallel),
	))
	defer span.End()

	e.logger.Info("executing pipeline",
		"run_id", r.runID,
		"plan_version", version,
		"initial_slots", len(initial),
	)

	failure := r.walk(ctx)
	result := r.result(failure)

	if failure != nil {
		telemetry.RecordFailureEvent(span, failure, e.opts.Redaction)
		span.SetStatus(codes.Error, string(failure.Kind))
		e.logger.Warn("pipeline halted",
			"run_id", r.runID,
			"plan_version", version,
			"failure_kind", failure.Kind,
			"stage_id", failure.StageID,
			"error", result.Err(),
		)
	} else {
		e.logger.Info("pipeline execution complete",
			"run_id", r.runID,
			"plan_version", version,
			"stages_run", len(result.Executed),
			"duration", result.Duration,
		)
	}
	span.SetAttributes(attribute.String("pipeline.outcome", string(result.Outcome)))

	pm := telemetry.PipelineMetrics{PlanVersion: version, Outcome: result.Outcome, Duration: result.Duration}
	if failure != nil {
		pm.FailureKind = failure.Kind
	}
	telemetry.RecordPipelineMetrics(ctx, pm)

	if e.opts.Observer != nil {
		e.opts.Observer.AfterPipeline(ctx, domain.PipelineEvent{
			RunID:       r.runID,
			PlanVersion: version,
			Outcome:     result.Outcome,
			Failure:     result.Failure,
			Duration:    result.Duration,
			StagesRun:   len(result.Executed),
		})
	}
	return result
}

// Run is Execute for callers that prefer an error. The returned error is a
// *domain.PipelineError; the slots merged before a failure are returned
// alongside it.
func (e *Executor) Run(ctx context.Context, p *plan.ExecutionPlan, initial domain.Slots) (domain.Slots, error) {
	res := e.Execute(ctx, p, initial)
	return res.Slots, res.Err()
}

func (e *Executor) newRun(p *plan.ExecutionPlan, initial domain.Slots) *run {
	cancel := e.opts.Cancellation
	r := &run{
		e:        e,
		plan:     p,
		acc:      initial.Clone(),
		initial:  initial.Clone(),
		states:   make(map[domain.StageID]domain.StageState),
		ran:      make(map[domain.StageID]bool),
		runID:    uuid.NewString(),
		start:    e.clock.Now(),
		token:    cancel,
		budget:   e.opts.Timeout,
		strict:   e.opts.StrictSlots,
		observer: e.opts.Observer,
	}
	if p != nil {
		r.version = p.Version()
		for _, id := range p.ExecutionOrder() {
			r.states[id] = domain.StatePending
		}
	}
	return r
}

func outcomeFor(f *domain.PipelineFailure) domain.Outcome {
	if f == nil {
		return domain.OutcomeSucceeded
	}
	switch f.Kind {
	case domain.FailureCancelled:
		return domain.OutcomeCancelled
	case domain.FailureExecutionTimeout:
		return domain.OutcomeTimedOut
	default:
		return domain.OutcomeFailed
	}
}
