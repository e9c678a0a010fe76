package facade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/stageflow/internal/governance"
	"github.com/polisai/stageflow/pkg/domain"
	"github.com/polisai/stageflow/pkg/engine"
	"github.com/polisai/stageflow/pkg/flags"
	"github.com/polisai/stageflow/pkg/plan"
	"github.com/polisai/stageflow/pkg/policy"
	"github.com/polisai/stageflow/pkg/storage"
	"github.com/polisai/stageflow/pkg/telemetry"
)

const tracerName = "stageflow.facade"

// CommandType names what a command asks for.
type CommandType string

const (
	// CommandCompile compiles the named pipeline and returns the plan.
	CommandCompile CommandType = "compile"
	// CommandExecute runs the registered plan of the named pipeline.
	CommandExecute CommandType = "execute"
	// CommandCompileAndExecute compiles the current definition and runs it.
	CommandCompileAndExecute CommandType = "compile-and-execute"
)

// Valid reports whether t is a known command type.
func (t CommandType) Valid() bool {
	switch t {
	case CommandCompile, CommandExecute, CommandCompileAndExecute:
		return true
	default:
		return false
	}
}

// Command is one request to the dispatcher.
type Command struct {
	Type CommandType
	// Pipeline is a pipeline or flag name. Empty selects the default.
	Pipeline string
	// Key is the rollout key. Principal is used when empty.
	Key string
	// Session pins execute commands to the plan first seen by the session.
	Session    string
	Principal  string
	Attributes map[string]any
	Inputs     domain.Slots
}

// Response describes a dispatched command. Result is nil for compile.
type Response struct {
	Command   CommandType
	Pipeline  string
	Selection flags.Selection
	Plan      *plan.ExecutionPlan
	Result    *domain.PipelineResult
	Decision  policy.Decision
	Attempts  int
	// RecordID is set when the run was captured.
	RecordID string
	// GuardTripped is set when this run tripped the pipeline's guard.
	GuardTripped bool
}

// Catalog supplies the stages and compiler configuration for a pipeline.
type Catalog interface {
	Stages(name string) ([]domain.Stage, plan.Config, error)
}

// CatalogFunc adapts a function to Catalog.
type CatalogFunc func(name string) ([]domain.Stage, plan.Config, error)

// Stages calls f.
func (f CatalogFunc) Stages(name string) ([]domain.Stage, plan.Config, error) { return f(name) }

// Options configures a Dispatcher. Executor is required; every other
// collaborator is optional.
type Options struct {
	Executor *engine.Executor
	// Plans serves execute commands.
	Plans *engine.PlanRegistry
	// Catalog serves compile and compile-and-execute commands.
	Catalog Catalog

	Policy  policy.Filter
	Flags   *flags.Resolver
	Guards  *governance.Guards
	Limiter *governance.RateLimiter
	Retry   *governance.RetryPolicy
	Store   storage.ReplayStore
	Metrics *telemetry.Metrics

	DefaultPipeline string
	Logger          *slog.Logger
}

// Dispatcher routes commands to the compiler and the engine.
type Dispatcher struct {
	opts   Options
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Executor == nil {
		return nil, errors.New("facade: executor is required")
	}
	if opts.Policy == nil {
		opts.Policy = policy.AllowAll{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{opts: opts, logger: logger}, nil
}

// Dispatch authorizes and runs cmd. A pipeline that runs and fails is not an
// error: the failure is in Response.Result.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (*Response, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "facade.dispatch",
		trace.WithAttributes(attribute.String("command", string(cmd.Type))))
	defer span.End()

	resp, err := d.dispatch(ctx, span, cmd)
	status := commandStatus(resp, err)
	if d.opts.Metrics != nil {
		d.opts.Metrics.RecordCommand(string(cmd.Type), status)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, status)
		d.logger.Warn("command rejected",
			slog.String("command", string(cmd.Type)),
			slog.String("pipeline", cmd.Pipeline),
			slog.String("status", status),
			slog.String("error", err.Error()))
	}
	return resp, err
}

func (d *Dispatcher) dispatch(ctx context.Context, span trace.Span, cmd Command) (*Response, error) {
	if !cmd.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}

	name := cmd.Pipeline
	if name == "" {
		name = d.opts.DefaultPipeline
	}
	if name == "" {
		return nil, fmt.Errorf("%w: no pipeline named and no default configured", ErrUnknownPipeline)
	}

	sel := flags.Selection{Pipeline: name}
	if d.opts.Flags != nil {
		key := cmd.Key
		if key == "" {
			key = cmd.Principal
		}
		sel = d.opts.Flags.Resolve(name, key)
	}
	span.SetAttributes(attribute.String("pipeline", sel.Pipeline))
	if sel.RolledBack {
		span.SetAttributes(attribute.String("flag.rolled_back_from", sel.Candidate))
	}

	resp := &Response{Command: cmd.Type, Pipeline: sel.Pipeline, Selection: sel}
	if d.opts.Limiter != nil && !d.opts.Limiter.AllowContext(ctx, sel.Pipeline) {
		return resp, fmt.Errorf("%w: pipeline %s", ErrRateLimited, sel.Pipeline)
	}

	var err error
	switch cmd.Type {
	case CommandExecute:
		resp.Plan, err = d.registered(cmd.Session, sel.Pipeline)
		if err != nil {
			return nil, err
		}
		if err := d.authorize(ctx, span, cmd, resp); err != nil {
			return resp, err
		}
	case CommandCompileAndExecute:
		// Authorized after compiling so the policy sees the version it runs.
		resp.Plan, err = d.compile(sel.Pipeline)
		if err != nil {
			return resp, err
		}
		if err := d.authorize(ctx, span, cmd, resp); err != nil {
			return resp, err
		}
	default:
		if err := d.authorize(ctx, span, cmd, resp); err != nil {
			return resp, err
		}
		resp.Plan, err = d.compile(sel.Pipeline)
		if err != nil {
			return resp, err
		}
	}
	span.SetAttributes(attribute.String("plan.version", resp.Plan.Version()))

	if cmd.Type == CommandCompile {
		return resp, nil
	}

	d.execute(ctx, cmd, resp)
	return resp, nil
}

func (d *Dispatcher) registered(session, name string) (*plan.ExecutionPlan, error) {
	if d.opts.Plans == nil {
		return nil, fmt.Errorf("%w: %s (no plan registry)", ErrUnknownPipeline, name)
	}
	if session != "" {
		p, err := d.opts.Plans.GetForSession(session, name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownPipeline, err)
		}
		return p, nil
	}
	p, ok := d.opts.Plans.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPipeline, name)
	}
	return p, nil
}

// ReleaseSession drops the plan pins held by session and reports how many
// were dropped. The next execute for the session pins the current plans.
func (d *Dispatcher) ReleaseSession(session string) int {
	if d.opts.Plans == nil || session == "" {
		return 0
	}
	released := d.opts.Plans.ReleaseSession(session)
	d.logger.Debug("released session",
		slog.String("session_id", session),
		slog.Int("pins", released))
	return released
}

func (d *Dispatcher) compile(name string) (*plan.ExecutionPlan, error) {
	if d.opts.Catalog == nil {
		return nil, fmt.Errorf("%w: %s (no catalog)", ErrUnknownPipeline, name)
	}
	stages, cfg, err := d.opts.Catalog.Stages(name)
	if err != nil {
		return nil, err
	}
	p, err := plan.Compile(stages, cfg)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return p, nil
}

func (d *Dispatcher) authorize(ctx context.Context, span trace.Span, cmd Command, resp *Response) error {
	input := policy.Input{
		Command:    string(cmd.Type),
		Pipeline:   resp.Pipeline,
		Principal:  cmd.Principal,
		Attributes: cmd.Attributes,
	}
	if resp.Plan != nil {
		input.PlanVersion = resp.Plan.Version()
	}

	decision, err := d.opts.Policy.Evaluate(ctx, input)
	if err != nil {
		return fmt.Errorf("authorize %s: %w", cmd.Type, err)
	}
	resp.Decision = decision
	telemetry.RecordPolicyDecision(span, input, decision)
	if !decision.Allowed() {
		return &DeniedError{Decision: decision}
	}
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, cmd Command, resp *Response) {
	run := func(ctx context.Context) domain.PipelineResult {
		return d.opts.Executor.Execute(ctx, resp.Plan, cmd.Inputs)
	}

	var res domain.PipelineResult
	if d.opts.Retry != nil {
		res, resp.Attempts = d.opts.Retry.Execute(ctx, run)
	} else {
		res, resp.Attempts = run(ctx), 1
	}
	resp.Result = &res

	if d.opts.Guards != nil && d.opts.Guards.Get(resp.Pipeline).Observe(res) {
		resp.GuardTripped = true
		if d.opts.Metrics != nil {
			d.opts.Metrics.RecordGuardTrip()
		}
		d.logger.Warn("rollback guard tripped",
			slog.String("pipeline", resp.Pipeline),
			slog.String("plan_version", res.PlanVersion))
	}

	if d.opts.Store != nil {
		rec := &storage.Record{
			Command:     string(cmd.Type),
			Pipeline:    resp.Pipeline,
			PlanVersion: res.PlanVersion,
			Principal:   cmd.Principal,
			Inputs:      storage.SlotsToMap(cmd.Inputs),
			Result:      storage.Capture(res),
		}
		if err := d.opts.Store.Save(ctx, rec); err != nil {
			// A failed capture does not fail the command.
			d.logger.Error("failed to capture run",
				slog.String("pipeline", resp.Pipeline),
				slog.String("error", err.Error()))
		} else {
			resp.RecordID = rec.ID
		}
	}
}

func commandStatus(resp *Response, err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "denied"
	case errors.Is(err, ErrRateLimited):
		return "limited"
	case err != nil:
		return "error"
	case resp != nil && resp.Result != nil && !resp.Result.OK:
		return "failed"
	default:
		return "ok"
	}
}
