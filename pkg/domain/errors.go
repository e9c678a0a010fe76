package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ReasonKind classifies why a single stage failed.
type ReasonKind string

// Stage failure reasons.
const (
	ReasonMissingDependency  ReasonKind = "MISSING_DEPENDENCY"
	ReasonInvalidSlot        ReasonKind = "INVALID_SLOT"
	ReasonSlotMismatch       ReasonKind = "SLOT_MISMATCH"
	ReasonExecutionError     ReasonKind = "EXECUTION_ERROR"
	ReasonIsolationError     ReasonKind = "ISOLATION_ERROR"
	ReasonCancelled          ReasonKind = "CANCELLED"
	ReasonTimeout            ReasonKind = "TIMEOUT"
	ReasonCircularDependency ReasonKind = "CIRCULAR_DEPENDENCY"
	ReasonInvalidPlugin      ReasonKind = "INVALID_PLUGIN"
)

// Sentinels matched by StageError.Is, one per reason.
var (
	ErrMissingDependency  = errors.New("missing dependency")
	ErrInvalidSlot        = errors.New("invalid slot")
	ErrSlotMismatch       = errors.New("slot mismatch")
	ErrExecution          = errors.New("execution error")
	ErrIsolation          = errors.New("isolation error")
	ErrCancelled          = errors.New("cancelled")
	ErrTimeout            = errors.New("timeout")
	ErrCircularDependency = errors.New("circular dependency")
	ErrInvalidPlugin      = errors.New("invalid plugin")
)

var reasonSentinels = map[ReasonKind]error{
	ReasonMissingDependency:  ErrMissingDependency,
	ReasonInvalidSlot:        ErrInvalidSlot,
	ReasonSlotMismatch:       ErrSlotMismatch,
	ReasonExecutionError:     ErrExecution,
	ReasonIsolationError:     ErrIsolation,
	ReasonCancelled:          ErrCancelled,
	ReasonTimeout:            ErrTimeout,
	ReasonCircularDependency: ErrCircularDependency,
	ReasonInvalidPlugin:      ErrInvalidPlugin,
}

// Valid reports whether k is one of the declared reasons.
func (k ReasonKind) Valid() bool {
	_, ok := reasonSentinels[k]
	return ok
}

// StageError is the structured failure of one stage.
type StageError struct {
	Kind      ReasonKind
	StageID   StageID
	Timestamp time.Time
	// Slots lists the slot names involved, e.g. the missing dependencies or
	// the unexpected keys.
	Slots []SlotID
	Cause error
}

// NewStageError builds a StageError without a stage id, for stages that
// want to fail with a specific reason.
func NewStageError(kind ReasonKind, cause error) *StageError {
	return &StageError{Kind: kind, Cause: cause}
}

func (e *StageError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.StageID != "" {
		fmt.Fprintf(&b, " in stage %q", e.StageID)
	}
	if len(e.Slots) > 0 {
		parts := make([]string, len(e.Slots))
		for i, s := range e.Slots {
			parts[i] = string(s)
		}
		fmt.Fprintf(&b, " [%s]", strings.Join(parts, ","))
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *StageError) Unwrap() error { return e.Cause }

// Is matches the sentinel for the reason kind.
func (e *StageError) Is(target error) bool {
	return reasonSentinels[e.Kind] == target
}

// FailureKind classifies why a pipeline run did not succeed.
type FailureKind string

// Pipeline failure kinds.
const (
	FailureStageFailed          FailureKind = "STAGE_FAILED"
	FailureExecutionTimeout     FailureKind = "EXECUTION_TIMEOUT"
	FailureCancelled            FailureKind = "CANCELLED"
	FailureInvalidExecutionPlan FailureKind = "INVALID_EXECUTION_PLAN"
)

// Pipeline-level sentinels matched by PipelineError.Is.
var (
	ErrStageFailed          = errors.New("stage failed")
	ErrExecutionTimeout     = errors.New("execution timeout")
	ErrPipelineCancelled    = errors.New("pipeline cancelled")
	ErrInvalidExecutionPlan = errors.New("invalid execution plan")
)

var failureSentinels = map[FailureKind]error{
	FailureStageFailed:          ErrStageFailed,
	FailureExecutionTimeout:     ErrExecutionTimeout,
	FailureCancelled:            ErrPipelineCancelled,
	FailureInvalidExecutionPlan: ErrInvalidExecutionPlan,
}

// PipelineFailure is the terminal failure of a run. StageID names the stage
// the failure is attributed to: the failed stage, or the stage that would
// have run next for timeouts and cancellation.
type PipelineFailure struct {
	Kind    FailureKind
	StageID StageID
	Reason  *StageError
	Elapsed time.Duration
	Budget  time.Duration
	// Fallback holds the fallback stage's own failure. It never replaces
	// Kind or Reason.
	Fallback *StageError
}

// PipelineError adapts a PipelineFailure to the error interface.
type PipelineError struct {
	Failure PipelineFailure
}

func (e *PipelineError) Error() string {
	f := e.Failure
	var b strings.Builder
	b.WriteString(string(f.Kind))
	if f.StageID != "" {
		fmt.Fprintf(&b, " at stage %q", f.StageID)
	}
	if f.Kind == FailureExecutionTimeout {
		fmt.Fprintf(&b, " after %s (budget %s)", f.Elapsed, f.Budget)
	}
	if f.Reason != nil {
		b.WriteString(": ")
		b.WriteString(f.Reason.Error())
	}
	return b.String()
}

// Unwrap exposes the stage reason so errors.As finds the *StageError.
func (e *PipelineError) Unwrap() error {
	if e.Failure.Reason == nil {
		return nil
	}
	return e.Failure.Reason
}

// Is matches the sentinel for the failure kind.
func (e *PipelineError) Is(target error) bool {
	return failureSentinels[e.Failure.Kind] == target
}
