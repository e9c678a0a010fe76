package domain

import "time"

// Outcome is the terminal state of a pipeline run.
type Outcome string

const (
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeCancelled Outcome = "CANCELLED"
	OutcomeTimedOut  Outcome = "TIMED_OUT"
)

// StageState tracks one stage through a run.
//
//	PENDING -> RUNNING -> SUCCEEDED
//	                   -> FAILED -> RECOVERED | ABORTED
//	                   -> DISCARDED
//
// SKIPPED marks stages pruned by lazy evaluation or partial recompute.
// DISCARDED marks a parallel batch member that completed after an earlier
// member of its batch halted the run; its output is not merged.
type StageState string

const (
	StatePending   StageState = "PENDING"
	StateRunning   StageState = "RUNNING"
	StateSucceeded StageState = "SUCCEEDED"
	StateFailed    StageState = "FAILED"
	StateRecovered StageState = "RECOVERED"
	StateAborted   StageState = "ABORTED"
	StateSkipped   StageState = "SKIPPED"
	StateDiscarded StageState = "DISCARDED"
)

// Terminal reports whether no further transition is possible.
func (s StageState) Terminal() bool {
	switch s {
	case StateSucceeded, StateRecovered, StateAborted, StateSkipped, StateDiscarded:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to StageState) bool {
	switch from {
	case StatePending:
		return to == StateRunning || to == StateSkipped
	case StateRunning:
		return to == StateSucceeded || to == StateFailed || to == StateDiscarded
	case StateFailed:
		return to == StateRecovered || to == StateAborted
	default:
		return false
	}
}

// PipelineResult is what one run returns. On success Slots holds the
// accumulator; on failure it holds what was merged before the failure.
type PipelineResult struct {
	OK             bool
	Outcome        Outcome
	Slots          Slots
	ExecutionOrder []StageID
	// Executed lists the stages that actually ran, in merge order.
	Executed []StageID
	// States holds every stage's last state. Only SUCCEEDED and RECOVERED
	// stages contributed to Slots.
	States      map[StageID]StageState
	Failure     *PipelineFailure
	PlanVersion string
	Duration    time.Duration
}

// Err returns nil for a successful result and a *PipelineError otherwise.
func (r PipelineResult) Err() error {
	if r.OK || r.Failure == nil {
		return nil
	}
	return &PipelineError{Failure: *r.Failure}
}
