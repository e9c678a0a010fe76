package domain

import (
	"context"
	"time"
)

// RunFunc computes a stage's slots from the read-only context.
type RunFunc func(ctx context.Context, sc StageContext) (Slots, error)

// RecoverFunc is called after a stage fails. Returning true treats the slots
// as the stage's output; returning false halts the pipeline.
type RecoverFunc func(ctx context.Context, failure *StageError, sc StageContext) (Slots, bool)

// Stage is a unit of computation that provides a fixed set of slots and may
// depend on slots other stages provide.
type Stage struct {
	// ID is optional. When empty the compiler derives one from Provides and
	// DependsOn.
	ID        StageID
	Provides  []SlotID
	DependsOn []SlotID
	Run       RunFunc
	OnError   RecoverFunc
}

// FallbackStage runs once after an unrecovered pipeline failure. It provides
// no slots, so only its side effects matter.
type FallbackStage struct {
	ID  StageID
	Run func(ctx context.Context, sc StageContext, failure PipelineFailure) error
}

// StageMetadata describes one stage invocation.
type StageMetadata struct {
	StageID        StageID
	ExecutionIndex int
	PlanVersion    string
	StartTime      time.Time
	Cancelled      bool
}

// StageContext is built per invocation and discarded afterwards.
type StageContext struct {
	Slots        Snapshot
	Metadata     StageMetadata
	Cancellation CancellationToken
}
