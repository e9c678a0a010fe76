// Package domain defines the data model shared by the plan compiler, the
// execution engine and the collaborators built on top of them.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. It holds:
//
// - Slot and stage identifiers, slot maps and read-only snapshots
// - The stage contract (Stage, FallbackStage, StageContext)
// - The run-time failure taxonomy (StageError, PipelineFailure)
// - Pipeline results and per-stage states
// - The Clock and CancellationToken collaborators
//
// The dependency direction is always:
//
//	plan, engine, facade → Domain (CORRECT)
//	Domain → plan, engine, facade (FORBIDDEN)
package domain
