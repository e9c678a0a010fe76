// Package plan compiles a set of stages into an immutable, versioned
// ExecutionPlan.
//
// Compilation runs a fixed sequence of short-circuiting phases: structural
// validation, id derivation, id uniqueness, slot validation, graph
// construction, structural limits, topological sort, cycle detection, depth
// check, materialization and versioning. Any failure is returned as a
// *PlanError and no partial plan is produced.
//
// Execution order is deterministic: ties between ready stages are broken by
// lexicographic stage id, so permuting the input never changes the plan.
package plan
