// Package engine walks a compiled plan, invokes its stages and merges their
// outputs into a single accumulator.
//
// Architecture:
//
// executor.go - Executor, Options and the public Execute/Run entry points
// walk.go     - sequential and level-parallel walks, boundary checks
// invoke.go   - stage invocation, panic isolation, slot validation, recovery
// select.go   - lazy target pruning and partial recompute
// config.go   - named plan registry with per-session pinning
//
// The accumulator is owned by the walk for the whole run. Stages only ever
// see immutable snapshots, and every write happens on the engine goroutine
// between suspension points, so no locking is needed around it.
package engine
