// Package governance holds the runtime safety controls that sit around the
// pipeline engine: the rollback guard that watches the failure taxonomy of
// finished runs, per-pipeline rate limiting, and the retry policy used by the
// dispatch layer.
//
// None of these controls reach into the engine. They observe results or wrap
// calls to it, so a pipeline behaves the same with or without them.
package governance
