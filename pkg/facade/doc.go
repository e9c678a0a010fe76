// Package facade is the command surface in front of the compiler and the
// engine. A Dispatcher accepts compile, execute and compile-and-execute
// commands and runs them through plan.Compile and engine.Executor.Execute
// and nothing else, adding what a deployment needs around them:
//
//   - authorization through a policy.Filter
//   - variant selection through a flags.Resolver
//   - per-pipeline rate limits and result-driven retries
//   - rollback guards fed with every finished run
//   - replay capture into a storage.ReplayStore
//
// Replay re-runs a captured record against the current plan. A plan whose
// version differs from the recorded one is reported and not executed.
package facade
