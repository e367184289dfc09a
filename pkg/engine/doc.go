// Package engine schedules and executes flow runs.
//
// # Overview
//
// The engine consumes a compiled flow graph and drives it to completion:
//
//  1. Seed - the start task enters the ready queue with the run parameters
//  2. Dispatch - ready tasks are handed to the attempt runner, bounded by
//     the configured parallelism
//  3. Policy - each finished attempt passes through the decorator pipeline
//     (retry, catch, timeout classification)
//  4. Propagate - successful transitions extend the frontier: linear and
//     switch targets spawn one task, branches and foreaches fan out and
//     register join barriers
//  5. Join - barriers collect arrivals and release the join task with its
//     ordered input set
//  6. Finalize - the run ends successful when the terminal step succeeds,
//     failed when a task fails terminally or no lineage can progress
//
// # Concurrency model
//
// A single decision goroutine per run owns all scheduler state. Worker
// goroutines only execute attempts and post completions back on a channel,
// so graph-state mutations never race. Attempt execution is delegated to an
// executor.AttemptRunner; the production runner forks one child process per
// attempt.
//
// # Resume
//
// A resumed run clones every task before the chosen start step from an
// origin run, byte for byte, and re-executes from the start step onward.
// Cloned tasks are recorded with their origin task identity and their step
// bodies are never re-invoked.
//
// # Errors
//
// Failures surface as *FlowError values classified as validation, protocol,
// transient, or permanent, with machine-readable codes such as
// RETRY_EXHAUSTED and JOIN_INPUT_MISMATCH.
package engine
