// Package engine wires the consistency components into one facade and
// exposes the caller API.
//
// ARCHITECTURE:
//
// The engine owns no state of its own. It composes:
//   - a versioned record store behind guard.Guard (optimistic concurrency)
//   - a capacity allocator, in-process or Redis-backed
//   - the transaction orchestrator with a persistent journal
//   - the conflict resolver over the registered subsystem replicas
//
// Every request type is a plain struct so that the CLI, the scenario
// harness and other callers share the same contract.
//
// ERRORS:
//
// Methods return typed errors from the component packages. CodeOf maps any
// of them to a stable Code; Retryable tells callers which ones are worth
// retrying after a refresh.
package engine
