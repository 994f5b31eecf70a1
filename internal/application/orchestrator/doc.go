// Package orchestrator implements the conductor's execution engine.
//
// The orchestrator:
//   - Builds task graphs for executions (Builder, Planner)
//   - Validates every graph before anything is dispatched (Validator)
//   - Manages the execution lifecycle (create, advance, cancel)
//   - Publishes events and tracks state through the repositories
//
// Graph construction and validation for one execution are not safe for
// concurrent use; the Manager serializes them per execution.
package orchestrator
