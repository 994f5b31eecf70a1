// Package workers schedules tasks onto worker services and dispatches them.
//
// The Resolver asks the scheduler for a worker service able to run a task
// (or satisfy a set of provider requirements) and returns an RPC client
// bound to it. Task scheduling is retried a bounded number of times; a task
// that cannot be placed is marked FAILED_TO_SCHEDULE.
//
// The dispatch Pool runs a fixed number of goroutines that:
//   - Resolve a worker service for each queued task
//   - Mark the task RUNNING and send it over RPC
//   - Publish dispatch events
//   - Report scheduling and send failures to the ResultHandler
//
// The health monitor tracks dispatcher status, probes worker services and
// records metrics.
package workers
