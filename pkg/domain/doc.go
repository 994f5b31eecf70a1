// Package domain holds the conductor's data model: executions, the tasks
// they own, endpoints, worker services and the static task-type registry.
//
// An Execution is populated task by task, frozen and validated, then driven
// to completion as task results arrive. Only task statuses change after
// validation; use Task.TransitionTo for that so concurrent dispatchers never
// observe a task in two states.
package domain
