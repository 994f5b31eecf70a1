package ports

import (
	"context"
	"time"
)

// EventType identifies what happened
type EventType string

const (
	EventTypeExecutionCreated   EventType = "execution.created"
	EventTypeExecutionCompleted EventType = "execution.completed"
	EventTypeExecutionFailed    EventType = "execution.failed"
	EventTypeExecutionCanceled  EventType = "execution.canceled"
	EventTypeTaskDispatched     EventType = "task.dispatched"
	EventTypeTaskCompleted      EventType = "task.completed"
	EventTypeTaskFailed         EventType = "task.failed"
	EventTypeTaskUnschedulable  EventType = "task.failed_to_schedule"
)

// Topics events are published on
const (
	TopicExecutions = "execution.events"
	TopicTasks      = "task.events"
)

// Event is a notification about an execution or one of its tasks
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	ExecutionID string         `json:"execution_id"`
	TaskID      string         `json:"task_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// EventHandler processes one event
type EventHandler func(ctx context.Context, event Event) error

// EventBus publishes and delivers events by topic
type EventBus interface {
	Publish(ctx context.Context, topic string, event Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
}
