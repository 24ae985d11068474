package domain

import "time"

// EventType enumerates lifecycle events published on the bus.
type EventType string

const (
	EventTypeRequestSubmitted EventType = "request.submitted"
	EventTypeRequestHeld      EventType = "request.held"
	EventTypeRequestCompleted EventType = "request.completed"
	EventTypeRequestFailed    EventType = "request.failed"
	EventTypeRequestCancelled EventType = "request.cancelled"
	EventTypeTaskDispatched   EventType = "task.dispatched"
	EventTypeTaskStarted      EventType = "task.started"
	EventTypeTaskCompleted    EventType = "task.completed"
	EventTypeTaskFailed       EventType = "task.failed"
	EventTypeBudgetTier       EventType = "budget.tier"
)

// Bus topics. Request lifecycle and task lifecycle are separate streams so
// the API rim can follow requests without seeing every task attempt.
const (
	TopicRequestEvents = "request.events"
	TopicTaskEvents    = "task.events"
)

// Event is the envelope carried by the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	RequestID string                 `json:"request_id,omitempty"`
	TaskID    string                 `json:"task_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}
