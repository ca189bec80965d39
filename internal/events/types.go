package events

import "time"

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask   = "task"
	TopicParent = "parent"
)

// Event type constants
const (
	EventTypeTaskScheduled  = "task.scheduled"
	EventTypeTaskDispatched = "task.dispatched"
	EventTypeTaskCompleted  = "task.completed"
	EventTypeTaskFailed     = "task.failed"
	EventTypeParentProgress = "parent.progress"
)

// TaskScheduledEvent is published when a task is handed to the scheduler for
// a future dispatch.
type TaskScheduledEvent struct {
	ID        string
	JobID     string
	FireAt    time.Time
	Timestamp time.Time
}

func (e TaskScheduledEvent) EventType() string { return EventTypeTaskScheduled }
func (e TaskScheduledEvent) TaskID() string    { return e.ID }

// TaskDispatchedEvent is published when a task reaches a gateway endpoint.
type TaskDispatchedEvent struct {
	ID        string
	Agent     string
	Endpoint  string
	Timestamp time.Time
}

func (e TaskDispatchedEvent) EventType() string { return EventTypeTaskDispatched }
func (e TaskDispatchedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task's AI work finishes with output.
type TaskCompletedEvent struct {
	ID        string
	Response  string
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task's AI work reaches a failed state:
// dispatch exhaustion, poll timeout, transport-error threshold, or user stop.
type TaskFailedEvent struct {
	ID        string
	Reason    string
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// ParentProgressEvent is published when subtask completion rolls up into a
// parent task.
type ParentProgressEvent struct {
	ID        string
	Completed int
	Total     int
	Timestamp time.Time
}

func (e ParentProgressEvent) EventType() string { return EventTypeParentProgress }
func (e ParentProgressEvent) TaskID() string    { return e.ID }
