package events

import (
	"time"

	"github.com/aristath/taskpilot/internal/scheduler"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskKey() scheduler.Key
}

// Topic constants
const (
	TopicTask      = "task"      // Status changes and streamed progress
	TopicExecution = "execution" // Completion, failure and requeue records
	TopicGraph     = "graph"     // Whole-graph progress
)

// Event type constants
const (
	EventTypeStatusChanged      = "task.status_changed"
	EventTypeProgress           = "task.progress"
	EventTypeExecutionCompleted = "execution.completed"
	EventTypeExecutionFailed    = "execution.failed"
	EventTypeExecutionRequeued  = "execution.requeued"
	EventTypeGraphProgress      = "graph.progress"
)

// StatusChangedEvent is published on every task status transition.
type StatusChangedEvent struct {
	Key       scheduler.Key
	Title     string
	OldStatus scheduler.TaskStatus
	NewStatus scheduler.TaskStatus
	Reason    string // Error or approval reason, if any
	Timestamp time.Time
}

func (e StatusChangedEvent) EventType() string      { return EventTypeStatusChanged }
func (e StatusChangedEvent) TaskKey() scheduler.Key { return e.Key }

// ProgressEvent carries one streamed content delta.
type ProgressEvent struct {
	Key          scheduler.Key
	ContentDelta string
	Timestamp    time.Time
}

func (e ProgressEvent) EventType() string      { return EventTypeProgress }
func (e ProgressEvent) TaskKey() scheduler.Key { return e.Key }

// ExecutionCompletedEvent is published when an execution stores a result or
// asks for approval.
type ExecutionCompletedEvent struct {
	Record    scheduler.ExecutionRecord
	Timestamp time.Time
}

func (e ExecutionCompletedEvent) EventType() string      { return EventTypeExecutionCompleted }
func (e ExecutionCompletedEvent) TaskKey() scheduler.Key { return e.Record.Key }

// ExecutionFailedEvent is published when an execution is blocked or stopped.
type ExecutionFailedEvent struct {
	Record    scheduler.ExecutionRecord
	Err       error
	Timestamp time.Time
}

func (e ExecutionFailedEvent) EventType() string      { return EventTypeExecutionFailed }
func (e ExecutionFailedEvent) TaskKey() scheduler.Key { return e.Record.Key }

// ExecutionRequeuedEvent is published when admission control defers a task.
type ExecutionRequeuedEvent struct {
	Key        scheduler.Key
	Provider   string
	RetryAfter time.Duration
	Timestamp  time.Time
}

func (e ExecutionRequeuedEvent) EventType() string      { return EventTypeExecutionRequeued }
func (e ExecutionRequeuedEvent) TaskKey() scheduler.Key { return e.Key }

// GraphProgressEvent summarises a project's task statuses.
type GraphProgressEvent struct {
	ProjectID  int64
	Total      int
	Todo       int
	InProgress int
	Waiting    int // needs_approval or in_review
	Done       int
	Blocked    int
	Timestamp  time.Time
}

func (e GraphProgressEvent) EventType() string { return EventTypeGraphProgress }
func (e GraphProgressEvent) TaskKey() scheduler.Key {
	return scheduler.Key{ProjectID: e.ProjectID}
}
