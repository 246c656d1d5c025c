package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic routes events to subscribers.
type Topic string

const (
	TopicTask  Topic = "task"
	TopicAgent Topic = "agent"
	TopicServe Topic = "serve"
)

// Event type constants
const (
	EventTypeTaskQueued    = "task.queued"
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeTaskRetried   = "task.retried"
	EventTypeTaskTimedOut  = "task.timed_out"
	EventTypeTaskCancelled = "task.cancelled"
	EventTypeTaskEvicted   = "task.evicted"
	EventTypeAgentAdded    = "agent.added"
	EventTypeAgentRemoved  = "agent.removed"
	EventTypeServeCleanup  = "serve.cleanup"
)

// TaskQueuedEvent is published when a task is accepted into the queue.
type TaskQueuedEvent struct {
	ID        string
	Priority  string
	QueueLen  int
	Timestamp time.Time
}

func (e TaskQueuedEvent) EventType() string { return EventTypeTaskQueued }
func (e TaskQueuedEvent) TaskID() string    { return e.ID }

// TaskStartedEvent is published when an agent begins executing a task.
type TaskStartedEvent struct {
	ID        string
	AgentID   string
	AgentRole string
	Attempt   int
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task finishes successfully.
type TaskCompletedEvent struct {
	ID        string
	AgentID   string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task fails terminally.
type TaskFailedEvent struct {
	ID        string
	AgentID   string
	Reason    string
	Attempts  int
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskRetriedEvent is published when a failed attempt is requeued.
type TaskRetriedEvent struct {
	ID        string
	Attempt   int
	Remaining int
	Timestamp time.Time
}

func (e TaskRetriedEvent) EventType() string { return EventTypeTaskRetried }
func (e TaskRetriedEvent) TaskID() string    { return e.ID }

// TaskTimedOutEvent is published when an execution attempt exceeds its
// deadline.
type TaskTimedOutEvent struct {
	ID        string
	AgentID   string
	Limit     time.Duration
	Timestamp time.Time
}

func (e TaskTimedOutEvent) EventType() string { return EventTypeTaskTimedOut }
func (e TaskTimedOutEvent) TaskID() string    { return e.ID }

// TaskCancelledEvent is published when a queued or running task is cancelled.
type TaskCancelledEvent struct {
	ID        string
	Reason    string
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) TaskID() string    { return e.ID }

// TaskEvictedEvent is published when queue overflow displaces a task.
type TaskEvictedEvent struct {
	ID        string
	Priority  string
	Timestamp time.Time
}

func (e TaskEvictedEvent) EventType() string { return EventTypeTaskEvicted }
func (e TaskEvictedEvent) TaskID() string    { return e.ID }

// AgentAddedEvent is published when an agent joins the pool.
type AgentAddedEvent struct {
	AgentID   string
	Role      string
	Timestamp time.Time
}

func (e AgentAddedEvent) EventType() string { return EventTypeAgentAdded }
func (e AgentAddedEvent) TaskID() string    { return "" }

// AgentRemovedEvent is published when an agent leaves the pool.
type AgentRemovedEvent struct {
	AgentID   string
	Timestamp time.Time
}

func (e AgentRemovedEvent) EventType() string { return EventTypeAgentRemoved }
func (e AgentRemovedEvent) TaskID() string    { return "" }

// ServeCleanupEvent is published after each retention sweep.
type ServeCleanupEvent struct {
	Purged    int
	Timestamp time.Time
}

func (e ServeCleanupEvent) EventType() string { return EventTypeServeCleanup }
func (e ServeCleanupEvent) TaskID() string    { return "" }
