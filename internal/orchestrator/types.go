package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/taskbridge/internal/engine"
)

// ErrTaskInProgress rejects a second task for a chat with one still active.
var ErrTaskInProgress = errors.New("task already in progress")

// Status is the lifecycle state of a task.
type Status string

const (
	StatusRunning          Status = "running"
	StatusAwaitingFeedback Status = "awaiting_feedback"
	StatusCompleted        Status = "completed"
	StatusAborted          Status = "aborted"
)

// Active reports whether the status blocks a new task.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusAwaitingFeedback
}

// Terminal reports whether the task has ended.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted
}

// IterationState tracks one in-flight task.
type IterationState struct {
	TaskID         string         `json:"task_id"`
	Title          string         `json:"title"`
	IterationCount int            `json:"iteration_count"`
	MaxIterations  int            `json:"max_iterations"`
	Status         Status         `json:"status"`
	LastVerdict    engine.Verdict `json:"last_verdict,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
}

// EventKind classifies orchestrator output.
type EventKind string

const (
	EventTaskStarted       EventKind = "task_started"
	EventProgress          EventKind = "progress"
	EventIteration         EventKind = "iteration"
	EventFeedbackRequested EventKind = "feedback_requested"
	EventCompleted         EventKind = "completed"
	EventAborted           EventKind = "aborted"
	EventError             EventKind = "error"
	EventReply             EventKind = "reply"
)

// Event is one notification for a chat. MessageID is deterministic, so the
// same event emitted twice is delivered once.
type Event struct {
	Kind        EventKind `json:"kind"`
	Destination string    `json:"destination"`
	TaskID      string    `json:"task_id,omitempty"`
	MessageID   string    `json:"message_id"`
	Iteration   int       `json:"iteration"`
	Text        string    `json:"text"`
	Time        time.Time `json:"time"`
}

// Throttled reports whether the event belongs to the rate-limited class.
func (e Event) Throttled() bool { return e.Kind == EventProgress }

// Message renders the event for a chat.
func (e Event) Message() string {
	switch e.Kind {
	case EventTaskStarted:
		return "Task started: " + e.Text
	case EventProgress:
		return "⚙ " + e.Text
	case EventIteration:
		return fmt.Sprintf("Iteration %d: %s", e.Iteration, e.Text)
	case EventFeedbackRequested:
		return "Input needed: " + e.Text
	case EventCompleted:
		return "Task completed.\n" + e.Text
	case EventAborted:
		return "Task aborted: " + e.Text
	case EventError:
		return "Error: " + e.Text
	default:
		return e.Text
	}
}

// Sink receives orchestrator events.
type Sink interface {
	Handle(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

// Handle calls f.
func (f SinkFunc) Handle(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Notifier is the outbound chat path.
type Notifier interface {
	Send(ctx context.Context, destination, messageID, content string) error
	SendProgress(ctx context.Context, destination, messageID, content string) error
}

// NotifierSink delivers events through n, routing progress to the
// throttled class.
func NotifierSink(n Notifier) Sink {
	return SinkFunc(func(ctx context.Context, ev Event) error {
		if ev.Throttled() {
			return n.SendProgress(ctx, ev.Destination, ev.MessageID, ev.Message())
		}
		return n.Send(ctx, ev.Destination, ev.MessageID, ev.Message())
	})
}
