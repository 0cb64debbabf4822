package history

import (
	"context"
	"time"
)

// EventType defines the kind of backend lifecycle event.
type EventType string

const (
	EventStart EventType = "start"
	EventReady EventType = "ready"
	EventExit  EventType = "exit"
	EventStop  EventType = "stop"
	EventError EventType = "error"
)

// Record is the backend snapshot attached to every history event.
type Record struct {
	Name      string    `json:"name"`
	RunID     string    `json:"run_id"`
	PID       int       `json:"pid"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
	ExitCode  int       `json:"exit_code"`
	Error     string    `json:"error,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
