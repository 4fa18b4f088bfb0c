// Package history exports supervision and pool events to audit sinks.
package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of recorded event.
type EventType string

const (
	EventSupervisorStart EventType = "supervisor_start"
	EventSupervisorStop  EventType = "supervisor_stop"
	EventServiceLaunch   EventType = "service_launch"
	EventServiceRestart  EventType = "service_restart"
	EventRestartRefused  EventType = "restart_refused"
	EventTaskAssigned    EventType = "task_assigned"
	EventTaskCompleted   EventType = "task_completed"
	EventTaskFailed      EventType = "task_failed"
	EventRunnerReset     EventType = "runner_reset"
)

// Event is one audit record. Subject is the service or runner the event is
// about; Actor is the component that produced it (supervisor, watchdog, pool).
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Actor      string    `json:"actor"`
	Subject    string    `json:"subject"`
	Detail     string    `json:"detail,omitempty"`
	PID        int       `json:"pid,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Emit fills in ID and OccurredAt and sends e to sink. A nil sink is a no-op;
// send failures are logged, never returned, so auditing cannot break supervision.
func Emit(ctx context.Context, sink Sink, e Event) {
	if sink == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if err := sink.Send(ctx, e); err != nil {
		slog.Warn("history sink send failed", "type", e.Type, "subject", e.Subject, "error", err)
	}
}

// MemorySink keeps events in memory. Used by tests and by embedders that
// want to inspect recent activity.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (m *MemorySink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

// Events returns a copy of everything received so far.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Count returns how many events of type t were received.
func (m *MemorySink) Count(t EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Type == t {
			n++
		}
	}
	return n
}
