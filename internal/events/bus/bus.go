// Package bus provides the event bus carrying workflow progress between
// the orchestrator and the session layer. A NATS-backed implementation
// is used when a broker is configured; the in-memory bus serves the
// single-process default.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published during a workflow run. Session-scoped consumers
// subscribe with the session id as the final token, e.g.
// "workflow.progress.<session_id>"; "workflow.>" sees everything.
const (
	SubjectProgress        = "workflow.progress"
	SubjectAgentEvent      = "workflow.agent_event"
	SubjectResult          = "workflow.result"
	SubjectApprovalRequest = "workflow.approval_request"
)

// Event is one message on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent builds an event with a fresh id and the current timestamp.
func NewEvent(eventType, source, sessionID string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		SessionID: sessionID,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler consumes one event. Errors are logged by the bus, not
// propagated to the publisher.
type Handler func(ctx context.Context, event *Event) error

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish/subscribe surface shared by the NATS and
// in-memory implementations.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}

// SessionSubject appends the session token to a base subject.
func SessionSubject(base, sessionID string) string {
	return base + "." + sessionID
}
