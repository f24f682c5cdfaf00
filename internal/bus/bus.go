package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Subjects carried on the maintenance bus.
const (
	SubjectActions = "keel.maintenance.actions"
	SubjectNotify  = "keel.maintenance.notify"
)

// Event kinds.
const (
	EventActionQueued = "action-queued"
	EventActionDone   = "action-done"
	EventActionFailed = "action-failed"
	EventPlanNotify   = "plan-notify"
)

// Event is one maintenance lifecycle notification. ActionID and the
// database/shard fields are empty for plan-notify events.
type Event struct {
	Kind      string    `json:"kind"`
	ServerID  string    `json:"serverId"`
	ActionID  string    `json:"actionId,omitempty"`
	Action    string    `json:"action,omitempty"`
	Database  string    `json:"database,omitempty"`
	Shard     string    `json:"shard,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Encode serializes the event for the wire.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses a wire message back into an event.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("failed to decode bus event: %w", err)
	}
	return e, nil
}

// EventHandler handles incoming events. A non-nil error makes the backend
// redeliver where the transport supports it.
type EventHandler func(Event) error

// Bus publishes and consumes maintenance events over a transport backend.
type Bus interface {
	// Publish sends one event on a subject.
	Publish(ctx context.Context, subject string, event Event) error

	// Subscribe registers a handler for a subject. Only one subscription
	// per subject is allowed.
	Subscribe(subject string, handler EventHandler) error

	// Unsubscribe removes the subject's subscription.
	Unsubscribe(subject string) error

	// Close tears down all subscriptions and the underlying connection.
	Close() error
}

// decodeAndHandle adapts a raw transport message to the typed handler.
// Undecodable messages are dropped; redelivering them cannot help.
func decodeAndHandle(handler EventHandler, data []byte) error {
	event, err := DecodeEvent(data)
	if err != nil {
		return nil
	}
	return handler(event)
}
