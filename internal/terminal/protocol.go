// Package terminal bridges interactive shells running inside sandboxes to
// real-time client connections.
//
// Every message on the real-time channel is a JSON Event. Clients announce
// their identity with an identify event and then exchange terminal_write and
// terminal_data events with the shell.
package terminal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of event on the real-time channel.
type EventType string

const (
	// Client → server
	EventIdentify      EventType = "identify"
	EventTerminalWrite EventType = "terminal_write"
	EventClearTerminal EventType = "clear_terminal"
	EventGetPwd        EventType = "get_pwd"
	EventResize        EventType = "resize"

	// Server → client
	EventTerminalData  EventType = "terminal_data"
	EventReceivePwd    EventType = "receive_pwd"
	EventSandboxStatus EventType = "sandbox_status"
	EventError         EventType = "error"
)

// Event is the envelope for every real-time message.
type Event struct {
	Type      EventType       `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent creates an Event with a fresh ID and the current time.
func NewEvent(eventType EventType, payload any) (*Event, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Event{
		Type:      eventType,
		ID:        uuid.NewString(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into target.
func (e *Event) Decode(target any) error {
	if len(e.Payload) == 0 {
		return json.Unmarshal([]byte("null"), target)
	}
	return json.Unmarshal(e.Payload, target)
}

// IdentifyPayload announces the connecting user.
type IdentifyPayload struct {
	ProfileID string `json:"profileId"`
}

// ResizePayload carries new terminal dimensions.
type ResizePayload struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

// StatusPayload reports sandbox lifecycle progress.
type StatusPayload struct {
	Phase       string `json:"phase"`
	Message     string `json:"message"`
	ContainerID string `json:"containerId,omitempty"`
}

// ErrorPayload describes a failure that ends or affects the session.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Sender delivers server events to one connection. Implementations must be
// safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, ev *Event) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, ev *Event) error

func (f SenderFunc) Send(ctx context.Context, ev *Event) error { return f(ctx, ev) }
