// internal/session/events.go
package session

import (
	"time"

	"device-gateway/internal/protocol/engine"
)

// EventType classifies session events
type EventType string

const (
	EventConnected     EventType = "connected"
	EventDisconnected  EventType = "disconnected"
	EventRegistered    EventType = "registered"
	EventNotification  EventType = "notification"
	EventCommandResult EventType = "command_result"
	EventCommandSent   EventType = "command_sent"
	EventMessage       EventType = "message"
	EventError         EventType = "error"
)

// Event is something that happened on the device link.
type Event struct {
	Type         EventType             `json:"type"`
	Time         time.Time             `json:"time"`
	Intent       uint16                `json:"intent,omitempty"`
	Name         string                `json:"name,omitempty"`
	Value        any                   `json:"value,omitempty"`
	CommandID    uint32                `json:"command_id,omitempty"`
	Registration *engine.Registration  `json:"registration,omitempty"`
	Result       *engine.CommandResult `json:"result,omitempty"`
	Error        string                `json:"error,omitempty"`
}

// Sink receives session events. HandleEvent runs on the session goroutine
// and must not block for long.
type Sink interface {
	HandleEvent(Event)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(Event)

// HandleEvent calls f
func (f SinkFunc) HandleEvent(e Event) {
	f(e)
}

type discardSink struct{}

func (discardSink) HandleEvent(Event) {}
