// internal/model/event.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of gateway event
type EventType string

const (
	EventDeviceConnected    EventType = "DEVICE_CONNECTED"
	EventDeviceDisconnected EventType = "DEVICE_DISCONNECTED"
	EventDeviceRegistered   EventType = "DEVICE_REGISTERED"
	EventDeviceError        EventType = "DEVICE_ERROR"
	EventNotification       EventType = "NOTIFICATION"
	EventCommandSent        EventType = "COMMAND_SENT"
	EventCommandResult      EventType = "COMMAND_RESULT"
	EventMessage            EventType = "MESSAGE"
)

// Severity levels
const (
	SeverityInfo    = "INFO"
	SeverityWarning = "WARNING"
	SeverityError   = "ERROR"
)

// GatewayEvent is what subscribers of the event stream receive
type GatewayEvent struct {
	ID        uuid.UUID `json:"id"`
	EventType EventType `json:"event_type"`
	Intent    uint16    `json:"intent,omitempty"`
	Name      string    `json:"name,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Severity  string    `json:"severity"` // INFO, WARNING, ERROR
}

// CommandResultEventData is the payload of COMMAND_RESULT events
type CommandResultEventData struct {
	CommandID uint32 `json:"command_id"`
	Status    string `json:"status"`
	Result    string `json:"result"`
}

// DeviceErrorEventData is the payload of DEVICE_ERROR events
type DeviceErrorEventData struct {
	ErrorMessage string    `json:"error_message"`
	ErrorTime    time.Time `json:"error_time"`
}
