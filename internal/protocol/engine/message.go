// internal/protocol/engine/message.go
package engine

import (
	"fmt"

	"go.uber.org/zap"

	"device-gateway/internal/protocol/frame"
	"device-gateway/internal/protocol/registry"
	"device-gateway/internal/protocol/serializer"
)

// Kind classifies an inbound frame
type Kind string

const (
	KindRegistrationRequest Kind = "registration_request"
	KindRegistration        Kind = "registration"
	KindCommandResult       Kind = "command_result"
	KindNotification        Kind = "notification"
	KindCommand             Kind = "command"
	KindRaw                 Kind = "raw"
)

// CommandResult is the device's answer to a command
type CommandResult struct {
	ID     uint32 `json:"id"`
	Status string `json:"status"`
	Result string `json:"result"`
}

// Message is a decoded inbound frame.
type Message struct {
	Kind          Kind
	Intent        uint16
	Name          string
	Value         any
	Registration  *Registration
	CommandResult *CommandResult
}

// Process decodes f and classifies it. Registration announcements are
// applied to the engine as a side effect.
//
// A registration that was applied with rejected entries returns both the
// message and the aggregated entry errors.
func (e *Engine) Process(f *frame.Frame) (*Message, error) {
	value, err := e.FrameToJSON(f)
	if err != nil {
		return nil, err
	}

	msg := &Message{Intent: f.Intent(), Value: value}

	switch f.Intent() {
	case registry.RegistrationRequest:
		msg.Kind = KindRegistrationRequest
		return msg, nil

	case registry.RegistrationResponse, registry.Registration2Response:
		msg.Kind = KindRegistration
		var reg *Registration
		if f.Intent() == registry.RegistrationResponse {
			reg, err = e.HandleRegistrationResponse(value)
		} else {
			reg, err = e.HandleRegistration2Response(value)
		}
		if reg == nil {
			return nil, err
		}
		msg.Registration = reg
		msg.Name = reg.Name
		return msg, err

	case registry.CommandResultResponse:
		msg.Kind = KindCommandResult
		res, err := commandResult(value)
		if err != nil {
			return nil, err
		}
		msg.CommandResult = res
		return msg, nil
	}

	if name, ok := e.NotificationName(f.Intent()); ok {
		msg.Kind = KindNotification
		msg.Name = name
		return msg, nil
	}

	for _, c := range e.Commands() {
		if c.Intent == f.Intent() {
			msg.Kind = KindCommand
			msg.Name = c.Name
			return msg, nil
		}
	}

	e.logger.Debug("Decoded frame for unnamed intent", zap.Uint16("intent", f.Intent()))
	msg.Kind = KindRaw
	return msg, nil
}

func commandResult(value any) (*CommandResult, error) {
	raw, _ := field(value, "id")
	id, err := serializer.AsUint(raw, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to read command result id: %w", err)
	}
	return &CommandResult{
		ID:     uint32(id),
		Status: stringField(value, "status"),
		Result: stringField(value, "result"),
	}, nil
}
