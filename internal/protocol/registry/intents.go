// internal/protocol/registry/intents.go
package registry

import "device-gateway/internal/protocol/layout"

// Protocol-fixed intents. Everything below FirstUserIntent is reserved.
const (
	RegistrationRequest   uint16 = 1
	RegistrationResponse  uint16 = 2
	CommandResultResponse uint16 = 3
	Registration2Response uint16 = 4

	FirstUserIntent uint16 = 256
)

// IsReserved reports whether intent belongs to the protocol-fixed range
func IsReserved(intent uint16) bool {
	return intent < FirstUserIntent
}

// fixedLayouts builds the layouts installed at construction.
func fixedLayouts() map[uint16]*layout.Layout {
	return map[uint16]*layout.Layout{
		RegistrationRequest:   layout.New().Freeze(),
		RegistrationResponse:  registrationLayout().Freeze(),
		CommandResultResponse: commandResultLayout().Freeze(),
		Registration2Response: layout.Scalar(layout.String, nil),
	}
}

// registrationLayout is the legacy binary capability announcement.
func registrationLayout() *layout.Layout {
	deviceClass := layout.New().
		MustAdd("name", layout.String, nil).
		MustAdd("version", layout.String, nil)

	equipment := layout.New().
		MustAdd("name", layout.String, nil).
		MustAdd("code", layout.String, nil).
		MustAdd("type", layout.String, nil)

	param := layout.New().
		MustAdd("type", layout.UInt8, nil).
		MustAdd("name", layout.String, nil)

	message := func() *layout.Layout {
		return layout.New().
			MustAdd("intent", layout.UInt16, nil).
			MustAdd("name", layout.String, nil).
			MustAdd("params", layout.Array, param)
	}

	return layout.New().
		MustAdd("id", layout.UUID, nil).
		MustAdd("key", layout.String, nil).
		MustAdd("name", layout.String, nil).
		MustAdd("deviceClass", layout.Object, deviceClass).
		MustAdd("equipment", layout.Array, equipment).
		MustAdd("notifications", layout.Array, message()).
		MustAdd("commands", layout.Array, message())
}

func commandResultLayout() *layout.Layout {
	return layout.New().
		MustAdd("id", layout.UInt32, nil).
		MustAdd("status", layout.String, nil).
		MustAdd("result", layout.String, nil)
}
