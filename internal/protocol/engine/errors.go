// internal/protocol/engine/errors.go
package engine

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownIntent          = errors.New("engine: unknown intent")
	ErrUnknownCommand         = errors.New("engine: unknown command")
	ErrMalformedRegistration  = errors.New("engine: malformed registration")
	ErrDuplicateIntent        = errors.New("engine: intent declared twice")
	ErrDuplicateCommandName   = errors.New("engine: command name declared twice")
	ErrUnsupportedParamsShape = errors.New("engine: unsupported params shape")
)

// EntryError reports a command or notification declaration rejected while
// applying a registration announcement.
type EntryError struct {
	Section string // "commands" or "notifications"
	Index   int
	Intent  uint16
	Name    string
	Err     error
}

func (e *EntryError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s[%d] %q (intent %d): %v", e.Section, e.Index, e.Name, e.Intent, e.Err)
	}
	return fmt.Sprintf("%s[%d]: %v", e.Section, e.Index, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}
