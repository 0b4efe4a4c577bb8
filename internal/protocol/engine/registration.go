// internal/protocol/engine/registration.go
package engine

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"device-gateway/internal/protocol/layout"
	"device-gateway/internal/protocol/registry"
	"device-gateway/internal/protocol/serializer"
)

// DeviceClass identifies the device model
type DeviceClass struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Equipment is one piece of hardware the device reports
type Equipment struct {
	Name string `json:"name"`
	Code string `json:"code"`
	Type string `json:"type"`
}

// Registration is a device capability announcement as applied by the engine.
// Commands and Notifications hold only the accepted entries.
type Registration struct {
	Variant       int         `json:"variant"`
	ID            string      `json:"id"`
	Key           string      `json:"key"`
	Name          string      `json:"name"`
	DeviceClass   DeviceClass `json:"deviceClass"`
	Equipment     []Equipment `json:"equipment"`
	Commands      []Schema    `json:"-"`
	Notifications []Schema    `json:"-"`
}

type paramsParser func(any) (paramsSchema, error)

// HandleRegistrationResponse applies a legacy binary announcement, as decoded
// from a RegistrationResponse frame. Parameter types are numeric codes.
//
// With SkipBadEntry the returned error, if any, aggregates *EntryError values
// for the rejected entries while the Registration describes what was applied.
// With AbortOnError nothing is applied when an entry is bad.
func (e *Engine) HandleRegistrationResponse(value any) (*Registration, error) {
	return e.applyRegistration(value, 1, legacyParams)
}

// HandleRegistration2Response applies a JSON announcement. value is the JSON
// text (string or []byte) carried by a Registration2Response frame.
func (e *Engine) HandleRegistration2Response(value any) (*Registration, error) {
	var doc any
	switch t := value.(type) {
	case string:
		parsed, err := parseOrdered([]byte(t))
		if err != nil {
			return nil, err
		}
		doc = parsed
	case []byte:
		parsed, err := parseOrdered(t)
		if err != nil {
			return nil, err
		}
		doc = parsed
	default:
		doc = value
	}
	return e.applyRegistration(doc, 2, descriptorParams)
}

func (e *Engine) applyRegistration(doc any, variant int, parse paramsParser) (*Registration, error) {
	if !isObject(doc) {
		return nil, fmt.Errorf("%w: expected object, got %T", ErrMalformedRegistration, doc)
	}

	reg := &Registration{
		Variant: variant,
		ID:      stringField(doc, "id"),
		Key:     stringField(doc, "key"),
		Name:    stringField(doc, "name"),
	}
	if dc, ok := field(doc, "deviceClass"); ok {
		reg.DeviceClass = DeviceClass{
			Name:    stringField(dc, "name"),
			Version: stringField(dc, "version"),
		}
	}
	if eq, ok := field(doc, "equipment"); ok {
		items, _ := eq.([]any)
		for _, item := range items {
			reg.Equipment = append(reg.Equipment, Equipment{
				Name: stringField(item, "name"),
				Code: stringField(item, "code"),
				Type: stringField(item, "type"),
			})
		}
	}

	var (
		errs     []error
		layouts  = make(map[uint16]*layout.Layout)
		commands = make(map[string]Schema)
		notifs   = make(map[uint16]Schema)
	)

	for _, section := range []string{"commands", "notifications"} {
		raw, _ := field(doc, section)
		if raw == nil {
			continue
		}
		items, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s is %T", ErrMalformedRegistration, section, raw)
		}

		isCommand := section == "commands"
		for i, item := range items {
			s, err := parseEntry(item, isCommand, parse)
			if err == nil {
				if _, dup := layouts[s.Intent]; dup {
					err = fmt.Errorf("%w: %d", ErrDuplicateIntent, s.Intent)
				} else if _, dup := commands[s.Name]; isCommand && dup {
					err = fmt.Errorf("%w: %q", ErrDuplicateCommandName, s.Name)
				}
			}
			if err != nil {
				entryErr := &EntryError{Section: section, Index: i, Intent: s.Intent, Name: s.Name, Err: err}
				if e.policy == AbortOnError {
					e.logger.Warn("Registration rejected", zap.Error(entryErr))
					return nil, entryErr
				}
				e.logger.Warn("Registration entry skipped", zap.Error(entryErr))
				errs = append(errs, entryErr)
				continue
			}

			layouts[s.Intent] = s.Layout
			if isCommand {
				commands[s.Name] = s
				reg.Commands = append(reg.Commands, s)
			} else {
				notifs[s.Intent] = s
				reg.Notifications = append(reg.Notifications, s)
			}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	drop := make([]uint16, 0, len(e.commands)+len(e.notifications))
	for _, s := range e.commands {
		drop = append(drop, s.Intent)
	}
	for intent := range e.notifications {
		drop = append(drop, intent)
	}
	if err := e.registry.Replace(drop, layouts); err != nil {
		return nil, fmt.Errorf("failed to apply registration: %w", err)
	}

	e.commands = commands
	e.notifications = notifs
	e.registration = reg

	e.logger.Info("Registration applied",
		zap.Int("variant", variant),
		zap.String("device_id", reg.ID),
		zap.String("device_name", reg.Name),
		zap.Int("commands", len(commands)),
		zap.Int("notifications", len(notifs)),
		zap.Int("rejected", len(errs)))

	return reg, multierr.Combine(errs...)
}

// parseEntry turns one {intent, name, params} declaration into a schema. The
// returned Schema carries intent and name when they could be read, even on
// error, for reporting.
func parseEntry(item any, isCommand bool, parse paramsParser) (Schema, error) {
	if !isObject(item) {
		return Schema{}, fmt.Errorf("%w: entry is %T", ErrMalformedRegistration, item)
	}

	var s Schema
	s.Name = stringField(item, "name")

	raw, ok := field(item, "intent")
	if !ok {
		return s, fmt.Errorf("%w: missing intent", ErrMalformedRegistration)
	}
	intent, err := serializer.AsUint(raw, 16)
	if err != nil {
		return s, fmt.Errorf("%w: intent: %v", ErrMalformedRegistration, err)
	}
	s.Intent = uint16(intent)

	if s.Name == "" {
		return s, fmt.Errorf("%w: missing name", ErrMalformedRegistration)
	}
	if registry.IsReserved(s.Intent) {
		return s, fmt.Errorf("%w: %d", registry.ErrReservedIntent, s.Intent)
	}

	rawParams, _ := field(item, "params")
	p, err := parse(rawParams)
	if err != nil {
		return s, err
	}

	if isCommand {
		s.Layout = commandLayout(p).Freeze()
	} else {
		s.Layout = notificationLayout(p).Freeze()
	}
	return s, nil
}
