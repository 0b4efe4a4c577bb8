// internal/protocol/engine/params.go
package engine

import (
	"encoding/json"
	"fmt"

	"device-gateway/internal/protocol/layout"
	"device-gateway/internal/protocol/serializer"
)

// paramsSchema is the parsed shape of an entry's "params": one typed value,
// which for the usual field list is an Object with Sub holding the fields.
type paramsSchema struct {
	Type layout.DataType
	Sub  *layout.Layout
	None bool
}

var noParams = paramsSchema{None: true}

// commandLayout prefixes the parameters with the command id.
func commandLayout(p paramsSchema) *layout.Layout {
	l := layout.New().MustAdd("id", layout.UInt32, nil)
	if !p.None {
		l.MustAdd("parameters", p.Type, p.Sub)
	}
	return l
}

// notificationLayout is the parameter schema on its own.
func notificationLayout(p paramsSchema) *layout.Layout {
	switch {
	case p.None:
		return layout.New()
	case p.Type == layout.Object:
		return p.Sub
	default:
		return layout.Scalar(p.Type, p.Sub)
	}
}

// legacyParams parses the flat [{"name": ..., "type": <code>}] form.
// A single unnamed entry declares a bare value.
func legacyParams(v any) (paramsSchema, error) {
	if v == nil {
		return noParams, nil
	}
	items, ok := v.([]any)
	if !ok {
		return paramsSchema{}, fmt.Errorf("%w: expected parameter list, got %T", ErrUnsupportedParamsShape, v)
	}
	if len(items) == 0 {
		return noParams, nil
	}

	l := layout.New()
	for i, item := range items {
		if !isObject(item) {
			return paramsSchema{}, fmt.Errorf("%w: params[%d] is %T", ErrUnsupportedParamsShape, i, item)
		}
		name := stringField(item, "name")
		raw, _ := field(item, "type")
		code, err := serializer.AsUint(raw, 8)
		if err != nil {
			return paramsSchema{}, fmt.Errorf("params[%d] type: %w", i, err)
		}
		dt, err := layout.ParseTypeCode(code)
		if err != nil {
			return paramsSchema{}, fmt.Errorf("params[%d]: %w", i, err)
		}
		if dt.IsComplex() {
			return paramsSchema{}, fmt.Errorf("%w: params[%d] %s has no nested schema", ErrUnsupportedParamsShape, i, dt)
		}
		if err := l.Add(name, dt, nil); err != nil {
			return paramsSchema{}, fmt.Errorf("params[%d]: %w", i, err)
		}
	}

	if l.IsAnonymous() {
		return paramsSchema{Type: l.Elements()[0].Type}, nil
	}
	return paramsSchema{Type: layout.Object, Sub: l}, nil
}

// descriptorParams parses the nested form of the "2" handshake: type names,
// objects of fields and single-item arrays. A flat legacy list is accepted
// too, recognizable by its numeric type codes.
func descriptorParams(v any) (paramsSchema, error) {
	if v == nil {
		return noParams, nil
	}
	if ms, ok := members(v); ok && len(ms) == 0 {
		return noParams, nil
	}
	if items, ok := v.([]any); ok && isLegacyList(items) {
		return legacyParams(items)
	}

	dt, sub, err := parseDescriptor(v)
	if err != nil {
		return paramsSchema{}, err
	}
	return paramsSchema{Type: dt, Sub: sub}, nil
}

func parseDescriptor(v any) (layout.DataType, *layout.Layout, error) {
	switch t := v.(type) {
	case string:
		dt, err := layout.ParseTypeName(t)
		return dt, nil, err

	case []any:
		if len(t) != 1 {
			return layout.Null, nil, fmt.Errorf("%w: array descriptor needs exactly one item, got %d", ErrUnsupportedParamsShape, len(t))
		}
		dt, sub, err := parseDescriptor(t[0])
		if err != nil {
			return layout.Null, nil, fmt.Errorf("[0]: %w", err)
		}
		if dt == layout.Object {
			return layout.Array, sub, nil
		}
		return layout.Array, layout.Scalar(dt, sub), nil
	}

	ms, ok := members(v)
	if !ok {
		return layout.Null, nil, fmt.Errorf("%w: %T", ErrUnsupportedParamsShape, v)
	}

	l := layout.New()
	for _, m := range ms {
		if m.Key == "" {
			return layout.Null, nil, fmt.Errorf("%w: empty field name", ErrUnsupportedParamsShape)
		}
		dt, sub, err := parseDescriptor(m.Value)
		if err != nil {
			return layout.Null, nil, fmt.Errorf("%s: %w", m.Key, err)
		}
		if err := l.Add(m.Key, dt, sub); err != nil {
			return layout.Null, nil, err
		}
	}
	return layout.Object, l, nil
}

func isLegacyList(items []any) bool {
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		raw, ok := field(item, "type")
		if !ok || !isNumber(raw) {
			return false
		}
	}
	return true
}

func isNumber(v any) bool {
	switch v.(type) {
	case json.Number, float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}
