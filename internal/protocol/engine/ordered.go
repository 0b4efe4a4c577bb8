// internal/protocol/engine/ordered.go
package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
)

// member is one key of a JSON object, kept in document order.
type member struct {
	Key   string
	Value any
}

// object is a JSON object whose key order is preserved. Parameter schemas in
// the "2" handshake rely on it: field order is wire order.
type object []member

func (o object) get(key string) (any, bool) {
	for _, m := range o {
		if m.Key == key {
			return m.Value, true
		}
	}
	return nil, false
}

// parseOrdered decodes a JSON document into nil, bool, string, json.Number,
// []any and object values.
func parseOrdered(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := readOrdered(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after document", ErrMalformedRegistration)
	}
	return v, nil
}

func readOrdered(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRegistration, err)
	}

	delim, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}

	switch delim {
	case '{':
		obj := object{}
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedRegistration, err)
			}
			key, _ := keyTok.(string)
			v, err := readOrdered(dec)
			if err != nil {
				return nil, err
			}
			obj = append(obj, member{Key: key, Value: v})
		}
		if _, err := dec.Token(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedRegistration, err)
		}
		return obj, nil

	case '[':
		arr := []any{}
		for dec.More() {
			v, err := readOrdered(dec)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		if _, err := dec.Token(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedRegistration, err)
		}
		return arr, nil
	}

	return nil, fmt.Errorf("%w: unexpected %v", ErrMalformedRegistration, delim)
}

// field reads key from either object form.
func field(v any, key string) (any, bool) {
	switch t := v.(type) {
	case object:
		return t.get(key)
	case map[string]any:
		val, ok := t[key]
		return val, ok
	}
	return nil, false
}

func stringField(v any, key string) string {
	val, _ := field(v, key)
	s, _ := val.(string)
	return s
}

// members lists the keys of either object form. Plain maps carry no order,
// so their keys come back sorted.
func members(v any) ([]member, bool) {
	switch t := v.(type) {
	case object:
		return t, true
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]member, 0, len(keys))
		for _, k := range keys {
			out = append(out, member{Key: k, Value: t[k]})
		}
		return out, true
	}
	return nil, false
}

func isObject(v any) bool {
	_, ok := members(v)
	return ok
}
