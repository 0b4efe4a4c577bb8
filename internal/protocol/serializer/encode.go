// internal/protocol/serializer/encode.go
package serializer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"

	"device-gateway/internal/protocol/layout"
)

const maxLength = 0xFFFF

// Encoder writes values to w following a layout. Multi-byte numbers are
// little-endian; strings, binaries and arrays carry a u16 length prefix.
type Encoder struct {
	w       io.Writer
	scratch [8]byte
}

// NewEncoder creates an encoder writing to w
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode serializes v into a new byte slice
func Encode(v any, l *layout.Layout) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(v, l); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode writes v according to l.
//
// Missing or null fields are written as the zero value of their declared
// type; present values of the wrong shape fail with ErrTypeMismatch.
func (e *Encoder) Encode(v any, l *layout.Layout) error {
	return e.encodeLayout(v, l, "")
}

func (e *Encoder) encodeLayout(v any, l *layout.Layout, path string) error {
	if l == nil {
		return fieldErr(path, ErrMissingSubLayout, "")
	}
	if l.IsAnonymous() {
		return e.encodeElement(v, l.Elements()[0], path)
	}

	var fields map[string]any
	switch t := v.(type) {
	case nil:
	case map[string]any:
		fields = t
	default:
		return fieldErr(path, ErrTypeMismatch, "expected object, got %T", v)
	}

	for _, el := range l.Elements() {
		if err := e.encodeElement(fields[el.Name], el, joinPath(path, el.Name)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) encodeElement(v any, el layout.Element, path string) error {
	switch el.Type {
	case layout.Null:
		return nil

	case layout.UInt8, layout.UInt16, layout.UInt32, layout.UInt64:
		n, err := AsUint(v, el.Type.Size()*8)
		if err != nil {
			return fieldErr(path, err, "")
		}
		return e.writeUint(n, el.Type.Size())

	case layout.Int8, layout.Int16, layout.Int32, layout.Int64:
		n, err := AsInt(v, el.Type.Size()*8)
		if err != nil {
			return fieldErr(path, err, "")
		}
		return e.writeUint(uint64(n), el.Type.Size())

	case layout.Float32:
		f, err := AsFloat(v, 32)
		if err != nil {
			return fieldErr(path, err, "")
		}
		return e.writeUint(uint64(math.Float32bits(float32(f))), 4)

	case layout.Float64:
		f, err := AsFloat(v, 64)
		if err != nil {
			return fieldErr(path, err, "")
		}
		return e.writeUint(math.Float64bits(f), 8)

	case layout.Bool:
		b, ok := v.(bool)
		if v != nil && !ok {
			return fieldErr(path, ErrTypeMismatch, "expected bool, got %T", v)
		}
		if b {
			return e.writeUint(1, 1)
		}
		return e.writeUint(0, 1)

	case layout.UUID:
		id, err := asUUID(v)
		if err != nil {
			return fieldErr(path, err, "")
		}
		return e.write(id[:])

	case layout.String:
		var s string
		switch t := v.(type) {
		case nil:
		case string:
			s = t
		default:
			return fieldErr(path, ErrTypeMismatch, "expected string, got %T", v)
		}
		return e.writeBlob([]byte(s), path)

	case layout.Binary:
		var b []byte
		switch t := v.(type) {
		case nil:
		case []byte:
			b = t
		case string:
			b = []byte(t)
		default:
			return fieldErr(path, ErrTypeMismatch, "expected bytes, got %T", v)
		}
		return e.writeBlob(b, path)

	case layout.Array:
		if el.Sub == nil {
			return fieldErr(path, ErrMissingSubLayout, "")
		}
		var items []any
		switch t := v.(type) {
		case nil:
		case []any:
			items = t
		default:
			return fieldErr(path, ErrTypeMismatch, "expected array, got %T", v)
		}
		if len(items) > maxLength {
			return fieldErr(path, ErrTooLong, "%d items", len(items))
		}
		if err := e.writeUint(uint64(len(items)), 2); err != nil {
			return err
		}
		for i, item := range items {
			if err := e.encodeLayout(item, el.Sub, indexPath(path, i)); err != nil {
				return err
			}
		}
		return nil

	case layout.Object:
		if el.Sub == nil {
			return fieldErr(path, ErrMissingSubLayout, "")
		}
		return e.encodeLayout(v, el.Sub, path)

	default:
		return fieldErr(path, ErrUnsupportedType, "%s", el.Type)
	}
}

func (e *Encoder) writeUint(n uint64, size int) error {
	binary.LittleEndian.PutUint64(e.scratch[:], n)
	return e.write(e.scratch[:size])
}

func (e *Encoder) writeBlob(b []byte, path string) error {
	if len(b) > maxLength {
		return fieldErr(path, ErrTooLong, "%d bytes", len(b))
	}
	if err := e.writeUint(uint64(len(b)), 2); err != nil {
		return err
	}
	return e.write(b)
}

func (e *Encoder) write(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	_, err := e.w.Write(b)
	return err
}

func asUUID(v any) (uuid.UUID, error) {
	switch t := v.(type) {
	case nil:
		return uuid.Nil, nil
	case uuid.UUID:
		return t, nil
	case [16]byte:
		return uuid.UUID(t), nil
	case []byte:
		id, err := uuid.FromBytes(t)
		if err != nil {
			return uuid.Nil, fmt.Errorf("%w: %v", ErrTypeMismatch, err)
		}
		return id, nil
	case string:
		id, err := uuid.Parse(t)
		if err != nil {
			return uuid.Nil, fmt.Errorf("%w: %v", ErrTypeMismatch, err)
		}
		return id, nil
	default:
		return uuid.Nil, fmt.Errorf("%w: expected uuid, got %T", ErrTypeMismatch, v)
	}
}
