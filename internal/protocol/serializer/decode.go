// internal/protocol/serializer/decode.go
package serializer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"

	"github.com/google/uuid"

	"device-gateway/internal/protocol/layout"
)

// Decoder reads values from a payload following a layout.
type Decoder struct {
	r       *bytes.Reader
	scratch [16]byte
}

// NewDecoder creates a decoder over payload. The payload is not copied.
func NewDecoder(payload []byte) *Decoder {
	return &Decoder{r: bytes.NewReader(payload)}
}

// Decode deserializes payload according to l. Trailing bytes are ignored.
func Decode(payload []byte, l *layout.Layout) (any, error) {
	return NewDecoder(payload).Decode(l)
}

// Decode reads one value shaped by l.
//
// Named layouts decode to map[string]any. An anonymous layout decodes to its
// single value directly. Signed integers decode to int64, unsigned to uint64,
// both float widths to float64, UUIDs to their canonical string and Binary to
// []byte.
func (d *Decoder) Decode(l *layout.Layout) (any, error) {
	return d.decodeLayout(l, "")
}

// Remaining returns the number of unread payload bytes
func (d *Decoder) Remaining() int {
	return d.r.Len()
}

func (d *Decoder) decodeLayout(l *layout.Layout, path string) (any, error) {
	if l == nil {
		return nil, fieldErr(path, ErrMissingSubLayout, "")
	}
	if l.IsAnonymous() {
		return d.decodeElement(l.Elements()[0], path)
	}

	fields := make(map[string]any, l.Len())
	for _, el := range l.Elements() {
		v, err := d.decodeElement(el, joinPath(path, el.Name))
		if err != nil {
			return nil, err
		}
		fields[el.Name] = v
	}
	return fields, nil
}

func (d *Decoder) decodeElement(el layout.Element, path string) (any, error) {
	switch el.Type {
	case layout.Null:
		return nil, nil

	case layout.UInt8, layout.UInt16, layout.UInt32, layout.UInt64:
		return d.readUint(el.Type.Size(), path)

	case layout.Int8, layout.Int16, layout.Int32, layout.Int64:
		size := el.Type.Size()
		n, err := d.readUint(size, path)
		if err != nil {
			return nil, err
		}
		shift := uint(64 - size*8)
		return int64(n<<shift) >> shift, nil

	case layout.Float32:
		n, err := d.readUint(4, path)
		if err != nil {
			return nil, err
		}
		return float64(math.Float32frombits(uint32(n))), nil

	case layout.Float64:
		n, err := d.readUint(8, path)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(n), nil

	case layout.Bool:
		n, err := d.readUint(1, path)
		if err != nil {
			return nil, err
		}
		return n != 0, nil

	case layout.UUID:
		b, err := d.read(16, path)
		if err != nil {
			return nil, err
		}
		id, _ := uuid.FromBytes(b)
		return id.String(), nil

	case layout.String:
		b, err := d.readBlob(path)
		if err != nil {
			return nil, err
		}
		return string(b), nil

	case layout.Binary:
		b, err := d.readBlob(path)
		if err != nil {
			return nil, err
		}
		if b == nil {
			b = []byte{}
		}
		return b, nil

	case layout.Array:
		if el.Sub == nil {
			return nil, fieldErr(path, ErrMissingSubLayout, "")
		}
		n, err := d.readUint(2, path)
		if err != nil {
			return nil, err
		}
		items := make([]any, 0, n)
		for i := 0; i < int(n); i++ {
			item, err := d.decodeLayout(el.Sub, indexPath(path, i))
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil

	case layout.Object:
		if el.Sub == nil {
			return nil, fieldErr(path, ErrMissingSubLayout, "")
		}
		return d.decodeLayout(el.Sub, path)

	default:
		return nil, fieldErr(path, ErrUnsupportedType, "%s", el.Type)
	}
}

func (d *Decoder) readUint(size int, path string) (uint64, error) {
	b, err := d.read(size, path)
	if err != nil {
		return 0, err
	}
	var full [8]byte
	copy(full[:], b)
	return binary.LittleEndian.Uint64(full[:]), nil
}

func (d *Decoder) readBlob(path string) ([]byte, error) {
	n, err := d.readUint(2, path)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		return nil, fieldErr(path, ErrShortBuffer, "want %d bytes", n)
	}
	return b, nil
}

func (d *Decoder) read(size int, path string) ([]byte, error) {
	if size > len(d.scratch) {
		return nil, fieldErr(path, ErrUnsupportedType, "width %d", size)
	}
	b := d.scratch[:size]
	if _, err := io.ReadFull(d.r, b); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fieldErr(path, ErrShortBuffer, "want %d bytes", size)
		}
		return nil, fieldErr(path, err, "")
	}
	return b, nil
}
