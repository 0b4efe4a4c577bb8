// internal/protocol/serializer/numeric.go
package serializer

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/shopspring/decimal"
)

// AsUint converts a JSON-like number to an unsigned integer of the given width.
// nil converts to zero.
func AsUint(v any, bits int) (uint64, error) {
	neg, mag, err := integerOf(v)
	if err != nil {
		return 0, err
	}
	if neg && mag != 0 {
		return 0, fmt.Errorf("%w: -%d does not fit u%d", ErrNumericOverflow, mag, bits)
	}
	if bits < 64 && mag > uint64(1)<<bits-1 {
		return 0, fmt.Errorf("%w: %d does not fit u%d", ErrNumericOverflow, mag, bits)
	}
	return mag, nil
}

// AsInt converts a JSON-like number to a signed integer of the given width.
// nil converts to zero.
func AsInt(v any, bits int) (int64, error) {
	neg, mag, err := integerOf(v)
	if err != nil {
		return 0, err
	}
	limit := uint64(1) << (bits - 1)
	if neg {
		if mag > limit {
			return 0, fmt.Errorf("%w: -%d does not fit i%d", ErrNumericOverflow, mag, bits)
		}
		if mag == 0 {
			return 0, nil
		}
		return -int64(mag-1) - 1, nil
	}
	if mag > limit-1 {
		return 0, fmt.Errorf("%w: %d does not fit i%d", ErrNumericOverflow, mag, bits)
	}
	return int64(mag), nil
}

// AsFloat converts a JSON-like number to a float of the given width.
// nil converts to zero.
func AsFloat(v any, bits int) (float64, error) {
	var f float64
	switch n := v.(type) {
	case nil:
		return 0, nil
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := strconv.ParseFloat(string(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrTypeMismatch, string(n))
		}
		f = parsed
	case decimal.Decimal:
		f, _ = n.Float64()
	default:
		return 0, fmt.Errorf("%w: expected number, got %T", ErrTypeMismatch, v)
	}

	if bits == 32 && !math.IsInf(f, 0) && !math.IsNaN(f) && math.Abs(f) > math.MaxFloat32 {
		return 0, fmt.Errorf("%w: %g does not fit f32", ErrNumericOverflow, f)
	}
	return f, nil
}

// integerOf normalizes v into a sign and a magnitude.
func integerOf(v any) (neg bool, mag uint64, err error) {
	switch n := v.(type) {
	case nil:
		return false, 0, nil
	case int:
		return signed(int64(n))
	case int8:
		return signed(int64(n))
	case int16:
		return signed(int64(n))
	case int32:
		return signed(int64(n))
	case int64:
		return signed(n)
	case uint:
		return false, uint64(n), nil
	case uint8:
		return false, uint64(n), nil
	case uint16:
		return false, uint64(n), nil
	case uint32:
		return false, uint64(n), nil
	case uint64:
		return false, n, nil
	case float32:
		return integralFloat(float64(n))
	case float64:
		return integralFloat(n)
	case json.Number:
		s := string(n)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return signed(i)
		}
		if u, err := strconv.ParseUint(s, 10, 64); err == nil {
			return false, u, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return false, 0, fmt.Errorf("%w: %q is not a number", ErrTypeMismatch, s)
		}
		return integralFloat(f)
	case decimal.Decimal:
		if !n.IsInteger() {
			return false, 0, fmt.Errorf("%w: %s is not an integer", ErrTypeMismatch, n.String())
		}
		b := n.BigInt()
		neg = b.Sign() < 0
		b.Abs(b)
		if !b.IsUint64() {
			return false, 0, fmt.Errorf("%w: %s exceeds 64 bits", ErrNumericOverflow, n.String())
		}
		return neg, b.Uint64(), nil
	default:
		return false, 0, fmt.Errorf("%w: expected integer, got %T", ErrTypeMismatch, v)
	}
}

func signed(i int64) (bool, uint64, error) {
	if i >= 0 {
		return false, uint64(i), nil
	}
	return true, uint64(-(i + 1)) + 1, nil
}

func integralFloat(f float64) (bool, uint64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return false, 0, fmt.Errorf("%w: %g is not an integer", ErrTypeMismatch, f)
	}
	abs := math.Abs(f)
	if abs >= 1<<64 {
		return false, 0, fmt.Errorf("%w: %g exceeds 64 bits", ErrNumericOverflow, f)
	}
	return f < 0, uint64(abs), nil
}
