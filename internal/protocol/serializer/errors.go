// internal/protocol/serializer/errors.go
package serializer

import (
	"errors"
	"fmt"
)

var (
	ErrTypeMismatch     = errors.New("serializer: type mismatch")
	ErrNumericOverflow  = errors.New("serializer: numeric overflow")
	ErrMissingSubLayout = errors.New("serializer: missing sub-layout")
	ErrShortBuffer      = errors.New("serializer: short buffer")
	ErrTooLong          = errors.New("serializer: value too long")
	ErrUnsupportedType  = errors.New("serializer: unsupported data type")
)

// FieldError locates a failure inside a value. Path uses dotted keys and
// bracketed array indexes, e.g. "parameters.items[2].code".
type FieldError struct {
	Path string
	Err  error
	Msg  string
}

func (e *FieldError) Error() string {
	path := e.Path
	if path == "" {
		path = "<root>"
	}
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", path, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", path, e.Err, e.Msg)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

func fieldErr(path string, err error, format string, args ...any) error {
	var fe *FieldError
	if errors.As(err, &fe) {
		return err
	}
	msg := ""
	if format != "" {
		msg = fmt.Sprintf(format, args...)
	}
	return &FieldError{Path: path, Err: err, Msg: msg}
}

func joinPath(path, name string) string {
	if name == "" {
		return path
	}
	if path == "" {
		return name
	}
	return path + "." + name
}

func indexPath(path string, i int) string {
	return fmt.Sprintf("%s[%d]", path, i)
}
