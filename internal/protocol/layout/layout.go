// internal/protocol/layout/layout.go
package layout

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateElementName = errors.New("layout: duplicate element name")
	ErrAnonymousElement     = errors.New("layout: anonymous element must be the only element")
	ErrUnknownPrimitiveType = errors.New("layout: unknown primitive type")
	ErrInvalidDataType      = errors.New("layout: invalid data type")
	ErrFrozen               = errors.New("layout: layout is frozen")
)

// Element is one named, typed field of a Layout.
// Sub is only meaningful for Array (layout of one item) and Object (its fields).
type Element struct {
	Name string
	Type DataType
	Sub  *Layout
}

// Layout is an ordered list of elements. Insertion order is wire order.
//
// A layout is built with Add and then shared read-only. Once frozen (the
// registry freezes everything it stores) further Add calls fail.
type Layout struct {
	elements []Element
	index    map[string]int
	frozen   bool
}

// New creates an empty layout
func New() *Layout {
	return &Layout{index: make(map[string]int)}
}

// Add appends an element.
// The schema model does not check that Array/Object elements carry a
// sub-layout; a missing one surfaces when the layout is used.
func (l *Layout) Add(name string, dt DataType, sub *Layout) error {
	if l.frozen {
		return ErrFrozen
	}
	if !dt.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidDataType, uint8(dt))
	}
	if l.index == nil {
		l.index = make(map[string]int)
	}

	if name == "" {
		if len(l.elements) > 0 {
			return ErrAnonymousElement
		}
	} else {
		if l.IsAnonymous() {
			return ErrAnonymousElement
		}
		if _, exists := l.index[name]; exists {
			return fmt.Errorf("%w: %q", ErrDuplicateElementName, name)
		}
		l.index[name] = len(l.elements)
	}

	l.elements = append(l.elements, Element{Name: name, Type: dt, Sub: sub})
	return nil
}

// MustAdd is Add for static layouts; it panics on error and returns l for chaining.
func (l *Layout) MustAdd(name string, dt DataType, sub *Layout) *Layout {
	if err := l.Add(name, dt, sub); err != nil {
		panic(err)
	}
	return l
}

// Find looks up an element by name
func (l *Layout) Find(name string) (Element, bool) {
	if l == nil || name == "" {
		return Element{}, false
	}
	i, ok := l.index[name]
	if !ok {
		return Element{}, false
	}
	return l.elements[i], true
}

// Elements returns the elements in wire order. The slice must not be modified.
func (l *Layout) Elements() []Element {
	if l == nil {
		return nil
	}
	return l.elements
}

// Len returns the number of elements
func (l *Layout) Len() int {
	if l == nil {
		return 0
	}
	return len(l.elements)
}

// IsAnonymous reports whether l describes a single unnamed value
func (l *Layout) IsAnonymous() bool {
	return l != nil && len(l.elements) == 1 && l.elements[0].Name == ""
}

// Freeze marks l and every nested sub-layout immutable.
func (l *Layout) Freeze() *Layout {
	if l == nil || l.frozen {
		return l
	}
	l.frozen = true
	for _, el := range l.elements {
		el.Sub.Freeze()
	}
	return l
}

// Frozen reports whether l has been frozen
func (l *Layout) Frozen() bool {
	return l != nil && l.frozen
}

// Scalar builds a frozen anonymous layout holding a single value of type dt.
func Scalar(dt DataType, sub *Layout) *Layout {
	return New().MustAdd("", dt, sub).Freeze()
}
