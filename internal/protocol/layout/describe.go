// internal/protocol/layout/describe.go
package layout

// Describe renders l in the nested descriptor form used by the "2"
// registration handshake: primitive elements become type names, objects
// become maps and arrays become one-item slices.
func Describe(l *Layout) any {
	if l == nil {
		return nil
	}
	if l.IsAnonymous() {
		return describeElement(l.elements[0])
	}

	fields := make(map[string]any, len(l.elements))
	for _, el := range l.elements {
		fields[el.Name] = describeElement(el)
	}
	return fields
}

func describeElement(el Element) any {
	switch el.Type {
	case Object:
		if el.Sub == nil {
			return map[string]any{}
		}
		return Describe(el.Sub)
	case Array:
		return []any{Describe(el.Sub)}
	default:
		return el.Type.String()
	}
}
