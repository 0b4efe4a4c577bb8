// internal/protocol/registry/registry.go
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"device-gateway/internal/protocol/layout"
)

var (
	ErrReservedIntent = errors.New("registry: intent is reserved")
	ErrNilLayout      = errors.New("registry: nil layout")
)

// Registry maps intents to layouts. The protocol-fixed intents are installed
// by New and cannot be changed afterwards.
type Registry struct {
	layouts map[uint16]*layout.Layout
	mu      sync.RWMutex
}

// New creates a registry holding only the fixed protocol intents
func New() *Registry {
	return &Registry{
		layouts: fixedLayouts(),
	}
}

// Register stores l at a user intent, replacing any previous layout.
// The layout is frozen on registration.
func (r *Registry) Register(intent uint16, l *layout.Layout) error {
	if IsReserved(intent) {
		return fmt.Errorf("%w: %d", ErrReservedIntent, intent)
	}
	if l == nil {
		return ErrNilLayout
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.layouts[intent] = l.Freeze()
	return nil
}

// Unregister removes a user intent. Removing an absent intent is a no-op.
func (r *Registry) Unregister(intent uint16) error {
	if IsReserved(intent) {
		return fmt.Errorf("%w: %d", ErrReservedIntent, intent)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.layouts, intent)
	return nil
}

// Find returns the layout registered at intent
func (r *Registry) Find(intent uint16) (*layout.Layout, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.layouts[intent]
	return l, ok
}

// Intents returns every registered intent in ascending order
func (r *Registry) Intents() []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	intents := make([]uint16, 0, len(r.layouts))
	for intent := range r.layouts {
		intents = append(intents, intent)
	}
	sort.Slice(intents, func(i, j int) bool { return intents[i] < intents[j] })
	return intents
}

// Replace atomically unregisters every intent in drop and registers add.
// All intents must be user intents; nothing changes if any is reserved.
func (r *Registry) Replace(drop []uint16, add map[uint16]*layout.Layout) error {
	for _, intent := range drop {
		if IsReserved(intent) {
			return fmt.Errorf("%w: %d", ErrReservedIntent, intent)
		}
	}
	for intent, l := range add {
		if IsReserved(intent) {
			return fmt.Errorf("%w: %d", ErrReservedIntent, intent)
		}
		if l == nil {
			return ErrNilLayout
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, intent := range drop {
		delete(r.layouts, intent)
	}
	for intent, l := range add {
		r.layouts[intent] = l.Freeze()
	}
	return nil
}
