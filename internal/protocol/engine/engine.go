// internal/protocol/engine/engine.go
package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"device-gateway/internal/protocol/frame"
	"device-gateway/internal/protocol/layout"
	"device-gateway/internal/protocol/registry"
	"device-gateway/internal/protocol/serializer"
)

// Policy selects how a registration announcement with bad entries is applied.
type Policy int

const (
	// SkipBadEntry applies every valid entry and reports the rejected ones.
	SkipBadEntry Policy = iota
	// AbortOnError rejects the whole announcement on the first bad entry.
	AbortOnError
)

func (p Policy) String() string {
	if p == AbortOnError {
		return "abort"
	}
	return "skip"
}

// ParsePolicy maps a configuration value to a Policy
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "skip", "skip_bad_entry":
		return SkipBadEntry, nil
	case "abort", "abort_on_error":
		return AbortOnError, nil
	}
	return SkipBadEntry, fmt.Errorf("unknown registration policy %q", s)
}

// Schema is one learned command or notification.
type Schema struct {
	Intent uint16
	Name   string
	Layout *layout.Layout
}

// MarshalJSON renders the layout in descriptor form
func (s Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Intent uint16 `json:"intent"`
		Name   string `json:"name"`
		Layout any    `json:"layout"`
	}{s.Intent, s.Name, layout.Describe(s.Layout)})
}

// Option configures an Engine
type Option func(*Engine)

// WithPolicy sets the registration policy
func WithPolicy(p Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithRegistry makes the engine use r instead of a fresh registry
func WithRegistry(r *registry.Registry) Option {
	return func(e *Engine) {
		e.registry = r
	}
}

// Engine converts between JSON-like values and frames using the layouts in
// its registry, and learns user intents from registration announcements.
//
// The engine is meant to be driven from one goroutine. Snapshot accessors are
// safe to call concurrently.
type Engine struct {
	logger   *zap.Logger
	policy   Policy
	registry *registry.Registry

	mu            sync.RWMutex
	commands      map[string]Schema
	notifications map[uint16]Schema
	registration  *Registration
}

// New creates an engine with only the fixed intents registered
func New(logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		logger:        logger,
		commands:      make(map[string]Schema),
		notifications: make(map[uint16]Schema),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = registry.New()
	}
	return e
}

// Policy returns the registration policy in effect
func (e *Engine) Policy() Policy {
	return e.policy
}

// Registry exposes the intent registry backing the engine
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// JSONToFrame serializes value with the layout registered at intent.
// ErrUnknownIntent means no layout is registered; callers decide whether
// that is a failure or an intentionally ignored intent.
func (e *Engine) JSONToFrame(intent uint16, value any) (*frame.Frame, error) {
	l, ok := e.registry.Find(intent)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownIntent, intent)
	}

	payload, err := serializer.Encode(value, l)
	if err != nil {
		return nil, fmt.Errorf("failed to encode intent %d: %w", intent, err)
	}

	f, err := frame.Encode(intent, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to frame intent %d: %w", intent, err)
	}
	return f, nil
}

// FrameToJSON deserializes the payload of f with the layout registered at its
// intent.
func (e *Engine) FrameToJSON(f *frame.Frame) (any, error) {
	l, ok := e.registry.Find(f.Intent())
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownIntent, f.Intent())
	}

	dec := serializer.NewDecoder(f.Payload())
	value, err := dec.Decode(l)
	if err != nil {
		return nil, fmt.Errorf("failed to decode intent %d: %w", f.Intent(), err)
	}
	if n := dec.Remaining(); n > 0 {
		e.logger.Debug("Trailing payload bytes ignored",
			zap.Uint16("intent", f.Intent()),
			zap.Int("bytes", n))
	}
	return value, nil
}

// RegistrationRequestFrame builds the payload-less frame asking the device to
// announce itself.
func (e *Engine) RegistrationRequestFrame() (*frame.Frame, error) {
	return e.JSONToFrame(registry.RegistrationRequest, nil)
}

// CommandFrame builds the frame for a learned command
func (e *Engine) CommandFrame(name string, id uint32, params any) (*frame.Frame, error) {
	intent, ok := e.CommandIntent(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	return e.JSONToFrame(intent, map[string]any{
		"id":         id,
		"parameters": params,
	})
}

// CommandIntent returns the intent of a learned command
func (e *Engine) CommandIntent(name string) (uint16, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.commands[name]
	return s.Intent, ok
}

// NotificationName returns the name of a learned notification
func (e *Engine) NotificationName(intent uint16) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.notifications[intent]
	return s.Name, ok
}

// Commands returns the learned commands ordered by intent
func (e *Engine) Commands() []Schema {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Schema, 0, len(e.commands))
	for _, s := range e.commands {
		out = append(out, s)
	}
	sortSchemas(out)
	return out
}

// Notifications returns the learned notifications ordered by intent
func (e *Engine) Notifications() []Schema {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Schema, 0, len(e.notifications))
	for _, s := range e.notifications {
		out = append(out, s)
	}
	sortSchemas(out)
	return out
}

// Registration returns the last applied announcement, or nil.
func (e *Engine) Registration() *Registration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registration
}

func sortSchemas(s []Schema) {
	sort.Slice(s, func(i, j int) bool { return s[i].Intent < s[j].Intent })
}
