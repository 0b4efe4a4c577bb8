package engine

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"

	"device-gateway/internal/protocol/frame"
	"device-gateway/internal/protocol/layout"
	"device-gateway/internal/protocol/registry"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	return New(zaptest.NewLogger(t), opts...)
}

func legacyEntry(intent int, name string, params ...map[string]any) map[string]any {
	list := make([]any, 0, len(params))
	for _, p := range params {
		list = append(list, p)
	}
	return map[string]any{"intent": intent, "name": name, "params": list}
}

func legacyParam(name string, dt layout.DataType) map[string]any {
	return map[string]any{"name": name, "type": float64(dt)}
}

func TestSetLEDRoundTrip(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.HandleRegistrationResponse(map[string]any{
		"commands": []any{
			legacyEntry(300, "SetLED", legacyParam("on", layout.Bool)),
		},
	})
	if err != nil {
		t.Fatalf("registration: %v", err)
	}

	f, err := e.JSONToFrame(300, map[string]any{
		"id":         7,
		"parameters": map[string]any{"on": true},
	})
	if err != nil {
		t.Fatalf("json to frame: %v", err)
	}

	got, err := e.FrameToJSON(f)
	if err != nil {
		t.Fatalf("frame to json: %v", err)
	}
	want := map[string]any{
		"id":         uint64(7),
		"parameters": map[string]any{"on": true},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got=%#v want=%#v", got, want)
	}

	intent, ok := e.CommandIntent("SetLED")
	if !ok || intent != 300 {
		t.Fatalf("CommandIntent=%d,%v", intent, ok)
	}
}

func TestUnknownIntentHasNoResult(t *testing.T) {
	e := newTestEngine(t)

	f, err := e.JSONToFrame(999, map[string]any{"x": 1})
	if !errors.Is(err, ErrUnknownIntent) || f != nil {
		t.Fatalf("expected ErrUnknownIntent and no frame, got %v %v", f, err)
	}

	raw, err := frame.Encode(999, []byte{0x01})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := e.FrameToJSON(raw); !errors.Is(err, ErrUnknownIntent) {
		t.Fatalf("expected ErrUnknownIntent, got %v", err)
	}
	if _, err := e.CommandFrame("Nope", 1, nil); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestRegistrationRequestFrame(t *testing.T) {
	e := newTestEngine(t)
	f, err := e.RegistrationRequestFrame()
	if err != nil {
		t.Fatalf("request frame: %v", err)
	}
	want := []byte{0xC5, 0xC3, 0x01, 0x00, 0x00, 0x00, 0x01, 0x00, 0x75}
	if !bytes.Equal(f.Bytes(), want) {
		t.Fatalf("got=% X want=% X", f.Bytes(), want)
	}
}

type snapshot struct {
	Intents       []uint16
	Commands      map[string]any
	Notifications map[string]any
}

func takeSnapshot(e *Engine) snapshot {
	s := snapshot{
		Intents:       e.Registry().Intents(),
		Commands:      map[string]any{},
		Notifications: map[string]any{},
	}
	for _, c := range e.Commands() {
		s.Commands[c.Name] = []any{c.Intent, layout.Describe(c.Layout)}
	}
	for _, n := range e.Notifications() {
		s.Notifications[n.Name] = []any{n.Intent, layout.Describe(n.Layout)}
	}
	return s
}

func TestRegistrationIsIdempotent(t *testing.T) {
	announcement := map[string]any{
		"commands": []any{
			legacyEntry(300, "SetLED", legacyParam("on", layout.Bool)),
			legacyEntry(301, "SetLevel", legacyParam("channel", layout.UInt8), legacyParam("level", layout.Int16)),
		},
		"notifications": []any{
			legacyEntry(400, "Button", legacyParam("pressed", layout.Bool)),
		},
	}

	e := newTestEngine(t)
	if _, err := e.HandleRegistrationResponse(announcement); err != nil {
		t.Fatalf("first: %v", err)
	}
	once := takeSnapshot(e)

	if _, err := e.HandleRegistrationResponse(announcement); err != nil {
		t.Fatalf("second: %v", err)
	}
	twice := takeSnapshot(e)

	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("state changed:\n once=%#v\ntwice=%#v", once, twice)
	}
	wantIntents := []uint16{1, 2, 3, 4, 300, 301, 400}
	if !reflect.DeepEqual(once.Intents, wantIntents) {
		t.Fatalf("intents=%v want=%v", once.Intents, wantIntents)
	}
}

func TestRegistrationReplacesPreviousSchema(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.HandleRegistrationResponse(map[string]any{
		"commands":      []any{legacyEntry(300, "SetLED", legacyParam("on", layout.Bool))},
		"notifications": []any{legacyEntry(400, "Button", legacyParam("pressed", layout.Bool))},
	})
	if err != nil {
		t.Fatalf("first: %v", err)
	}

	_, err = e.HandleRegistrationResponse(map[string]any{
		"commands": []any{legacyEntry(302, "Reset")},
	})
	if err != nil {
		t.Fatalf("second: %v", err)
	}

	if _, ok := e.CommandIntent("SetLED"); ok {
		t.Fatalf("old command still known")
	}
	if _, ok := e.NotificationName(400); ok {
		t.Fatalf("old notification still known")
	}
	if _, err := e.JSONToFrame(300, nil); !errors.Is(err, ErrUnknownIntent) {
		t.Fatalf("old intent still registered: %v", err)
	}

	reset, ok := e.CommandIntent("Reset")
	if !ok || reset != 302 {
		t.Fatalf("Reset=%d,%v", reset, ok)
	}
	l, _ := e.Registry().Find(302)
	if l.Len() != 1 || l.Elements()[0].Name != "id" {
		t.Fatalf("parameterless command layout: %#v", layout.Describe(l))
	}
}

func badAnnouncement() map[string]any {
	return map[string]any{
		"commands": []any{
			legacyEntry(300, "SetLED", legacyParam("on", layout.Bool)),
			legacyEntry(301, "Broken", map[string]any{"name": "x", "type": 99}),
			legacyEntry(10, "Reserved"),
			legacyEntry(303, "Twice", legacyParam("a", layout.UInt8), legacyParam("a", layout.UInt8)),
		},
		"notifications": []any{
			legacyEntry(400, "Button", legacyParam("pressed", layout.Bool)),
			legacyEntry(300, "Clash"),
		},
	}
}

func TestSkipBadEntryPolicy(t *testing.T) {
	e := newTestEngine(t)

	reg, err := e.HandleRegistrationResponse(badAnnouncement())
	if err == nil {
		t.Fatalf("expected entry errors")
	}
	if reg == nil {
		t.Fatalf("expected partial registration")
	}

	errs := multierr.Errors(err)
	if len(errs) != 4 {
		t.Fatalf("expected 4 entry errors, got %d: %v", len(errs), err)
	}
	for _, want := range []error{
		layout.ErrInvalidDataType,
		registry.ErrReservedIntent,
		layout.ErrDuplicateElementName,
		ErrDuplicateIntent,
	} {
		if !errors.Is(err, want) {
			t.Fatalf("expected %v among %v", want, err)
		}
	}

	var entryErr *EntryError
	if !errors.As(errs[0], &entryErr) || entryErr.Section != "commands" || entryErr.Index != 1 || entryErr.Intent != 301 {
		t.Fatalf("first entry error: %#v", errs[0])
	}

	if len(reg.Commands) != 1 || reg.Commands[0].Name != "SetLED" {
		t.Fatalf("accepted commands: %#v", reg.Commands)
	}
	if len(reg.Notifications) != 1 || reg.Notifications[0].Name != "Button" {
		t.Fatalf("accepted notifications: %#v", reg.Notifications)
	}
	if name, ok := e.NotificationName(400); !ok || name != "Button" {
		t.Fatalf("Button not applied")
	}
}

func TestAbortOnErrorPolicy(t *testing.T) {
	e := newTestEngine(t, WithPolicy(AbortOnError))

	_, err := e.HandleRegistrationResponse(map[string]any{
		"commands": []any{legacyEntry(500, "Keep")},
	})
	if err != nil {
		t.Fatalf("initial: %v", err)
	}
	before := takeSnapshot(e)

	reg, err := e.HandleRegistrationResponse(badAnnouncement())
	if reg != nil {
		t.Fatalf("expected no registration, got %#v", reg)
	}
	if !errors.Is(err, layout.ErrInvalidDataType) {
		t.Fatalf("expected first bad entry error, got %v", err)
	}
	if len(multierr.Errors(err)) != 1 {
		t.Fatalf("abort should report only the first error: %v", err)
	}

	if after := takeSnapshot(e); !reflect.DeepEqual(before, after) {
		t.Fatalf("state changed on abort:\nbefore=%#v\n after=%#v", before, after)
	}
}

func TestParsePolicy(t *testing.T) {
	tests := map[string]Policy{"": SkipBadEntry, "skip": SkipBadEntry, "abort": AbortOnError, "abort_on_error": AbortOnError}
	for in, want := range tests {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParsePolicy(%q)=%v,%v", in, got, err)
		}
	}
	if _, err := ParsePolicy("merge"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
