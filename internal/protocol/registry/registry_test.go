package registry

import (
	"errors"
	"testing"

	"device-gateway/internal/protocol/layout"
)

func TestFixedIntentsInstalled(t *testing.T) {
	r := New()
	for _, intent := range []uint16{RegistrationRequest, RegistrationResponse, CommandResultResponse, Registration2Response} {
		l, ok := r.Find(intent)
		if !ok {
			t.Fatalf("fixed intent %d missing", intent)
		}
		if !l.Frozen() {
			t.Fatalf("fixed intent %d layout not frozen", intent)
		}
	}

	if l, _ := r.Find(RegistrationRequest); l.Len() != 0 {
		t.Fatalf("registration request must be payload-less")
	}
	if l, _ := r.Find(Registration2Response); !l.IsAnonymous() {
		t.Fatalf("registration2 response must be an anonymous string")
	}
}

func TestRegisterRejectsReservedIntents(t *testing.T) {
	r := New()
	l := layout.New().MustAdd("x", layout.UInt8, nil)

	for _, intent := range []uint16{0, RegistrationResponse, 255} {
		if err := r.Register(intent, l); !errors.Is(err, ErrReservedIntent) {
			t.Fatalf("register %d: expected ErrReservedIntent, got %v", intent, err)
		}
		if err := r.Unregister(intent); !errors.Is(err, ErrReservedIntent) {
			t.Fatalf("unregister %d: expected ErrReservedIntent, got %v", intent, err)
		}
	}

	fixed, _ := r.Find(RegistrationResponse)
	if fixed.Len() == 0 {
		t.Fatalf("fixed registration layout was overwritten")
	}
}

func TestRegisterLastWriteWins(t *testing.T) {
	r := New()
	first := layout.New().MustAdd("old", layout.UInt8, nil)
	second := layout.New().MustAdd("new", layout.String, nil)

	if err := r.Register(300, first); err != nil {
		t.Fatalf("register first: %v", err)
	}
	if err := r.Register(300, second); err != nil {
		t.Fatalf("register second: %v", err)
	}

	got, ok := r.Find(300)
	if !ok || got != second {
		t.Fatalf("expected second layout to replace the first")
	}
	if _, ok := got.Find("old"); ok {
		t.Fatalf("old field still visible after replacement")
	}
	if !second.Frozen() {
		t.Fatalf("registered layout should be frozen")
	}
}

func TestUnregister(t *testing.T) {
	r := New()
	if err := r.Unregister(999); err != nil {
		t.Fatalf("unregister absent intent: %v", err)
	}

	_ = r.Register(400, layout.New())
	if err := r.Unregister(400); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, ok := r.Find(400); ok {
		t.Fatalf("intent 400 still registered")
	}
}

func TestReplace(t *testing.T) {
	r := New()
	_ = r.Register(300, layout.New())
	_ = r.Register(301, layout.New())

	err := r.Replace([]uint16{300, 301}, map[uint16]*layout.Layout{302: layout.New()})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	want := []uint16{1, 2, 3, 4, 302}
	got := r.Intents()
	if len(got) != len(want) {
		t.Fatalf("intents=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("intents=%v want=%v", got, want)
		}
	}

	if err := r.Replace([]uint16{302}, map[uint16]*layout.Layout{7: layout.New()}); !errors.Is(err, ErrReservedIntent) {
		t.Fatalf("expected ErrReservedIntent, got %v", err)
	}
	if _, ok := r.Find(302); !ok {
		t.Fatalf("failed replace must not drop intents")
	}
}
