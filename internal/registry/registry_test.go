package registry

import (
	"context"
	"errors"
	"testing"

	"notifyd/internal/intent"
)

func nopHandler() Handler {
	return HandlerFunc(func(context.Context, *intent.Intent) error { return nil })
}

func TestRegisterAndResolve(t *testing.T) {
	r := New()
	if _, ok := r.Resolve("a"); ok {
		t.Fatalf("empty registry should not resolve")
	}
	if err := r.Register(Component{Name: "svc", Actions: []string{"a", "b"}, Handler: nopHandler()}); err != nil {
		t.Fatalf("register: %v", err)
	}
	c, ok := r.Resolve("b")
	if !ok || c.Name != "svc" {
		t.Fatalf("resolve b: %+v ok=%v", c, ok)
	}
}

func TestRegisterRejectsSecondHandler(t *testing.T) {
	r := New()
	if err := r.Register(Component{Name: "one", Actions: []string{"a"}, Handler: nopHandler()}); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := r.Register(Component{Name: "two", Actions: []string{"x", "a"}, Handler: nopHandler()})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	// Partial registration must not leak.
	if _, ok := r.Resolve("x"); ok {
		t.Fatalf("rejected component should not own any action")
	}
}

func TestRegisterValidates(t *testing.T) {
	r := New()
	bad := []Component{
		{Actions: []string{"a"}, Handler: nopHandler()},
		{Name: "n", Handler: nopHandler()},
		{Name: "n", Actions: []string{"a"}},
	}
	for i, c := range bad {
		if err := r.Register(c); !errors.Is(err, ErrInvalid) {
			t.Fatalf("case %d: expected ErrInvalid, got %v", i, err)
		}
	}
}

func TestUnregister(t *testing.T) {
	r := New()
	_ = r.Register(Component{Name: "svc", Actions: []string{"a"}, Handler: nopHandler()})
	r.Unregister("svc")
	if _, ok := r.Resolve("a"); ok {
		t.Fatalf("expected action to be released")
	}
	if n := r.Names(); len(n) != 0 {
		t.Fatalf("names=%v", n)
	}
}
