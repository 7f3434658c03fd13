// Package registry resolves which installed component handles an action.
//
// Components are registered explicitly at startup. Exactly one component may
// claim a given action; a second claim is a configuration error.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"notifyd/internal/intent"
)

var (
	ErrDuplicate = errors.New("action already has a handler")
	ErrInvalid   = errors.New("invalid component")
)

// Handler processes intents delivered by the job runner.
type Handler interface {
	HandleCommand(ctx context.Context, in *intent.Intent) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, in *intent.Intent) error

func (f HandlerFunc) HandleCommand(ctx context.Context, in *intent.Intent) error { return f(ctx, in) }

// Component is a named handler declared for one or more actions.
type Component struct {
	Name    string
	Actions []string
	Handler Handler
}

type Registry struct {
	mu       sync.RWMutex
	byAction map[string]Component
}

func New() *Registry {
	return &Registry{byAction: map[string]Component{}}
}

// Register declares c for each of its actions. It fails without side effects
// if any action is already claimed by another component.
func (r *Registry) Register(c Component) error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" || c.Handler == nil || len(c.Actions) == 0 {
		return fmt.Errorf("%w: name, handler and at least one action are required", ErrInvalid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range c.Actions {
		if prev, ok := r.byAction[a]; ok {
			return fmt.Errorf("%w: %s is handled by %s, cannot also register %s", ErrDuplicate, a, prev.Name, c.Name)
		}
	}
	for _, a := range c.Actions {
		r.byAction[a] = c
	}
	return nil
}

// Unregister removes every action claimed by the named component.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	for a, c := range r.byAction {
		if c.Name == name {
			delete(r.byAction, a)
		}
	}
	r.mu.Unlock()
}

// Resolve returns the component registered for action.
func (r *Registry) Resolve(action string) (Component, bool) {
	if r == nil {
		return Component{}, false
	}
	r.mu.RLock()
	c, ok := r.byAction[action]
	r.mu.RUnlock()
	return c, ok
}

// Names lists registered component names (sorted, deduplicated).
func (r *Registry) Names() []string {
	r.mu.RLock()
	seen := map[string]struct{}{}
	for _, c := range r.byAction {
		seen[c.Name] = struct{}{}
	}
	r.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
