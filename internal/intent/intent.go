// Package intent defines the command envelope passed from a dispatcher to a
// handler component: an action, an opaque routing URI and typed extras.
package intent

import (
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Intent is built once by the sender and only read afterwards.
type Intent struct {
	// ID correlates log lines and events for one command. Not used for identity.
	ID     string
	Action string
	Data   *url.URL
	At     time.Time

	extras map[string]any
}

func New(action string, data *url.URL) *Intent {
	return &Intent{
		ID:     uuid.NewString(),
		Action: action,
		Data:   data,
		At:     time.Now(),
		extras: map[string]any{},
	}
}

// Put stores an extra. Nil values are stored as absent.
func (i *Intent) Put(key string, v any) *Intent {
	if i.extras == nil {
		i.extras = map[string]any{}
	}
	if v == nil {
		delete(i.extras, key)
		return i
	}
	i.extras[key] = v
	return i
}

// Has reports whether key is set.
func (i *Intent) Has(key string) bool {
	_, ok := i.extras[key]
	return ok
}

// Get returns the raw extra.
func (i *Intent) Get(key string) any {
	if i == nil {
		return nil
	}
	return i.extras[key]
}

// String returns the extra as a string and whether it was a string.
func (i *Intent) String(key string) (string, bool) {
	s, ok := i.Get(key).(string)
	return s, ok
}

// Extra returns the extra typed as T.
func Extra[T any](i *Intent, key string) (T, bool) {
	v, ok := i.Get(key).(T)
	return v, ok
}

// DataString returns the routing URI as text ("" when unset).
func (i *Intent) DataString() string {
	if i == nil || i.Data == nil {
		return ""
	}
	return i.Data.String()
}
