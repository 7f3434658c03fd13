// Package notification holds the notification domain model: the request
// document a caller submits, the behavior a caller allows, and the
// renderable Notification a Builder produces from both.
package notification

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

var ErrMalformed = errors.New("malformed request payload")

// Request is a structured JSON document describing what to present.
// The zero value is an empty request.
type Request struct {
	raw []byte
}

// ParseRequest parses text into a Request. The text must be a JSON object.
func ParseRequest(text string) (Request, error) {
	b := bytes.TrimSpace([]byte(text))
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return Request{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if obj == nil {
		return Request{}, fmt.Errorf("%w: document is null", ErrMalformed)
	}
	return Request{raw: b}, nil
}

// NewRequest marshals v (usually a map or struct) into a Request.
func NewRequest(v any) (Request, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Request{}, err
	}
	return ParseRequest(string(b))
}

// MustRequest is ParseRequest for literals; it panics on malformed text.
func MustRequest(text string) Request {
	r, err := ParseRequest(text)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Request) IsZero() bool { return len(r.raw) == 0 }

// String returns the serialized document ("{}" for the zero value).
func (r Request) String() string {
	if r.IsZero() {
		return "{}"
	}
	return string(r.raw)
}

// Get reads a gjson path from the document.
func (r Request) Get(path string) gjson.Result {
	if r.IsZero() {
		return gjson.Result{}
	}
	return gjson.GetBytes(r.raw, path)
}

// Content reads a content field. Requests may nest content under "content"
// or put it at the top level; the nested form wins.
func (r Request) Content(field string) gjson.Result {
	if v := r.Get("content." + field); v.Exists() {
		return v
	}
	return r.Get(field)
}

func (r Request) MarshalJSON() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Request) UnmarshalJSON(b []byte) error {
	p, err := ParseRequest(string(b))
	if err != nil {
		return err
	}
	*r = p
	return nil
}

// Priority mirrors the platform notification priority levels.
type Priority string

const (
	PriorityMin     Priority = "min"
	PriorityLow     Priority = "low"
	PriorityDefault Priority = "default"
	PriorityHigh    Priority = "high"
	PriorityMax     Priority = "max"
)

// ParsePriority returns PriorityDefault for unknown values.
func ParsePriority(s string) Priority {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case PriorityMin, PriorityLow, PriorityDefault, PriorityHigh, PriorityMax:
		return p
	default:
		return PriorityDefault
	}
}

// Behavior describes what a presented notification is allowed to do.
// A nil *Behavior means "use defaults" (see DefaultBehavior).
type Behavior struct {
	ShouldShowAlert bool   `json:"shouldShowAlert"`
	ShouldPlaySound bool   `json:"shouldPlaySound"`
	ShouldSetBadge  bool   `json:"shouldSetBadge"`
	Priority        string `json:"priority,omitempty"`
}

// DefaultBehavior allows everything and leaves priority to the request.
func DefaultBehavior() Behavior {
	return Behavior{ShouldShowAlert: true, ShouldPlaySound: true, ShouldSetBadge: true}
}

// Notification is the renderable form handed to the notification manager.
type Notification struct {
	Title    string          `json:"title,omitempty"`
	Subtitle string          `json:"subtitle,omitempty"`
	Body     string          `json:"body,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Category string          `json:"category,omitempty"`
	Color    string          `json:"color,omitempty"`

	// Sound is empty when sound is not allowed or not requested.
	Sound string `json:"sound,omitempty"`
	// Badge is nil when the badge should not change.
	Badge    *int     `json:"badge,omitempty"`
	Priority Priority `json:"priority"`
	// Silent notifications are posted but not alerted (no banner/heads-up).
	Silent bool `json:"silent,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Text renders a plain-text form used by chat and log presenters.
func (n Notification) Text() string {
	var b strings.Builder
	if n.Title != "" {
		b.WriteString(n.Title)
	}
	if n.Subtitle != "" {
		if b.Len() > 0 {
			b.WriteString(" - ")
		}
		b.WriteString(n.Subtitle)
	}
	if n.Body != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(n.Body)
	}
	return b.String()
}
