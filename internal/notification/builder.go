package notification

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/tidwall/gjson"
)

var ErrNoRequest = errors.New("notification request not set")

// Builder turns a request and an allowed behavior into a renderable Notification.
type Builder interface {
	WithRequest(r Request) Builder
	WithBehavior(b *Behavior) Builder
	Build() (Notification, error)
}

// BuilderFactory returns a fresh Builder for each notification.
type BuilderFactory func() Builder

// ContentBuilder is the default Builder. It reads the usual content fields
// (title, subtitle, body, data, sound, badge, priority, color,
// categoryIdentifier) and applies the behavior on top of them.
type ContentBuilder struct {
	req      Request
	behavior *Behavior
	hasReq   bool
	now      func() time.Time
}

// NewContentBuilder is a BuilderFactory for ContentBuilder.
func NewContentBuilder() Builder {
	return &ContentBuilder{now: time.Now}
}

func (b *ContentBuilder) WithRequest(r Request) Builder {
	b.req = r
	b.hasReq = true
	return b
}

func (b *ContentBuilder) WithBehavior(bh *Behavior) Builder {
	b.behavior = bh
	return b
}

func (b *ContentBuilder) Build() (Notification, error) {
	if !b.hasReq {
		return Notification{}, ErrNoRequest
	}
	bh := DefaultBehavior()
	if b.behavior != nil {
		bh = *b.behavior
	}
	now := time.Now
	if b.now != nil {
		now = b.now
	}

	r := b.req
	n := Notification{
		Title:     r.Content("title").String(),
		Subtitle:  r.Content("subtitle").String(),
		Body:      r.Content("body").String(),
		Category:  r.Content("categoryIdentifier").String(),
		Color:     r.Content("color").String(),
		Priority:  ParsePriority(r.Content("priority").String()),
		CreatedAt: now(),
	}
	if d := r.Content("data"); d.Exists() && d.IsObject() {
		n.Data = json.RawMessage(d.Raw)
	}

	if bh.Priority != "" {
		n.Priority = ParsePriority(bh.Priority)
	}
	n.Silent = !bh.ShouldShowAlert

	if bh.ShouldPlaySound {
		switch s := r.Content("sound"); {
		case s.Type == gjson.Null:
		case s.IsBool():
			if s.Bool() {
				n.Sound = "default"
			}
		default:
			n.Sound = s.String()
		}
	}
	if bh.ShouldSetBadge {
		if v := r.Content("badge"); v.Type == gjson.Number {
			badge := int(v.Int())
			n.Badge = &badge
		}
	}
	return n, nil
}
