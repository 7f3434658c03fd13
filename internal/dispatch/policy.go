package dispatch

import (
	"strings"

	"github.com/tidwall/gjson"

	"notifyd/internal/notification"
)

// TagPolicy computes the display tag for a notification.
type TagPolicy func(identifier string, req notification.Request) string

// IDPolicy computes the display id for a notification.
type IDPolicy func(identifier string, req notification.Request) int

// DefaultTag uses the identifier as the tag.
func DefaultTag(identifier string, _ notification.Request) string { return identifier }

// DefaultID always returns 0.
func DefaultID(string, notification.Request) int { return 0 }

// TagFromField reads the tag from a request field (gjson path), falling back
// to the identifier when the field is missing or empty.
func TagFromField(path string) TagPolicy {
	return func(identifier string, req notification.Request) string {
		if v := req.Get(path); v.Exists() {
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
		return identifier
	}
}

// IDFromField reads a numeric id from a request field, falling back to 0.
func IDFromField(path string) IDPolicy {
	return func(_ string, req notification.Request) int {
		if v := req.Get(path); v.Type == gjson.Number {
			return int(v.Int())
		}
		return 0
	}
}
