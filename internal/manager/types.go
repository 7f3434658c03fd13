package manager

import (
	"context"
	"time"

	"notifyd/internal/notification"
)

// Config controls the notification manager.
type Config struct {
	// RatePerSec limits presenter calls (token bucket, burst = rate).
	RatePerSec int
	// MaxActive caps the active set; the oldest posted entry is evicted.
	MaxActive int
	// PresentTimeout bounds a single presenter call.
	PresentTimeout time.Duration
	// Persist mirrors the active set into storage.
	Persist bool
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if c.MaxActive <= 0 {
		c.MaxActive = 500
	}
	if c.PresentTimeout <= 0 {
		c.PresentTimeout = 10 * time.Second
	}
	return c
}

// Key identifies a displayed notification. Posting under an existing key
// replaces what is displayed.
type Key struct {
	Tag string `json:"tag"`
	ID  int    `json:"id"`
}

// Posted is a notification currently in the active set.
type Posted struct {
	Key          Key                       `json:"key"`
	Notification notification.Notification `json:"notification"`
	PostedAt     time.Time                 `json:"posted_at"`
	UpdatedAt    time.Time                 `json:"updated_at"`
	Revision     int                       `json:"revision"`
}

// Presenter renders notifications somewhere a user can see them.
// Present is called with replaced=true when the key was already displayed.
type Presenter interface {
	Name() string
	Present(ctx context.Context, p Posted, replaced bool) error
	Dismiss(ctx context.Context, key Key) error
}

// NotificationEvent is emitted on the event bus for manager lifecycle events.
type NotificationEvent struct {
	Tag      string    `json:"tag"`
	ID       int       `json:"id"`
	Revision int       `json:"revision"`
	Title    string    `json:"title,omitempty"`
	At       time.Time `json:"at"`
}
