package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines files next to Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the manager and the dispatcher.
type Store interface {
	PutActive(ctx context.Context, r ActiveRecord) error
	DeleteActive(ctx context.Context, tag string, id int) error
	ClearActive(ctx context.Context) error
	ListActive(ctx context.Context) ([]ActiveRecord, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error)

	Close() error
}

// ActiveRecord is one displayed notification. Payload is the encoded
// notification and is opaque to storage.
type ActiveRecord struct {
	Tag       string          `json:"tag"`
	ID        int             `json:"id"`
	Revision  int             `json:"revision"`
	Payload   json.RawMessage `json:"payload"`
	PostedAt  time.Time       `json:"posted_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AuditEntry records the outcome of one dispatched command.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At               time.Time `json:"at"`
	IntentID         string    `json:"intent_id"`
	Identifier       string    `json:"identifier"`
	Action           string    `json:"action"`
	Component        string    `json:"component,omitempty"`
	Code             int       `json:"code"`
	ExceptionType    string    `json:"exception_type,omitempty"`
	ExceptionMessage string    `json:"exception_message,omitempty"`
	TookMS           int64     `json:"took_ms"`
}

type activeKey struct {
	tag string
	id  int
}
