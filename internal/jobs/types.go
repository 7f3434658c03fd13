// Package jobs is the background work runner behind dispatch.
//
// Work is grouped into queues by job id. Each queue is FIFO and runs one job
// at a time on its own supervised worker. Callers that reuse a job id share a
// queue instead of spawning new ones.
//
// A job that returns an error or panics is a fault. Faults are logged,
// published on the event bus and retried per Config; errors wrapped with
// NoRetry are not retried.
package jobs

import (
	"time"

	"notifyd/internal/intent"
	"notifyd/internal/registry"
)

// Config controls the runner.
type Config struct {
	Enabled bool

	// QueueSize bounds each per-job-id queue.
	QueueSize int

	// DefaultTimeout bounds a single attempt; 0 disables it.
	DefaultTimeout time.Duration

	// RetryMax is the number of extra attempts after a fault.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

type job struct {
	id         uint32
	component  registry.Component
	in         *intent.Intent
	enqueuedAt time.Time
}

type HistoryItem struct {
	JobID      uint32
	IntentID   string
	Component  string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// JobEvent is emitted on the event bus for job lifecycle events.
type JobEvent struct {
	JobID      uint32        `json:"job_id"`
	IntentID   string        `json:"intent_id"`
	Component  string        `json:"component"`
	Action     string        `json:"action"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

type QueueSnapshot struct {
	JobID uint32
	Len   int
	Cap   int
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled   bool
	Running   bool
	Queues    []QueueSnapshot
	Processed uint64
	Faults    uint64
	Dropped   uint64
	History   []HistoryItem
}
