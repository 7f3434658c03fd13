// Package presenter holds the rendering sinks the manager fans out to.
// Subpackages carry presenters that need an external dependency.
package presenter

import (
	"context"

	"notifyd/internal/manager"
	logx "notifyd/pkg/logx"
)

// Log writes every presentation to a logger. It is the fallback presenter
// when nothing else is configured and is handy for headless hosts.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{log: log}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Present(_ context.Context, p manager.Posted, replaced bool) error {
	n := p.Notification
	l.log.Info("notification",
		logx.String("tag", p.Key.Tag),
		logx.Int("id", p.Key.ID),
		logx.Int("revision", p.Revision),
		logx.Bool("replaced", replaced),
		logx.String("title", n.Title),
		logx.String("body", n.Body),
		logx.String("priority", string(n.Priority)),
		logx.Bool("silent", n.Silent),
	)
	return nil
}

func (l *Log) Dismiss(_ context.Context, key manager.Key) error {
	l.log.Info("notification dismissed", logx.String("tag", key.Tag), logx.Int("id", key.ID))
	return nil
}
