// Package desktop shows notifications through the host desktop notification
// service (libnotify/D-Bus, macOS Notification Center, Windows toasts).
package desktop

import (
	"context"
	"strings"

	"github.com/gen2brain/beeep"

	"notifyd/internal/manager"
	"notifyd/internal/notification"
	logx "notifyd/pkg/logx"
)

type Config struct {
	AppName string
	Icon    string
	// MinPriority drops anything below it ("" shows everything).
	MinPriority string
}

// Presenter cannot retract a shown toast, so Dismiss only logs.
type Presenter struct {
	cfg Config
	log logx.Logger

	notify func(title, body, icon string) error
	alert  func(title, body, icon string) error
}

func New(cfg Config, log logx.Logger) *Presenter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.AppName) != "" {
		beeep.AppName = cfg.AppName
	}
	return &Presenter{
		cfg:    cfg,
		log:    log,
		notify: func(t, b, i string) error { return beeep.Notify(t, b, i) },
		alert:  func(t, b, i string) error { return beeep.Alert(t, b, i) },
	}
}

func (p *Presenter) Name() string { return "desktop" }

func (p *Presenter) Present(ctx context.Context, posted manager.Posted, replaced bool) error {
	n := posted.Notification
	if n.Silent {
		p.log.Debug("silent notification not shown", logx.String("tag", posted.Key.Tag), logx.Int("id", posted.Key.ID))
		return nil
	}
	if floor := strings.TrimSpace(p.cfg.MinPriority); floor != "" && rank(n.Priority) < rank(notification.ParsePriority(floor)) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	title := n.Title
	if n.Subtitle != "" {
		if title != "" {
			title += " - "
		}
		title += n.Subtitle
	}
	if title == "" {
		title = posted.Key.Tag
	}

	show := p.notify
	if n.Sound != "" {
		show = p.alert
	}
	if err := show(title, n.Body, p.cfg.Icon); err != nil {
		return err
	}
	p.log.Debug("desktop notification shown", logx.String("tag", posted.Key.Tag), logx.Bool("replaced", replaced))
	return nil
}

func (p *Presenter) Dismiss(_ context.Context, key manager.Key) error {
	p.log.Debug("desktop notifications cannot be retracted", logx.String("tag", key.Tag), logx.Int("id", key.ID))
	return nil
}

func rank(pr notification.Priority) int {
	switch pr {
	case notification.PriorityMin:
		return 0
	case notification.PriorityLow:
		return 1
	case notification.PriorityHigh:
		return 3
	case notification.PriorityMax:
		return 4
	default:
		return 2
	}
}
