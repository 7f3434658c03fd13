package config

import (
	"errors"
	"fmt"
	"strings"

	"notifyd/internal/notification"
)

// Validate checks values the JSON decoder cannot. It returns every problem
// found, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, v string) {
		_, err := ParseDuration(path, v)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	r := cfg.Runner
	if r.QueueSize < 0 {
		add(errors.New("runner.queue_size must be >= 0"))
	}
	if r.RetryMax < 0 {
		add(errors.New("runner.retry_max must be >= 0"))
	}
	dur("runner.default_timeout", r.DefaultTimeout)
	dur("runner.retry_base", r.RetryBase)
	dur("runner.retry_max_delay", r.RetryMaxDelay)

	m := cfg.Manager
	if m.RatePerSec < 0 || m.MaxActive < 0 {
		add(errors.New("manager.rate_per_sec and manager.max_active must be >= 0"))
	}
	dur("manager.present_timeout", m.PresentTimeout)
	if m.Persist && (cfg.Storage == nil || strings.TrimSpace(cfg.Storage.Driver) == "" || strings.EqualFold(strings.TrimSpace(cfg.Storage.Driver), "none")) {
		add(errors.New("manager.persist requires a storage driver"))
	}

	if d := cfg.Presenters.Desktop; d.Enabled && d.MinPriority != "" && notification.ParsePriority(d.MinPriority) != notification.Priority(strings.ToLower(strings.TrimSpace(d.MinPriority))) {
		add(fmt.Errorf("presenters.desktop.min_priority: unknown priority %q", d.MinPriority))
	}
	if tg := cfg.Presenters.Telegram; tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" {
			add(errors.New("presenters.telegram.token is required when enabled"))
		}
		if tg.ChatID == 0 {
			add(errors.New("presenters.telegram.chat_id is required when enabled"))
		}
		dur("presenters.telegram.timeout", tg.Timeout)
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(errors.New("storage.path is required"))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
	}

	dur("admin.read_timeout", cfg.Admin.ReadTimeout)
	dur("admin.write_timeout", cfg.Admin.WriteTimeout)

	for i, e := range cfg.Schedules.Entries {
		if strings.TrimSpace(e.Identifier) == "" {
			add(fmt.Errorf("schedules.entries[%d].identifier is required", i))
		}
		if strings.TrimSpace(e.Schedule) == "" {
			add(fmt.Errorf("schedules.entries[%d].schedule is required", i))
		}
	}
	return errors.Join(errs...)
}
