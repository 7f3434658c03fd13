package app

import (
	"fmt"
	"strings"
	"time"

	"notifyd/internal/admin"
	"notifyd/internal/config"
	"notifyd/internal/dispatch"
	"notifyd/internal/jobs"
	"notifyd/internal/manager"
	"notifyd/internal/presenter"
	"notifyd/internal/presenter/desktop"
	"notifyd/internal/presenter/telegram"
	"notifyd/internal/schedule"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	ac := cfg.Admin
	read, err := config.ParseDuration("admin.read_timeout", ac.ReadTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	write, err := config.ParseDuration("admin.write_timeout", ac.WriteTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	if read == 0 {
		read = 10 * time.Second
	}
	if write == 0 {
		// Present calls wait for the outcome.
		write = 30 * time.Second
	}
	return admin.Config{
		Enabled:       ac.Enabled,
		Addr:          ac.Addr,
		Token:         ac.Token,
		AllowInsecure: ac.AllowInsecure,
		Pprof:         ac.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
	}, nil
}

func mapRunnerConfig(cfg *config.Config) (jobs.Config, error) {
	rc := cfg.Runner
	enabled := rc.Enabled == nil || *rc.Enabled

	timeout, err := config.ParseDuration("runner.default_timeout", rc.DefaultTimeout)
	if err != nil {
		return jobs.Config{}, err
	}
	base, err := config.ParseDuration("runner.retry_base", rc.RetryBase)
	if err != nil {
		return jobs.Config{}, err
	}
	maxDelay, err := config.ParseDuration("runner.retry_max_delay", rc.RetryMaxDelay)
	if err != nil {
		return jobs.Config{}, err
	}
	return jobs.Config{
		Enabled:        enabled,
		QueueSize:      rc.QueueSize,
		DefaultTimeout: timeout,
		RetryMax:       rc.RetryMax,
		RetryBase:      base,
		RetryMaxDelay:  maxDelay,
		HistorySize:    rc.HistorySize,
	}, nil
}

func mapManagerConfig(cfg *config.Config) (manager.Config, error) {
	timeout, err := config.ParseDuration("manager.present_timeout", cfg.Manager.PresentTimeout)
	if err != nil {
		return manager.Config{}, err
	}
	return manager.Config{
		RatePerSec:     cfg.Manager.RatePerSec,
		MaxActive:      cfg.Manager.MaxActive,
		PresentTimeout: timeout,
		Persist:        cfg.Manager.Persist,
	}, nil
}

// mapStorageConfig reports enabled=false when storage is omitted or "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file", "sqlite", "sqlite3":
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	busy, err := config.ParseDuration("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
}

func mapScheduleConfig(cfg *config.Config) schedule.Config {
	out := schedule.Config{Timezone: cfg.Schedules.Timezone}
	for _, e := range cfg.Schedules.Entries {
		out.Entries = append(out.Entries, schedule.Entry{
			Name:       e.Name,
			Schedule:   e.Schedule,
			Identifier: e.Identifier,
			Request:    e.Request,
			Behavior:   e.Behavior,
		})
	}
	return out
}

func mapServiceOptions(cfg *config.Config) []dispatch.Option {
	var opts []dispatch.Option
	if p := strings.TrimSpace(cfg.Dispatch.TagField); p != "" {
		opts = append(opts, dispatch.WithTagPolicy(dispatch.TagFromField(p)))
	}
	if p := strings.TrimSpace(cfg.Dispatch.IDField); p != "" {
		opts = append(opts, dispatch.WithIDPolicy(dispatch.IDFromField(p)))
	}
	return opts
}

// buildPresenters falls back to the log presenter when nothing is enabled.
func buildPresenters(cfg *config.Config, log logx.Logger) ([]manager.Presenter, error) {
	pc := cfg.Presenters
	var out []manager.Presenter
	if pc.Desktop.Enabled {
		out = append(out, desktop.New(desktop.Config{
			AppName:     pc.Desktop.AppName,
			Icon:        pc.Desktop.Icon,
			MinPriority: pc.Desktop.MinPriority,
		}, log.With(logx.String("comp", "presenter.desktop"))))
	}
	if pc.Telegram.Enabled {
		timeout, err := config.ParseDuration("presenters.telegram.timeout", pc.Telegram.Timeout)
		if err != nil {
			return nil, err
		}
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		tg, err := telegram.New(telegram.Config{
			Token:    pc.Telegram.Token,
			ChatID:   pc.Telegram.ChatID,
			ThreadID: pc.Telegram.ThreadID,
			Timeout:  timeout,
		}, log.With(logx.String("comp", "presenter.telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram presenter: %w", err)
		}
		out = append(out, tg)
	}
	if pc.Log.Enabled || len(out) == 0 {
		out = append(out, presenter.NewLog(log.With(logx.String("comp", "presenter.log"))))
	}
	return out, nil
}
