package config

import (
	"reflect"
	"sort"
	"strings"

	logx "notifyd/pkg/logx"
)

// SummarizeChange returns (1) the changed sections, (2) structured attrs
// safe for logging (tokens are never included), and (3) the names of
// schedule entries that were added, removed or changed.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.tag_field", newCfg.Dispatch.TagField),
			logx.String("dispatch.id_field", newCfg.Dispatch.IDField),
		)
	}

	if !reflect.DeepEqual(oldCfg.Runner, newCfg.Runner) {
		changed = append(changed, "runner")
		enabled := newCfg.Runner.Enabled == nil || *newCfg.Runner.Enabled
		attrs = append(attrs,
			logx.Bool("runner.enabled", enabled),
			logx.Int("runner.queue_size", newCfg.Runner.QueueSize),
			logx.Int("runner.retry_max", newCfg.Runner.RetryMax),
		)
	}

	if oldCfg.Manager != newCfg.Manager {
		changed = append(changed, "manager")
		attrs = append(attrs,
			logx.Int("manager.rate_per_sec", newCfg.Manager.RatePerSec),
			logx.Int("manager.max_active", newCfg.Manager.MaxActive),
			logx.Bool("manager.persist", newCfg.Manager.Persist),
		)
	}

	op, np := oldCfg.Presenters, newCfg.Presenters
	tokenChanged := strings.TrimSpace(op.Telegram.Token) != strings.TrimSpace(np.Telegram.Token)
	if op.Log != np.Log || op.Desktop != np.Desktop || tokenChanged ||
		op.Telegram.Enabled != np.Telegram.Enabled ||
		op.Telegram.ChatID != np.Telegram.ChatID ||
		op.Telegram.ThreadID != np.Telegram.ThreadID ||
		op.Telegram.Timeout != np.Telegram.Timeout {
		changed = append(changed, "presenters")
		attrs = append(attrs,
			logx.Bool("presenters.log", np.Log.Enabled),
			logx.Bool("presenters.desktop", np.Desktop.Enabled),
			logx.Bool("presenters.telegram", np.Telegram.Enabled),
			logx.Bool("presenters.telegram_token_changed", tokenChanged),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		var nDriver, nPath string
		if s := newCfg.Storage; s != nil {
			nDriver, nPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.Path)
		}
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPath != ""),
		)
	}

	schedChanged := diffSchedules(oldCfg.Schedules.Entries, newCfg.Schedules.Entries)
	if len(schedChanged) > 0 || oldCfg.Schedules.Timezone != newCfg.Schedules.Timezone {
		changed = append(changed, "schedules")
		attrs = append(attrs,
			logx.String("schedules.timezone", newCfg.Schedules.Timezone),
			logx.Int("schedules.count", len(newCfg.Schedules.Entries)),
			logx.Int("schedules.changed_count", len(schedChanged)),
		)
	}

	if oldCfg.Admin != newCfg.Admin {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", newCfg.Admin.Addr),
			logx.Bool("admin.token_set", strings.TrimSpace(newCfg.Admin.Token) != ""),
			logx.Bool("admin.pprof", newCfg.Admin.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs, schedChanged
}

// RequiresRestart reports sections that cannot be applied to a running
// daemon.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "presenters", "dispatch":
			out = append(out, s)
		}
	}
	return out
}

func diffSchedules(oldE, newE []ScheduleEntry) []string {
	index := func(es []ScheduleEntry) map[string]ScheduleEntry {
		m := make(map[string]ScheduleEntry, len(es))
		for _, e := range es {
			m[e.Name] = e
		}
		return m
	}
	om, nm := index(oldE), index(newE)
	set := map[string]struct{}{}
	for k := range om {
		set[k] = struct{}{}
	}
	for k := range nm {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		o, ok1 := om[name]
		n, ok2 := nm[name]
		if ok1 != ok2 || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
