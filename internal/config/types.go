package config

import (
	"encoding/json"

	"notifyd/internal/notification"
)

// Config is the notifyd configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Runner     RunnerConfig     `json:"runner"`
	Manager    ManagerConfig    `json:"manager"`
	Presenters PresentersConfig `json:"presenters"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
	Schedules  SchedulesConfig  `json:"schedules"`
	Admin      AdminConfig      `json:"admin"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DispatchConfig controls how present commands map to displayed notifications.
//
// TagField and IDField are gjson paths into the request; when empty the tag
// is the identifier and the id is 0.
type DispatchConfig struct {
	Identity string `json:"identity,omitempty"`
	TagField string `json:"tag_field,omitempty"`
	IDField  string `json:"id_field,omitempty"`
}

// RunnerConfig controls the background job runner.
//
// Enabled is a pointer so an omitted value defaults to true.
//
// Defaults (when fields are omitted/zero):
//   - queue_size: 128
//   - default_timeout: "0s" (disabled)
//   - retry_max: 0
//   - retry_base: "500ms"
//   - retry_max_delay: "15s"
//   - history_size: 200
type RunnerConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

type ManagerConfig struct {
	RatePerSec     int    `json:"rate_per_sec,omitempty"`
	MaxActive      int    `json:"max_active,omitempty"`
	PresentTimeout string `json:"present_timeout,omitempty"`
	// Persist mirrors the displayed set into storage (requires storage).
	Persist bool `json:"persist,omitempty"`
}

// PresentersConfig selects where notifications are shown. When nothing is
// enabled, the log presenter is used.
type PresentersConfig struct {
	Log      LogPresenterConfig      `json:"log"`
	Desktop  DesktopPresenterConfig  `json:"desktop"`
	Telegram TelegramPresenterConfig `json:"telegram"`
}

type LogPresenterConfig struct {
	Enabled bool `json:"enabled"`
}

type DesktopPresenterConfig struct {
	Enabled     bool   `json:"enabled"`
	AppName     string `json:"app_name,omitempty"`
	Icon        string `json:"icon,omitempty"`
	MinPriority string `json:"min_priority,omitempty"`
}

type TelegramPresenterConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"` // do not log
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./notifyd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

type SchedulesConfig struct {
	Timezone string          `json:"timezone,omitempty"`
	Entries  []ScheduleEntry `json:"entries,omitempty"`
}

// ScheduleEntry presents Request under Identifier on Schedule
// (cron expression, "55m", or "HH:MM").
type ScheduleEntry struct {
	Name       string                 `json:"name"`
	Schedule   string                 `json:"schedule"`
	Identifier string                 `json:"identifier"`
	Request    json.RawMessage        `json:"request,omitempty"`
	Behavior   *notification.Behavior `json:"behavior,omitempty"`
}

// AdminConfig controls the local HTTP admin API.
//
// Binding to a non-loopback address requires token (or allow_insecure).
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:7070
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}
