package config

// Config is the root of the recurpay configuration file (YAML or JSON).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Telegram   TelegramConfig   `json:"telegram,omitempty"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	TaskEngine TaskEngineConfig `json:"task_engine,omitempty"`
	Dispatch   DispatchConfig   `json:"dispatch,omitempty"`
	Ledger     LedgerConfig     `json:"ledger"`
	Notifier   NotifierConfig   `json:"notifier"`
	Storage    StorageConfig    `json:"storage"`
	Lock       LockConfig       `json:"lock,omitempty"`
	Status     StatusConfig     `json:"status,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// LoggingAlerts forwards warnings and errors to an operator Telegram chat.
// Requires telegram.token.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id" validate:"required_if=Enabled true"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty" validate:"omitempty,oneof=trace debug info warn error TRACE DEBUG INFO WARN ERROR"`
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
}

type TelegramConfig struct {
	Token string `json:"token,omitempty"`
}

// SchedulerConfig controls the two batch triggers.
//
// Specs accept cron expressions (5 or 6 fields), descriptors ("@daily"),
// Go durations ("30m") or "HH:MM".
//
// Defaults:
//   - execute_at: "0 0 * * *"
//   - remind_at:  "0 8 * * *"
//   - timezone:   process local time
type SchedulerConfig struct {
	Enabled   bool   `json:"enabled"`
	Timezone  string `json:"timezone,omitempty"`
	ExecuteAt string `json:"execute_at,omitempty"`
	RemindAt  string `json:"remind_at,omitempty"`
}

// TaskEngineConfig controls the task execution engine that runs batch passes.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 16
//   - default_timeout: "0s" (disabled; the dispatch batch_timeout applies)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 100
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty" validate:"gte=0"`
	QueueSize      int    `json:"queue_size,omitempty" validate:"gte=0"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty" validate:"gte=0"`
}

// DispatchConfig bounds a single batch pass.
//
// Defaults:
//   - workers: 4 (records processed concurrently)
//   - batch_timeout: "10m"
type DispatchConfig struct {
	Workers      int    `json:"workers,omitempty" validate:"gte=0,lte=256"`
	BatchTimeout string `json:"batch_timeout,omitempty"`
}

// LedgerConfig points at the expense service that records auto-posted payments.
//
// When service_token is empty the owner id is sent as the bearer token.
type LedgerConfig struct {
	BaseURL      string `json:"base_url" validate:"required,url"`
	Timeout      string `json:"timeout,omitempty"`
	RatePerSec   int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
	ServiceToken string `json:"service_token,omitempty"`
}

// NotifierConfig points at the notification service used for reminders.
//
// Defaults:
//   - retry_max: 2
//   - retry_base: "500ms"
//   - dedup_window: "20h" (a reminder is sent at most once per window)
type NotifierConfig struct {
	Enabled     bool   `json:"enabled"`
	BaseURL     string `json:"base_url,omitempty" validate:"required_if=Enabled true,omitempty,url"`
	Timeout     string `json:"timeout,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
	RetryMax    int    `json:"retry_max,omitempty" validate:"gte=0,lte=10"`
	RetryBase   string `json:"retry_base,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`
}

// StorageConfig selects the payment store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./recurpay.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=memory sqlite postgres"`
	Path        string `json:"path,omitempty" validate:"required_if=Driver sqlite"`
	DSN         string `json:"dsn,omitempty" validate:"required_if=Driver postgres"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxConns    int32  `json:"max_conns,omitempty" validate:"gte=0"`
}

// LockConfig selects the batch run-lock.
//
// "local" only guards a single process; "redis" guards every process
// sharing the same redis and prefix.
type LockConfig struct {
	Driver   string `json:"driver,omitempty" validate:"omitempty,oneof=local redis"`
	Addr     string `json:"addr,omitempty" validate:"required_if=Driver redis"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty" validate:"gte=0"`
	TTL      string `json:"ttl,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// StatusConfig controls the operational HTTP server (/status, /healthz, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6061").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}
