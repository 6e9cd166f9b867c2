package app

import (
	"fmt"
	"strings"
	"time"

	"recurpay/internal/config"
	"recurpay/internal/dispatch"
	"recurpay/internal/ledger"
	"recurpay/internal/notifier"
	"recurpay/internal/observability/status"
	"recurpay/internal/runlock"
	"recurpay/internal/storage"
	"recurpay/internal/task/engine"
	"recurpay/internal/task/scheduler"
	logx "recurpay/pkg/logx"
)

const (
	DefaultExecuteAt = "0 0 * * *"
	DefaultRemindAt  = "0 8 * * *"

	defaultBatchTimeout = 10 * time.Minute
	defaultLockTTL      = 30 * time.Minute
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    l.Alerts.Enabled,
			ChatID:     l.Alerts.ChatID,
			ThreadID:   l.Alerts.ThreadID,
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}
}

// mapTaskEngineConfig keeps the engine enabled regardless of
// scheduler.enabled so one-shot runs still work with triggers turned off.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Enabled:        true,
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    te.HistorySize,
	}, nil
}

type batchConfig struct {
	executeAt string
	remindAt  string
	timeout   time.Duration
	opt       dispatch.Options
}

func mapBatchConfig(cfg *config.Config) (batchConfig, error) {
	timeout, err := config.ParseDurationOrDefault("dispatch.batch_timeout", cfg.Dispatch.BatchTimeout, defaultBatchTimeout)
	if err != nil {
		return batchConfig{}, err
	}
	b := batchConfig{
		executeAt: strings.TrimSpace(cfg.Scheduler.ExecuteAt),
		remindAt:  strings.TrimSpace(cfg.Scheduler.RemindAt),
		timeout:   timeout,
		opt:       dispatch.Options{Workers: cfg.Dispatch.Workers},
	}
	if b.executeAt == "" {
		b.executeAt = DefaultExecuteAt
	}
	if b.remindAt == "" {
		b.remindAt = DefaultRemindAt
	}
	return b, nil
}

func mapLedgerConfig(cfg *config.Config) (ledger.Config, error) {
	timeout, err := config.ParseDurationField("ledger.timeout", cfg.Ledger.Timeout)
	if err != nil {
		return ledger.Config{}, err
	}
	return ledger.Config{
		BaseURL:      cfg.Ledger.BaseURL,
		Timeout:      timeout,
		RatePerSec:   float64(cfg.Ledger.RatePerSec),
		ServiceToken: cfg.Ledger.ServiceToken,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	timeout, err := config.ParseDurationField("notifier.timeout", n.Timeout)
	if err != nil {
		return notifier.Config{}, err
	}
	base, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	window, err := config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 20*time.Hour)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:     n.Enabled,
		BaseURL:     n.BaseURL,
		Timeout:     timeout,
		RatePerSec:  n.RatePerSec,
		RetryMax:    n.RetryMax,
		RetryBase:   base,
		DedupWindow: window,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busy,
		MaxConns:    cfg.Storage.MaxConns,
	}, nil
}

type lockConfig struct {
	driver string
	redis  runlock.RedisConfig
	ttl    time.Duration
}

func mapLockConfig(cfg *config.Config) (lockConfig, error) {
	ttl, err := config.ParseDurationOrDefault("lock.ttl", cfg.Lock.TTL, defaultLockTTL)
	if err != nil {
		return lockConfig{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Lock.Driver))
	if driver == "" {
		driver = "local"
	}
	if driver != "local" && driver != "redis" {
		return lockConfig{}, fmt.Errorf("lock.driver: unknown driver %q", cfg.Lock.Driver)
	}
	return lockConfig{
		driver: driver,
		ttl:    ttl,
		redis: runlock.RedisConfig{
			Addr:     cfg.Lock.Addr,
			Password: cfg.Lock.Password,
			DB:       cfg.Lock.DB,
			Prefix:   cfg.Lock.Prefix,
		},
	}, nil
}

func mapStatusConfig(cfg *config.Config) (status.Config, error) {
	s := cfg.Status
	read, err := config.ParseDurationField("status.read_timeout", s.ReadTimeout)
	if err != nil {
		return status.Config{}, err
	}
	write, err := config.ParseDurationField("status.write_timeout", s.WriteTimeout)
	if err != nil {
		return status.Config{}, err
	}
	idle, err := config.ParseDurationField("status.idle_timeout", s.IdleTimeout)
	if err != nil {
		return status.Config{}, err
	}
	addr := strings.TrimSpace(s.Addr)
	if addr == "" {
		addr = status.DefaultAddr
	}
	return status.Config{
		Enabled:       s.Enabled,
		Addr:          addr,
		Token:         s.Token,
		AllowInsecure: s.AllowInsecure,
		Pprof:         s.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// validateRuntime rejects configs the components would fail on at apply
// time. Registered as the config manager's validator so a bad hot reload
// never reaches the running services.
func validateRuntime(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	b, err := mapBatchConfig(cfg)
	if err != nil {
		return err
	}
	if _, err := scheduler.ParseSchedule(b.executeAt); err != nil {
		return fmt.Errorf("scheduler.execute_at: %w", err)
	}
	if _, err := scheduler.ParseSchedule(b.remindAt); err != nil {
		return fmt.Errorf("scheduler.remind_at: %w", err)
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLockConfig(cfg); err != nil {
		return err
	}
	_, err = mapStatusConfig(cfg)
	return err
}
