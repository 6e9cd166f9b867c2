package config

import (
	"reflect"
	"strings"

	logx "recurpay/pkg/logx"
)

// SummarizeChange returns the names of sections that differ between two
// configs and safe log fields describing the new values. Secrets are never
// included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.alerts", newCfg.Logging.Alerts.Enabled),
		)
	}
	if oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs, logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""))
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.execute_at", newCfg.Scheduler.ExecuteAt),
			logx.String("scheduler.remind_at", newCfg.Scheduler.RemindAt),
		)
	}
	if oldCfg.TaskEngine != newCfg.TaskEngine {
		changed = append(changed, "task_engine")
	}
	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.String("dispatch.batch_timeout", newCfg.Dispatch.BatchTimeout),
		)
	}

	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newCfg.Notifier.Enabled),
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
		)
	}

	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", newCfg.Status.Addr),
			logx.Bool("status.pprof", newCfg.Status.Pprof),
		)
	}

	// Ledger, storage and lock are read once at startup; a
	// change is reported so operators know a restart is needed.
	if startupSections(oldCfg) != startupSections(newCfg) {
		changed = append(changed, "restart_required")
	}
	return changed, attrs
}

type restartSections struct {
	Ledger  LedgerConfig
	Storage StorageConfig
	Lock    LockConfig
}

func startupSections(c *Config) restartSections {
	return restartSections{
		Ledger:  c.Ledger,
		Storage: c.Storage,
		Lock:    c.Lock,
	}
}
