package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override file values. The two service URLs keep
// the names used by the surrounding expense/notification deployment.
const (
	EnvExpenseServiceURL      = "EXPENSE_SERVICE_URL"
	EnvNotificationServiceURL = "NOTIFICATION_SERVICE_URL"
	EnvStorageDSN             = "RECURPAY_STORAGE_DSN"
	EnvLedgerToken            = "RECURPAY_LEDGER_TOKEN"
	EnvRedisAddr              = "RECURPAY_REDIS_ADDR"
	EnvTelegramToken          = "RECURPAY_TELEGRAM_TOKEN"
	EnvStatusToken            = "RECURPAY_STATUS_TOKEN"
	EnvAlertChatID            = "RECURPAY_ALERT_CHAT_ID"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Variables that are already set win. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv overlays environment overrides onto cfg. lookup defaults to os.LookupEnv.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil {
		return
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvExpenseServiceURL); ok {
		cfg.Ledger.BaseURL = v
	}
	if v, ok := get(EnvNotificationServiceURL); ok {
		cfg.Notifier.BaseURL = v
		cfg.Notifier.Enabled = true
	}
	if v, ok := get(EnvStorageDSN); ok {
		cfg.Storage.DSN = v
		if cfg.Storage.Driver == "" {
			cfg.Storage.Driver = "postgres"
		}
	}
	if v, ok := get(EnvLedgerToken); ok {
		cfg.Ledger.ServiceToken = v
	}
	if v, ok := get(EnvRedisAddr); ok {
		cfg.Lock.Addr = v
		cfg.Lock.Driver = "redis"
	}
	if v, ok := get(EnvTelegramToken); ok {
		cfg.Telegram.Token = v
	}
	if v, ok := get(EnvStatusToken); ok {
		cfg.Status.Token = v
	}
	if v, ok := get(EnvAlertChatID); ok {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Logging.Alerts.ChatID = id
		}
	}
}
