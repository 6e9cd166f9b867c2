package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(jsonTagName)
	})
	return validate
}

// Validate checks field constraints and every duration string in cfg.
// It does not check schedule specs; the scheduler owns that grammar.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if err := structValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	durations := []struct{ path, raw string }{
		{"task_engine.default_timeout", c.TaskEngine.DefaultTimeout},
		{"task_engine.max_queue_delay", c.TaskEngine.MaxQueueDelay},
		{"dispatch.batch_timeout", c.Dispatch.BatchTimeout},
		{"ledger.timeout", c.Ledger.Timeout},
		{"notifier.timeout", c.Notifier.Timeout},
		{"notifier.retry_base", c.Notifier.RetryBase},
		{"notifier.dedup_window", c.Notifier.DedupWindow},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"lock.ttl", c.Lock.TTL},
		{"status.read_timeout", c.Status.ReadTimeout},
		{"status.write_timeout", c.Status.WriteTimeout},
		{"status.idle_timeout", c.Status.IdleTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	if c.Logging.Alerts.Enabled && strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("logging.alerts.enabled requires telegram.token")
	}
	return nil
}

func jsonTagName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return f.Name
	}
	return name
}
