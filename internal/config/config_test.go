package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: info
  console: true
scheduler:
  enabled: true
  timezone: Asia/Jakarta
  execute_at: "0 0 * * *"
  remind_at: "0 8 * * *"
dispatch:
  workers: 8
  batch_timeout: 5m
ledger:
  base_url: http://expense.local
  timeout: 10s
notifier:
  enabled: true
  base_url: http://notify.local
storage:
  driver: sqlite
  path: ./recurpay.db
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func noEnv(string) (string, bool) { return "", false }

func TestParseYAML(t *testing.T) {
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	m.SetEnvLookup(noEnv)

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Jakarta", cfg.Scheduler.Timezone)
	assert.Equal(t, 8, cfg.Dispatch.Workers)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Same(t, cfg, m.Get())
}

func TestParseJSONRejectsUnknownFields(t *testing.T) {
	m := NewManager(writeFile(t, "config.json", `{"ledger":{"base_url":"http://x"},"bogus":1}`))
	m.SetEnvLookup(noEnv)

	_, err := m.Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestParseRejectsTrailingData(t *testing.T) {
	m := NewManager(writeFile(t, "config.json", `{"ledger":{"base_url":"http://x"}}{}`))
	m.SetEnvLookup(noEnv)

	_, err := m.Parse()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{Ledger: LedgerConfig{BaseURL: "http://expense.local"}}
	}
	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"minimal", func(*Config) {}, true},
		{"missing ledger url", func(c *Config) { c.Ledger.BaseURL = "" }, false},
		{"bad ledger url", func(c *Config) { c.Ledger.BaseURL = "not a url" }, false},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, false},
		{"sqlite needs path", func(c *Config) { c.Storage.Driver = "sqlite" }, false},
		{"postgres needs dsn", func(c *Config) { c.Storage.Driver = "postgres" }, false},
		{"redis needs addr", func(c *Config) { c.Lock.Driver = "redis" }, false},
		{"notifier needs url", func(c *Config) { c.Notifier.Enabled = true }, false},
		{"bad duration", func(c *Config) { c.Dispatch.BatchTimeout = "soon" }, false},
		{"negative duration", func(c *Config) { c.Ledger.Timeout = "-1s" }, false},
		{"alerts need token", func(c *Config) {
			c.Logging.Alerts.Enabled = true
			c.Logging.Alerts.ChatID = 42
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvExpenseServiceURL:      "http://expense.svc",
		EnvNotificationServiceURL: "http://notify.svc",
		EnvStorageDSN:             "postgres://u:p@db/recurpay",
		EnvRedisAddr:              "redis:6379",
		EnvAlertChatID:            "-1001",
	}
	cfg := &Config{}
	ApplyEnv(cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, "http://expense.svc", cfg.Ledger.BaseURL)
	assert.True(t, cfg.Notifier.Enabled)
	assert.Equal(t, "http://notify.svc", cfg.Notifier.BaseURL)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "redis", cfg.Lock.Driver)
	assert.Equal(t, "redis:6379", cfg.Lock.Addr)
	assert.Equal(t, int64(-1001), cfg.Logging.Alerts.ChatID)
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	p := writeFile(t, ".env", "RECURPAY_TEST_A=from-file\nRECURPAY_TEST_B=from-file\n")
	t.Setenv("RECURPAY_TEST_A", "from-env")
	t.Setenv("RECURPAY_TEST_B", "")
	os.Unsetenv("RECURPAY_TEST_B")

	require.NoError(t, LoadDotEnv(p, filepath.Join(t.TempDir(), "missing.env")))
	assert.Equal(t, "from-env", os.Getenv("RECURPAY_TEST_A"))
	assert.Equal(t, "from-file", os.Getenv("RECURPAY_TEST_B"))
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)

	d, err = ParseDurationOrDefault("x", "1m", 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	_, err = ParseDurationOrDefault("x", "abc", 0)
	require.Error(t, err)
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	p := writeFile(t, "config.yaml", sampleYAML)
	m := NewManager(p)
	m.SetEnvLookup(noEnv)
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	assert.False(t, m.reload(context.Background()), "unchanged content must not publish")

	require.NoError(t, os.WriteFile(p, []byte(sampleYAML+"task_engine:\n  workers: 3\n"), 0o600))
	require.True(t, m.reload(context.Background()))

	select {
	case cfg := <-ch:
		assert.Equal(t, 3, cfg.TaskEngine.Workers)
	default:
		t.Fatal("expected a published config")
	}
}

func TestReloadRejectedByValidator(t *testing.T) {
	p := writeFile(t, "config.yaml", sampleYAML)
	m := NewManager(p)
	m.SetEnvLookup(noEnv)
	_, err := m.Load()
	require.NoError(t, err)
	before := m.Get()

	m.SetValidator(func(context.Context, *Config) error { return assert.AnError })
	require.NoError(t, os.WriteFile(p, []byte(sampleYAML+"task_engine:\n  workers: 3\n"), 0o600))

	assert.False(t, m.reload(context.Background()))
	assert.Same(t, before, m.Get())
}

func TestSummarizeChange(t *testing.T) {
	a := &Config{Ledger: LedgerConfig{BaseURL: "http://a"}}
	b := &Config{Ledger: LedgerConfig{BaseURL: "http://b"}, Dispatch: DispatchConfig{Workers: 2}}

	changed, _ := SummarizeChange(a, b)
	assert.ElementsMatch(t, []string{"dispatch", "restart_required"}, changed)

	changed, _ = SummarizeChange(a, a)
	assert.Empty(t, changed)
}
