package logx

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recurpay/internal/transport"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
	to   []transport.ChatTarget
}

func (r *recordingSender) SendText(_ context.Context, to transport.ChatTarget, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, text)
	r.to = append(r.to, to)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestFormatAlert(t *testing.T) {
	line := []byte(`{"level":"error","time":"x","message":"payment post failed","payment_id":"p1","err":"boom"}` + "\n")
	got := formatAlert(line)
	assert.Equal(t, "[ERROR] payment post failed\n- err=boom\n- payment_id=p1", got)

	assert.Equal(t, "not json", formatAlert([]byte("  not json \n")))
}

func TestAlertSinkForwardsWarnings(t *testing.T) {
	sender := &recordingSender{}
	svc, log := New(Config{
		Level:  "debug",
		Alerts: AlertConfig{Enabled: true, ChatID: 42, ThreadID: 7, MinLevel: "warn", RatePerSec: 10},
	}, sender)
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("routine")
	log.Warn("ledger unreachable", String("payment_id", "p1"))

	require.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Contains(t, sender.msgs[0], "[WARN] ledger unreachable")
	assert.Equal(t, transport.ChatTarget{ChatID: 42, ThreadID: 7}, sender.to[0])
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "dispatch"))
	log.Debug("batch started", Int("candidates", 3), Date("today", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)))

	out := buf.String()
	assert.Contains(t, out, `"comp":"dispatch"`)
	assert.Contains(t, out, `"candidates":3`)
	assert.Contains(t, out, `"today":"2025-03-01"`)
	assert.True(t, log.Enabled(LevelDebug))
	assert.True(t, Logger{}.IsZero())
}
