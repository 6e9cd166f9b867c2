package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recurpay/internal/config"
	"recurpay/internal/dispatch"
	"recurpay/internal/notifier"
	"recurpay/internal/payment"
)

func noEnv(string) (string, bool) { return "", false }

type recorder struct {
	mu     sync.Mutex
	keys   []string
	bodies []map[string]any
	status int
	called int
}

func (r *recorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		r.mu.Lock()
		r.called++
		r.keys = append(r.keys, req.Header.Get("Idempotency-Key"))
		r.bodies = append(r.bodies, body)
		code := r.status
		r.mu.Unlock()
		if code == 0 {
			code = http.StatusCreated
		}
		w.WriteHeader(code)
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.called
}

type harness struct {
	app    *App
	ledger *recorder
	notify *recorder
}

func newHarness(t *testing.T, extra string) *harness {
	t.Helper()
	h := &harness{ledger: &recorder{}, notify: &recorder{}}
	ls := httptest.NewServer(h.ledger.handler(t))
	t.Cleanup(ls.Close)
	ns := httptest.NewServer(h.notify.handler(t))
	t.Cleanup(ns.Close)

	yaml := `
logging:
  level: error
scheduler:
  enabled: false
  timezone: UTC
ledger:
  base_url: ` + ls.URL + `
notifier:
  enabled: true
  base_url: ` + ns.URL + `
  retry_max: 0
storage:
  driver: memory
` + extra
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	a, err := New(context.Background(), path, WithEnvLookup(noEnv))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	h.app = a
	return h
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (h *harness) seed(t *testing.T, next time.Time, remindDays int) payment.RecurringPayment {
	t.Helper()
	p := payment.New("owner-1", "Rent", decimal.RequireFromString("1250.50"), "cat-housing", payment.Monthly, next)
	p.DayOfMonth = 15
	p.RemindBeforeDays = remindDays
	require.NoError(t, h.app.Store().Create(context.Background(), &p))
	return p
}

func TestRunOnceExecutePostsAndAdvances(t *testing.T) {
	h := newHarness(t, "")
	p := h.seed(t, date(2025, 3, 15), 1)
	ctx := context.Background()

	rep, err := h.app.RunOnce(ctx, dispatch.KindExecute, date(2025, 3, 15))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Candidates)
	assert.Equal(t, 1, rep.Posted)
	require.Equal(t, 1, h.ledger.count())
	assert.Equal(t, dispatch.IdempotencyKey(p.ID, date(2025, 3, 15)), h.ledger.keys[0])
	assert.Equal(t, "2025-03-15", h.ledger.bodies[0]["date"])
	assert.True(t, strings.HasPrefix(h.ledger.bodies[0]["note"].(string), dispatch.NotePrefix))

	got, err := h.app.Store().Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "2025-04-15", got.NextPaymentDate.Format(time.DateOnly))
	require.NotNil(t, got.LastPaymentDate)
	assert.Equal(t, "2025-03-15", got.LastPaymentDate.Format(time.DateOnly))

	// A second pass on the same day finds nothing to do.
	rep, err = h.app.RunOnce(ctx, dispatch.KindExecute, date(2025, 3, 15))
	require.NoError(t, err)
	assert.Zero(t, rep.Candidates)
	assert.Equal(t, 1, h.ledger.count())

	m := h.app.Metrics()
	assert.EqualValues(t, 1, m.Posted)
	assert.EqualValues(t, 2, m.Passes)
}

func TestRunOnceExecuteLedgerFailureKeepsRecord(t *testing.T) {
	h := newHarness(t, "")
	h.ledger.status = http.StatusBadGateway
	p := h.seed(t, date(2025, 3, 15), 1)

	rep, err := h.app.RunOnce(context.Background(), dispatch.KindExecute, date(2025, 3, 15))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Zero(t, rep.Posted)

	got, err := h.app.Store().Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-15", got.NextPaymentDate.Format(time.DateOnly))
	assert.Nil(t, got.LastPaymentDate)
}

func TestRunOnceRemind(t *testing.T) {
	h := newHarness(t, "")
	h.seed(t, date(2025, 3, 18), 3)
	h.seed(t, date(2025, 3, 20), 3)

	rep, err := h.app.RunOnce(context.Background(), dispatch.KindRemind, date(2025, 3, 15))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Posted)
	require.Equal(t, 1, h.notify.count())
	assert.Equal(t, "payment", h.notify.bodies[0]["type"])
	assert.Contains(t, h.notify.bodies[0]["title"], "Rent")
	assert.Zero(t, h.ledger.count())
}

func TestRunOnceRemindNotifierDisabled(t *testing.T) {
	h := newHarness(t, "")
	h.app.notif.Apply(mustNotifier(t, &config.Config{}))
	h.seed(t, date(2025, 3, 18), 3)

	rep, err := h.app.RunOnce(context.Background(), dispatch.KindRemind, date(2025, 3, 15))
	require.NoError(t, err)
	assert.Zero(t, rep.Posted)
	assert.Zero(t, h.notify.count())
}

func TestRunOnceUnknownKind(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.app.RunOnce(context.Background(), dispatch.Kind("refund"), time.Time{})
	require.Error(t, err)
}

func TestNewRejectsBadSchedule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ledger:
  base_url: http://expense.local
scheduler:
  enabled: true
  execute_at: "whenever"
`), 0o600))

	_, err := New(context.Background(), path, WithEnvLookup(noEnv))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler.execute_at")
}

func TestStartRegistersSchedules(t *testing.T) {
	h := newHarness(t, "")
	a := h.app
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	names := map[string]bool{}
	for _, s := range a.Status().Scheduler.Schedules {
		names[s.Name] = true
	}
	assert.True(t, names[TaskExecute])
	assert.True(t, names[TaskRemind])
	assert.Equal(t, "recurpay", a.Status().Service)

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(stopCtx, StopSignal))
	select {
	case <-a.Done():
	default:
		t.Fatal("run context not cancelled after Stop")
	}
}

func TestApplyConfigUpdatesBatch(t *testing.T) {
	h := newHarness(t, "")
	a := h.app
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopSignal) })

	oldCfg := a.cfgm.Get()
	newCfg := *oldCfg
	newCfg.Scheduler.ExecuteAt = "01:30"
	newCfg.Dispatch.Workers = 9
	a.applyConfig(context.Background(), oldCfg, &newCfg)

	a.mu.Lock()
	b := a.batch
	a.mu.Unlock()
	assert.Equal(t, "01:30", b.executeAt)
	assert.Equal(t, 9, b.opt.Workers)
}

func mustNotifier(t *testing.T, cfg *config.Config) notifier.Config {
	t.Helper()
	n, err := mapNotifierConfig(cfg)
	require.NoError(t, err)
	return n
}
