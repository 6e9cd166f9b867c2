package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recurpay/internal/task/engine"
	logx "recurpay/pkg/logx"
)

type recordingEnqueuer struct {
	mu    sync.Mutex
	tasks []engine.Task
}

func (r *recordingEnqueuer) Enqueue(t engine.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, t)
	return nil
}

func (r *recordingEnqueuer) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Name)
	}
	return out
}

func noop(context.Context) error { return nil }

func TestAddUpsertsByName(t *testing.T) {
	s := New(Config{Enabled: true, Timezone: "UTC"}, nil, logx.Nop())
	require.NoError(t, s.Add("payments.execute", "0 0 * * *", 0, engine.TaskOptions{}, noop))
	require.NoError(t, s.Add("payments.execute", "30 0 * * *", 0, engine.TaskOptions{}, noop))
	require.NoError(t, s.AddDaily("payments.remind", "08:00", 0, engine.TaskOptions{}, noop))

	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 2)
	assert.Equal(t, "30 0 * * *", snap.Schedules[0].Spec)
	assert.Equal(t, "0 8 * * *", snap.Schedules[1].Spec)

	assert.True(t, s.Remove("payments.remind"))
	assert.False(t, s.Remove("payments.remind"))
	assert.Len(t, s.Snapshot().Schedules, 1)
}

func TestAddRejectsBadSpec(t *testing.T) {
	s := New(Config{Enabled: true}, nil, logx.Nop())
	require.Error(t, s.Add("payments.execute", "whenever", 0, engine.TaskOptions{}, noop))
	require.Error(t, s.Add("", "0 0 * * *", 0, engine.TaskOptions{}, noop))
	assert.Empty(t, s.Snapshot().Schedules)
}

func TestStartComputesNextInTimezone(t *testing.T) {
	s := New(Config{Enabled: true, Timezone: "Asia/Jakarta"}, nil, logx.Nop())
	require.NoError(t, s.Add("payments.execute", "0 0 * * *", 0, engine.TaskOptions{}, noop))

	s.Start(context.Background())
	defer s.Stop(context.Background())

	snap := s.Snapshot()
	require.True(t, snap.Running)
	assert.Equal(t, "Asia/Jakarta", snap.Timezone)
	next := snap.Schedules[0].Next
	require.False(t, next.IsZero())
	local := next.In(s.Location())
	assert.Equal(t, 0, local.Hour())
	assert.Equal(t, 0, local.Minute())
}

func TestTriggerEnqueuesNamedTask(t *testing.T) {
	rec := &recordingEnqueuer{}
	s := New(Config{Enabled: true}, rec, logx.Nop())
	require.NoError(t, s.Add("payments.execute", "* * * * * *", time.Minute, engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning}, noop))

	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return len(rec.names()) > 0 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "payments.execute", rec.names()[0])

	rec.mu.Lock()
	first := rec.tasks[0]
	rec.mu.Unlock()
	assert.Equal(t, time.Minute, first.Timeout)
	assert.Equal(t, engine.OverlapSkipIfRunning, first.Opt.Overlap)
	assert.NotZero(t, s.Snapshot().Schedules[0].Fired)
}

func TestDisabledSchedulerDoesNotStart(t *testing.T) {
	s := New(Config{Enabled: false}, nil, logx.Nop())
	s.Start(context.Background())
	assert.False(t, s.Snapshot().Running)
}
