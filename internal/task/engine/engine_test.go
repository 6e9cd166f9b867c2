package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recurpay/internal/eventbus"
	logx "recurpay/pkg/logx"
)

func newTestEngine(cfg Config) *Service {
	cfg.Enabled = true
	return New(cfg, logx.Nop(), eventbus.New())
}

func TestRunNowSkipsOverlap(t *testing.T) {
	s := newTestEngine(Config{CircuitTripFailures: -1})
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- s.RunNow(context.Background(), Task{
			Name: "payments.execute",
			Opt:  TaskOptions{Overlap: OverlapSkipIfRunning},
			Run: func(context.Context) error {
				close(started)
				<-release
				return nil
			},
		})
	}()
	<-started
	assert.True(t, s.Running("payments.execute"))

	err := s.RunNow(context.Background(), Task{
		Name: "payments.execute",
		Opt:  TaskOptions{Overlap: OverlapSkipIfRunning},
		Run:  func(context.Context) error { return nil },
	})
	require.ErrorIs(t, err, ErrOverlapSkip)

	// A different name is not gated.
	require.NoError(t, s.RunNow(context.Background(), Task{
		Name: "payments.remind",
		Opt:  TaskOptions{Overlap: OverlapSkipIfRunning},
		Run:  func(context.Context) error { return nil },
	}))

	close(release)
	require.NoError(t, <-done)
	assert.False(t, s.Running("payments.execute"))
	assert.Equal(t, uint64(1), s.Snapshot().Skipped)
}

func TestNoRetryStopsRetries(t *testing.T) {
	s := newTestEngine(Config{RetryMax: 3, CircuitTripFailures: -1})
	var calls atomic.Int32
	boom := errors.New("query failed")

	err := s.RunNow(context.Background(), Task{
		Name: "payments.execute",
		Opt:  TaskOptions{RetryBase: time.Millisecond},
		Run: func(context.Context) error {
			calls.Add(1)
			return NoRetry(boom)
		},
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, IsNoRetry(err), "the marker is stripped from the recorded error")
	assert.Equal(t, int32(1), calls.Load())

	h := s.Snapshot().History
	require.Len(t, h, 1)
	assert.Equal(t, 1, h[0].Attempts)
	assert.Contains(t, h[0].Error, "query failed")
}

func TestRetriesUntilSuccess(t *testing.T) {
	s := newTestEngine(Config{RetryMax: 2, CircuitTripFailures: -1})
	var calls atomic.Int32

	err := s.RunNow(context.Background(), Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPanicBecomesError(t *testing.T) {
	s := newTestEngine(Config{CircuitTripFailures: -1})
	err := s.RunNow(context.Background(), Task{
		Name: "panicky",
		Opt:  TaskOptions{RetryMax: -1},
		Run:  func(context.Context) error { panic("bad record") },
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad record")
}

func TestTimeoutApplies(t *testing.T) {
	s := newTestEngine(Config{CircuitTripFailures: -1})
	err := s.RunNow(context.Background(), Task{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Opt:     TaskOptions{RetryMax: -1},
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	s := newTestEngine(Config{CircuitTripFailures: 2, CircuitBaseDelay: time.Minute})
	fail := Task{
		Name: "downstream",
		Opt:  TaskOptions{RetryMax: -1},
		Run:  func(context.Context) error { return errors.New("down") },
	}
	require.Error(t, s.RunNow(context.Background(), fail))
	require.Error(t, s.RunNow(context.Background(), fail))

	err := s.RunNow(context.Background(), fail)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, []string{"downstream"}, s.Snapshot().CircuitOpen)
}

func TestCircuitDisabledPerTask(t *testing.T) {
	s := newTestEngine(Config{CircuitTripFailures: 1, CircuitBaseDelay: time.Minute})
	fail := Task{
		Name: "payments.remind",
		Opt:  TaskOptions{RetryMax: -1, CircuitTripFailures: -1},
		Run:  func(context.Context) error { return errors.New("down") },
	}
	for range 3 {
		err := s.RunNow(context.Background(), fail)
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrCircuitOpen)
	}
}

func TestEnqueueRequiresRunningEngine(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }})
	require.ErrorIs(t, err, ErrDisabled)

	s = newTestEngine(Config{})
	err = s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }})
	require.ErrorIs(t, err, ErrStopped)
}

func TestWorkersExecuteQueuedTasks(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(Config{Enabled: true, Workers: 2, CircuitTripFailures: -1}, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	var ran atomic.Bool
	require.NoError(t, s.Enqueue(Task{
		Name: "payments.execute",
		Opt:  TaskOptions{Overlap: OverlapSkipIfRunning},
		Run: func(context.Context) error {
			ran.Store(true)
			return nil
		},
	}))

	require.Eventually(t, func() bool {
		return len(s.Snapshot().History) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, ran.Load())

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Contains(t, types, EventStarted)
	assert.Contains(t, types, EventFinished)
}
