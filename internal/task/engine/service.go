package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"recurpay/internal/eventbus"
	rtsup "recurpay/internal/runtime/supervisor"
	logx "recurpay/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	stateMu sync.Mutex
	states  map[string]*RunState

	circuits circuitSet

	hmu     sync.Mutex
	history []HistoryItem

	idSeq    atomic.Uint64
	inFlight atomic.Int32

	skipped          atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64
	lastDropWarnAt   atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
	state      *RunState
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		states: make(map[string]*RunState),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Supervisor returns the worker supervisor, or nil when stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Apply swaps the config. Workers restart when the pool shape changes.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if !running {
		if cfg.Enabled && !prev.Enabled {
			s.Start(ctx)
		}
		return
	}
	if !cfg.Enabled || prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	stopCh, queue, sup := s.stopCh, s.q, s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	go func() {
		// Workers finish their current task before exiting; the caller may
		// stop waiting earlier.
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.drainLocked()
		s.q, s.stopCh, s.stopDone, s.sup = nil, nil, nil, nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		sup.Cancel()
		s.log.Warn("task engine stop timed out; cancelling in-flight tasks", logx.Err(ctx.Err()))
	}
}

// drainLocked releases overlap state held by tasks that never ran.
func (s *Service) drainLocked() {
	for {
		select {
		case qt := <-s.q:
			if qt.state != nil {
				qt.state.release()
			}
		default:
			return
		}
	}
}

// Enqueue adds a task without blocking; a full queue drops it.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit blocks until the task is queued, ctx is done or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) prepare(t *Task) (Config, TaskOptions, error) {
	if t.Run == nil {
		return Config{}, TaskOptions{}, errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return Config{}, TaskOptions{}, errors.New("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if t.Timeout <= 0 {
		t.Timeout = cfg.DefaultTimeout
	}
	return cfg, t.Opt.withDefaults(cfg), nil
}

// admit applies the circuit breaker and the overlap policy. The returned
// state, when non-nil, must be released once the run ends.
func (s *Service) admit(now time.Time, t Task, cfg Config, opt TaskOptions) (*RunState, error) {
	if open, until := s.circuits.isOpen(now, t.Name, cfg, opt); open {
		s.skip(now, t, "circuit_open", logx.Time("until", until))
		s.remember(cfg, HistoryItem{ID: t.ID, Name: t.Name, Started: now, Error: "circuit_open"})
		return nil, ErrCircuitOpen
	}
	if opt.Overlap != OverlapSkipIfRunning {
		return nil, nil
	}
	st := s.stateFor(t.Name)
	if !st.tryAcquire() {
		s.skip(now, t, "overlap_skip")
		return nil, ErrOverlapSkip
	}
	return st, nil
}

func (s *Service) skip(now time.Time, t Task, reason string, fields ...logx.Field) {
	s.skipped.Add(1)
	s.bus.Publish(eventbus.Event{Type: EventSkipped, Time: now, Data: TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: reason}})
	s.log.Info("task skipped", append([]logx.Field{logx.String("task", t.Name), logx.String("reason", reason)}, fields...)...)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	cfg, opt, err := s.prepare(&t)
	if err != nil {
		return err
	}

	s.mu.Lock()
	q, stopCh, stopping := s.q, s.stopCh, s.stopDone != nil
	s.mu.Unlock()
	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case q == nil:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	now := time.Now()
	st, err := s.admit(now, t, cfg, opt)
	if err != nil {
		return err
	}
	qt := queuedTask{task: t, enqueuedAt: now, timeout: t.Timeout, opt: opt, state: st}
	unadmit := func() {
		if st != nil {
			st.release()
		}
	}

	if !block {
		select {
		case q <- qt:
			return nil
		default:
			unadmit()
			s.onQueueFull(now, t, q)
			return ErrQueueFull
		}
	}
	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		unadmit()
		return ctx.Err()
	case <-stopCh:
		unadmit()
		return ErrStopping
	}
}

// RunNow executes t on the calling goroutine with the same overlap policy,
// timeout, retry and history handling as queued tasks. It works whether or
// not the worker pool is running.
func (s *Service) RunNow(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, opt, err := s.prepare(&t)
	if err != nil {
		return err
	}
	now := time.Now()
	st, err := s.admit(now, t, cfg, opt)
	if err != nil {
		return err
	}
	return s.execOne(ctx, nil, queuedTask{task: t, enqueuedAt: now, timeout: t.Timeout, opt: opt, state: st})
}

// Running reports whether a task with the given name is queued or running
// under OverlapSkipIfRunning.
func (s *Service) Running(name string) bool {
	s.stateMu.Lock()
	st := s.states[strings.TrimSpace(name)]
	s.stateMu.Unlock()
	return st != nil && st.Running()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		Skipped:          s.skipped.Load(),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		CircuitOpen:      s.circuits.open(time.Now()),
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) stateFor(name string) *RunState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[name]
	if st == nil {
		st = &RunState{}
		s.states[name] = st
	}
	return st
}

func (s *Service) remember(cfg Config, item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := len(s.history) - cfg.HistorySize; n > 0 {
		s.history = append(s.history[:0:0], s.history[n:]...)
	}
	s.hmu.Unlock()
}

func (s *Service) shouldWarn(now time.Time) bool {
	prev := s.lastDropWarnAt.Load()
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return s.lastDropWarnAt.CompareAndSwap(prev, n)
}

func (s *Service) onQueueFull(now time.Time, t Task, q chan queuedTask) {
	s.droppedQueueFull.Add(1)
	s.bus.Publish(eventbus.Event{Type: EventDropped, Time: now, Data: TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"}})
	if s.shouldWarn(now) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", s.droppedQueueFull.Load()),
		)
	}
}

func (s *Service) onStale(now time.Time, t Task, delay time.Duration) {
	s.droppedStale.Add(1)
	s.bus.Publish(eventbus.Event{Type: EventDropped, Time: now, Data: TaskEvent{ID: t.ID, Name: t.Name, Started: now, QueueDelay: delay, Error: "stale_queue_delay"}})
	if s.shouldWarn(now) {
		s.log.Warn("task dropped: stale queue",
			logx.String("task", t.Name),
			logx.Duration("queue_delay", delay),
		)
	}
}
