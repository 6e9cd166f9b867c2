// Package app wires the payment engine: config, logging, storage, the
// ledger and notification clients, the batch dispatchers and the task
// engine that runs them on a schedule.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"recurpay/internal/config"
	"recurpay/internal/dispatch"
	"recurpay/internal/eventbus"
	"recurpay/internal/ledger"
	"recurpay/internal/notifier"
	"recurpay/internal/observability/status"
	"recurpay/internal/runlock"
	supervisor "recurpay/internal/runtime/supervisor"
	"recurpay/internal/storage"
	"recurpay/internal/task/engine"
	"recurpay/internal/task/scheduler"
	"recurpay/internal/transport"
	"recurpay/internal/transport/telegram"
	logx "recurpay/pkg/logx"
	"recurpay/pkg/systemd"
)

type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopOnceDone   StopReason = "once_done"
)

type options struct {
	lookup          func(string) (string, bool)
	telegramOffline bool
}

type Option func(*options)

// WithEnvLookup replaces os.LookupEnv for RECURPAY_* overrides.
func WithEnvLookup(fn func(string) (string, bool)) Option {
	return func(o *options) { o.lookup = fn }
}

// WithTelegramOffline skips the Telegram getMe check when alerts are configured.
func WithTelegramOffline() Option {
	return func(o *options) { o.telegramOffline = true }
}

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	store   storage.Store
	lock    runlock.Locker
	lockTTL time.Duration
	ledger  *ledger.Client
	notif   *notifier.Client
	metrics *dispatch.Metrics

	engine *engine.Service
	sched  *scheduler.Service
	status *status.Service

	mu       sync.Mutex
	batch    batchConfig
	executor *dispatch.Executor
	reminder *dispatch.Reminder

	sup       *supervisor.Supervisor
	startedAt time.Time
	closeOnce sync.Once
}

// New loads the config at cfgPath and constructs every component. Nothing
// runs until Start; RunOnce may be used without Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	o := options{lookup: os.LookupEnv}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfgm.SetEnvLookup(o.lookup)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateRuntime(cfg) })
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	var alerts transport.Sender
	if token := strings.TrimSpace(cfg.Telegram.Token); token != "" {
		tg, err := telegram.New(telegram.Config{Token: token, Offline: o.telegramOffline}, logx.NewConsole(cfg.Logging.Level))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		alerts = tg
	}
	logs, log := logx.New(mapLoggingConfig(cfg), alerts)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgm:    cfgm,
		logs:    logs,
		log:     log,
		bus:     eventbus.New(),
		metrics: &dispatch.Metrics{},
	}
	if err := a.build(ctx, cfg); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config) error {
	scfg, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(ctx, scfg, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	lcfg, err := mapLockConfig(cfg)
	if err != nil {
		return err
	}
	a.lockTTL = lcfg.ttl
	switch lcfg.driver {
	case "redis":
		r, err := runlock.NewRedis(ctx, lcfg.redis)
		if err != nil {
			return fmt.Errorf("lock: %w", err)
		}
		a.lock = r
	default:
		a.lock = runlock.NewLocal()
	}

	ledgerCfg, err := mapLedgerConfig(cfg)
	if err != nil {
		return err
	}
	if a.ledger, err = ledger.New(ledgerCfg); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(ncfg, a.log.With(logx.String("comp", "notifier")))

	ecfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(ecfg, a.log.With(logx.String("comp", "engine")), a.bus)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.engine, a.log.With(logx.String("comp", "scheduler")))

	stcfg, err := mapStatusConfig(cfg)
	if err != nil {
		return err
	}
	a.status = status.New(stcfg, a.statusDoc, a.log.With(logx.String("comp", "status")))

	bcfg, err := mapBatchConfig(cfg)
	if err != nil {
		return err
	}
	a.setBatch(bcfg)
	return nil
}

func (a *App) setBatch(b batchConfig) {
	exec := dispatch.NewExecutor(a.store, a.ledger, a.bus, a.metrics, a.log.With(logx.String("comp", "executor")), b.opt)
	rem := dispatch.NewReminder(a.store, a.notif, a.bus, a.metrics, a.log.With(logx.String("comp", "reminder")), b.opt)
	a.mu.Lock()
	a.batch = b
	a.executor = exec
	a.reminder = rem
	a.mu.Unlock()
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Metrics() dispatch.MetricsSnapshot { return a.metrics.Snapshot() }

// Done is closed when the app's run context ends (Stop or a fatal
// supervised error). It is nil before Start.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.startedAt = time.Now()
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	runCtx := a.sup.Context()

	a.engine.Start(runCtx)
	if err := a.registerSchedules(); err != nil {
		a.sup.Cancel()
		return err
	}
	a.sched.Start(runCtx)
	a.status.Start(runCtx)

	events, unsub := a.bus.Subscribe(64)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.startConfigReload()
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := systemd.RunWatchdog(c, a.healthy); err != nil {
			a.log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	})

	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}

	snap := a.sched.Snapshot()
	a.log.Info("started",
		logx.Bool("scheduler", snap.Enabled),
		logx.String("timezone", snap.Timezone),
		logx.Bool("status", a.status.Enabled()),
	)
	return nil
}

func (a *App) healthy() bool {
	return a.sup != nil && a.sup.Err() == nil
}

func (a *App) registerSchedules() error {
	a.mu.Lock()
	b := a.batch
	a.mu.Unlock()
	if err := a.sched.Add(TaskExecute, b.executeAt, b.timeout, batchTaskOptions(), a.executeJob); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	if err := a.sched.Add(TaskRemind, b.remindAt, b.timeout, batchTaskOptions(), a.remindJob); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("systemd notify failed", logx.Err(err))
	}

	a.sup.Cancel()

	// step bounds one shutdown action so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Triggers first, then the engine drains whatever batch is in flight.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 10*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("status", 1*time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	a.closeResources()
	return nil
}

// closeResources releases storage, the run lock and log sinks. Safe to
// call more than once.
func (a *App) closeResources() {
	a.closeOnce.Do(func() {
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				a.log.Warn("storage close failed", logx.Err(err))
			}
		}
		if a.lock != nil {
			if err := a.lock.Close(); err != nil {
				a.log.Warn("lock close failed", logx.Err(err))
			}
		}
		if a.logs != nil {
			_ = a.logs.Close()
		}
	})
}

// Close releases resources of an app that was never started.
func (a *App) Close() error {
	if a.sup != nil {
		return errors.New("app is running; use Stop")
	}
	a.closeResources()
	return nil
}
