package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"recurpay/internal/dispatch"
	"recurpay/internal/recurrence"
	"recurpay/internal/runlock"
	"recurpay/internal/task/engine"
	logx "recurpay/pkg/logx"
)

const (
	TaskExecute = "payments.execute"
	TaskRemind  = "payments.remind"
)

// batchTaskOptions: a pass never overlaps itself, is never retried by the
// engine (the next scheduled pass is the retry) and never trips the breaker.
func batchTaskOptions() engine.TaskOptions {
	return engine.TaskOptions{
		Overlap:             engine.OverlapSkipIfRunning,
		RetryMax:            -1,
		CircuitTripFailures: -1,
	}
}

func (a *App) executeJob(ctx context.Context) error {
	_, err := a.runPass(ctx, dispatch.KindExecute, a.today())
	return err
}

func (a *App) remindJob(ctx context.Context) error {
	_, err := a.runPass(ctx, dispatch.KindRemind, a.today())
	return err
}

// today is the current calendar date in the scheduler's timezone.
func (a *App) today() time.Time {
	return recurrence.Date(time.Now(), a.sched.Location())
}

// runPass runs one batch under the cluster-wide run lock. A pass skipped
// because another instance holds the lock is not an error.
func (a *App) runPass(ctx context.Context, kind dispatch.Kind, today time.Time) (dispatch.Report, error) {
	a.mu.Lock()
	exec, rem := a.executor, a.reminder
	a.mu.Unlock()

	var rep dispatch.Report
	err := runlock.Run(ctx, a.lock, "payments."+string(kind), a.lockTTL, func(ctx context.Context) error {
		var err error
		switch kind {
		case dispatch.KindExecute:
			rep, err = exec.Run(ctx, today)
		case dispatch.KindRemind:
			if !a.notif.Enabled() {
				a.log.Debug("reminder pass skipped: notifier disabled")
				return nil
			}
			rep, err = rem.Run(ctx, today)
		default:
			return engine.NoRetry(fmt.Errorf("unknown batch kind %q", kind))
		}
		if err != nil {
			return engine.NoRetry(err)
		}
		return nil
	})
	if errors.Is(err, runlock.ErrHeld) {
		a.log.Info("batch skipped: run lock held elsewhere",
			logx.String("kind", string(kind)),
			logx.Date("date", today),
		)
		return rep, nil
	}
	return rep, err
}

// RunOnce runs a single pass through the task engine for date (today in the
// scheduler timezone when zero) and returns its report. It does not require
// Start.
func (a *App) RunOnce(ctx context.Context, kind dispatch.Kind, date time.Time) (dispatch.Report, error) {
	var name string
	switch kind {
	case dispatch.KindExecute:
		name = TaskExecute
	case dispatch.KindRemind:
		name = TaskRemind
	default:
		return dispatch.Report{}, fmt.Errorf("unknown batch kind %q", kind)
	}
	if date.IsZero() {
		date = a.today()
	} else {
		date = recurrence.Date(date, date.Location())
	}

	a.mu.Lock()
	timeout := a.batch.timeout
	a.mu.Unlock()

	var rep dispatch.Report
	err := a.engine.RunNow(ctx, engine.Task{
		Name:    name,
		Timeout: timeout,
		Opt:     batchTaskOptions(),
		Run: func(ctx context.Context) error {
			var err error
			rep, err = a.runPass(ctx, kind, date)
			return err
		},
	})
	return rep, err
}
