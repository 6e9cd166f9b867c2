package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"recurpay/internal/eventbus"
	logx "recurpay/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedTask) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			_ = s.execOne(ctx, stopCh, qt)
		}
	}
}

// execOne runs a task to completion including retries and returns its final error.
func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask) error {
	if qt.state != nil {
		defer qt.state.release()
	}
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	t := qt.task
	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.onStale(start, t, queueDelay)
		s.remember(cfg, HistoryItem{ID: t.ID, Name: t.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		return fmt.Errorf("%s: stale after %s", t.Name, queueDelay)
	}

	log := s.log.With(logx.String("task", t.Name), logx.String("task_id", t.ID))
	log.Debug("task started", logx.Duration("queue_delay", queueDelay))
	s.bus.Publish(eventbus.Event{Type: EventStarted, Time: start, Data: TaskEvent{ID: t.ID, Name: t.Name, Started: start, QueueDelay: queueDelay}})

	rng := rand.New(rand.NewSource(start.UnixNano()))
	var err error
	attempts := 0
	for attempt := 1; attempt <= 1+qt.opt.RetryMax; attempt++ {
		attempts = attempt
		err = runGuarded(ctx, t, qt.timeout, log)
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt > qt.opt.RetryMax {
			break
		}
		delay := backoffDelay(qt.opt, attempt, rng)
		log.Debug("task retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		if werr := waitRetry(ctx, stopCh, delay); werr != nil {
			err = werr
			break
		}
	}

	dur := time.Since(start)
	item := HistoryItem{ID: t.ID, Name: t.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	ev := TaskEvent{ID: t.ID, Name: t.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		log.Warn("task failed", logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.bus.Publish(eventbus.Event{Type: EventFailed, Data: ev})
	} else {
		log.Info("task completed", logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.bus.Publish(eventbus.Event{Type: EventFinished, Data: ev})
	}

	s.circuits.record(time.Now(), t.Name, cfg, qt.opt, err)
	s.remember(cfg, item)
	return err
}

// runGuarded runs one attempt under its timeout and turns a panic into an error.
func runGuarded(ctx context.Context, t Task, timeout time.Duration, log logx.Logger) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("task panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return t.Run(ctx)
}

func waitRetry(ctx context.Context, stopCh <-chan struct{}, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return ErrStopping
	case <-tmr.C:
		return nil
	}
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry && d < opt.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, opt.RetryMaxDelay)
	if opt.RetryJitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * opt.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
