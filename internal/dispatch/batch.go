package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"recurpay/internal/eventbus"
	"recurpay/internal/payment"
	logx "recurpay/pkg/logx"
)

// tally collects per-record outcomes of one pass.
type tally struct {
	mu  sync.Mutex
	rep Report
}

func (t *tally) ok() {
	t.mu.Lock()
	t.rep.Posted++
	t.mu.Unlock()
}

func (t *tally) conflict() {
	t.mu.Lock()
	t.rep.Conflicts++
	t.mu.Unlock()
}

func (t *tally) fail(e RecordError) {
	t.mu.Lock()
	t.rep.Failed++
	if len(t.rep.Errors) < maxReportErrors {
		t.rep.Errors = append(t.rep.Errors, e)
	}
	t.mu.Unlock()
}

// fanOut calls fn for every record with at most workers in flight. A panic in
// fn is recovered and handed to onPanic; it never stops the other records.
func fanOut(ctx context.Context, workers int, items []payment.RecurringPayment,
	fn func(context.Context, payment.RecurringPayment),
	onPanic func(payment.RecurringPayment, error)) {
	var g errgroup.Group
	g.SetLimit(workers)
	for _, p := range items {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					onPanic(p, fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
				}
			}()
			fn(ctx, p)
			return nil
		})
	}
	_ = g.Wait()
}

func begin(kind Kind, today time.Time) *tally {
	return &tally{rep: Report{Kind: kind, Date: today.Format(time.DateOnly), StartedAt: time.Now()}}
}

// finish stamps the duration, records metrics and publishes batch.finished.
func finish(t *tally, m *Metrics, bus eventbus.Bus, log logx.Logger) Report {
	t.mu.Lock()
	rep := t.rep
	t.mu.Unlock()
	rep.Duration = time.Since(rep.StartedAt)
	m.record(rep)
	bus.Publish(eventbus.Event{Type: eventbus.BatchFinished, Data: rep})

	fields := []logx.Field{
		logx.String("kind", string(rep.Kind)),
		logx.String("date", rep.Date),
		logx.Int("candidates", rep.Candidates),
		logx.Int("ok", rep.Posted),
		logx.Int("failed", rep.Failed),
		logx.Int("conflicts", rep.Conflicts),
		logx.Duration("took", rep.Duration),
	}
	switch {
	case rep.Aborted != "":
		log.Error("batch aborted", append(fields, logx.String("err", rep.Aborted))...)
	case rep.Failed > 0:
		log.Warn("batch finished with failures", fields...)
	default:
		log.Info("batch finished", fields...)
	}
	return rep
}
