package dispatch

import (
	"context"
	"fmt"
	"time"

	"recurpay/internal/eventbus"
	"recurpay/internal/notifier"
	"recurpay/internal/payment"
	"recurpay/internal/storage"
	logx "recurpay/pkg/logx"
)

// Reminder runs the reminder pass. It never writes to the store.
type Reminder struct {
	sel      Selector
	notifier notifier.Sender
	bus      eventbus.Bus
	log      logx.Logger
	metrics  *Metrics
	opt      Options
}

func NewReminder(store storage.Store, sender notifier.Sender, bus eventbus.Bus, metrics *Metrics, log logx.Logger, opt Options) *Reminder {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reminder{
		sel:      NewSelector(store),
		notifier: sender,
		bus:      bus,
		log:      log.With(logx.String("comp", "dispatch.remind")),
		metrics:  metrics,
		opt:      opt,
	}
}

// ReminderMessage builds the reminder for p.
func ReminderMessage(p payment.RecurringPayment) notifier.Message {
	return notifier.Message{
		OwnerID: p.OwnerID,
		Title:   "Upcoming payment: " + p.Name,
		Body: fmt.Sprintf("In %d day(s), on %s, the recurring payment of %s will be charged.",
			p.RemindBeforeDays, p.NextPaymentDate.Format(time.DateOnly), p.Amount.StringFixed(2)),
		Key: "remind|" + p.ID + "|" + p.NextPaymentDate.Format(time.DateOnly),
	}
}

// Run notifies the owners of every record whose reminder date is today.
func (r *Reminder) Run(ctx context.Context, today time.Time) (Report, error) {
	t := begin(KindRemind, today)
	due, err := r.sel.ReminderCandidates(ctx, today)
	if err != nil {
		err = fmt.Errorf("load reminder candidates: %w", err)
		t.rep.Aborted = err.Error()
		return finish(t, r.metrics, r.bus, r.log), err
	}
	t.rep.Candidates = len(due)

	fanOut(ctx, r.opt.workers(), due,
		func(ctx context.Context, p payment.RecurringPayment) { r.remind(ctx, t, p, today) },
		func(p payment.RecurringPayment, err error) { r.failed(t, p, today, ReasonPanic, err) },
	)
	return finish(t, r.metrics, r.bus, r.log), nil
}

func (r *Reminder) remind(ctx context.Context, t *tally, p payment.RecurringPayment, today time.Time) {
	if err := r.notifier.Notify(ctx, ReminderMessage(p)); err != nil {
		r.failed(t, p, today, ReasonNotify, err)
		return
	}
	t.ok()
	r.log.Debug("reminder sent", logx.String("id", p.ID), logx.String("owner", p.OwnerID), logx.Date("due", p.NextPaymentDate))
	r.bus.Publish(eventbus.Event{Type: eventbus.ReminderSent, Data: PaymentEvent{
		ID: p.ID, OwnerID: p.OwnerID, Name: p.Name, Date: today.Format(time.DateOnly), NextDate: p.NextPaymentDate.Format(time.DateOnly),
	}})
}

func (r *Reminder) failed(t *tally, p payment.RecurringPayment, today time.Time, reason string, err error) {
	date := today.Format(time.DateOnly)
	t.fail(RecordError{ID: p.ID, OwnerID: p.OwnerID, Date: date, Reason: reason, Error: err.Error()})
	r.log.Warn("reminder failed", logx.String("id", p.ID), logx.String("owner", p.OwnerID),
		logx.String("reason", reason), logx.Err(err))
	r.bus.Publish(eventbus.Event{Type: eventbus.ReminderFailed, Data: PaymentEvent{
		ID: p.ID, OwnerID: p.OwnerID, Name: p.Name, Date: date, Reason: reason, Error: err.Error(),
	}})
}
