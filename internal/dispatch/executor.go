package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"recurpay/internal/eventbus"
	"recurpay/internal/ledger"
	"recurpay/internal/payment"
	"recurpay/internal/recurrence"
	"recurpay/internal/storage"
	logx "recurpay/pkg/logx"
)

// NotePrefix marks ledger entries created by the engine.
const NotePrefix = "[AUTO] "

// idempotencyNamespace scopes the v5 idempotency keys of ledger posts.
var idempotencyNamespace = uuid.MustParse("6f1c2a52-5b7e-4f43-9d4e-3c0f8f2b1a77")

// IdempotencyKey is stable for one occurrence of one record, so a re-post of
// the same occurrence carries the same key.
func IdempotencyKey(id string, next time.Time) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(id+"|"+next.Format(time.DateOnly))).String()
}

// Executor runs the execution pass.
type Executor struct {
	sel     Selector
	store   storage.Store
	ledger  ledger.Poster
	bus     eventbus.Bus
	log     logx.Logger
	metrics *Metrics
	opt     Options
}

func NewExecutor(store storage.Store, poster ledger.Poster, bus eventbus.Bus, metrics *Metrics, log logx.Logger, opt Options) *Executor {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{
		sel:     NewSelector(store),
		store:   store,
		ledger:  poster,
		bus:     bus,
		log:     log.With(logx.String("comp", "dispatch.execute")),
		metrics: metrics,
		opt:     opt,
	}
}

// Run posts and advances every record due on or before today. The returned
// error is non-nil only when the candidate query failed.
func (e *Executor) Run(ctx context.Context, today time.Time) (Report, error) {
	t := begin(KindExecute, today)
	due, err := e.sel.ExecutionCandidates(ctx, today)
	if err != nil {
		err = fmt.Errorf("load execution candidates: %w", err)
		t.rep.Aborted = err.Error()
		return finish(t, e.metrics, e.bus, e.log), err
	}
	t.rep.Candidates = len(due)

	fanOut(ctx, e.opt.workers(), due,
		func(ctx context.Context, p payment.RecurringPayment) { e.execute(ctx, t, p, today) },
		func(p payment.RecurringPayment, err error) { e.failed(t, p, today, ReasonPanic, err) },
	)
	return finish(t, e.metrics, e.bus, e.log), nil
}

func (e *Executor) execute(ctx context.Context, t *tally, p payment.RecurringPayment, today time.Time) {
	// The next date is computed before posting so a broken rule never
	// produces a ledger entry.
	next, err := recurrence.Next(p.Rule(), today)
	if err != nil {
		e.failed(t, p, today, ReasonContract, err)
		return
	}

	err = e.ledger.CreateTransaction(ctx, ledger.Entry{
		OwnerID:        p.OwnerID,
		Amount:         p.Amount,
		CategoryID:     p.CategoryID,
		BudgetID:       p.BudgetID,
		Note:           NotePrefix + p.Name,
		Date:           today,
		IdempotencyKey: IdempotencyKey(p.ID, p.NextPaymentDate),
	})
	if err != nil {
		e.failed(t, p, today, ReasonLedger, err)
		return
	}

	err = e.store.Advance(ctx, p.ID, p.NextPaymentDate, today, next)
	switch {
	case err == nil:
		t.ok()
		e.log.Info("payment posted",
			logx.String("id", p.ID), logx.String("owner", p.OwnerID), logx.String("name", p.Name),
			logx.Date("date", today), logx.Date("next", next))
		e.bus.Publish(eventbus.Event{Type: eventbus.PaymentPosted, Data: PaymentEvent{
			ID: p.ID, OwnerID: p.OwnerID, Name: p.Name, Date: today.Format(time.DateOnly), NextDate: next.Format(time.DateOnly),
		}})
	case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrNotFound):
		// Another pass advanced it, or it was deleted, after we loaded it.
		t.conflict()
		e.log.Warn("payment advance lost",
			logx.String("id", p.ID), logx.String("owner", p.OwnerID), logx.Date("expected", p.NextPaymentDate), logx.Err(err))
		e.bus.Publish(eventbus.Event{Type: eventbus.PaymentConflict, Data: PaymentEvent{
			ID: p.ID, OwnerID: p.OwnerID, Name: p.Name, Date: today.Format(time.DateOnly), Error: err.Error(),
		}})
	default:
		e.failed(t, p, today, ReasonStore, err)
	}
}

func (e *Executor) failed(t *tally, p payment.RecurringPayment, today time.Time, reason string, err error) {
	date := today.Format(time.DateOnly)
	t.fail(RecordError{ID: p.ID, OwnerID: p.OwnerID, Date: date, Reason: reason, Error: err.Error()})
	fields := []logx.Field{
		logx.String("id", p.ID), logx.String("owner", p.OwnerID), logx.String("name", p.Name),
		logx.String("date", date), logx.String("reason", reason), logx.Err(err),
	}
	if reason == ReasonContract || reason == ReasonPanic {
		e.log.Error("payment failed", fields...)
	} else {
		e.log.Warn("payment failed", fields...)
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.PaymentFailed, Data: PaymentEvent{
		ID: p.ID, OwnerID: p.OwnerID, Name: p.Name, Date: date, Reason: reason, Error: err.Error(),
	}})
}
