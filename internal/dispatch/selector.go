package dispatch

import (
	"context"
	"time"

	"recurpay/internal/payment"
	"recurpay/internal/recurrence"
	"recurpay/internal/storage"
)

// Selector loads the candidates of each pass.
type Selector struct {
	store storage.Store
}

func NewSelector(store storage.Store) Selector { return Selector{store: store} }

// ExecutionCandidates returns active, auto-executing records due on or before today.
func (s Selector) ExecutionCandidates(ctx context.Context, today time.Time) ([]payment.RecurringPayment, error) {
	return s.store.DueForExecution(ctx, today)
}

// ReminderCandidates returns active records whose reminder date is exactly today.
func (s Selector) ReminderCandidates(ctx context.Context, today time.Time) ([]payment.RecurringPayment, error) {
	all, err := s.store.ReminderCandidates(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, p := range all {
		if p.RemindBeforeDays > 0 && recurrence.SameDate(recurrence.ReminderDate(p.NextPaymentDate, p.RemindBeforeDays), today) {
			out = append(out, p)
		}
	}
	return out, nil
}
